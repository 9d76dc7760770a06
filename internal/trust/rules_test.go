package trust

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newRulePredictor(t *testing.T) *RulePredictor {
	t.Helper()
	return NewRulePredictor(DefaultConfig(), zap.NewNop())
}

func TestTimeScore_BusinessHoursBonus(t *testing.T) {
	p := newRulePredictor(t)

	weekday := p.TimeScore(10, time.Tuesday)
	if weekday <= 100 {
		t.Errorf("business-hours weekday score = %v, want > 100", weekday)
	}
}

func TestTimeScore_OffHoursPenalty(t *testing.T) {
	p := newRulePredictor(t)

	evening := p.TimeScore(22, time.Tuesday)
	if evening >= 100 {
		t.Errorf("off-hours score = %v, want < 100", evening)
	}

	lateNight := p.TimeScore(23, time.Tuesday)
	if lateNight >= evening {
		t.Errorf("late night (%v) should score below evening (%v)", lateNight, evening)
	}
}

func TestTimeScore_WeekendPenalty(t *testing.T) {
	p := newRulePredictor(t)

	weekday := p.TimeScore(10, time.Tuesday)
	saturday := p.TimeScore(10, time.Saturday)
	sunday := p.TimeScore(10, time.Sunday)

	if saturday >= weekday {
		t.Errorf("saturday score %v should be below weekday score %v", saturday, weekday)
	}
	if sunday != saturday {
		t.Errorf("sunday (%v) and saturday (%v) should score identically", sunday, saturday)
	}
}

func TestTimeScore_MidnightAndEarlyMorningStack(t *testing.T) {
	p := newRulePredictor(t)

	// Midnight: 100 - 40 (off hours) - 50 (midnight) = 10
	if got := p.TimeScore(0, time.Wednesday); got != 10 {
		t.Errorf("midnight score = %v, want 10", got)
	}

	// 3am: 100 - 40 (off hours) - 30 (early morning) = 30
	if got := p.TimeScore(3, time.Wednesday); got != 30 {
		t.Errorf("3am score = %v, want 30", got)
	}
}

func TestTimeScore_Bounds(t *testing.T) {
	p := newRulePredictor(t)

	for hour := 0; hour < 24; hour++ {
		for day := time.Sunday; day <= time.Saturday; day++ {
			score := p.TimeScore(hour, day)
			if score < 0 || score > 120 {
				t.Errorf("TimeScore(%d, %v) = %v outside [0, 120]", hour, day, score)
			}
		}
	}
}

func TestLocationScore_DistanceBands(t *testing.T) {
	p := newRulePredictor(t)

	tests := []struct {
		distance float64
		want     float64
	}{
		{0, 120},    // same location bonus
		{5, 110},    // nearby
		{30, 105},   // same region
		{80, 90},    // different city
		{300, 70},   // different state
		{5000, 50},  // different continent
	}

	for _, tt := range tests {
		if got := p.LocationScore(tt.distance, 0); got != tt.want {
			t.Errorf("LocationScore(%v, 0) = %v, want %v", tt.distance, got, tt.want)
		}
	}
}

func TestLocationScore_MonotonicPenalty(t *testing.T) {
	p := newRulePredictor(t)

	if p.LocationScore(0, 0.5) <= p.LocationScore(5000, 0.5) {
		t.Error("same-location score should exceed far-distance score")
	}
}

func TestLocationScore_ConsistencyBonus(t *testing.T) {
	p := newRulePredictor(t)

	low := p.LocationScore(80, 0)
	high := p.LocationScore(80, 1)
	if high-low != 20 {
		t.Errorf("full consistency bonus = %v, want 20", high-low)
	}

	// Out-of-range consistency is clamped, not rejected
	if got := p.LocationScore(80, 5); got != high {
		t.Errorf("oversized consistency should clamp to 1, got %v want %v", got, high)
	}
}

func TestBehaviorScore_FailedAttemptBands(t *testing.T) {
	p := newRulePredictor(t)

	clean := p.BehaviorScore(0, 5, 0)
	noisy := p.BehaviorScore(10, 100, 0)
	if clean <= noisy {
		t.Errorf("clean history (%v) should outscore noisy history (%v)", clean, noisy)
	}

	// Band edges: 2 failed is a lighter penalty than 5
	if p.BehaviorScore(2, 5, 0) <= p.BehaviorScore(5, 5, 0) {
		t.Error("2 failed attempts should outscore 5")
	}
}

func TestBehaviorScore_AccountAgeBonus(t *testing.T) {
	p := newRulePredictor(t)

	newAccount := p.BehaviorScore(1, 20, 0)
	monthOld := p.BehaviorScore(1, 20, 30)
	yearOld := p.BehaviorScore(1, 20, 365)

	if monthOld-newAccount != 5 {
		t.Errorf("30-day bonus = %v, want 5", monthOld-newAccount)
	}
	if yearOld-newAccount != 20 {
		t.Errorf("365-day bonus = %v, want 20", yearOld-newAccount)
	}
}

func TestBehaviorScore_Clamped(t *testing.T) {
	p := newRulePredictor(t)

	// 100 + 15 + 10 + 20 = 145, clamped to 120
	if got := p.BehaviorScore(0, 0, 400); got != 120 {
		t.Errorf("best-case behavior score = %v, want 120", got)
	}
}

func TestDeviceScore_KnownDevices(t *testing.T) {
	p := newRulePredictor(t)

	ua := "Mozilla/5.0 (X11; Linux x86_64)"
	known := []string{"203.0.113.40", UserAgentSignature(ua)}

	// Known IP and known user agent: 100 + 25 + 15 = 140, clamped to 100
	if got := p.DeviceScore("203.0.113.40", ua, known); got != 100 {
		t.Errorf("fully known device = %v, want 100", got)
	}

	// Unknown everything, public IP: 100 - 20 - 10 = 70
	if got := p.DeviceScore("198.51.100.7", "curl/8.0", nil); got != 70 {
		t.Errorf("unknown device = %v, want 70", got)
	}
}

func TestDeviceScore_PrivateRangeBonus(t *testing.T) {
	p := newRulePredictor(t)

	public := p.DeviceScore("198.51.100.7", "curl/8.0", nil)

	for _, ip := range []string{"10.1.2.3", "172.16.0.5", "172.31.255.1", "192.168.1.10"} {
		private := p.DeviceScore(ip, "curl/8.0", nil)
		if private-public != 10 {
			t.Errorf("private range bonus for %s = %v, want 10", ip, private-public)
		}
	}

	// 172.32.x.x is outside the private range
	if got := p.DeviceScore("172.32.0.1", "curl/8.0", nil); got != public {
		t.Errorf("172.32.0.1 should score as public, got %v want %v", got, public)
	}
}

func TestComposite_WeightNormalization(t *testing.T) {
	p := newRulePredictor(t)

	// Weights scaled by a constant factor must not change the result
	scaled := NewRulePredictor(Config{
		BusinessHoursStart:     9,
		BusinessHoursEnd:       18,
		GeoDistanceThresholdKM: 100,
		SuspiciousThreshold:    50,
		PasskeyThreshold:       30,
		Weights:                Weights{Time: 2.5, Location: 3.0, Behavior: 2.5, Device: 2.0},
	}, zap.NewNop())

	a := p.Composite(110, 90, 100, 85)
	b := scaled.Composite(110, 90, 100, 85)
	if a != b {
		t.Errorf("scaled weights changed composite: %v vs %v", a, b)
	}
}

func TestComposite_ClampedToHundred(t *testing.T) {
	p := newRulePredictor(t)

	if got := p.Composite(120, 120, 120, 100); got != 100 {
		t.Errorf("composite of max sub-scores = %v, want 100", got)
	}
	if got := p.Composite(0, 0, 0, 0); got != 0 {
		t.Errorf("composite of min sub-scores = %v, want 0", got)
	}
}

func TestPredictFallback_BusinessScenario(t *testing.T) {
	p := newRulePredictor(t)

	// hour=10, 50km from last login, clean history, low rate: the composite
	// lands above 100 before the final clamp regardless of weekday
	pred := p.PredictFallback(FeatureVector{Hour: 10, GeoDistanceKM: 50, FailedAttempts: 0, APIRate: 5})

	if pred.TrustScore != 100 {
		t.Errorf("trust score = %d, want 100", pred.TrustScore)
	}
	if pred.IsSuspicious {
		t.Error("business-hours clean login should not be suspicious")
	}
	if pred.RequirePasskey {
		t.Error("high-trust login should not require a passkey")
	}
	if pred.NewLocation {
		t.Error("50km is below the 100km new-location threshold")
	}
}

func TestPredict_SuspiciousFlagTracksThreshold(t *testing.T) {
	p := newRulePredictor(t)

	// Worst-case time, far location, hostile behavior signals
	pred := p.Predict(Signals{
		Features:  FeatureVector{Hour: 3, GeoDistanceKM: 5000, FailedAttempts: 10, APIRate: 200},
		DayOfWeek: time.Tuesday,
	})

	if pred.TrustScore >= 50 && pred.IsSuspicious {
		t.Errorf("score %d >= 50 must not be suspicious on the rule path", pred.TrustScore)
	}
	if pred.TrustScore < 50 && !pred.IsSuspicious {
		t.Errorf("score %d < 50 must be suspicious", pred.TrustScore)
	}
}

func TestPredict_NewLocationIndependentOfScore(t *testing.T) {
	p := newRulePredictor(t)

	pred := p.PredictFallback(FeatureVector{Hour: 10, GeoDistanceKM: 150, FailedAttempts: 0, APIRate: 1})
	if !pred.NewLocation {
		t.Error("150km must flag a new location even for a high-trust login")
	}

	pred = p.PredictFallback(FeatureVector{Hour: 10, GeoDistanceKM: 100, FailedAttempts: 0, APIRate: 1})
	if pred.NewLocation {
		t.Error("exactly 100km must not flag a new location (threshold is exclusive)")
	}
}

func TestPredict_PasskeyEscalation(t *testing.T) {
	// All weight on the time sub-score so midnight drives the composite
	// below the passkey threshold
	cfg := DefaultConfig()
	cfg.Weights = Weights{Time: 1}
	p := NewRulePredictor(cfg, zap.NewNop())

	sig := Signals{
		Features:  FeatureVector{Hour: 0, GeoDistanceKM: 0, FailedAttempts: 0, APIRate: 0},
		DayOfWeek: time.Tuesday,
	}

	pred := p.Predict(sig)
	if pred.TrustScore >= 30 {
		t.Fatalf("scenario should produce a sub-30 score, got %d", pred.TrustScore)
	}
	if !pred.RequirePasskey {
		t.Error("sub-30 score with escalation enabled must require a passkey")
	}

	// Escalation disabled: the flag stays down at any score
	cfg.PasskeyEscalation = false
	p = NewRulePredictor(cfg, zap.NewNop())
	if p.Predict(sig).RequirePasskey {
		t.Error("passkey flag must stay down when escalation is disabled")
	}
}

func TestPredict_ScoreAlwaysBounded(t *testing.T) {
	p := newRulePredictor(t)

	vectors := []FeatureVector{
		{Hour: 0, GeoDistanceKM: 0, FailedAttempts: 0, APIRate: 0},
		{Hour: 23, GeoDistanceKM: 20000, FailedAttempts: 1000, APIRate: 100000},
		{Hour: -5, GeoDistanceKM: -10, FailedAttempts: -1, APIRate: -1},
		{Hour: 12, GeoDistanceKM: 50, FailedAttempts: 2, APIRate: 30},
	}

	for _, v := range vectors {
		pred := p.PredictFallback(v)
		if pred.TrustScore < 0 || pred.TrustScore > 100 {
			t.Errorf("PredictFallback(%+v) score %d outside [0, 100]", v, pred.TrustScore)
		}
	}
}
