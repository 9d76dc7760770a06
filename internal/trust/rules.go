package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"time"

	"go.uber.org/zap"
)

// Weights holds the composite weighting for the four sub-scores. Custom
// weight sets are normalized to sum to 1 before use.
type Weights struct {
	Time     float64 `json:"time" mapstructure:"time"`
	Location float64 `json:"location" mapstructure:"location"`
	Behavior float64 `json:"behavior" mapstructure:"behavior"`
	Device   float64 `json:"device" mapstructure:"device"`
}

// DefaultWeights returns the standard composite weighting.
func DefaultWeights() Weights {
	return Weights{Time: 0.25, Location: 0.30, Behavior: 0.25, Device: 0.20}
}

// normalized scales the weights so they sum to 1. A degenerate all-zero set
// falls back to the defaults.
func (w Weights) normalized() Weights {
	total := w.Time + w.Location + w.Behavior + w.Device
	if total <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Time:     w.Time / total,
		Location: w.Location / total,
		Behavior: w.Behavior / total,
		Device:   w.Device / total,
	}
}

// Config configures the scoring engine: thresholds and flag policy shared by
// both predictors, plus the rule-path business-hour window and weights.
type Config struct {
	// Business-hour window, inclusive on both ends
	BusinessHoursStart int
	BusinessHoursEnd   int

	// Geo distance above which a login counts as a new location (km)
	GeoDistanceThresholdKM float64

	// Score thresholds for flag derivation
	SuspiciousThreshold int
	PasskeyThreshold    int

	// PasskeyEscalation controls whether RequirePasskey is ever raised.
	// Several deployments route all low-trust logins through email codes
	// instead; the engine computes the flag only when this is on.
	PasskeyEscalation bool

	Weights Weights
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		BusinessHoursStart:     9,
		BusinessHoursEnd:       18,
		GeoDistanceThresholdKM: 100,
		SuspiciousThreshold:    50,
		PasskeyThreshold:       30,
		PasskeyEscalation:      true,
		Weights:                DefaultWeights(),
	}
}

// Fallback assumptions used when the rule predictor stands in for the model
// and the caller tracks only the four core signals.
const (
	fallbackLocationConsistency = 0.5
	fallbackAccountAgeDays      = 30
	fallbackDeviceScore         = 85.0
)

// RulePredictor computes a trust score from four independent sub-scores
// combined by weighted average. It serves both as the model fallback and as
// the decomposed scorer when callers supply the richer signals.
type RulePredictor struct {
	config Config
	logger *zap.Logger
}

// NewRulePredictor creates a rule-based predictor.
func NewRulePredictor(config Config, logger *zap.Logger) *RulePredictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RulePredictor{
		config: config,
		logger: logger.With(zap.String("component", "rule_predictor")),
	}
}

// TimeScore scores the login hour against business-hour and off-hour
// patterns. Range 0-120; the midnight and early-morning penalties stack on
// top of the off-hour penalty.
func (p *RulePredictor) TimeScore(hour int, dayOfWeek time.Weekday) float64 {
	score := 100.0

	if hour >= p.config.BusinessHoursStart && hour <= p.config.BusinessHoursEnd {
		score += 20
	} else if hour < 6 || hour > 22 {
		score -= 40
	} else {
		score -= 20
	}

	if dayOfWeek == time.Saturday || dayOfWeek == time.Sunday {
		score -= 15
	}

	if hour == 0 {
		score -= 50
	} else if hour >= 1 && hour <= 5 {
		score -= 30
	}

	return clamp(score, 0, 120)
}

// LocationScore scores the geographic distance from the previous login plus
// the user's historical location consistency (0-1). Range 0-120.
func (p *RulePredictor) LocationScore(geoDistanceKM, locationConsistency float64) float64 {
	score := 100.0

	switch {
	case geoDistanceKM == 0:
		score += 20
	case geoDistanceKM <= 10:
		score += 10
	case geoDistanceKM <= 50:
		score += 5
	case geoDistanceKM <= 100:
		score -= 10
	case geoDistanceKM <= 500:
		score -= 30
	default:
		score -= 50
	}

	score += clamp(locationConsistency, 0, 1) * 20

	return clamp(score, 0, 120)
}

// BehaviorScore scores failed-attempt history, request rate, and account
// tenure. Range 0-120.
func (p *RulePredictor) BehaviorScore(failedAttempts, apiRate, accountAgeDays int) float64 {
	score := 100.0

	switch {
	case failedAttempts == 0:
		score += 15
	case failedAttempts <= 2:
		score -= 10
	case failedAttempts <= 5:
		score -= 25
	default:
		score -= 50
	}

	switch {
	case apiRate <= 10:
		score += 10
	case apiRate <= 50:
		score -= 5
	case apiRate <= 100:
		score -= 15
	default:
		score -= 30
	}

	switch {
	case accountAgeDays >= 365:
		score += 20
	case accountAgeDays >= 90:
		score += 10
	case accountAgeDays >= 30:
		score += 5
	}

	return clamp(score, 0, 120)
}

// DeviceScore scores IP and user-agent consistency against the user's known
// device signatures. Range 0-100.
func (p *RulePredictor) DeviceScore(ipAddress, userAgent string, knownDevices []string) float64 {
	score := 100.0

	known := make(map[string]struct{}, len(knownDevices))
	for _, d := range knownDevices {
		known[d] = struct{}{}
	}

	if _, ok := known[ipAddress]; ok {
		score += 25
	} else {
		score -= 20
	}

	if _, ok := known[UserAgentSignature(userAgent)]; ok {
		score += 15
	} else {
		score -= 10
	}

	if ip := net.ParseIP(ipAddress); ip != nil && ip.IsPrivate() {
		score += 10
	}

	return clamp(score, 0, 100)
}

// UserAgentSignature derives the stable device signature stored in the
// known-device set for a user-agent string.
func UserAgentSignature(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	// 16 hex chars is enough to avoid collisions within one user's devices
	return hex.EncodeToString(sum[:8])
}

// Composite combines the four sub-scores by weighted average, rounded to 2
// decimal places and clamped to 0-100.
func (p *RulePredictor) Composite(timeScore, locationScore, behaviorScore, deviceScore float64) float64 {
	w := p.config.Weights.normalized()
	composite := timeScore*w.Time +
		locationScore*w.Location +
		behaviorScore*w.Behavior +
		deviceScore*w.Device
	return round2(clamp(composite, 0, 100))
}

// Signals carries the full decomposed input set for the rule predictor.
// Callers that only track the core four fall back to PredictFallback.
type Signals struct {
	Features            FeatureVector
	DayOfWeek           time.Weekday
	LocationConsistency float64  // 0-1
	AccountAgeDays      int
	IPAddress           string
	UserAgent           string
	KnownDevices        []string
}

// Predict computes the composite trust score and flags from the decomposed
// signal set.
func (p *RulePredictor) Predict(sig Signals) Prediction {
	f := sig.Features.Normalize()

	timeScore := p.TimeScore(f.Hour, sig.DayOfWeek)
	locationScore := p.LocationScore(f.GeoDistanceKM, sig.LocationConsistency)
	behaviorScore := p.BehaviorScore(f.FailedAttempts, f.APIRate, sig.AccountAgeDays)
	deviceScore := p.DeviceScore(sig.IPAddress, sig.UserAgent, sig.KnownDevices)

	composite := p.Composite(timeScore, locationScore, behaviorScore, deviceScore)
	score := int(composite)

	pred := p.derive(score, f.GeoDistanceKM)

	p.logger.Debug("rule-based prediction",
		zap.Float64("time_score", timeScore),
		zap.Float64("location_score", locationScore),
		zap.Float64("behavior_score", behaviorScore),
		zap.Float64("device_score", deviceScore),
		zap.Float64("composite", composite),
		zap.Int("trust_score", pred.TrustScore),
		zap.Bool("is_suspicious", pred.IsSuspicious),
	)

	return pred
}

// PredictFallback scores the four core signals with the documented fixed
// assumptions for everything the caller does not track: location consistency
// 0.5, account age 30 days, device score 85.
func (p *RulePredictor) PredictFallback(features FeatureVector) Prediction {
	f := features.Normalize()

	timeScore := p.TimeScore(f.Hour, time.Now().UTC().Weekday())
	locationScore := p.LocationScore(f.GeoDistanceKM, fallbackLocationConsistency)
	behaviorScore := p.BehaviorScore(f.FailedAttempts, f.APIRate, fallbackAccountAgeDays)

	composite := p.Composite(timeScore, locationScore, behaviorScore, fallbackDeviceScore)
	return p.derive(int(composite), f.GeoDistanceKM)
}

// derive applies the flag thresholds to a final composite score. The rule
// path has no outlier classification, so IsSuspicious reduces to the score
// threshold alone.
func (p *RulePredictor) derive(score int, geoDistanceKM float64) Prediction {
	return Prediction{
		TrustScore:     score,
		IsSuspicious:   score < p.config.SuspiciousThreshold,
		RequirePasskey: p.config.PasskeyEscalation && score < p.config.PasskeyThreshold,
		NewLocation:    geoDistanceKM > p.config.GeoDistanceThresholdKM,
	}
}
