package trust

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

// stubModel implements Model with canned outputs
type stubModel struct {
	class int
	score float64
}

func (m stubModel) Classify(FeatureVector) int          { return m.class }
func (m stubModel) DecisionScore(FeatureVector) float64 { return m.score }

func TestModelPredictor_LoadedGating(t *testing.T) {
	p := NewModelPredictor(DefaultConfig(), zap.NewNop())

	if p.Loaded() {
		t.Error("predictor should start unavailable")
	}

	p.SetModel(stubModel{class: 1, score: 0.3})
	if !p.Loaded() {
		t.Error("predictor should be available after SetModel")
	}
}

func TestModelPredictor_UnavailableDegradesConservatively(t *testing.T) {
	p := NewModelPredictor(DefaultConfig(), zap.NewNop())

	// Callers check Loaded first; if they do not, the result must fail
	// toward extra verification, never toward granting trust
	pred := p.Predict(FeatureVector{Hour: 10})
	if pred.TrustScore != 0 || !pred.IsSuspicious {
		t.Errorf("unloaded predict = %+v, want conservative zero-trust result", pred)
	}
}

func TestModelPredictor_DecisionScoreMapping(t *testing.T) {
	tests := []struct {
		name  string
		model stubModel
		want  int
	}{
		// trust = round(100*(score+0.5)); normal sub-80 scores get +20
		{"normal mid score boosted", stubModel{class: 1, score: 0.1}, 80},
		{"normal high score not boosted", stubModel{class: 1, score: 0.35}, 85},
		{"normal low score boosted", stubModel{class: 1, score: -0.2}, 50},
		{"outlier not boosted", stubModel{class: -1, score: -0.3}, 20},
		{"clamped high", stubModel{class: 1, score: 3.0}, 100},
		{"clamped low", stubModel{class: -1, score: -2.0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewModelPredictor(DefaultConfig(), zap.NewNop())
			p.SetModel(tt.model)

			pred := p.Predict(FeatureVector{Hour: 10, GeoDistanceKM: 5})
			if pred.TrustScore != tt.want {
				t.Errorf("trust score = %d, want %d", pred.TrustScore, tt.want)
			}
		})
	}
}

func TestModelPredictor_TrustIncreasesWithDecisionScore(t *testing.T) {
	cfg := DefaultConfig()

	scores := []float64{-0.4, -0.2, 0.0, 0.2, 0.4}
	prev := -1
	for _, s := range scores {
		p := NewModelPredictor(cfg, zap.NewNop())
		p.SetModel(stubModel{class: -1, score: s}) // outlier class avoids the boost step
		pred := p.Predict(FeatureVector{Hour: 10})
		if pred.TrustScore < prev {
			t.Errorf("trust must be non-decreasing in decision score, got %d after %d", pred.TrustScore, prev)
		}
		prev = pred.TrustScore
	}
}

func TestModelPredictor_Flags(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("outlier is suspicious even with high trust", func(t *testing.T) {
		p := NewModelPredictor(cfg, zap.NewNop())
		p.SetModel(stubModel{class: -1, score: 0.4}) // trust 90
		pred := p.Predict(FeatureVector{Hour: 10})
		if !pred.IsSuspicious {
			t.Error("outlier classification must set is_suspicious")
		}
	})

	t.Run("low trust is suspicious without outlier class", func(t *testing.T) {
		p := NewModelPredictor(cfg, zap.NewNop())
		p.SetModel(stubModel{class: -1, score: -0.1}) // trust 40
		pred := p.Predict(FeatureVector{Hour: 10})
		if !pred.IsSuspicious {
			t.Error("trust below 50 must set is_suspicious")
		}
	})

	t.Run("passkey below 30", func(t *testing.T) {
		p := NewModelPredictor(cfg, zap.NewNop())
		p.SetModel(stubModel{class: -1, score: -0.3}) // trust 20
		pred := p.Predict(FeatureVector{Hour: 10})
		if !pred.RequirePasskey {
			t.Error("trust below 30 must require a passkey")
		}
	})

	t.Run("passkey policy toggle", func(t *testing.T) {
		off := cfg
		off.PasskeyEscalation = false
		p := NewModelPredictor(off, zap.NewNop())
		p.SetModel(stubModel{class: -1, score: -0.3})
		pred := p.Predict(FeatureVector{Hour: 10})
		if pred.RequirePasskey {
			t.Error("passkey flag must stay down when escalation is disabled")
		}
	})

	t.Run("new location threshold", func(t *testing.T) {
		p := NewModelPredictor(cfg, zap.NewNop())
		p.SetModel(stubModel{class: 1, score: 0.4})
		if !p.Predict(FeatureVector{Hour: 10, GeoDistanceKM: 101}).NewLocation {
			t.Error("101km must flag a new location")
		}
		if p.Predict(FeatureVector{Hour: 10, GeoDistanceKM: 99}).NewLocation {
			t.Error("99km must not flag a new location")
		}
	})
}

// writeForest writes a forest artifact to a temp file and returns its path
func writeForest(t *testing.T, forest IsolationForest) string {
	t.Helper()
	data, err := json.Marshal(forest)
	if err != nil {
		t.Fatalf("marshal forest: %v", err)
	}
	path := filepath.Join(t.TempDir(), "trust_model.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write forest: %v", err)
	}
	return path
}

// smallForest builds a forest of single-split trees on the hour feature
func smallForest() IsolationForest {
	tree := []forestNode{
		{Feature: 0, Threshold: 11.5, Left: 1, Right: 2},
		{Feature: -1, Size: 100},
		{Feature: -1, Size: 28},
	}
	return IsolationForest{
		Trees:      [][]forestNode{tree, tree, tree},
		MaxSamples: 128,
		Offset:     -0.6,
	}
}

func TestLoadIsolationForest(t *testing.T) {
	path := writeForest(t, smallForest())

	forest, err := LoadIsolationForest(path)
	if err != nil {
		t.Fatalf("LoadIsolationForest: %v", err)
	}
	if len(forest.Trees) != 3 {
		t.Errorf("trees = %d, want 3", len(forest.Trees))
	}
}

func TestLoadIsolationForest_Invalid(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadIsolationForest(filepath.Join(t.TempDir(), "absent.json")); err == nil {
			t.Error("expected error for missing artifact")
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		os.WriteFile(path, []byte("{not json"), 0o600)
		if _, err := LoadIsolationForest(path); err == nil {
			t.Error("expected error for malformed artifact")
		}
	})

	t.Run("no trees", func(t *testing.T) {
		path := writeForest(t, IsolationForest{MaxSamples: 128})
		if _, err := LoadIsolationForest(path); err == nil {
			t.Error("expected error for empty forest")
		}
	})

	t.Run("invalid max samples", func(t *testing.T) {
		f := smallForest()
		f.MaxSamples = 0
		path := writeForest(t, f)
		if _, err := LoadIsolationForest(path); err == nil {
			t.Error("expected error for invalid max_samples")
		}
	})
}

func TestIsolationForest_DecisionScore(t *testing.T) {
	forest := smallForest()

	// The raw anomaly score lives in (-1, 0); deeper isolation means closer
	// to 0, so the leaf with more training samples scores as more normal
	normal := forest.scoreSamples(FeatureVector{Hour: 10}.Floats())
	if normal >= 0 || normal <= -1 {
		t.Errorf("scoreSamples = %v, want within (-1, 0)", normal)
	}

	outlierSide := forest.scoreSamples(FeatureVector{Hour: 23}.Floats())
	if outlierSide >= normal {
		t.Errorf("small leaf (%v) should score as more anomalous than large leaf (%v)", outlierSide, normal)
	}

	// Decision score shifts by the offset; classification follows its sign
	for _, hour := range []int{3, 10, 23} {
		f := FeatureVector{Hour: hour}
		want := 1
		if forest.DecisionScore(f) < 0 {
			want = -1
		}
		if got := forest.Classify(f); got != want {
			t.Errorf("Classify(hour=%d) = %d, want %d", hour, got, want)
		}
	}
}

func TestModelPredictor_LoadArtifact(t *testing.T) {
	p := NewModelPredictor(DefaultConfig(), zap.NewNop())

	if err := p.LoadArtifact(writeForest(t, smallForest())); err != nil {
		t.Fatalf("LoadArtifact: %v", err)
	}
	if !p.Loaded() {
		t.Error("predictor should be available after LoadArtifact")
	}

	pred := p.Predict(FeatureVector{Hour: 10, GeoDistanceKM: 5, FailedAttempts: 0, APIRate: 3})
	if pred.TrustScore < 0 || pred.TrustScore > 100 {
		t.Errorf("trust score %d outside [0, 100]", pred.TrustScore)
	}
}

func TestModelPredictor_LoadArtifactFailureLeavesUnavailable(t *testing.T) {
	p := NewModelPredictor(DefaultConfig(), zap.NewNop())

	if err := p.LoadArtifact(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected load error")
	}
	if p.Loaded() {
		t.Error("failed load must leave the predictor unavailable")
	}
}
