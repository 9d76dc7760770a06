package trust

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// Model is the contract the model-backed predictor needs from the trained
// anomaly detector: a binary outlier classification and a real-valued
// decision score, both over the fixed four-feature vector.
type Model interface {
	// Classify returns -1 for an outlier and 1 for a normal sample.
	Classify(features FeatureVector) int
	// DecisionScore returns the raw decision-function value, sign-centered
	// around 0. Higher means more normal.
	DecisionScore(features FeatureVector) float64
}

// forestNode is one node of a serialized isolation tree. Feature -1 marks a
// leaf; Size is the number of training samples that reached it.
type forestNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

// IsolationForest evaluates an isolation-forest artifact exported by the
// offline training job. The artifact is immutable after load and safe for
// concurrent use.
type IsolationForest struct {
	Trees      [][]forestNode `json:"trees"`
	MaxSamples int            `json:"max_samples"`
	Offset     float64        `json:"offset"`
	Version    string         `json:"version,omitempty"`
}

// LoadIsolationForest reads and validates a JSON forest artifact from disk.
func LoadIsolationForest(path string) (*IsolationForest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var forest IsolationForest
	if err := json.Unmarshal(data, &forest); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}

	if len(forest.Trees) == 0 {
		return nil, fmt.Errorf("model artifact %s contains no trees", path)
	}
	if forest.MaxSamples < 2 {
		return nil, fmt.Errorf("model artifact %s has invalid max_samples %d", path, forest.MaxSamples)
	}
	for i, tree := range forest.Trees {
		if len(tree) == 0 {
			return nil, fmt.Errorf("model artifact %s: tree %d is empty", path, i)
		}
	}

	return &forest, nil
}

// averagePathLength is the expected path length c(n) of an unsuccessful
// search in a binary search tree over n samples.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649015329 // harmonic number approximation
	return 2*h - 2*float64(n-1)/float64(n)
}

// pathLength traverses one tree for the given sample, counting edges and
// adding the leaf's average path length for its remaining samples.
func pathLength(tree []forestNode, x [4]float64) float64 {
	depth := 0.0
	idx := 0
	for {
		node := tree[idx]
		if node.Feature < 0 || node.Feature > 3 {
			return depth + averagePathLength(node.Size)
		}
		if x[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		if idx < 0 || idx >= len(tree) {
			// Malformed reference; treat the current depth as terminal
			return depth
		}
		depth++
	}
}

// scoreSamples computes the anomaly score in (-1, 0): closer to -1 is more
// anomalous, closer to 0 is more normal.
func (f *IsolationForest) scoreSamples(x [4]float64) float64 {
	total := 0.0
	for _, tree := range f.Trees {
		total += pathLength(tree, x)
	}
	mean := total / float64(len(f.Trees))
	return -math.Pow(2, -mean/averagePathLength(f.MaxSamples))
}

// DecisionScore implements Model.
func (f *IsolationForest) DecisionScore(features FeatureVector) float64 {
	return f.scoreSamples(features.Normalize().Floats()) - f.Offset
}

// Classify implements Model.
func (f *IsolationForest) Classify(features FeatureVector) int {
	if f.DecisionScore(features) < 0 {
		return -1
	}
	return 1
}

// Trust score boost for normal-classified logins that the detector
// under-scores; compensates for benign but slightly unusual patterns.
const (
	boostBelow  = 80
	boostAmount = 20
)

// ModelPredictor wraps a loaded anomaly model and converts its decision
// score into a bounded trust score. The model reference is published
// atomically exactly once, so predictions are lock-free and concurrent
// first-callers cannot observe a partial load.
type ModelPredictor struct {
	model  atomic.Pointer[modelBox]
	config Config
	logger *zap.Logger
}

// modelBox wraps the interface so it can live in an atomic.Pointer.
type modelBox struct {
	model Model
}

// NewModelPredictor creates a model-backed predictor with no model loaded.
// Call LoadArtifact or SetModel before Predict; Loaded reports availability.
func NewModelPredictor(config Config, logger *zap.Logger) *ModelPredictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelPredictor{
		config: config,
		logger: logger.With(zap.String("component", "model_predictor")),
	}
}

// LoadArtifact loads the forest artifact from disk and publishes it. Load
// failure leaves the predictor unavailable; it is not a fatal error, the
// engine falls back to the rule path.
func (p *ModelPredictor) LoadArtifact(path string) error {
	forest, err := LoadIsolationForest(path)
	if err != nil {
		return err
	}
	p.model.Store(&modelBox{model: forest})
	p.logger.Info("trust model loaded",
		zap.String("path", path),
		zap.Int("trees", len(forest.Trees)),
		zap.String("version", forest.Version),
	)
	return nil
}

// SetModel publishes an already-constructed model. Used by tests and by
// deployments that serve the model from a remote artifact store.
func (p *ModelPredictor) SetModel(m Model) {
	p.model.Store(&modelBox{model: m})
}

// Loaded reports whether a model is available. The engine checks this before
// dispatching rather than recovering from a failed prediction.
func (p *ModelPredictor) Loaded() bool {
	return p.model.Load() != nil
}

// Predict converts the model's decision score into a 0-100 trust score and
// derives the risk flags. The decision score maps linearly through
// round(100*(score+0.5)): higher decision score means more normal, so trust
// increases with it. The inverted mapping that subtracted the score from 100
// produced the opposite polarity and is intentionally not supported.
func (p *ModelPredictor) Predict(features FeatureVector) Prediction {
	box := p.model.Load()
	if box == nil {
		// Callers must check Loaded first; degrade to a conservative
		// suspicious result rather than panic.
		return Prediction{TrustScore: 0, IsSuspicious: true, RequirePasskey: p.config.PasskeyEscalation}
	}

	f := features.Normalize()
	classification := box.model.Classify(f)
	decision := box.model.DecisionScore(f)

	score := int(math.Round(clamp(100*(decision+0.5), 0, 100)))

	if classification == 1 && score < boostBelow {
		score += boostAmount
		if score > 100 {
			score = 100
		}
	}

	pred := Prediction{
		TrustScore:     score,
		IsSuspicious:   classification == -1 || score < p.config.SuspiciousThreshold,
		RequirePasskey: p.config.PasskeyEscalation && score < p.config.PasskeyThreshold,
		NewLocation:    f.GeoDistanceKM > p.config.GeoDistanceThresholdKM,
	}

	p.logger.Debug("model prediction",
		zap.Int("classification", classification),
		zap.Float64("decision_score", decision),
		zap.Int("trust_score", pred.TrustScore),
		zap.Bool("is_suspicious", pred.IsSuspicious),
	)

	return pred
}
