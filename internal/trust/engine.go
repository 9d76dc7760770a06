package trust

import (
	"go.uber.org/zap"

	"github.com/guardpost/guardpost/internal/metrics"
)

// Engine is the single predict-trust entry point for the login flow. It
// dispatches to the model-backed predictor when an artifact is loaded and to
// the rule-based predictor otherwise. Every call is independent; the engine
// holds no per-call state and needs no locking.
type Engine struct {
	model  *ModelPredictor
	rules  *RulePredictor
	config Config
	logger *zap.Logger
}

// NewEngine creates a scoring engine. The model predictor may start empty;
// availability is re-checked on every prediction so a model loaded later is
// picked up without restart.
func NewEngine(config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		model:  NewModelPredictor(config, logger),
		rules:  NewRulePredictor(config, logger),
		config: config,
		logger: logger.With(zap.String("component", "trust_engine")),
	}
}

// LoadModel loads the forest artifact. A load failure is logged and leaves
// the engine on the rule-based path; it never propagates to login handling.
func (e *Engine) LoadModel(path string) {
	if path == "" {
		e.logger.Info("no trust model configured, using rule-based scoring")
		return
	}
	if err := e.model.LoadArtifact(path); err != nil {
		e.logger.Warn("trust model unavailable, using rule-based scoring",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

// SetModel publishes a model directly, bypassing the artifact loader.
func (e *Engine) SetModel(m Model) {
	e.model.SetModel(m)
}

// ModelLoaded reports whether the model-backed path is available.
func (e *Engine) ModelLoaded() bool {
	return e.model.Loaded()
}

// Rules exposes the rule-based predictor for callers that track the full
// decomposed signal set.
func (e *Engine) Rules() *RulePredictor {
	return e.rules
}

// Predict scores a login attempt from the four core signals. Model path when
// available, rule fallback otherwise.
func (e *Engine) Predict(features FeatureVector) Prediction {
	var pred Prediction
	path := "model"

	if e.model.Loaded() {
		pred = e.model.Predict(features)
	} else {
		path = "fallback"
		pred = e.rules.PredictFallback(features)
	}

	metrics.RecordTrustPrediction(path, pred.TrustScore, pred.IsSuspicious)
	return pred
}

// PredictDecomposed scores a login attempt from the full rule-path signal
// set. The model path still wins when loaded; the richer signals only feed
// the rule predictor.
func (e *Engine) PredictDecomposed(sig Signals) Prediction {
	if e.model.Loaded() {
		pred := e.model.Predict(sig.Features)
		metrics.RecordTrustPrediction("model", pred.TrustScore, pred.IsSuspicious)
		return pred
	}
	pred := e.rules.Predict(sig)
	metrics.RecordTrustPrediction("rules", pred.TrustScore, pred.IsSuspicious)
	return pred
}
