// Package trust implements the login trust-scoring engine for GuardPost.
//
// Two predictors share one contract: a model-backed predictor wrapping a
// pre-trained isolation forest, and a rule-based predictor built from four
// weighted sub-scores. The engine dispatches to the model when an artifact is
// loaded and falls back to the rules otherwise.
package trust

import "math"

// FeatureVector holds the four raw login signals, always in this order:
// hour, geographic distance, failed attempts, API rate.
type FeatureVector struct {
	Hour           int     `json:"hour"`             // 0-23, hour of the attempt
	GeoDistanceKM  float64 `json:"geo_distance_km"`  // distance from last known login location
	FailedAttempts int     `json:"failed_attempts"`  // prior attempts flagged suspicious
	APIRate        int     `json:"api_rate"`         // attempts in the trailing window
}

// Normalize clamps out-of-domain values into the supported ranges. The engine
// never rejects a vector; degenerate input degrades to a conservative score
// instead of surfacing an error to the login flow.
func (f FeatureVector) Normalize() FeatureVector {
	if f.Hour < 0 {
		f.Hour = 0
	}
	if f.Hour > 23 {
		f.Hour = 23
	}
	if f.GeoDistanceKM < 0 || math.IsNaN(f.GeoDistanceKM) || math.IsInf(f.GeoDistanceKM, 0) {
		f.GeoDistanceKM = 0
	}
	if f.FailedAttempts < 0 {
		f.FailedAttempts = 0
	}
	if f.APIRate < 0 {
		f.APIRate = 0
	}
	return f
}

// Floats returns the vector in the fixed feature order expected by the model.
func (f FeatureVector) Floats() [4]float64 {
	return [4]float64{float64(f.Hour), f.GeoDistanceKM, float64(f.FailedAttempts), float64(f.APIRate)}
}

// Prediction is the result every predictor hands back to the login flow.
type Prediction struct {
	TrustScore     int  `json:"trust_score"`     // 0-100, higher is more trustworthy
	IsSuspicious   bool `json:"is_suspicious"`   // outlier classification or score below threshold
	RequirePasskey bool `json:"require_passkey"` // score below the passkey escalation threshold
	NewLocation    bool `json:"new_location"`    // geo distance exceeds the configured threshold
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// round2 rounds to 2 decimal places, matching the composite score contract.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
