// Package risk holds the verdict model shared by remote and fallback
// scoring, and the deterministic rule-based fallback scorer.
//
// Scores range from 0 (safe) to 100 (high risk). Level and recommendation
// are pure functions of the score through Thresholds, so a caller cannot
// tell the provenance of a verdict from its level alone.
package risk

import (
	"math"

	"github.com/mbd888/qrguard/internal/features"
)

// Level buckets a risk score.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

// Recommendation is the action suggested to the payer.
type Recommendation string

const (
	RecommendAllow  Recommendation = "Allow"
	RecommendVerify Recommendation = "Verify"
	RecommendBlock  Recommendation = "Block"
)

// Source records where a verdict was computed.
type Source string

const (
	SourceRemote   Source = "Remote"
	SourceFallback Source = "Fallback"
)

// Score bounds.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Default thresholds for risk levels.
const (
	DefaultLowMax  = 30.0
	DefaultHighMin = 70.0
)

// Verdict is the result of assessing one scanned payload.
type Verdict struct {
	RiskScore        float64            `json:"risk_score"`
	RiskLevel        Level              `json:"risk_level"`
	Recommendation   Recommendation     `json:"recommendation"`
	Source           Source             `json:"source"`
	LatencyMs        int64              `json:"latency_ms"`
	DetectedPatterns []string           `json:"detected_patterns"`
	Features         map[string]float64 `json:"features,omitempty"`
	Cached           bool               `json:"cached,omitempty"`
}

// Thresholds map a score onto a level: score < LowMax is Low,
// LowMax <= score < HighMin is Medium, score >= HighMin is High.
type Thresholds struct {
	LowMax  float64
	HighMin float64
}

// DefaultThresholds returns the 30/70 split.
func DefaultThresholds() Thresholds {
	return Thresholds{LowMax: DefaultLowMax, HighMin: DefaultHighMin}
}

// Valid reports whether the thresholds are ordered and inside the score range.
func (t Thresholds) Valid() bool {
	return t.LowMax >= MinScore && t.LowMax <= t.HighMin && t.HighMin <= MaxScore
}

// Level classifies a score.
func (t Thresholds) Level(score float64) Level {
	switch {
	case score >= t.HighMin:
		return LevelHigh
	case score >= t.LowMax:
		return LevelMedium
	default:
		return LevelLow
	}
}

// RecommendationFor maps a level onto its recommendation.
func RecommendationFor(l Level) Recommendation {
	switch l {
	case LevelHigh:
		return RecommendBlock
	case LevelMedium:
		return RecommendVerify
	default:
		return RecommendAllow
	}
}

// NewVerdict builds a verdict from a raw score, clamping it into range and
// deriving level and recommendation. patterns is copied; nil becomes empty.
func (t Thresholds) NewVerdict(score float64, source Source, patterns []string, fv features.Vector) *Verdict {
	score = Clamp(score)
	level := t.Level(score)

	p := make([]string, len(patterns))
	copy(p, patterns)

	var f map[string]float64
	if len(fv) > 0 {
		f = make(map[string]float64, len(fv))
		for k, v := range fv {
			f[k] = v
		}
	}

	return &Verdict{
		RiskScore:        math.Round(score*100) / 100,
		RiskLevel:        level,
		Recommendation:   RecommendationFor(level),
		Source:           source,
		DetectedPatterns: p,
		Features:         f,
	}
}

// Clamp forces score into [MinScore, MaxScore]. NaN maps to MinScore.
func Clamp(score float64) float64 {
	switch {
	case math.IsNaN(score):
		return MinScore
	case score < MinScore:
		return MinScore
	case score > MaxScore:
		return MaxScore
	default:
		return score
	}
}
