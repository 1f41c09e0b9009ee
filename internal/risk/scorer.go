package risk

import (
	"math"

	"github.com/mbd888/qrguard/internal/features"
)

// Pattern names reported by the fallback scorer, in evaluation order.
const (
	PatternTrustedScheme     = "trusted_scheme"
	PatternUrgentKeyword     = "urgent_keyword"
	PatternPaymentKeyword    = "payment_keyword"
	PatternCurrencyMarker    = "currency_marker"
	PatternOverParameterized = "over_parameterized"
	PatternHighEntropy       = "high_entropy"
)

// Rules are the fallback scoring constants. They are configuration, not
// behavior: the rule order is fixed, the magnitudes are not.
type Rules struct {
	BaseScore            float64
	TrustedSchemeBonus   float64
	UrgentPenalty        float64
	PaymentPenalty       float64
	CurrencyPenalty      float64
	ParamThreshold       float64
	OverParamPenalty     float64
	EntropyCeiling       float64
	EntropyPenaltyPerBit float64
	EntropyMaxPenalty    float64
}

// DefaultRules returns the built-in rule magnitudes.
func DefaultRules() Rules {
	return Rules{
		BaseScore:            40,
		TrustedSchemeBonus:   25,
		UrgentPenalty:        20,
		PaymentPenalty:       15,
		CurrencyPenalty:      10,
		ParamThreshold:       5,
		OverParamPenalty:     15,
		EntropyCeiling:       4.5,
		EntropyPenaltyPerBit: 20,
		EntropyMaxPenalty:    30,
	}
}

// Scorer computes fallback verdicts from feature vectors. It is safe for
// concurrent use.
type Scorer struct {
	rules      Rules
	thresholds Thresholds
}

// NewScorer creates a fallback scorer.
func NewScorer(rules Rules, thresholds Thresholds) *Scorer {
	return &Scorer{rules: rules, thresholds: thresholds}
}

// Rules returns the scorer's constants.
func (s *Scorer) Rules() Rules { return s.rules }

// Thresholds returns the level boundaries the scorer classifies with.
func (s *Scorer) Thresholds() Thresholds { return s.thresholds }

// Score evaluates fv and returns a Fallback verdict. Identical vectors
// always produce identical verdicts. Malformed values (NaN, Inf, negative)
// are read as 0.
func (s *Scorer) Score(fv features.Vector) *Verdict {
	r := s.rules
	score := r.BaseScore
	var fired []string

	if flag(fv, features.HasSchemeMarker) {
		score -= r.TrustedSchemeBonus
		fired = append(fired, PatternTrustedScheme)
	}
	if flag(fv, features.UrgentKeyword) {
		score += r.UrgentPenalty
		fired = append(fired, PatternUrgentKeyword)
	}
	if flag(fv, features.PaymentKeyword) {
		score += r.PaymentPenalty
		fired = append(fired, PatternPaymentKeyword)
	}
	if flag(fv, features.CurrencyMarker) {
		score += r.CurrencyPenalty
		fired = append(fired, PatternCurrencyMarker)
	}
	if value(fv, features.NumParams) > r.ParamThreshold {
		score += r.OverParamPenalty
		fired = append(fired, PatternOverParameterized)
	}
	if excess := value(fv, features.Entropy) - r.EntropyCeiling; excess > 0 {
		score += math.Min(r.EntropyMaxPenalty, excess*r.EntropyPenaltyPerBit)
		fired = append(fired, PatternHighEntropy)
	}

	return s.thresholds.NewVerdict(score, SourceFallback, fired, sanitized(fv))
}

// value reads a feature, mapping malformed values to 0.
func value(fv features.Vector, name string) float64 {
	v := fv.Get(name)
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func flag(fv features.Vector, name string) bool {
	return value(fv, name) >= 1
}

// sanitized returns the full schema with malformed values zeroed, so the
// verdict echoes exactly what the rules saw.
func sanitized(fv features.Vector) features.Vector {
	out := make(features.Vector, len(features.Names))
	for _, name := range features.Names {
		out[name] = value(fv, name)
	}
	return out
}
