// Package features derives the fixed feature vector used to score scanned
// QR payloads.
//
// Extraction is a pure function of the payload text: no I/O, no shared
// state, and no failure mode. Every key of the schema is present in every
// vector, with 0 meaning "detector did not fire".
package features

import (
	"math"
	"strings"
	"unicode/utf8"
)

// Feature names. The set is fixed; consumers may rely on every key existing.
const (
	Length          = "length"
	Entropy         = "entropy"
	HasSchemeMarker = "has_scheme_marker"
	NumParams       = "num_params"
	UrgentKeyword   = "urgent_keyword"
	PaymentKeyword  = "payment_keyword"
	CurrencyMarker  = "currency_marker"
)

// Names lists the schema in a stable order.
var Names = []string{
	Length,
	Entropy,
	HasSchemeMarker,
	NumParams,
	UrgentKeyword,
	PaymentKeyword,
	CurrencyMarker,
}

// Vector maps feature names to values.
type Vector map[string]float64

// Get returns the named value, or 0 if missing.
func (v Vector) Get(name string) float64 {
	if v == nil {
		return 0
	}
	return v[name]
}

// Flag reports whether a 0/1 feature fired.
func (v Vector) Flag(name string) bool {
	return v.Get(name) >= 1
}

// Lexicon holds the detector word lists. The lists are data: extending
// them changes what fires, never the shape of the vector.
type Lexicon struct {
	SchemePrefixes []string
	Urgent         []string
	Payment        []string
	Currency       []string
}

// DefaultLexicon returns the built-in lexicons.
func DefaultLexicon() Lexicon {
	return Lexicon{
		SchemePrefixes: []string{"upi://"},
		Urgent:         []string{"urgent", "emergency", "kyc", "expired", "blocked", "verify", "suspend"},
		Payment:        []string{"payment", "refund", "cashback", "lottery", "prize", "reward", "offer"},
		Currency:       []string{"inr", "₹", "rs.", "usd", "cu="},
	}
}

// Extractor computes feature vectors against a lexicon.
type Extractor struct {
	lex Lexicon
}

// NewExtractor creates an extractor. Terms are matched case-insensitively;
// blank entries are ignored.
func NewExtractor(lex Lexicon) *Extractor {
	return &Extractor{lex: Lexicon{
		SchemePrefixes: normalize(lex.SchemePrefixes),
		Urgent:         normalize(lex.Urgent),
		Payment:        normalize(lex.Payment),
		Currency:       normalize(lex.Currency),
	}}
}

// Extract builds the feature vector for text. It never fails; the empty
// string yields a vector of zeros.
func (e *Extractor) Extract(text string) Vector {
	lower := strings.ToLower(text)
	return Vector{
		Length:          float64(utf8.RuneCountInString(text)),
		Entropy:         ShannonEntropy(text),
		HasSchemeMarker: boolValue(hasAnyPrefix(lower, e.lex.SchemePrefixes)),
		NumParams:       float64(CountParams(text)),
		UrgentKeyword:   boolValue(len(matches(lower, e.lex.Urgent)) > 0),
		PaymentKeyword:  boolValue(len(matches(lower, e.lex.Payment)) > 0),
		CurrencyMarker:  boolValue(len(matches(lower, e.lex.Currency)) > 0),
	}
}

// Matches returns the lexicon terms found in text, keyed by feature name.
// Categories with no hit are omitted.
func (e *Extractor) Matches(text string) map[string][]string {
	lower := strings.ToLower(text)
	out := make(map[string][]string)
	if m := matches(lower, e.lex.Urgent); len(m) > 0 {
		out[UrgentKeyword] = m
	}
	if m := matches(lower, e.lex.Payment); len(m) > 0 {
		out[PaymentKeyword] = m
	}
	if m := matches(lower, e.lex.Currency); len(m) > 0 {
		out[CurrencyMarker] = m
	}
	return out
}

// ShannonEntropy returns the base-2 entropy of the per-character
// distribution of s. It is 0 for "" and for a single repeated character.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	// Sum in first-seen order so the result is identical on every call.
	index := make(map[rune]int)
	var counts []int
	total := 0
	for _, r := range s {
		i, ok := index[r]
		if !ok {
			i = len(counts)
			index[r] = i
			counts = append(counts, 0)
		}
		counts[i]++
		total++
	}
	if len(counts) < 2 {
		return 0
	}
	n := float64(total)
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	if h < 0 {
		return 0
	}
	return h
}

// CountParams counts key=value fields in the query part of s: the text
// after the first '?', or the whole text when there is none.
func CountParams(s string) int {
	query := s
	if i := strings.IndexByte(s, '?'); i >= 0 {
		query = s[i+1:]
	}
	n := 0
	for _, field := range strings.Split(query, "&") {
		if strings.Contains(field, "=") {
			n++
		}
	}
	return n
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func matches(s string, terms []string) []string {
	var found []string
	for _, t := range terms {
		if strings.Contains(s, t) {
			found = append(found, t)
		}
	}
	return found
}

func normalize(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
