// Package userfilter implements C5: the per-user watchlist snapshot that
// resolves which users should see a given symbol/pattern/confidence.
package userfilter

// Rule is one user's subscription: which symbols they watch and, if set,
// which pattern types and confidence floor narrow further matches. A zero
// Rule (no PatternTypes, zero MinConfidence) accepts any pattern above any
// confidence for its watched symbols.
type Rule struct {
	Symbols       []string
	PatternTypes  []string
	MinConfidence float64
}

// Matches reports whether this rule admits the given pattern.
func (r Rule) Matches(symbol, patternType string, confidence float64) bool {
	if !containsSymbol(r.Symbols, symbol) {
		return false
	}
	if len(r.PatternTypes) > 0 && !containsSymbol(r.PatternTypes, patternType) {
		return false
	}
	return confidence >= r.MinConfidence
}

func containsSymbol(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
