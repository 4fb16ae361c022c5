package scan

import "testing"

func TestFiltersNormalizeDefaults(t *testing.T) {
	n := Filters{}.Normalize()
	if n.ConfidenceMin != 0.5 {
		t.Errorf("ConfidenceMin = %v, want 0.5", n.ConfidenceMin)
	}
	if n.RSIMin != 0 || n.RSIMax != 100 {
		t.Errorf("RSIRange = [%v,%v], want [0,100]", n.RSIMin, n.RSIMax)
	}
	if n.SortBy != SortByConfidence {
		t.Errorf("SortBy = %v, want confidence", n.SortBy)
	}
	if n.SortOrder != SortDesc {
		t.Errorf("SortOrder = %v, want desc", n.SortOrder)
	}
	if n.Page != 1 || n.PerPage != 30 {
		t.Errorf("Page/PerPage = %d/%d, want 1/30", n.Page, n.PerPage)
	}
}

func TestFiltersNormalizePerPageCap(t *testing.T) {
	n := Filters{PerPage: 500}.Normalize()
	if n.PerPage != 100 {
		t.Errorf("PerPage = %d, want capped at 100", n.PerPage)
	}
}

func TestFiltersNormalizePageFloor(t *testing.T) {
	n := Filters{Page: 0}.Normalize()
	if n.Page != 1 {
		t.Errorf("Page = %d, want floored to 1", n.Page)
	}
}

func TestCacheKeyDeterministicRegardlessOfFieldOrder(t *testing.T) {
	min1, min2 := 0.6, 0.6
	a := Filters{ConfidenceMin: &min1, Symbols: []string{"AAPL", "MSFT"}}.Normalize()
	b := Filters{Symbols: []string{"MSFT", "AAPL"}, ConfidenceMin: &min2}.Normalize()
	if a.CacheKey() != b.CacheKey() {
		t.Errorf("CacheKey() differs for equivalent filters: %q vs %q", a.CacheKey(), b.CacheKey())
	}
}

func TestCacheKeyDiffersForDifferentFilters(t *testing.T) {
	a := Filters{Symbols: []string{"AAPL"}}.Normalize()
	b := Filters{Symbols: []string{"MSFT"}}.Normalize()
	if a.CacheKey() == b.CacheKey() {
		t.Error("CacheKey() should differ for different filters")
	}
}

func TestContainsStrEmptySetMeansNoConstraint(t *testing.T) {
	if !containsStr(nil, "anything") {
		t.Error("containsStr(nil, x) should be true (no constraint)")
	}
	if containsStr([]string{"a", "b"}, "c") {
		t.Error("containsStr should reject values outside the set")
	}
}
