// Package scan implements C3, the scan engine: the filter/query algorithm
// that walks the pattern cache's indexes, applies residual filters, paginates,
// and serves results from (or into) the response cache.
package scan

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// SortBy enumerates the fields a scan can be ordered by.
type SortBy string

const (
	SortByConfidence SortBy = "confidence"
	SortByDetectedAt SortBy = "detected_at"
	SortBySymbol     SortBy = "symbol"
	SortByRS         SortBy = "rs"
	SortByVolume     SortBy = "volume"
)

// SortOrder enumerates ascending/descending.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Filters is the scan query schema. All fields are optional; zero values
// resolve to their documented defaults in Normalize.
type Filters struct {
	PatternTypes   []string  `json:"pattern_types,omitempty"`
	Symbols        []string  `json:"symbols,omitempty"`
	ConfidenceMin  *float64  `json:"confidence_min,omitempty"`
	RSMin          *float64  `json:"rs_min,omitempty"`
	VolMin         *float64  `json:"vol_min,omitempty"`
	RSIRange       *[2]float64 `json:"rsi_range,omitempty"`
	SortBy         SortBy    `json:"sort_by,omitempty"`
	SortOrder      SortOrder `json:"sort_order,omitempty"`
	Page           int       `json:"page,omitempty"`
	PerPage        int       `json:"per_page,omitempty"`
}

// Normalized is Filters with every default resolved, ready for the algorithm
// and for canonical cache-key generation.
type Normalized struct {
	PatternTypes  []string
	Symbols       []string
	ConfidenceMin float64
	RSMin         float64
	VolMin        float64
	RSIMin        float64
	RSIMax        float64
	SortBy        SortBy
	SortOrder     SortOrder
	Page          int
	PerPage       int
}

// Normalize resolves defaults: confidence_min 0.5, rs_min/vol_min 0,
// rsi_range [0,100], sort_by confidence, sort_order desc, page 1,
// per_page 30 capped at 100.
func (f Filters) Normalize() Normalized {
	n := Normalized{
		PatternTypes: append([]string(nil), f.PatternTypes...),
		Symbols:      append([]string(nil), f.Symbols...),
		SortBy:       f.SortBy,
		SortOrder:    f.SortOrder,
		Page:         f.Page,
		PerPage:      f.PerPage,
	}
	sort.Strings(n.PatternTypes)
	sort.Strings(n.Symbols)

	n.ConfidenceMin = 0.5
	if f.ConfidenceMin != nil {
		n.ConfidenceMin = *f.ConfidenceMin
	}
	if f.RSMin != nil {
		n.RSMin = *f.RSMin
	}
	if f.VolMin != nil {
		n.VolMin = *f.VolMin
	}
	n.RSIMin, n.RSIMax = 0, 100
	if f.RSIRange != nil {
		n.RSIMin, n.RSIMax = f.RSIRange[0], f.RSIRange[1]
	}
	if n.SortBy == "" {
		n.SortBy = SortByConfidence
	}
	if n.SortOrder == "" {
		n.SortOrder = SortDesc
	}
	if n.Page < 1 {
		n.Page = 1
	}
	if n.PerPage <= 0 {
		n.PerPage = 30
	}
	if n.PerPage > 100 {
		n.PerPage = 100
	}
	return n
}

// CacheKey derives the response-cache key's hash component: md5 of the
// canonical (sorted-key) JSON of the normalized filters.
func (n Normalized) CacheKey() string {
	canonical := map[string]interface{}{
		"pattern_types":  n.PatternTypes,
		"symbols":        n.Symbols,
		"confidence_min": n.ConfidenceMin,
		"rs_min":         n.RSMin,
		"vol_min":        n.VolMin,
		"rsi_min":        n.RSIMin,
		"rsi_max":        n.RSIMax,
		"sort_by":        n.SortBy,
		"sort_order":     n.SortOrder,
		"page":           n.Page,
		"per_page":       n.PerPage,
	}
	// json.Marshal on a map sorts keys alphabetically, matching
	// canonical_json's sort-keys contract.
	data, _ := json.Marshal(canonical)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func containsStr(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
