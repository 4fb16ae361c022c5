package scan

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/cache"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
)

// Pagination describes the page window applied to the survivor set.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

// CacheInfo reports whether the response came from the response cache and
// how long the query took.
type CacheInfo struct {
	Cached      bool    `json:"cached"`
	QueryTimeMS float64 `json:"query_time_ms"`
}

// Response is the scan engine's output contract.
type Response struct {
	Patterns   []cache.DisplayRecord `json:"patterns"`
	Pagination Pagination            `json:"pagination"`
	CacheInfo  CacheInfo             `json:"cache_info"`
	Partial    bool                  `json:"partial,omitempty"`
}

// Budget bounds wall-clock scan time; a scan that exceeds it still returns
// whatever survivors were collected, flagged via Partial.
const defaultBudget = 100 * time.Millisecond

// Engine is C3: it owns the query algorithm, delegating storage to the
// pattern cache (C2).
type Engine struct {
	cache  *cache.Cache
	logger *logging.Logger
	metr   *metrics.Metrics
	budget time.Duration
}

// New constructs an Engine bound to the given cache.
func New(c *cache.Cache, logger *logging.Logger, metr *metrics.Metrics) *Engine {
	return &Engine{cache: c, logger: logger, metr: metr, budget: defaultBudget}
}

// Scan executes the full algorithm: response-cache check, index-driven
// candidate walk, residual filtering, sort, pagination, display conversion,
// response-cache write.
func (e *Engine) Scan(ctx context.Context, filters Filters) (Response, error) {
	start := time.Now()
	n := filters.Normalize()
	key := n.CacheKey()

	if cached, found, err := e.cache.GetResponseCache(ctx, key); err == nil && found {
		var resp Response
		if jsonErr := json.Unmarshal([]byte(cached), &resp); jsonErr == nil {
			resp.CacheInfo = CacheInfo{Cached: true, QueryTimeMS: msSince(start)}
			e.cache.RecordResponseCacheHit()
			return resp, nil
		}
	}
	e.cache.RecordResponseCacheMiss()

	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	survivors, partial := e.collect(ctx, n)
	if n.SortBy != SortByConfidence {
		sortSurvivors(survivors, n)
	}

	total := len(survivors)
	perPage := n.PerPage
	pages := 0
	if total > 0 {
		pages = (total + perPage - 1) / perPage
	}
	startIdx := (n.Page - 1) * perPage
	endIdx := startIdx + perPage
	if startIdx > total {
		startIdx = total
	}
	if endIdx > total {
		endIdx = total
	}
	page := survivors[startIdx:endIdx]

	now := time.Now()
	displays := make([]cache.DisplayRecord, 0, len(page))
	for _, r := range page {
		displays = append(displays, r.ToDisplay(now))
	}

	resp := Response{
		Patterns: displays,
		Pagination: Pagination{
			Page:    n.Page,
			PerPage: perPage,
			Total:   total,
			Pages:   pages,
		},
		CacheInfo: CacheInfo{Cached: false, QueryTimeMS: msSince(start)},
		Partial:   partial,
	}

	if payload, err := json.Marshal(resp); err == nil {
		if err := e.cache.SetResponseCache(context.Background(), key, string(payload)); err != nil {
			e.logger.Error(ctx, "failed to write response cache", err, nil)
		}
	}

	e.metr.RecordScan("scan", partial, time.Since(start))
	if partial {
		e.logger.Warn(ctx, "scan exceeded budget, returning partial results", map[string]interface{}{
			"budget_ms": e.budget.Milliseconds(),
		})
	}
	return resp, nil
}

// collect walks the driving index (confidence, always — even when the
// final sort is on another field, per the algorithm's "confidence_min
// prefilter" step), loads each candidate, and applies residual filters.
func (e *Engine) collect(ctx context.Context, n Normalized) ([]*cache.Record, bool) {
	members, err := e.driveIndex(ctx, n)
	if err != nil {
		return nil, false
	}

	survivors := make([]*cache.Record, 0, len(members))
	now := time.Now()
	for _, id := range members {
		select {
		case <-ctx.Done():
			return survivors, true
		default:
		}

		r, found, err := e.cache.LoadRecord(ctx, id)
		if err != nil || !found {
			continue
		}
		if !r.IsLive(now) {
			continue
		}
		if !passesResidualFilters(r, n) {
			continue
		}
		survivors = append(survivors, r)
	}
	return survivors, false
}

func (e *Engine) driveIndex(ctx context.Context, n Normalized) ([]string, error) {
	inf := math.Inf(1)

	if n.SortBy == SortByConfidence && n.SortOrder == SortAsc {
		members, err := e.cache.Bus().ZRangeByScore(ctx, cache.ConfidenceIndexKey(), n.ConfidenceMin, inf)
		if err != nil {
			return nil, err
		}
		return memberIDs(members), nil
	}

	// Descending confidence (default) and every non-confidence sort both
	// read the same confidence-min-filtered slice; the non-confidence case
	// re-sorts it afterward.
	members, err := e.cache.Bus().ZRevRangeByScore(ctx, cache.ConfidenceIndexKey(), n.ConfidenceMin, inf)
	if err != nil {
		return nil, err
	}
	return memberIDs(members), nil
}

func memberIDs(members []bus.ZMember) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.Member
	}
	return ids
}

func passesResidualFilters(r *cache.Record, n Normalized) bool {
	if !containsStr(n.PatternTypes, r.PatternType) {
		return false
	}
	if !containsStr(n.Symbols, r.Symbol) {
		return false
	}
	rs := r.Indicators["relative_strength"]
	if rs == 0 {
		rs = 1.0
	}
	if rs < n.RSMin {
		return false
	}
	vol := r.Indicators["relative_volume"]
	if vol == 0 {
		vol = 1.0
	}
	if vol < n.VolMin {
		return false
	}
	rsi, ok := r.Indicators["rsi"]
	if !ok {
		rsi = 50.0
	}
	if rsi < n.RSIMin || rsi > n.RSIMax {
		return false
	}
	return true
}

// compareAscending returns -1/0/1 comparing records i and j on the chosen
// sort field, regardless of sort order.
func compareAscending(a, b *cache.Record, by SortBy) int {
	switch by {
	case SortByDetectedAt:
		switch {
		case a.DetectedAt.Before(b.DetectedAt):
			return -1
		case a.DetectedAt.After(b.DetectedAt):
			return 1
		default:
			return 0
		}
	case SortBySymbol:
		switch {
		case a.Symbol < b.Symbol:
			return -1
		case a.Symbol > b.Symbol:
			return 1
		default:
			return 0
		}
	case SortByRS:
		return compareFloat(a.Indicators["relative_strength"], b.Indicators["relative_strength"])
	case SortByVolume:
		return compareFloat(a.Indicators["relative_volume"], b.Indicators["relative_volume"])
	default:
		return compareFloat(a.Confidence, b.Confidence)
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func sortSurvivors(records []*cache.Record, n Normalized) {
	sort.SliceStable(records, func(i, j int) bool {
		c := compareAscending(records[i], records[j], n.SortBy)
		if n.SortOrder == SortDesc {
			return c > 0
		}
		return c < 0
	})
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
