package subscriber

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tickstock/patternrelay/internal/cache"
	"github.com/tickstock/patternrelay/internal/platform/errors"
)

// envelope is the generic wrapper every ingress message carries.
type envelope struct {
	EventType string
	Source    string
	Timestamp float64
	FlowID    string
	Data      gjson.Result
}

// parseEnvelope decodes the outer JSON shape common to all four channels.
// A missing flow_id is minted fresh rather than treated as an error — every
// event must carry one by the time it reaches the dispatch matrix.
func parseEnvelope(raw []byte) (envelope, error) {
	if !gjson.ValidBytes(raw) {
		return envelope{}, errors.MalformedEnvelope("invalid JSON", nil)
	}
	root := gjson.ParseBytes(raw)

	flowID := root.Get("flow_id").String()
	if flowID == "" {
		flowID = uuid.NewString()
	}

	return envelope{
		EventType: root.Get("event_type").String(),
		Source:    root.Get("source").String(),
		Timestamp: root.Get("timestamp").Float(),
		FlowID:    flowID,
		Data:      root.Get("data"),
	}, nil
}

// patternPayload is the normalized pattern_detected payload, tolerant of the
// three envelope shapes documented for this channel.
type patternPayload struct {
	Symbol       string
	Pattern      string
	Confidence   float64
	CurrentPrice float64
	PriceChange  float64
	ExpiresAt    float64 // unix seconds; 0 means "use default TTL"
	Indicators   map[string]float64
	Source       string
	// FlowID, when present in a double-nested envelope, overrides the
	// outer envelope's flow_id — the nested producer-assigned id wins.
	FlowID string
}

// parsePatternPayload unwraps up to two levels of "data" nesting (flat,
// single-nested, double-nested) to find the symbol/pattern payload. Each
// level's "flow_id" sibling is captured as it's passed, so a double-nested
// envelope's inner flow_id is recovered. A third level of nesting is
// rejected as malformed rather than silently unwrapped again.
func parsePatternPayload(data gjson.Result) (patternPayload, error) {
	inner := data
	flowID := ""
	unwraps := 0
	for {
		nested := inner.Get("data")
		if !nested.Exists() {
			break
		}
		unwraps++
		if unwraps > 2 {
			return patternPayload{}, errors.MalformedEnvelope("pattern envelope nested more than two levels deep", nil)
		}
		if fid := inner.Get("flow_id"); fid.Exists() {
			flowID = fid.String()
		}
		inner = nested
	}

	symbol := inner.Get("symbol").String()
	pattern := inner.Get("pattern").String()
	if pattern == "" {
		pattern = inner.Get("pattern_name").String()
	}
	if symbol == "" || pattern == "" {
		return patternPayload{}, errors.MalformedEnvelope("pattern event missing symbol or pattern", nil)
	}

	indicators := map[string]float64{}
	inner.Get("indicators").ForEach(func(key, value gjson.Result) bool {
		indicators[key.String()] = value.Float()
		return true
	})

	return patternPayload{
		Symbol:       symbol,
		Pattern:      pattern,
		Confidence:   inner.Get("confidence").Float(),
		CurrentPrice: inner.Get("current_price").Float(),
		PriceChange:  inner.Get("price_change").Float(),
		ExpiresAt:    inner.Get("expires_at").Float(),
		Indicators:   indicators,
		Source:       inner.Get("source").String(),
		FlowID:       flowID,
	}, nil
}

// toRecord builds a cache record from the payload at instant detectedAt.
// expiresAt defaults to detectedAt+patternTTL when the payload omits it.
func (p patternPayload) toRecord(detectedAt time.Time, patternTTL time.Duration) *cache.Record {
	expires := detectedAt.Add(patternTTL)
	if p.ExpiresAt > 0 {
		expires = time.Unix(int64(p.ExpiresAt), 0).UTC()
	}
	return &cache.Record{
		Symbol:       p.Symbol,
		PatternType:  p.Pattern,
		Confidence:   p.Confidence,
		CurrentPrice: p.CurrentPrice,
		PriceChange:  p.PriceChange,
		DetectedAt:   detectedAt,
		ExpiresAt:    expires,
		Indicators:   p.Indicators,
		SourceTier:   p.Source,
	}
}
