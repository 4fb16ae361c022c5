// Package cache implements C2, the multi-layer pattern cache: per-pattern
// records, four secondary indexes over them, and a short-lived query-response
// cache, all backed by the bus client.
package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a single detected pattern, owned exclusively by the cache:
// created on pattern_detected, mutated only here, destroyed by TTL expiry or
// explicit cleanup.
type Record struct {
	Symbol       string             `json:"symbol"`
	PatternType  string             `json:"pattern_type"`
	Confidence   float64            `json:"confidence"`
	CurrentPrice float64            `json:"current_price"`
	PriceChange  float64            `json:"price_change"`
	DetectedAt   time.Time          `json:"-"`
	ExpiresAt    time.Time          `json:"-"`
	Indicators   map[string]float64 `json:"indicators"`
	SourceTier   string             `json:"source_tier"`

	// DetectedAtUnix/ExpiresAtUnix carry the wire representation so the
	// record round-trips through the bus hash field byte-for-byte the way
	// the original stored Unix timestamps.
	DetectedAtUnix float64 `json:"detected_at"`
	ExpiresAtUnix  float64 `json:"expires_at"`
}

// ID derives the record's identity: symbol ":" pattern_type ":" floor(detected_at).
func (r *Record) ID() string {
	return fmt.Sprintf("%s:%s:%d", r.Symbol, r.PatternType, r.DetectedAt.Unix())
}

// IsLive reports whether the record is still valid for scans at instant now.
func (r *Record) IsLive(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// MarshalForStorage serializes the record the way it is written to the bus
// hash's "data" field, syncing the Unix mirror fields first.
func (r *Record) MarshalForStorage() ([]byte, error) {
	r.DetectedAtUnix = float64(r.DetectedAt.Unix())
	r.ExpiresAtUnix = float64(r.ExpiresAt.Unix())
	return json.Marshal(r)
}

// UnmarshalRecord deserializes a record previously written by
// MarshalForStorage, reconstructing the time.Time fields from their Unix
// mirrors.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	r.DetectedAt = time.Unix(int64(r.DetectedAtUnix), 0).UTC()
	r.ExpiresAt = time.Unix(int64(r.ExpiresAtUnix), 0).UTC()
	return &r, nil
}
