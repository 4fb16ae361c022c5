package userfilter

import (
	"context"
	"encoding/json"

	"github.com/tickstock/patternrelay/internal/bus"
)

// watchlistHashKey is the bus hash holding every user's serialized rule,
// field name = user_id, value = JSON-encoded Rule.
const watchlistHashKey = "tickstock:watchlists"

// Source loads the full watchlist snapshot. The bus-backed implementation
// is the default; tests substitute a fake.
type Source interface {
	LoadAll(ctx context.Context) (map[string]Rule, error)
}

// BusSource reads the watchlist snapshot from a single bus hash, matching
// how every other piece of shared state in this system lives on the bus.
type BusSource struct {
	bus bus.Bus
}

// NewBusSource constructs a Source backed by the given bus.
func NewBusSource(b bus.Bus) *BusSource {
	return &BusSource{bus: b}
}

func (s *BusSource) LoadAll(ctx context.Context) (map[string]Rule, error) {
	fields, err := s.bus.HGetAll(ctx, watchlistHashKey)
	if err != nil {
		return nil, err
	}
	rules := make(map[string]Rule, len(fields))
	for userID, raw := range fields {
		var r Rule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue // one corrupt entry must not fail the whole snapshot
		}
		rules[userID] = r
	}
	return rules, nil
}
