// Package offline implements C7: a per-user durable stream for messages
// that could not be delivered live, drained back in order on reconnect.
package offline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/platform/errors"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
)

const streamKeyPrefix = "offline:"

func streamKey(userID string) string {
	return streamKeyPrefix + userID
}

// defaultTopic is used on drain when a buffered payload carries no "type"
// field to route delivery by.
const defaultTopic = "pattern_alert"

// Delivery is the slice of C6 the buffer drains through on reconnect.
type Delivery interface {
	EmitToUser(ctx context.Context, userID, topic string, payload interface{}) (delivered bool, err error)
}

// Config tunes the per-user retention cap.
type Config struct {
	MaxOfflinePerUser int64
}

// DefaultConfig returns the wire-contract default of 1000 entries per user.
func DefaultConfig() Config {
	return Config{MaxOfflinePerUser: 1000}
}

// entry is the on-stream wire shape: {topic, payload, enqueued_at}.
type entry struct {
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Buffer is C7.
type Buffer struct {
	bus      bus.Bus
	delivery Delivery
	cfg      Config
	logger   *logging.Logger
	metr     *metrics.Metrics
}

// New constructs a Buffer.
func New(b bus.Bus, delivery Delivery, cfg Config, logger *logging.Logger, metr *metrics.Metrics) *Buffer {
	return &Buffer{bus: b, delivery: delivery, cfg: cfg, logger: logger, metr: metr}
}

// Enqueue appends payload to the user's durable stream, trimming to the
// retention cap (oldest entries drop first). Callers decide durability —
// only messages worth replaying later (e.g. pattern alerts, not tick
// updates) should ever reach here.
func (b *Buffer) Enqueue(ctx context.Context, userID string, payload interface{}) error {
	return b.enqueueTopic(ctx, userID, topicOf(payload), payload)
}

func (b *Buffer) enqueueTopic(ctx context.Context, userID, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Internal("offline: marshal payload", err)
	}
	e := entry{Topic: topic, Payload: raw, EnqueuedAt: time.Now().UTC()}
	encoded, err := json.Marshal(e)
	if err != nil {
		return errors.Internal("offline: marshal entry", err)
	}

	key := streamKey(userID)
	if _, err := b.bus.XAdd(ctx, key, map[string]string{"entry": string(encoded)}); err != nil {
		return errors.BusUnavailable("offline.enqueue", err)
	}
	if err := b.bus.XTrim(ctx, key, b.cfg.MaxOfflinePerUser); err != nil {
		b.logger.Warn(ctx, "offline stream trim failed", map[string]interface{}{"user_id": userID, "error": err.Error()})
	}
	b.metr.RecordOfflineEnqueued()
	return nil
}

// topicOf extracts a "type" field from a map-shaped payload to route
// delivery by on drain, falling back to the default pattern-alert topic.
func topicOf(payload interface{}) string {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return defaultTopic
	}
	if t, ok := m["type"].(string); ok && t != "" {
		return t
	}
	return defaultTopic
}

// Drain replays every buffered entry for userID in order via delivery,
// removing each successfully-delivered entry from the stream. Call on
// connection registration. Returns the count actually delivered.
func (b *Buffer) Drain(ctx context.Context, userID string) (int, error) {
	key := streamKey(userID)
	entries, err := b.bus.XRange(ctx, key, "-", b.cfg.MaxOfflinePerUser)
	if err != nil {
		return 0, errors.BusUnavailable("offline.drain", err)
	}

	delivered := 0
	for _, streamEntry := range entries {
		raw, ok := streamEntry.Fields["entry"]
		if !ok {
			_ = b.bus.XDel(ctx, key, streamEntry.ID)
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			b.logger.Warn(ctx, "dropping corrupt offline entry", map[string]interface{}{"user_id": userID, "id": streamEntry.ID})
			_ = b.bus.XDel(ctx, key, streamEntry.ID)
			continue
		}

		var payload interface{}
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			_ = b.bus.XDel(ctx, key, streamEntry.ID)
			continue
		}

		ok, err = b.delivery.EmitToUser(ctx, userID, e.Topic, payload)
		if err != nil || !ok {
			// Leave undelivered entries on the stream; they'll be retried
			// on the next register/drain.
			continue
		}
		if err := b.bus.XDel(ctx, key, streamEntry.ID); err != nil {
			b.logger.Warn(ctx, "failed to remove delivered offline entry", map[string]interface{}{"user_id": userID, "id": streamEntry.ID})
		}
		delivered++
		b.metr.RecordOfflineDrained()
	}
	return delivered, nil
}
