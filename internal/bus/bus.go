// Package bus provides the single pooled connection to the message bus that
// every other component builds on: publish/subscribe, keyed reads/writes with
// TTL, hash fields, sorted-set indexes, durable append-only streams, and
// pattern-match key scans.
package bus

import (
	"context"
	"time"
)

// StreamEntry is a single durable-stream record as read back from XRange.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// ZMember is a sorted-set member with its score, used by index range reads.
type ZMember struct {
	Member string
	Score  float64
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live channel subscription. ReadMessage blocks for at most
// the caller-supplied context deadline; callers that want the spec's ≤1s
// bounded read should pass a context with that timeout. A nil message with a
// nil error means the read timed out without a new message — callers should
// loop and check for cancellation.
type Subscription interface {
	ReadMessage(ctx context.Context) (*Message, error)
	Close() error
}

// PoolStats mirrors the original Python ConnectionPoolStats dataclass: a
// point-in-time snapshot of pool health and command throughput, surfaced by
// the orchestrator's health view.
type PoolStats struct {
	CreatedConnections  int
	AvailableConnections int
	InUseConnections    int
	MaxConnections      int
	TotalCommands       uint64
	FailedCommands      uint64
	AvgResponseTimeMS   float64
	LastHealthCheck     time.Time
	HealthStatus        string
	ReconnectionCount   uint64
	CircuitState        string
}

// Bus is the narrow interface every other component depends on. Production
// code talks to the Redis-backed implementation; tests talk to the in-memory
// fake. Both satisfy the same contract.
type Bus interface {
	// Publish sends payload on channel. Having no subscribers is not an
	// error; the receiver count is not reported.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Get returns the string value for key, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value for key with optional TTL (zero = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes one or more keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Expire refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Keys returns all keys matching a glob-style pattern (SCAN-based, safe
	// for production key spaces).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// HSet writes hash fields on key.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll reads all hash fields on key. Returns an empty, non-nil map if
	// the key does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ZAdd adds or updates scored members in the sorted set at key.
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZRem removes members from the sorted set at key.
	ZRem(ctx context.Context, key string, members ...string) error

	// ZRangeByScore returns members scored in [min, max], ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error)

	// ZRevRangeByScore returns members scored in [min, max], descending.
	ZRevRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error)

	// XAdd appends an entry to the durable stream at key and returns its id.
	XAdd(ctx context.Context, key string, fields map[string]string) (string, error)

	// XRange reads up to count entries from the stream at key, in insertion
	// order, starting at start (use "-" for the beginning).
	XRange(ctx context.Context, key, start string, count int64) ([]StreamEntry, error)

	// XTrim trims the stream at key to at most maxLen entries, dropping the
	// oldest first.
	XTrim(ctx context.Context, key string, maxLen int64) error

	// XDel removes specific entries from the stream at key by id.
	XDel(ctx context.Context, key string, ids ...string) error

	// XLen returns the number of entries in the stream at key.
	XLen(ctx context.Context, key string) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Stats returns a point-in-time snapshot of pool/command health.
	Stats() PoolStats

	// Close releases all underlying resources.
	Close() error
}
