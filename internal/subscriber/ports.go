package subscriber

import (
	"context"

	"github.com/tickstock/patternrelay/internal/cache"
)

// PatternCache is the slice of C2 the subscriber needs: writing a decoded
// pattern event into the cache.
type PatternCache interface {
	ProcessEvent(ctx context.Context, evt cache.Event) error
}

// UserResolver is C5: resolving which users should see a pattern.
type UserResolver interface {
	UsersFor(symbol, patternType string, confidence float64) []string
}

// Delivery is C6: emitting to one connected user or broadcasting to all.
// EmitToUser reports whether the user had at least one active connection
// the payload was written to.
type Delivery interface {
	EmitToUser(ctx context.Context, userID, topic string, payload interface{}) (delivered bool, err error)
	Broadcast(ctx context.Context, topic string, payload interface{}) error
}

// OfflineBuffer is C7: durable per-user storage for users with no active
// connection.
type OfflineBuffer interface {
	Enqueue(ctx context.Context, userID string, payload interface{}) error
}

// FlowLogger is C8: flow-id checkpoint recording.
type FlowLogger interface {
	Checkpoint(ctx context.Context, flowID, checkpoint string, detail map[string]interface{})
}

// JobTracker is the minimal backtest-job state the subscriber updates on
// progress/result events; the orchestrator owns the concrete store.
type JobTracker interface {
	UpdateProgress(jobID string, payload map[string]interface{})
	MarkCompleted(jobID string, payload map[string]interface{}, failed bool)
	OwnerOf(jobID string) (userID string, ok bool)
}
