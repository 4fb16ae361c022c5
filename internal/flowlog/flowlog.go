// Package flowlog implements C8: recording named checkpoints along a
// pattern event's path from the bus to a delivered socket message.
package flowlog

import (
	"context"
	"sync"
	"time"

	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
)

// Checkpoint names, in the order a pattern event passes through them.
const (
	EventReceived      = "EVENT_RECEIVED"
	EventParsed        = "EVENT_PARSED"
	PatternCached      = "PATTERN_CACHED"
	UserFiltered       = "USER_FILTERED"
	WebsocketDelivered = "WEBSOCKET_DELIVERED"
)

// terminal checkpoints end a flow's lifetime; the tracker forgets the flow
// afterward so the in-memory start-time map never grows unbounded.
var terminal = map[string]bool{
	WebsocketDelivered: true,
}

// Tracker mints a start time on a flow's first checkpoint and reports
// elapsed-since-start on every subsequent one. Checkpoint recording is
// fire-and-forget: it never returns an error and never blocks its caller
// on anything but an uncontended mutex.
type Tracker struct {
	service string
	logger  *logging.Logger
	metr    *metrics.Metrics

	mu     sync.Mutex
	starts map[string]time.Time
}

// New constructs a Tracker. service is the label used on emitted metrics.
func New(service string, logger *logging.Logger, metr *metrics.Metrics) *Tracker {
	return &Tracker{service: service, logger: logger, metr: metr, starts: make(map[string]time.Time)}
}

// Checkpoint records a named checkpoint for flowID. The first call for a
// given flowID mints its start time; elapsed is measured from there.
func (t *Tracker) Checkpoint(ctx context.Context, flowID, checkpoint string, detail map[string]interface{}) {
	elapsed := t.elapsedSince(flowID, checkpoint)
	t.logger.LogFlowCheckpoint(ctx, flowID, checkpoint, elapsed, detail)
	t.metr.RecordFlowCheckpoint(t.service, checkpoint)
}

func (t *Tracker) elapsedSince(flowID, checkpoint string) time.Duration {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.starts[flowID]
	if !ok {
		t.starts[flowID] = now
		start = now
	}
	if terminal[checkpoint] {
		delete(t.starts, flowID)
	}
	return now.Sub(start)
}

// LiveFlows reports how many flows currently have a recorded start time but
// have not yet reached a terminal checkpoint — a derived count for
// observability dashboards.
func (t *Tracker) LiveFlows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.starts)
}
