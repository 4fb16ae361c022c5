package flowlog

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
)

func newTestTracker() *Tracker {
	return New("flowlog-test", logging.New("flowlog-test", "error", "text"),
		metrics.NewWithRegistry("flowlog-test", prometheus.NewRegistry()))
}

func TestCheckpointMintsStartOnFirstCall(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	tr.Checkpoint(ctx, "flow-1", EventReceived, nil)
	if tr.LiveFlows() != 1 {
		t.Errorf("LiveFlows() = %d, want 1 after first checkpoint", tr.LiveFlows())
	}
}

func TestCheckpointForgetsFlowOnTerminalCheckpoint(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	tr.Checkpoint(ctx, "flow-1", EventReceived, nil)
	tr.Checkpoint(ctx, "flow-1", EventParsed, nil)
	tr.Checkpoint(ctx, "flow-1", PatternCached, nil)
	tr.Checkpoint(ctx, "flow-1", UserFiltered, nil)
	if tr.LiveFlows() != 1 {
		t.Fatalf("LiveFlows() = %d before terminal checkpoint, want 1", tr.LiveFlows())
	}

	tr.Checkpoint(ctx, "flow-1", WebsocketDelivered, nil)
	if tr.LiveFlows() != 0 {
		t.Errorf("LiveFlows() = %d after terminal checkpoint, want 0", tr.LiveFlows())
	}
}

func TestCheckpointTracksMultipleFlowsIndependently(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	tr.Checkpoint(ctx, "flow-1", EventReceived, nil)
	tr.Checkpoint(ctx, "flow-2", EventReceived, nil)
	if tr.LiveFlows() != 2 {
		t.Errorf("LiveFlows() = %d, want 2", tr.LiveFlows())
	}

	tr.Checkpoint(ctx, "flow-1", WebsocketDelivered, nil)
	if tr.LiveFlows() != 1 {
		t.Errorf("LiveFlows() = %d after one flow terminates, want 1", tr.LiveFlows())
	}
}

func TestElapsedSinceGrowsAcrossCheckpoints(t *testing.T) {
	tr := newTestTracker()
	ctx := context.Background()

	tr.Checkpoint(ctx, "flow-1", EventReceived, nil)
	time.Sleep(5 * time.Millisecond)
	elapsed := tr.elapsedSince("flow-1", EventParsed)
	if elapsed < 5*time.Millisecond {
		t.Errorf("elapsedSince() = %v, want at least 5ms since the mint", elapsed)
	}
}
