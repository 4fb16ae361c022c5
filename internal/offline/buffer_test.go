package offline

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
)

type fakeDelivery struct {
	deliver bool
	err     error
	calls   []string
}

func (f *fakeDelivery) EmitToUser(ctx context.Context, userID, topic string, payload interface{}) (bool, error) {
	f.calls = append(f.calls, topic)
	return f.deliver, f.err
}

func newTestBuffer(t *testing.T, d Delivery) (*Buffer, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus()
	buf := New(b, d, DefaultConfig(), logging.New("offline-test", "error", "text"),
		metrics.NewWithRegistry("offline-test", prometheus.NewRegistry()))
	return buf, b
}

func TestEnqueueThenDrainDeliversInOrder(t *testing.T) {
	delivery := &fakeDelivery{deliver: true}
	buf, _ := newTestBuffer(t, delivery)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := buf.Enqueue(ctx, "user1", map[string]interface{}{"type": "pattern_alert", "seq": i}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	delivered, err := buf.Drain(ctx, "user1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if delivered != 3 {
		t.Errorf("Drain() delivered = %d, want 3", delivered)
	}
	if len(delivery.calls) != 3 {
		t.Errorf("EmitToUser called %d times, want 3", len(delivery.calls))
	}
	for _, topic := range delivery.calls {
		if topic != "pattern_alert" {
			t.Errorf("topic = %q, want pattern_alert", topic)
		}
	}
}

func TestDrainRemovesDeliveredEntriesFromStream(t *testing.T) {
	delivery := &fakeDelivery{deliver: true}
	buf, b := newTestBuffer(t, delivery)
	ctx := context.Background()

	_ = buf.Enqueue(ctx, "user1", map[string]interface{}{"type": "pattern_alert"})
	if _, err := buf.Drain(ctx, "user1"); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	length, err := b.XLen(ctx, streamKey("user1"))
	if err != nil {
		t.Fatalf("XLen() error = %v", err)
	}
	if length != 0 {
		t.Errorf("stream length after drain = %d, want 0", length)
	}
}

func TestDrainLeavesUndeliveredEntriesForRetry(t *testing.T) {
	delivery := &fakeDelivery{deliver: false}
	buf, b := newTestBuffer(t, delivery)
	ctx := context.Background()

	_ = buf.Enqueue(ctx, "user1", map[string]interface{}{"type": "pattern_alert"})
	delivered, err := buf.Drain(ctx, "user1")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if delivered != 0 {
		t.Errorf("Drain() delivered = %d, want 0 when delivery fails", delivered)
	}

	length, _ := b.XLen(ctx, streamKey("user1"))
	if length != 1 {
		t.Errorf("stream length after failed drain = %d, want 1 (retained for retry)", length)
	}
}

func TestDrainEmptyStreamIsNoop(t *testing.T) {
	delivery := &fakeDelivery{deliver: true}
	buf, _ := newTestBuffer(t, delivery)

	delivered, err := buf.Drain(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if delivered != 0 {
		t.Errorf("Drain() on empty stream = %d, want 0", delivered)
	}
}

func TestEnqueueTrimsToRetentionCap(t *testing.T) {
	delivery := &fakeDelivery{deliver: true}
	buf, b := newTestBuffer(t, delivery)
	buf.cfg.MaxOfflinePerUser = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := buf.Enqueue(ctx, "user1", map[string]interface{}{"type": "pattern_alert", "seq": i}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	length, err := b.XLen(ctx, streamKey("user1"))
	if err != nil {
		t.Fatalf("XLen() error = %v", err)
	}
	if length != 2 {
		t.Errorf("stream length = %d, want 2 (trimmed to cap)", length)
	}
}

func TestTopicOfFallsBackToDefaultWhenTypeMissing(t *testing.T) {
	if got := topicOf(map[string]interface{}{"symbol": "AAPL"}); got != defaultTopic {
		t.Errorf("topicOf() = %q, want %q", got, defaultTopic)
	}
	if got := topicOf("not-a-map"); got != defaultTopic {
		t.Errorf("topicOf() on non-map payload = %q, want %q", got, defaultTopic)
	}
}
