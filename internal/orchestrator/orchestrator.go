// Package orchestrator implements C9: process-lifetime wiring of every
// other component, in the order their dependencies require, plus a single
// health-aggregation view over the whole subsystem.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/cache"
	"github.com/tickstock/patternrelay/internal/fanout"
	"github.com/tickstock/patternrelay/internal/flowlog"
	"github.com/tickstock/patternrelay/internal/offline"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
	"github.com/tickstock/patternrelay/internal/scan"
	"github.com/tickstock/patternrelay/internal/subscriber"
	"github.com/tickstock/patternrelay/internal/userfilter"
)

const producerHeartbeatKey = "producer:heartbeat"

// Config tunes shutdown bounds and the degraded-health thresholds.
type Config struct {
	ShutdownTimeout        time.Duration
	MinMessagesForDropRate int
	MaxDropRate            float64
	ProducerHeartbeatStale time.Duration
}

// DefaultConfig returns the wire-contract defaults: a 5s bounded shutdown
// join, a 5% drop-rate degraded threshold (evaluated once at least 20
// messages have been seen), and a 60s producer heartbeat staleness window.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:        5 * time.Second,
		MinMessagesForDropRate: 20,
		MaxDropRate:            0.05,
		ProducerHeartbeatStale: 60 * time.Second,
	}
}

// Orchestrator owns every component's lifecycle and exposes the single
// health() aggregator the edge layer polls.
type Orchestrator struct {
	cfg    Config
	logger *logging.Logger
	metr   *metrics.Metrics

	bus        bus.Bus
	cache      *cache.Cache
	userFilter *userfilter.Filter
	registry   *fanout.Registry
	offlineBuf *offline.Buffer
	flow       *flowlog.Tracker
	sub        *subscriber.Subscriber
	scanEngine *scan.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup

	subRunning int32
	startedAt  time.Time
}

// New wires an Orchestrator over already-constructed components. Building
// the components themselves (bus dial, cache, filter, registry, offline
// buffer, flow tracker, subscriber, scan engine) is the caller's job — this
// type only sequences their Run/Stop lifecycles and aggregates health.
func New(
	b bus.Bus,
	c *cache.Cache,
	uf *userfilter.Filter,
	reg *fanout.Registry,
	ob *offline.Buffer,
	fl *flowlog.Tracker,
	sub *subscriber.Subscriber,
	se *scan.Engine,
	cfg Config,
	logger *logging.Logger,
	metr *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, logger: logger, metr: metr,
		bus: b, cache: c, userFilter: uf, registry: reg,
		offlineBuf: ob, flow: fl, sub: sub, scanEngine: se,
	}
}

// ScanEngine exposes C3 for the edge/HTTP layer to register against —
// the orchestrator does not itself serve HTTP.
func (o *Orchestrator) ScanEngine() *scan.Engine { return o.scanEngine }

// Registry exposes C6 for an edge/HTTP layer to register/unregister
// incoming socket connections against.
func (o *Orchestrator) Registry() *fanout.Registry { return o.registry }

// OfflineBuffer exposes C7 so the edge layer can drain a user's backlog
// immediately after registering their connection.
func (o *Orchestrator) OfflineBuffer() *offline.Buffer { return o.offlineBuf }

// Start brings up every background task in dependency order: the bus (C1)
// and cache (C2) are already live by construction, so starting here means
// C5's refresh loop, C6's registry (passive, nothing to start), C7/C8
// (also passive), then C4's subscriber loop — cache cleanup (C2) was
// already scheduled at construction; see DESIGN.md for why that doesn't
// need to be resequenced here.
func (o *Orchestrator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = time.Now()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.userFilter.Run(runCtx); err != nil {
			o.logger.Error(runCtx, "watchlist filter stopped", err, nil)
		}
	}()

	atomic.StoreInt32(&o.subRunning, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer atomic.StoreInt32(&o.subRunning, 0)
		if err := o.sub.Run(runCtx); err != nil {
			o.logger.Error(runCtx, "subscriber stopped", err, nil)
		}
	}()

	o.logger.Info(ctx, "orchestrator started", nil)
	return nil
}

// Stop cancels every background task and bounds the join at
// cfg.ShutdownTimeout, ignoring whatever error state components were in —
// shutdown never fails.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownTimeout):
		o.logger.Warn(context.Background(), "shutdown timed out waiting for background tasks", nil)
	}
	o.cache.Stop()
}

// Status is one component's contribution to the aggregate health view.
type Status struct {
	Name   string `json:"name"`
	Status string `json:"status"` // healthy | warning | degraded | error
	Detail string `json:"detail,omitempty"`
}

// Report is the single health() aggregator's return value.
type Report struct {
	Status     string    `json:"status"`
	Components []Status  `json:"components"`
	CheckedAt  time.Time `json:"checked_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
}

// rank orders severity so the roll-up can take the worst observed status.
var rank = map[string]int{"healthy": 0, "warning": 1, "degraded": 2, "error": 3}

func worse(a, b string) string {
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Health aggregates every component into a single roll-up: healthy iff the
// bus (C1) and cache (C2) are healthy, warning if the subscriber (C4) is
// not running, degraded if the subscriber's drop rate or a stale producer
// heartbeat crosses its threshold — and those combine by taking the worst
// of whatever applies.
func (o *Orchestrator) Health(ctx context.Context) Report {
	var components []Status
	overall := "healthy"

	busStatus := "healthy"
	if err := o.bus.Ping(ctx); err != nil {
		busStatus = "error"
	}
	components = append(components, Status{Name: "bus", Status: busStatus})
	overall = worse(overall, busStatus)

	// The cache has no connectivity of its own; it rides on the bus, so its
	// health is derived from the bus's rather than independently probed.
	cacheStatus := busStatus
	components = append(components, Status{Name: "cache", Status: cacheStatus})
	overall = worse(overall, cacheStatus)

	subStatus := "healthy"
	if atomic.LoadInt32(&o.subRunning) == 0 {
		subStatus = "warning"
	}
	stats := o.sub.Stats()
	if int(stats.MessagesReceived) >= o.cfg.MinMessagesForDropRate && stats.MessagesReceived > 0 {
		dropRate := float64(stats.MessagesDropped) / float64(stats.MessagesReceived)
		if dropRate > o.cfg.MaxDropRate {
			subStatus = "degraded"
		}
	}
	components = append(components, Status{Name: "subscriber", Status: subStatus})
	overall = worse(overall, subStatus)

	heartbeatStatus, heartbeatDetail := o.checkProducerHeartbeat(ctx)
	components = append(components, Status{Name: "producer_heartbeat", Status: heartbeatStatus, Detail: heartbeatDetail})
	overall = worse(overall, heartbeatStatus)

	return Report{
		Status:     overall,
		Components: components,
		CheckedAt:  time.Now(),
		UptimeSecs: time.Since(o.startedAt).Seconds(),
	}
}

// checkProducerHeartbeat reports degraded if the upstream producer's
// heartbeat key is older than the configured staleness window, matching
// the scenario where C1 itself is reachable but nothing upstream is
// actually publishing.
func (o *Orchestrator) checkProducerHeartbeat(ctx context.Context) (string, string) {
	raw, found, err := o.bus.Get(ctx, producerHeartbeatKey)
	if err != nil || !found {
		return "healthy", "no heartbeat key observed yet"
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return "healthy", "heartbeat value unparsable"
	}
	if time.Since(ts) > o.cfg.ProducerHeartbeatStale {
		return "degraded", "producer heartbeat stale"
	}
	return "healthy", ""
}
