package userfilter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/platform/logging"
)

// watchlistUpdateChannel is the dashboard-originated channel that triggers
// an eager refresh, ahead of the periodic one.
const watchlistUpdateChannel = "tickstock.dashboards.watchlist"

// Config tunes the refresh cadence.
type Config struct {
	RefreshInterval time.Duration
	UpdateChannel   string
}

// DefaultConfig returns the wire-contract default: 5-minute periodic
// refresh, eager refresh on the dashboard watchlist channel.
func DefaultConfig() Config {
	return Config{RefreshInterval: 5 * time.Minute, UpdateChannel: watchlistUpdateChannel}
}

// Filter is C5: a copy-on-refresh snapshot of every user's watchlist rule.
// Reads never block on the refresh task — they read an atomically-swapped
// pointer to the current snapshot.
type Filter struct {
	source Source
	bus    bus.Bus
	cfg    Config
	logger *logging.Logger

	snapshot atomic.Value // map[string]Rule

	cron *cron.Cron
}

// New constructs a Filter with an empty snapshot; call Run to start loading
// and refreshing it.
func New(source Source, b bus.Bus, cfg Config, logger *logging.Logger) *Filter {
	f := &Filter{source: source, bus: b, cfg: cfg, logger: logger, cron: cron.New()}
	f.snapshot.Store(map[string]Rule{})
	return f
}

// UsersFor resolves which users should see a pattern. Fails open: an empty
// or not-yet-loaded snapshot yields an empty list rather than an error,
// letting the caller fall back to a broadcast path.
func (f *Filter) UsersFor(symbol, patternType string, confidence float64) []string {
	snapshot := f.snapshot.Load().(map[string]Rule)
	var users []string
	for userID, rule := range snapshot {
		if rule.Matches(symbol, patternType, confidence) {
			users = append(users, userID)
		}
	}
	return users
}

// Refresh reloads the snapshot from the source immediately.
func (f *Filter) Refresh(ctx context.Context) {
	rules, err := f.source.LoadAll(ctx)
	if err != nil {
		f.logger.Error(ctx, "watchlist refresh failed, keeping prior snapshot", err, nil)
		return
	}
	f.snapshot.Store(rules)
}

// Run starts the periodic refresh task and the eager-refresh subscription,
// blocking until ctx is cancelled.
func (f *Filter) Run(ctx context.Context) error {
	f.Refresh(ctx)

	if _, err := f.cron.AddFunc("@every "+f.cfg.RefreshInterval.String(), func() { f.Refresh(ctx) }); err != nil {
		f.logger.Error(ctx, "failed to schedule watchlist refresh", err, nil)
	}
	f.cron.Start()
	defer f.cron.Stop()

	sub, err := f.bus.Subscribe(ctx, f.cfg.UpdateChannel)
	if err != nil {
		f.logger.Error(ctx, "failed to subscribe to watchlist update channel", err, nil)
		<-ctx.Done()
		return nil
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		readCtx, cancel := context.WithTimeout(ctx, time.Second)
		msg, err := sub.ReadMessage(readCtx)
		cancel()
		if err != nil {
			continue
		}
		if msg != nil {
			f.Refresh(ctx)
		}
	}
}
