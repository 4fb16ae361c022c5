package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/platform/errors"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
)

// EventKind tags the write-path events the cache accepts.
type EventKind string

const (
	EventPatternDetected EventKind = "pattern_detected"
	EventPatternExpired  EventKind = "pattern_expired"
	EventPatternUpdated  EventKind = "pattern_updated"
)

// Event is the normalized write-path input; C4 is responsible for parsing
// the wire envelope down to this shape before calling ProcessEvent.
type Event struct {
	Kind    EventKind
	Record  *Record
}

// Stats mirrors the statistics counters the cache is required to expose.
type Stats struct {
	CachedRecords         int
	EventsProcessed       uint64
	ResponseCacheHits     uint64
	ResponseCacheMisses   uint64
	RecordsCleaned        uint64
	LastEventTime         time.Time
}

// HitRatio is hits / (hits + misses), defined as 1.0 with no requests yet.
func (s Stats) HitRatio() float64 {
	total := s.ResponseCacheHits + s.ResponseCacheMisses
	if total == 0 {
		return 1.0
	}
	return float64(s.ResponseCacheHits) / float64(total)
}

// Cache is C2: the multi-layer pattern cache (record store, four secondary
// indexes, response cache) and its background expiry sweep.
type Cache struct {
	bus    bus.Bus
	cfg    Config
	logger *logging.Logger
	metr   *metrics.Metrics

	mu                  sync.Mutex
	eventsProcessed     uint64
	responseCacheHits   uint64
	responseCacheMisses uint64
	recordsCleaned      uint64
	lastEventTime       time.Time

	cron     *cron.Cron
	stopOnce sync.Once
}

// New constructs a Cache bound to the given bus, starting its 60s cleanup
// task immediately.
func New(b bus.Bus, cfg Config, logger *logging.Logger, metr *metrics.Metrics) *Cache {
	c := &Cache{
		bus:    b,
		cfg:    cfg,
		logger: logger,
		metr:   metr,
		cron:   cron.New(),
	}
	spec := "@every " + cfg.CleanupPeriod.String()
	if _, err := c.cron.AddFunc(spec, c.runCleanup); err != nil {
		logger.Error(context.Background(), "failed to schedule cache cleanup", err, nil)
	}
	c.cron.Start()
	return c
}

// Stop halts the background cleanup task. Idempotent.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		ctx := c.cron.Stop()
		<-ctx.Done()
	})
}

// ProcessEvent is the write path: classify, then cache-new / cache-remove /
// cache-overwrite, then invalidate the response cache. Write failures are
// logged and counted, never retried — the event is dropped.
func (c *Cache) ProcessEvent(ctx context.Context, evt Event) error {
	atomic.AddUint64(&c.eventsProcessed, 1)
	c.mu.Lock()
	c.lastEventTime = time.Now()
	c.mu.Unlock()

	var err error
	switch evt.Kind {
	case EventPatternDetected, EventPatternUpdated:
		if evt.Record == nil {
			err = errors.InvalidInput("record", "required for cache-new/cache-overwrite")
			break
		}
		err = c.saveRecord(ctx, evt.Record)
	case EventPatternExpired:
		// cache-remove: drop the record and its index entries when the
		// event carries one; TTL/cleanup covers the rest. Dependent reads
		// are invalidated either way.
		if evt.Record != nil {
			err = c.removeRecord(ctx, evt.Record)
		}
	default:
		err = errors.UnknownEventKind(string(evt.Kind))
	}

	if err != nil {
		c.metr.RecordEventProcessed("cache", string(evt.Kind), "error")
		c.logger.Error(ctx, "cache write failed", err, map[string]interface{}{"kind": evt.Kind})
		return err
	}

	if invErr := c.invalidateResponseCache(ctx); invErr != nil {
		c.logger.Error(ctx, "response cache invalidation failed", invErr, nil)
	}
	c.metr.RecordEventProcessed("cache", string(evt.Kind), "ok")
	c.metr.SetCachedRecords(c.approximateCachedRecords(ctx))
	return nil
}

func (c *Cache) approximateCachedRecords(ctx context.Context) int {
	ids, err := c.allRecordIDs(ctx)
	if err != nil {
		return 0
	}
	return len(ids)
}

// runCleanup executes one expiry sweep: scan every record, drop the expired
// ones from the store and all four indexes in one pass, and record how many
// were removed.
func (c *Cache) runCleanup() {
	ctx := context.Background()
	ids, err := c.allRecordIDs(ctx)
	if err != nil {
		c.logger.Error(ctx, "cleanup: failed to list record ids", err, nil)
		return
	}

	now := time.Now()
	var cleaned int
	for _, id := range ids {
		r, found, err := c.loadRecord(ctx, id)
		if err != nil {
			c.logger.Error(ctx, "cleanup: failed to load record", err, map[string]interface{}{"id": id})
			continue
		}
		if !found {
			// Orphaned index entries: the hash is gone but an index member
			// may remain (e.g. TTL expiry raced with an index refresh).
			c.removeOrphanedIndexEntries(ctx, id)
			continue
		}
		if r.IsLive(now) {
			continue
		}
		if err := c.removeRecord(ctx, r); err != nil {
			c.logger.Error(ctx, "cleanup: failed to remove expired record", err, map[string]interface{}{"id": id})
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		atomic.AddUint64(&c.recordsCleaned, uint64(cleaned))
		c.metr.AddRecordsCleaned(cleaned)
		c.logger.Info(ctx, "cache cleanup completed", map[string]interface{}{"cleaned": cleaned})
	}
	c.metr.SetCachedRecords(c.approximateCachedRecords(ctx))
}

// removeOrphanedIndexEntries drops the given id from the confidence and time
// indexes, which are keyed directly by id. It does not scan any index for
// orphans, and it leaves the symbol and pattern-type indexes (whose members
// carry a prefix) untouched; it only runs for ids the cleanup pass listed
// from record keys whose hash turned out empty.
func (c *Cache) removeOrphanedIndexEntries(ctx context.Context, id string) {
	_ = c.bus.ZRem(ctx, confidenceIndexKey, id)
	_ = c.bus.ZRem(ctx, timeIndexKey, id)
}

// GetStats returns a snapshot of the cache's counters.
func (c *Cache) GetStats(ctx context.Context) Stats {
	c.mu.Lock()
	lastEvent := c.lastEventTime
	c.mu.Unlock()

	return Stats{
		CachedRecords:       c.approximateCachedRecords(ctx),
		EventsProcessed:     atomic.LoadUint64(&c.eventsProcessed),
		ResponseCacheHits:   atomic.LoadUint64(&c.responseCacheHits),
		ResponseCacheMisses: atomic.LoadUint64(&c.responseCacheMisses),
		RecordsCleaned:      atomic.LoadUint64(&c.recordsCleaned),
		LastEventTime:       lastEvent,
	}
}

// ClearCache removes every record, index, and cached response — an admin
// operation, not part of the normal event-driven lifecycle.
func (c *Cache) ClearCache(ctx context.Context) error {
	ids, err := c.allRecordIDs(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+4)
	for _, id := range ids {
		keys = append(keys, patternKey(id))
	}
	respKeys, err := c.bus.Keys(ctx, apiCacheKeyPrefix+"*")
	if err != nil {
		return err
	}
	keys = append(keys, respKeys...)
	keys = append(keys, confidenceIndexKey, symbolIndexKey, patternTypeIndexKey, timeIndexKey)

	if len(keys) == 0 {
		return nil
	}
	if err := c.bus.Del(ctx, keys...); err != nil {
		return err
	}

	atomic.StoreUint64(&c.eventsProcessed, 0)
	atomic.StoreUint64(&c.responseCacheHits, 0)
	atomic.StoreUint64(&c.responseCacheMisses, 0)
	atomic.StoreUint64(&c.recordsCleaned, 0)
	c.metr.SetCachedRecords(0)
	return nil
}

// RecordResponseCacheHit/Miss let the scan engine (C3), which drives the
// response cache reads, feed the hit ratio this package tracks.
func (c *Cache) RecordResponseCacheHit() {
	atomic.AddUint64(&c.responseCacheHits, 1)
	c.metr.RecordResponseCacheResult("cache", "hit")
}

func (c *Cache) RecordResponseCacheMiss() {
	atomic.AddUint64(&c.responseCacheMisses, 1)
	c.metr.RecordResponseCacheResult("cache", "miss")
}

// Bus exposes the underlying bus so the scan engine can drive index
// traversal directly without duplicating the key layout.
func (c *Cache) Bus() bus.Bus { return c.bus }

// GetResponseCache/SetResponseCache expose the response-cache reads and
// writes to the scan engine, which owns the query algorithm that decides
// when to use them. Invalidation stays internal to ProcessEvent.
func (c *Cache) GetResponseCache(ctx context.Context, hash string) (string, bool, error) {
	return c.getResponseCache(ctx, hash)
}

func (c *Cache) SetResponseCache(ctx context.Context, hash, payload string) error {
	return c.setResponseCache(ctx, hash, payload)
}

// LoadRecord and index key accessors are exported for the scan engine.
func (c *Cache) LoadRecord(ctx context.Context, id string) (*Record, bool, error) {
	return c.loadRecord(ctx, id)
}

func ConfidenceIndexKey() string  { return confidenceIndexKey }
func SymbolIndexKey() string      { return symbolIndexKey }
func PatternTypeIndexKey() string { return patternTypeIndexKey }
func TimeIndexKey() string        { return timeIndexKey }
