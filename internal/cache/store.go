package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tickstock/patternrelay/internal/bus"
)

func patternKey(id string) string {
	return patternKeyPrefix + id
}

// saveRecord performs the cache-new write path: the record hash plus all
// four secondary indexes, each refreshed to the configured TTL, as one
// logical batch. The underlying bus has no native MULTI in this codebase's
// abstraction, so the batch is sequential; a failure partway is logged and
// the event is dropped rather than retried (see process_event semantics).
func (c *Cache) saveRecord(ctx context.Context, r *Record) error {
	id := r.ID()
	data, err := r.MarshalForStorage()
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := c.bus.HSet(ctx, patternKey(id), map[string]string{
		"data":      string(data),
		"cached_at": strconv.FormatInt(time.Now().Unix(), 10),
	}); err != nil {
		return err
	}
	if err := c.bus.Expire(ctx, patternKey(id), c.cfg.PatternTTL); err != nil {
		return err
	}

	detectedScore := float64(r.DetectedAt.Unix())
	if err := c.bus.ZAdd(ctx, confidenceIndexKey, bus.ZMember{Member: id, Score: r.Confidence}); err != nil {
		return err
	}
	if err := c.bus.ZAdd(ctx, symbolIndexKey, bus.ZMember{Member: r.Symbol + ":" + id, Score: detectedScore}); err != nil {
		return err
	}
	if err := c.bus.ZAdd(ctx, patternTypeIndexKey, bus.ZMember{Member: r.PatternType + ":" + id, Score: detectedScore}); err != nil {
		return err
	}
	if err := c.bus.ZAdd(ctx, timeIndexKey, bus.ZMember{Member: id, Score: detectedScore}); err != nil {
		return err
	}

	for _, key := range []string{confidenceIndexKey, symbolIndexKey, patternTypeIndexKey, timeIndexKey} {
		if err := c.bus.Expire(ctx, key, c.cfg.IndexTTL); err != nil {
			return err
		}
	}
	return nil
}

// removeRecord deletes the record hash and its entries in all four indexes.
func (c *Cache) removeRecord(ctx context.Context, r *Record) error {
	id := r.ID()
	if err := c.bus.Del(ctx, patternKey(id)); err != nil {
		return err
	}
	if err := c.bus.ZRem(ctx, confidenceIndexKey, id); err != nil {
		return err
	}
	if err := c.bus.ZRem(ctx, symbolIndexKey, r.Symbol+":"+id); err != nil {
		return err
	}
	if err := c.bus.ZRem(ctx, patternTypeIndexKey, r.PatternType+":"+id); err != nil {
		return err
	}
	return c.bus.ZRem(ctx, timeIndexKey, id)
}

// loadRecord fetches and deserializes a record by id, reporting (nil, false,
// nil) if it has expired or never existed — the bus returning nothing is not
// an error here, it's the normal "id raced with expiry" case callers must
// tolerate.
func (c *Cache) loadRecord(ctx context.Context, id string) (*Record, bool, error) {
	fields, err := c.bus.HGetAll(ctx, patternKey(id))
	if err != nil {
		return nil, false, err
	}
	data, ok := fields["data"]
	if !ok || data == "" {
		return nil, false, nil
	}
	r, err := UnmarshalRecord([]byte(data))
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// allRecordIDs lists every id currently backed by a pattern hash, used by
// the cleanup pass, ClearCache, and the cached-record count that
// ProcessEvent and GetStats report (each call is a full key scan).
func (c *Cache) allRecordIDs(ctx context.Context) ([]string, error) {
	keys, err := c.bus.Keys(ctx, patternKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, patternKeyPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

func responseCacheKey(hash string) string {
	return apiCacheKeyPrefix + "scan:" + hash
}

func (c *Cache) getResponseCache(ctx context.Context, hash string) (string, bool, error) {
	return c.bus.Get(ctx, responseCacheKey(hash))
}

func (c *Cache) setResponseCache(ctx context.Context, hash, payload string) error {
	return c.bus.Set(ctx, responseCacheKey(hash), payload, c.cfg.ResponseTTL)
}

// invalidateResponseCache drops every cached scan response; called after any
// write so freshness always wins over cache economy.
func (c *Cache) invalidateResponseCache(ctx context.Context) error {
	keys, err := c.bus.Keys(ctx, apiCacheKeyPrefix+"*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.bus.Del(ctx, keys...)
}
