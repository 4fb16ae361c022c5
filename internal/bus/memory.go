package bus

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBus is an in-process fake satisfying Bus, used by every other
// component's tests so they never require a running Redis instance. It
// implements the same sorted-set ordering the Redis implementation relies
// on. TTL expiry is lazy (a key past its TTL is treated as absent the next
// time it's touched) and applies to string keys only: Expire on a hash,
// sorted set or stream key is a no-op, so those never expire.
type MemoryBus struct {
	mu sync.Mutex

	strings map[string]stringEntry
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	streams map[string][]StreamEntry
	nextID  map[string]int64

	subscribers map[string][]*memorySubscription

	stats PoolStats
}

type stringEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

// NewMemoryBus constructs an empty fake bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		strings:     make(map[string]stringEntry),
		hashes:      make(map[string]map[string]string),
		zsets:       make(map[string]map[string]float64),
		streams:     make(map[string][]StreamEntry),
		nextID:      make(map[string]int64),
		subscribers: make(map[string][]*memorySubscription),
		stats:       PoolStats{HealthStatus: "healthy", CircuitState: "closed", MaxConnections: 1},
	}
}

func (m *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]*memorySubscription(nil), m.subscribers[channel]...)
	m.stats.TotalCommands++
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

type memorySubscription struct {
	bus      *MemoryBus
	channels []string
	ch       chan Message
	closed   chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) deliver(msg Message) {
	select {
	case s.ch <- msg:
	case <-s.closed:
	default:
		// Drop-if-full on the 64-slot buffer keeps Publish non-blocking for a slow
		// test subscriber; production code reads continuously so this
		// should not be hit in practice.
	}
}

func (s *memorySubscription) ReadMessage(ctx context.Context) (*Message, error) {
	select {
	case msg := <-s.ch:
		return &msg, nil
	case <-ctx.Done():
		return nil, nil
	case <-s.closed:
		return nil, nil
	}
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for _, ch := range s.channels {
			subs := s.bus.subscribers[ch]
			for i, sub := range subs {
				if sub == s {
					s.bus.subscribers[ch] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
	})
	return nil
}

func (m *MemoryBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		channels: channels,
		ch:       make(chan Message, 64),
		closed:   make(chan struct{}),
	}
	sub.bus = m

	m.mu.Lock()
	for _, ch := range channels {
		m.subscribers[ch] = append(m.subscribers[ch], sub)
	}
	m.mu.Unlock()

	return sub, nil
}

func (m *MemoryBus) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	entry, ok := m.getStringLocked(key)
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryBus) getStringLocked(key string) (stringEntry, bool) {
	entry, ok := m.strings[key]
	if !ok {
		return stringEntry{}, false
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		delete(m.strings, key)
		return stringEntry{}, false
	}
	return entry, true
}

func (m *MemoryBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	entry := stringEntry{value: value}
	if ttl > 0 {
		entry.expires = time.Now().Add(ttl)
	}
	m.strings[key] = entry
	return nil
}

func (m *MemoryBus) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.hashes, k)
		delete(m.zsets, k)
		delete(m.streams, k)
	}
	return nil
}

func (m *MemoryBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	if entry, ok := m.strings[key]; ok {
		entry.expires = time.Now().Add(ttl)
		m.strings[key] = entry
	}
	return nil
}

func (m *MemoryBus) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++

	var result []string
	seen := make(map[string]bool)
	now := time.Now()
	for k, entry := range m.strings {
		if entry.expires.IsZero() || now.Before(entry.expires) {
			if globMatch(pattern, k) && !seen[k] {
				result = append(result, k)
				seen[k] = true
			}
		}
	}
	for k := range m.hashes {
		if globMatch(pattern, k) && !seen[k] {
			result = append(result, k)
			seen[k] = true
		}
	}
	sort.Strings(result)
	return result, nil
}

// globMatch supports the single "*" wildcard form used throughout this
// codebase (e.g. "patterns:*", "resp:*"); it is not a full glob
// implementation because the bus contract never needs one beyond that.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.SplitN(pattern, "*", 2)
	prefix, suffix := parts[0], parts[1]
	return strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) && len(s) >= len(prefix)+len(suffix)
}

func (m *MemoryBus) HSet(ctx context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryBus) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	result := make(map[string]string)
	for k, v := range m.hashes[key] {
		result[k] = v
	}
	return result, nil
}

func (m *MemoryBus) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	for _, member := range members {
		z[member.Member] = member.Score
	}
	return nil
}

func (m *MemoryBus) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(z, member)
	}
	return nil
}

func (m *MemoryBus) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	return m.zRange(key, min, max, false)
}

func (m *MemoryBus) ZRevRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	return m.zRange(key, min, max, true)
}

func (m *MemoryBus) zRange(key string, min, max float64, desc bool) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++

	var result []ZMember
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			result = append(result, ZMember{Member: member, Score: score})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			if desc {
				return result[i].Score > result[j].Score
			}
			return result[i].Score < result[j].Score
		}
		// deterministic tie-break by member id, ascending, regardless of
		// sort direction — matches spec §4.3's "index is itself keyed by
		// id, so deterministic" tie-break rule.
		return result[i].Member < result[j].Member
	})
	return result, nil
}

func (m *MemoryBus) XAdd(ctx context.Context, key string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++

	seq := m.nextID[key]
	m.nextID[key] = seq + 1
	id := time.Now().Format("20060102150405") + "-" + itoa(seq)

	entry := StreamEntry{ID: id, Fields: copyFields(fields)}
	m.streams[key] = append(m.streams[key], entry)
	return id, nil
}

func (m *MemoryBus) XRange(ctx context.Context, key, start string, count int64) ([]StreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++

	entries := m.streams[key]
	startIdx := 0
	if start != "" && start != "-" {
		for i, e := range entries {
			if e.ID == start {
				startIdx = i
				break
			}
		}
	}
	if startIdx >= len(entries) {
		return nil, nil
	}
	end := len(entries)
	if count > 0 && startIdx+int(count) < end {
		end = startIdx + int(count)
	}
	result := make([]StreamEntry, end-startIdx)
	copy(result, entries[startIdx:end])
	return result, nil
}

func (m *MemoryBus) XTrim(ctx context.Context, key string, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++

	entries := m.streams[key]
	if int64(len(entries)) > maxLen {
		m.streams[key] = append([]StreamEntry(nil), entries[int64(len(entries))-maxLen:]...)
	}
	return nil
}

func (m *MemoryBus) XDel(ctx context.Context, key string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	entries := m.streams[key]
	kept := entries[:0:0]
	for _, e := range entries {
		if !idSet[e.ID] {
			kept = append(kept, e)
		}
	}
	m.streams[key] = kept
	return nil
}

func (m *MemoryBus) XLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.streams[key])), nil
}

func (m *MemoryBus) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.TotalCommands++
	m.stats.LastHealthCheck = time.Now()
	return nil
}

func (m *MemoryBus) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *MemoryBus) Close() error {
	return nil
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
