package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tickstock/patternrelay/internal/platform/errors"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
	"github.com/tickstock/patternrelay/internal/platform/resilience"
)

// RedisBus is the production Bus implementation, grounded in the original
// RedisConnectionManager: a single pooled client, per-operation retry with
// bounded exponential backoff, a circuit breaker guarding every operation,
// a background health-check loop that pings the bus and counts recoveries
// as reconnections, and a rolling command-time window for pool/command
// stats. There is no dedicated background reconnect loop; re-dialing is
// left to the pooled client on the next operation.
type RedisBus struct {
	cfg    Config
	client *redis.Client
	logger *logging.Logger
	metr   *metrics.Metrics
	cb     *resilience.CircuitBreaker

	mu              sync.Mutex
	totalCommands   uint64
	failedCommands  uint64
	reconnectCount  uint64
	commandTimesMS  []float64
	lastHealthCheck time.Time
	healthStatus    string

	closeOnce sync.Once
	closed    chan struct{}
}

const maxTrackedCommands = 1000

// NewRedisBus dials the bus and wires resilience, metrics, and logging per
// spec §4.1. It starts the background health-check loop (§5: every 15s).
func NewRedisBus(cfg Config, logger *logging.Logger, metr *metrics.Metrics) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:           cfg.DB,
		Password:     cfg.Password,
		PoolSize:     cfg.MaxConnections,
		DialTimeout:  cfg.SocketConnectTimeout,
		ReadTimeout:  cfg.SocketTimeout,
		WriteTimeout: cfg.SocketTimeout,
	})

	cbConfig := resilience.DefaultServiceCBConfig(logger)
	cbConfig.MaxFailures = cfg.CircuitBreakerMaxFailures
	cbConfig.Timeout = cfg.CircuitBreakerResetTimeout

	b := &RedisBus{
		cfg:          cfg,
		client:       client,
		logger:       logger,
		metr:         metr,
		cb:           resilience.New(cbConfig),
		healthStatus: "unknown",
		closed:       make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.SocketConnectTimeout)
	defer cancel()
	if err := b.Ping(ctx); err != nil {
		return nil, errors.StartupFailed("bus", err)
	}
	b.healthStatus = "healthy"
	b.lastHealthCheck = time.Now()

	go b.healthCheckLoop()

	return b, nil
}

// retryConfig matches spec §4.1: base 100ms, cap 3.2s, reset to base after a
// successful reconnection, at most 3 attempts.
func (b *RedisBus) retryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: b.cfg.ReconnectBaseDelay,
		MaxDelay:     b.cfg.ReconnectMaxDelay,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// execute runs fn through the circuit breaker with bounded retry, recording
// command timing/metrics/slow-command logging exactly once per call (not
// once per retry attempt, so stats reflect caller-visible latency).
func (b *RedisBus) execute(ctx context.Context, command string, fn func() error) error {
	start := time.Now()

	err := b.cb.Execute(ctx, func() error {
		return resilience.Retry(ctx, b.retryConfig(), func() error {
			return fn()
		})
	})

	elapsed := time.Since(start)
	b.recordCommand(command, elapsed, err)
	return err
}

func (b *RedisBus) recordCommand(command string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failed"
		atomic.AddUint64(&b.failedCommands, 1)
	}
	atomic.AddUint64(&b.totalCommands, 1)

	b.mu.Lock()
	b.commandTimesMS = append(b.commandTimesMS, float64(elapsed.Milliseconds()))
	if len(b.commandTimesMS) > maxTrackedCommands {
		b.commandTimesMS = b.commandTimesMS[len(b.commandTimesMS)-maxTrackedCommands/2:]
	}
	b.mu.Unlock()

	if b.metr != nil {
		b.metr.RecordBusOperation("bus", command, status, elapsed)
		b.metr.SetBusCircuitState(circuitStateGauge(b.cb.State()))
	}
	if b.logger != nil {
		if elapsed >= b.cfg.SlowCommandThreshold || err != nil {
			b.logger.LogBusOperation(context.Background(), command, elapsed, err)
		}
	}
}

func circuitStateGauge(s resilience.State) float64 {
	switch s {
	case resilience.StateClosed:
		return 0
	case resilience.StateHalfOpen:
		return 0.5
	case resilience.StateOpen:
		return 1
	default:
		return -1
	}
}

func (b *RedisBus) wrapErr(operation string, err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return errors.BusTimeout(operation)
	}
	return errors.BusUnavailable(operation, err)
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.execute(ctx, "publish", func() error {
		err := b.client.Publish(ctx, channel, payload).Err()
		return b.wrapErr("publish", err)
	})
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.BusUnavailable("subscribe", err)
	}
	return &redisSubscription{pubsub: pubsub}, nil
}

// Get implements Bus.
func (b *RedisBus) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.execute(ctx, "get", func() error {
		v, err := b.client.Get(ctx, key).Result()
		if err == redis.Nil {
			found = false
			return nil
		}
		if err != nil {
			return b.wrapErr("get", err)
		}
		value = v
		found = true
		return nil
	})
	return value, found, err
}

// Set implements Bus.
func (b *RedisBus) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.execute(ctx, "set", func() error {
		return b.wrapErr("set", b.client.Set(ctx, key, value, ttl).Err())
	})
}

// Del implements Bus.
func (b *RedisBus) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.execute(ctx, "del", func() error {
		return b.wrapErr("del", b.client.Del(ctx, keys...).Err())
	})
}

// Expire implements Bus.
func (b *RedisBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.execute(ctx, "expire", func() error {
		return b.wrapErr("expire", b.client.Expire(ctx, key, ttl).Err())
	})
}

// Keys implements Bus via SCAN (never KEYS, to stay production-safe under a
// large key space).
func (b *RedisBus) Keys(ctx context.Context, pattern string) ([]string, error) {
	var result []string
	err := b.execute(ctx, "scan", func() error {
		result = nil
		var cursor uint64
		for {
			keys, next, err := b.client.Scan(ctx, cursor, pattern, 200).Result()
			if err != nil {
				return b.wrapErr("scan", err)
			}
			result = append(result, keys...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return result, err
}

// HSet implements Bus.
func (b *RedisBus) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return b.execute(ctx, "hset", func() error {
		return b.wrapErr("hset", b.client.HSet(ctx, key, args...).Err())
	})
}

// HGetAll implements Bus.
func (b *RedisBus) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var result map[string]string
	err := b.execute(ctx, "hgetall", func() error {
		v, err := b.client.HGetAll(ctx, key).Result()
		if err != nil {
			return b.wrapErr("hgetall", err)
		}
		result = v
		return nil
	})
	if result == nil {
		result = map[string]string{}
	}
	return result, err
}

// ZAdd implements Bus.
func (b *RedisBus) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	if len(members) == 0 {
		return nil
	}
	zs := make([]*redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, &redis.Z{Score: m.Score, Member: m.Member})
	}
	return b.execute(ctx, "zadd", func() error {
		return b.wrapErr("zadd", b.client.ZAdd(ctx, key, zs...).Err())
	})
}

// ZRem implements Bus.
func (b *RedisBus) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return b.execute(ctx, "zrem", func() error {
		return b.wrapErr("zrem", b.client.ZRem(ctx, key, args...).Err())
	})
}

// ZRangeByScore implements Bus.
func (b *RedisBus) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	var result []ZMember
	err := b.execute(ctx, "zrangebyscore", func() error {
		zs, err := b.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: formatScore(min),
			Max: formatScore(max),
		}).Result()
		if err != nil {
			return b.wrapErr("zrangebyscore", err)
		}
		result = toZMembers(zs)
		return nil
	})
	return result, err
}

// ZRevRangeByScore implements Bus.
func (b *RedisBus) ZRevRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	var result []ZMember
	err := b.execute(ctx, "zrevrangebyscore", func() error {
		zs, err := b.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: formatScore(min),
			Max: formatScore(max),
		}).Result()
		if err != nil {
			return b.wrapErr("zrevrangebyscore", err)
		}
		result = toZMembers(zs)
		return nil
	})
	return result, err
}

// XAdd implements Bus.
func (b *RedisBus) XAdd(ctx context.Context, key string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	var id string
	err := b.execute(ctx, "xadd", func() error {
		v, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values}).Result()
		if err != nil {
			return b.wrapErr("xadd", err)
		}
		id = v
		return nil
	})
	return id, err
}

// XRange implements Bus.
func (b *RedisBus) XRange(ctx context.Context, key, start string, count int64) ([]StreamEntry, error) {
	if start == "" {
		start = "-"
	}
	var result []StreamEntry
	err := b.execute(ctx, "xrange", func() error {
		msgs, err := b.client.XRangeN(ctx, key, start, "+", count).Result()
		if err != nil {
			return b.wrapErr("xrange", err)
		}
		result = make([]StreamEntry, 0, len(msgs))
		for _, m := range msgs {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			result = append(result, StreamEntry{ID: m.ID, Fields: fields})
		}
		return nil
	})
	return result, err
}

// XTrim implements Bus.
func (b *RedisBus) XTrim(ctx context.Context, key string, maxLen int64) error {
	return b.execute(ctx, "xtrim", func() error {
		return b.wrapErr("xtrim", b.client.XTrimMaxLen(ctx, key, maxLen).Err())
	})
}

// XDel implements Bus.
func (b *RedisBus) XDel(ctx context.Context, key string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.execute(ctx, "xdel", func() error {
		return b.wrapErr("xdel", b.client.XDel(ctx, key, ids...).Err())
	})
}

// XLen implements Bus.
func (b *RedisBus) XLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := b.execute(ctx, "xlen", func() error {
		v, err := b.client.XLen(ctx, key).Result()
		if err != nil {
			return b.wrapErr("xlen", err)
		}
		n = v
		return nil
	})
	return n, err
}

// Ping implements Bus. It bypasses the circuit breaker so health checks can
// always observe real connectivity, but still records command stats.
func (b *RedisBus) Ping(ctx context.Context) error {
	start := time.Now()
	err := b.client.Ping(ctx).Err()
	elapsed := time.Since(start)
	b.recordCommand("ping", elapsed, err)
	if err != nil {
		return errors.BusUnavailable("ping", err)
	}
	return nil
}

// Stats implements Bus.
func (b *RedisBus) Stats() PoolStats {
	poolStats := b.client.PoolStats()

	b.mu.Lock()
	var avg float64
	if len(b.commandTimesMS) > 0 {
		var sum float64
		for _, t := range b.commandTimesMS {
			sum += t
		}
		avg = sum / float64(len(b.commandTimesMS))
	}
	lastCheck := b.lastHealthCheck
	status := b.healthStatus
	b.mu.Unlock()

	return PoolStats{
		CreatedConnections:   int(poolStats.TotalConns),
		AvailableConnections: int(poolStats.IdleConns),
		InUseConnections:     int(poolStats.TotalConns - poolStats.IdleConns),
		MaxConnections:       b.cfg.MaxConnections,
		TotalCommands:        atomic.LoadUint64(&b.totalCommands),
		FailedCommands:       atomic.LoadUint64(&b.failedCommands),
		AvgResponseTimeMS:    avg,
		LastHealthCheck:      lastCheck,
		HealthStatus:         status,
		ReconnectionCount:    atomic.LoadUint64(&b.reconnectCount),
		CircuitState:         b.cb.State().String(),
	}
}

// healthCheckLoop pings the bus every HealthCheckInterval (default 15s per
// §5), updating health status and counting reconnections on recovery from a
// failed state, mirroring the original's _health_check_loop.
func (b *RedisBus) healthCheckLoop() {
	interval := b.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasHealthy := true
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SocketTimeout)
			err := b.Ping(ctx)
			cancel()

			b.mu.Lock()
			b.lastHealthCheck = time.Now()
			if err != nil {
				b.healthStatus = "degraded"
				wasHealthy = false
			} else {
				b.healthStatus = "healthy"
				if !wasHealthy {
					atomic.AddUint64(&b.reconnectCount, 1)
					if b.metr != nil {
						b.metr.RecordBusReconnect()
					}
				}
				wasHealthy = true
			}
			b.mu.Unlock()
		}
	}
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.client.Close()
	})
	return err
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}

func toZMembers(zs []redis.Z) []ZMember {
	result := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		result = append(result, ZMember{Member: member, Score: z.Score})
	}
	return result
}

// redisSubscription adapts *redis.PubSub to the Subscription interface.
type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) ReadMessage(ctx context.Context) (*Message, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, errors.BusUnavailable("subscribe_read", err)
	}
	return &Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
