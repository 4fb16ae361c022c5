package subscriber

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/tickstock/patternrelay/internal/bus"
	"github.com/tickstock/patternrelay/internal/cache"
	"github.com/tickstock/patternrelay/internal/platform/errors"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/platform/metrics"
)

// Config tunes the subscriber's timing.
type Config struct {
	Channels          Channels
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	PatternTTL        time.Duration
}

// DefaultConfig returns the wire-contract defaults.
func DefaultConfig() Config {
	return Config{
		Channels:          DefaultChannels(),
		ReadTimeout:       time.Second,
		HeartbeatInterval: 60 * time.Second,
		PatternTTL:        time.Hour,
	}
}

// Subscriber is C4: it owns the single-consumer read loop over the four
// ingress channels and the dispatch matrix.
type Subscriber struct {
	bus    bus.Bus
	cfg    Config
	logger *logging.Logger
	metr   *metrics.Metrics

	patternCache  PatternCache
	userResolver  UserResolver
	delivery      Delivery
	offline       OfflineBuffer
	flowLogger    FlowLogger
	jobs          JobTracker

	messagesReceived uint64
	messagesDropped  uint64
	startedAt        time.Time
}

// New constructs a Subscriber. Every port may be nil in tests that only
// exercise parsing; Run will skip the corresponding dispatch step.
func New(
	b bus.Bus,
	cfg Config,
	logger *logging.Logger,
	metr *metrics.Metrics,
	patternCache PatternCache,
	userResolver UserResolver,
	delivery Delivery,
	offline OfflineBuffer,
	flowLogger FlowLogger,
	jobs JobTracker,
) *Subscriber {
	return &Subscriber{
		bus:          b,
		cfg:          cfg,
		logger:       logger,
		metr:         metr,
		patternCache: patternCache,
		userResolver: userResolver,
		delivery:     delivery,
		offline:      offline,
		flowLogger:   flowLogger,
		jobs:         jobs,
		startedAt:    time.Now(),
	}
}

// Run opens the subscription and loops until ctx is cancelled, at which
// point it unsubscribes and returns.
func (s *Subscriber) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, s.cfg.Channels.names()...)
	if err != nil {
		return errors.BusUnavailable("subscribe", err)
	}
	defer sub.Close()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			s.emitHeartbeat(ctx)
		default:
		}

		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		msg, err := sub.ReadMessage(readCtx)
		cancel()
		if err != nil {
			s.logger.Error(ctx, "subscriber read failed", err, nil)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if msg == nil {
			continue // bounded read timed out with no message; loop to re-check ctx/heartbeat
		}

		s.handleMessage(ctx, msg.Channel, msg.Payload)
	}
}

func (s *Subscriber) emitHeartbeat(ctx context.Context) {
	s.logger.Info(ctx, "subscriber heartbeat", map[string]interface{}{
		"channels":          s.cfg.Channels.names(),
		"messages_received": atomic.LoadUint64(&s.messagesReceived),
		"messages_dropped":  atomic.LoadUint64(&s.messagesDropped),
		"uptime_sec":        time.Since(s.startedAt).Seconds(),
	})
}

func (s *Subscriber) handleMessage(ctx context.Context, channel string, payload []byte) {
	atomic.AddUint64(&s.messagesReceived, 1)

	kind, known := s.cfg.Channels.kindFor(channel)
	if !known {
		s.drop(ctx, "unknown channel", map[string]interface{}{"channel": channel})
		return
	}

	env, err := parseEnvelope(payload)
	if err != nil {
		s.drop(ctx, "malformed envelope", map[string]interface{}{"channel": channel})
		return
	}
	if s.flowLogger != nil {
		s.flowLogger.Checkpoint(ctx, env.FlowID, "EVENT_RECEIVED", map[string]interface{}{"channel": channel})
	}

	switch kind {
	case KindPatternDetected:
		s.handlePatternDetected(ctx, env)
	case KindBacktestProgress:
		s.handleBacktestProgress(ctx, env, false)
	case KindBacktestResult:
		s.handleBacktestProgress(ctx, env, true)
	case KindSystemHealth:
		s.handleSystemHealth(ctx, env)
	}
}

func (s *Subscriber) drop(ctx context.Context, reason string, fields map[string]interface{}) {
	atomic.AddUint64(&s.messagesDropped, 1)
	s.metr.RecordError("subscriber", "drop", reason)
	s.logger.Warn(ctx, "subscriber dropped message", fields)
}

func (s *Subscriber) handlePatternDetected(ctx context.Context, env envelope) {
	payload, err := parsePatternPayload(env.Data)
	if err != nil {
		s.drop(ctx, "malformed pattern payload", map[string]interface{}{"flow_id": env.FlowID})
		return
	}
	flowID := env.FlowID
	if payload.FlowID != "" {
		flowID = payload.FlowID
	}
	if s.flowLogger != nil {
		s.flowLogger.Checkpoint(ctx, flowID, "EVENT_PARSED", nil)
	}

	detectedAt := time.Now()
	if env.Timestamp > 0 {
		detectedAt = time.Unix(int64(env.Timestamp), 0).UTC()
	}
	record := payload.toRecord(detectedAt, s.cfg.PatternTTL)

	if s.patternCache != nil {
		if err := s.patternCache.ProcessEvent(ctx, cache.Event{Kind: cache.EventPatternDetected, Record: record}); err != nil {
			s.logger.Error(ctx, "cache write failed for pattern event", err, map[string]interface{}{"flow_id": flowID})
			return
		}
	}
	if s.flowLogger != nil {
		s.flowLogger.Checkpoint(ctx, flowID, "PATTERN_CACHED", nil)
	}

	var users []string
	if s.userResolver != nil {
		users = s.userResolver.UsersFor(record.Symbol, record.PatternType, record.Confidence)
	}
	if s.flowLogger != nil {
		s.flowLogger.Checkpoint(ctx, flowID, "USER_FILTERED", map[string]interface{}{"user_count": len(users)})
	}

	display := record.ToDisplay(time.Now())
	alert := map[string]interface{}{
		"type": "pattern_alert",
		"event": map[string]interface{}{
			"kind":    string(KindPatternDetected),
			"payload": display,
		},
	}

	for _, userID := range users {
		delivered := false
		if s.delivery != nil {
			var derr error
			delivered, derr = s.delivery.EmitToUser(ctx, userID, "pattern_alert", alert)
			if derr != nil {
				s.logger.Error(ctx, "delivery failed for pattern alert", derr, map[string]interface{}{"user_id": userID})
			}
		}
		if !delivered && s.offline != nil {
			if err := s.offline.Enqueue(ctx, userID, alert); err != nil {
				s.logger.Error(ctx, "offline enqueue failed", err, map[string]interface{}{"user_id": userID})
			}
		}
	}
	if len(users) == 0 && s.delivery != nil {
		if err := s.delivery.Broadcast(ctx, "pattern_alert", alert); err != nil {
			s.logger.Error(ctx, "broadcast failed for pattern alert", err, nil)
		}
	}
	if s.flowLogger != nil {
		s.flowLogger.Checkpoint(ctx, flowID, "WEBSOCKET_DELIVERED", map[string]interface{}{"user_count": len(users)})
	}
}

func (s *Subscriber) handleBacktestProgress(ctx context.Context, env envelope, terminal bool) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(env.Data.Raw), &data); err != nil {
		s.drop(ctx, "malformed backtest payload", map[string]interface{}{"flow_id": env.FlowID})
		return
	}
	if s.flowLogger != nil {
		s.flowLogger.Checkpoint(ctx, env.FlowID, "EVENT_PARSED", nil)
	}

	jobID, _ := data["job_id"].(string)
	topic := "backtest_progress"
	if terminal {
		topic = "backtest_result"
	}

	if s.jobs != nil && jobID != "" {
		if terminal {
			failed, _ := data["status"].(string)
			s.jobs.MarkCompleted(jobID, data, failed == "failed")
		} else {
			s.jobs.UpdateProgress(jobID, data)
		}
	}

	payload := map[string]interface{}{"type": topic, "event": map[string]interface{}{"kind": topic, "payload": data}}
	if s.delivery == nil {
		return
	}
	if s.jobs != nil {
		if userID, ok := s.jobs.OwnerOf(jobID); ok {
			if _, err := s.delivery.EmitToUser(ctx, userID, topic, payload); err != nil {
				s.logger.Error(ctx, "delivery failed for backtest event", err, map[string]interface{}{"user_id": userID})
			}
			return
		}
	}
	if err := s.delivery.Broadcast(ctx, topic, payload); err != nil {
		s.logger.Error(ctx, "broadcast failed for backtest event", err, nil)
	}
}

func (s *Subscriber) handleSystemHealth(ctx context.Context, env envelope) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(env.Data.Raw), &data); err != nil {
		s.drop(ctx, "malformed health payload", map[string]interface{}{"flow_id": env.FlowID})
		return
	}
	if s.flowLogger != nil {
		s.flowLogger.Checkpoint(ctx, env.FlowID, "EVENT_PARSED", nil)
	}
	if s.delivery == nil {
		return
	}
	payload := map[string]interface{}{"type": "system_health", "event": map[string]interface{}{"kind": "system_health", "payload": data}}
	if err := s.delivery.Broadcast(ctx, "system_health", payload); err != nil {
		s.logger.Error(ctx, "broadcast failed for system health event", err, nil)
	}
}

// Stats reports the subscriber's lifetime counters.
type Stats struct {
	MessagesReceived uint64
	MessagesDropped  uint64
	UptimeSeconds    float64
}

func (s *Subscriber) Stats() Stats {
	return Stats{
		MessagesReceived: atomic.LoadUint64(&s.messagesReceived),
		MessagesDropped:  atomic.LoadUint64(&s.messagesDropped),
		UptimeSeconds:    time.Since(s.startedAt).Seconds(),
	}
}
