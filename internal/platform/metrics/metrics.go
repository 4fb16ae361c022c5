// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tickstock/patternrelay/internal/platform/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Bus client (C1)
	BusOperationsTotal   *prometheus.CounterVec
	BusOperationDuration *prometheus.HistogramVec
	BusReconnectsTotal   prometheus.Counter
	BusCircuitState      prometheus.Gauge

	// Pattern cache (C2)
	EventsProcessedTotal *prometheus.CounterVec
	CachedRecords        prometheus.Gauge
	RecordsCleanedTotal  prometheus.Counter
	ResponseCacheResult  *prometheus.CounterVec

	// Scan engine (C3)
	ScanDuration *prometheus.HistogramVec

	// Socket fan-out (C6)
	ActiveConnections prometheus.Gauge
	DeliveriesTotal   *prometheus.CounterVec
	SlowConsumerTotal prometheus.Counter

	// Offline buffer (C7)
	OfflineEnqueuedTotal prometheus.Counter
	OfflineDrainedTotal  prometheus.Counter

	// Flow logger (C8)
	FlowCheckpointsTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Bus client (C1)
		BusOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_operations_total",
				Help: "Total number of bus operations by command and status",
			},
			[]string{"service", "command", "status"},
		),
		BusOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bus_operation_duration_seconds",
				Help:    "Bus operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"service", "command"},
		),
		BusReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_reconnects_total",
				Help: "Total number of bus reconnect attempts",
			},
		),
		BusCircuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bus_circuit_state",
				Help: "Bus circuit breaker state (0=closed, 0.5=half-open, 1=open)",
			},
		),

		// Pattern cache (C2)
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_processed_total",
				Help: "Total number of events processed by kind and status",
			},
			[]string{"service", "kind", "status"},
		),
		CachedRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cached_records",
				Help: "Current number of records indexed in the pattern cache",
			},
		),
		RecordsCleanedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "records_cleaned_total",
				Help: "Total number of expired records removed by the cleanup task",
			},
		),
		ResponseCacheResult: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "response_cache_result_total",
				Help: "Total number of scan response cache lookups by result",
			},
			[]string{"service", "result"},
		),

		// Scan engine (C3)
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_duration_seconds",
				Help:    "Scan query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "partial"},
		),

		// Socket fan-out (C6)
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "socket_active_connections",
				Help: "Current number of registered websocket connections",
			},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "socket_deliveries_total",
				Help: "Total number of websocket message deliveries by status",
			},
			[]string{"service", "status"},
		),
		SlowConsumerTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "socket_slow_consumer_total",
				Help: "Total number of connections dropped for being too slow to drain",
			},
		),

		// Offline buffer (C7)
		OfflineEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline_enqueued_total",
				Help: "Total number of messages enqueued to the offline buffer",
			},
		),
		OfflineDrainedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "offline_drained_total",
				Help: "Total number of messages drained from the offline buffer on reconnect",
			},
		),

		// Flow logger (C8)
		FlowCheckpointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_checkpoints_total",
				Help: "Total number of flow checkpoints recorded by name",
			},
			[]string{"service", "checkpoint"},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.BusOperationsTotal,
			m.BusOperationDuration,
			m.BusReconnectsTotal,
			m.BusCircuitState,
			m.EventsProcessedTotal,
			m.CachedRecords,
			m.RecordsCleanedTotal,
			m.ResponseCacheResult,
			m.ScanDuration,
			m.ActiveConnections,
			m.DeliveriesTotal,
			m.SlowConsumerTotal,
			m.OfflineEnqueuedTotal,
			m.OfflineDrainedTotal,
			m.FlowCheckpointsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordBusOperation records a bus command invocation and its latency.
func (m *Metrics) RecordBusOperation(service, command, status string, duration time.Duration) {
	m.BusOperationsTotal.WithLabelValues(service, command, status).Inc()
	m.BusOperationDuration.WithLabelValues(service, command).Observe(duration.Seconds())
}

// RecordBusReconnect increments the reconnect counter.
func (m *Metrics) RecordBusReconnect() {
	m.BusReconnectsTotal.Inc()
}

// SetBusCircuitState reports the circuit breaker state (0=closed, 0.5=half-open, 1=open).
func (m *Metrics) SetBusCircuitState(state float64) {
	m.BusCircuitState.Set(state)
}

// RecordEventProcessed records a pattern event dispatch outcome.
func (m *Metrics) RecordEventProcessed(service, kind, status string) {
	m.EventsProcessedTotal.WithLabelValues(service, kind, status).Inc()
}

// SetCachedRecords reports the current indexed record count.
func (m *Metrics) SetCachedRecords(count int) {
	m.CachedRecords.Set(float64(count))
}

// AddRecordsCleaned increments the expired-record cleanup counter.
func (m *Metrics) AddRecordsCleaned(n int) {
	m.RecordsCleanedTotal.Add(float64(n))
}

// RecordResponseCacheResult records a scan response cache hit or miss.
func (m *Metrics) RecordResponseCacheResult(service, result string) {
	m.ResponseCacheResult.WithLabelValues(service, result).Inc()
}

// RecordScan records a scan query's duration, flagging partial results.
func (m *Metrics) RecordScan(service string, partial bool, duration time.Duration) {
	label := "false"
	if partial {
		label = "true"
	}
	m.ScanDuration.WithLabelValues(service, label).Observe(duration.Seconds())
}

// SetActiveConnections reports the current registered websocket connection count.
func (m *Metrics) SetActiveConnections(count int) {
	m.ActiveConnections.Set(float64(count))
}

// RecordDelivery records a websocket message delivery outcome.
func (m *Metrics) RecordDelivery(service, status string) {
	m.DeliveriesTotal.WithLabelValues(service, status).Inc()
}

// RecordSlowConsumer increments the slow-consumer drop counter.
func (m *Metrics) RecordSlowConsumer() {
	m.SlowConsumerTotal.Inc()
}

// RecordOfflineEnqueued increments the offline-buffer enqueue counter.
func (m *Metrics) RecordOfflineEnqueued() {
	m.OfflineEnqueuedTotal.Inc()
}

// RecordOfflineDrained increments the offline-buffer drain counter.
func (m *Metrics) RecordOfflineDrained() {
	m.OfflineDrainedTotal.Inc()
}

// RecordFlowCheckpoint records a flow checkpoint by name.
func (m *Metrics) RecordFlowCheckpoint(service, checkpoint string) {
	m.FlowCheckpointsTotal.WithLabelValues(service, checkpoint).Inc()
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
