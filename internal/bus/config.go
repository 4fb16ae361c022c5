package bus

import "time"

// Config holds the performance-tuning knobs named in spec §4.1/§6. Defaults
// favor low latency: connect <= 1s, read <= 2s, keepalive on, pool 20-50.
type Config struct {
	Host     string
	Port     int
	DB       int
	Password string

	MaxConnections          int
	SocketTimeout           time.Duration
	SocketConnectTimeout    time.Duration
	HealthCheckInterval     time.Duration
	SlowCommandThreshold    time.Duration

	// ReconnectBaseDelay/ReconnectMaxDelay bound the exponential backoff
	// between per-operation retry attempts (spec: base 100ms, cap 3.2s).
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// CircuitBreakerMaxFailures/CircuitBreakerResetTimeout configure C1's
	// circuit breaker (spec: N=5 failures, 30s reset).
	CircuitBreakerMaxFailures int
	CircuitBreakerResetTimeout time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Host:                 "localhost",
		Port:                 6379,
		DB:                   0,
		MaxConnections:       50,
		SocketTimeout:        2 * time.Second,
		SocketConnectTimeout: 1 * time.Second,
		HealthCheckInterval:  15 * time.Second,
		SlowCommandThreshold: 100 * time.Millisecond,

		ReconnectBaseDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:  3200 * time.Millisecond,

		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30 * time.Second,
	}
}
