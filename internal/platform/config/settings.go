package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// BusSettings mirrors bus.Config's env-tagged fields so the process
// entrypoint can decode them without internal/bus importing envdecode
// itself — only cmd/ touches the decode step.
type BusSettings struct {
	Host                 string        `env:"BUS_HOST,default=localhost"`
	Port                 int           `env:"BUS_PORT,default=6379"`
	DB                   int           `env:"BUS_DB,default=0"`
	Password             string        `env:"BUS_PASSWORD"`
	MaxConnections       int           `env:"BUS_MAX_CONNECTIONS,default=50"`
	SocketTimeout        time.Duration `env:"BUS_SOCKET_TIMEOUT,default=2s"`
	SocketConnectTimeout time.Duration `env:"BUS_SOCKET_CONNECT_TIMEOUT,default=1s"`
	HealthCheckInterval  time.Duration `env:"BUS_HEALTH_CHECK_INTERVAL,default=15s"`
}

// CacheSettings mirrors cache.Config's env-tagged fields.
type CacheSettings struct {
	PatternTTL    time.Duration `env:"PATTERN_CACHE_TTL,default=1h"`
	IndexTTL      time.Duration `env:"INDEX_CACHE_TTL,default=1h"`
	ResponseTTL   time.Duration `env:"API_RESPONSE_CACHE_TTL,default=30s"`
	CleanupPeriod time.Duration `env:"CACHE_CLEANUP_PERIOD,default=60s"`
}

// SubscriberSettings mirrors subscriber.Config's env-tagged fields.
type SubscriberSettings struct {
	ReadTimeout       time.Duration `env:"SUBSCRIBER_READ_TIMEOUT,default=1s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL_SEC,default=60s"`
}

// UserFilterSettings mirrors userfilter.Config's env-tagged fields.
type UserFilterSettings struct {
	RefreshInterval time.Duration `env:"WATCHLIST_REFRESH_SEC,default=5m"`
}

// OfflineSettings mirrors offline.Config's env-tagged fields.
type OfflineSettings struct {
	MaxOfflinePerUser int64 `env:"MAX_OFFLINE_PER_USER,default=1000"`
}

// LoggingSettings controls the ambient structured logger.
type LoggingSettings struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// ServerSettings controls the edge HTTP listener's own port (the scan
// endpoint, health endpoint, and websocket upgrade handler all share it).
type ServerSettings struct {
	Host string `env:"SERVER_HOST,default=0.0.0.0"`
	Port int    `env:"SERVER_PORT,default=8080"`
}

// Settings is the full process configuration for cmd/consumer, decoded
// from the environment (optionally preloaded from a .env file).
type Settings struct {
	ServiceName string `env:"SERVICE_NAME,default=patternrelay-consumer"`

	Bus        BusSettings
	Cache      CacheSettings
	Subscriber SubscriberSettings
	UserFilter UserFilterSettings
	Offline    OfflineSettings
	Logging    LoggingSettings
	Server     ServerSettings
}

// LoadSettings loads a .env file if present (missing is not an error) and
// decodes Settings from the environment, applying the env-tag defaults for
// anything unset.
func LoadSettings() (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var s Settings
	if err := envdecode.Decode(&s); err != nil {
		// envdecode errors when nothing in the struct tree has a tag
		// matching a set environment variable; that just means every field
		// is taking its default, which is a perfectly normal local run.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	return &s, nil
}
