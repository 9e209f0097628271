// Package config loads the binaries' configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/Sternrassler/record-gateway/pkg/cache"
	"github.com/Sternrassler/record-gateway/pkg/client"
	"github.com/Sternrassler/record-gateway/pkg/logging"
	"github.com/Sternrassler/record-gateway/pkg/records"
	"github.com/Sternrassler/record-gateway/pkg/scheduler"
	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Log is shared by both binaries.
type Log struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Pretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// Logging converts to a logging.Config for service.
func (l Log) Logging(service string) logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(l.Level)
	cfg.Pretty = l.Pretty
	cfg.Service = service
	return cfg
}

// Gateway configures cmd/gateway.
type Gateway struct {
	Port            string        `env:"PORT"             envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Log

	BackendURL    string `env:"BACKEND_URL,required,notEmpty"`
	ApplicationID string `env:"BACKEND_APPLICATION_ID"`
	APIKey        string `env:"BACKEND_API_KEY"`
	Token         string `env:"BACKEND_TOKEN"`
	UserAgent     string `env:"USER_AGENT" envDefault:"record-gateway/0.1.0"`

	Budget       int           `env:"SCHEDULER_BUDGET"        envDefault:"8"`
	Window       time.Duration `env:"SCHEDULER_WINDOW"        envDefault:"1s"`
	Buffer       time.Duration `env:"SCHEDULER_BUFFER"        envDefault:"50ms"`
	Cooldown     time.Duration `env:"SCHEDULER_COOLDOWN"      envDefault:"1s"`
	InfraReserve int           `env:"SCHEDULER_INFRA_RESERVE" envDefault:"2"`
	MaxInFlight  int           `env:"SCHEDULER_MAX_IN_FLIGHT" envDefault:"16"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY"   envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY"`
	RetryJitter      float64       `env:"RETRY_JITTER"`

	// CacheBackend is "remote" (the cache object behind the backend API) or
	// "redis".
	CacheBackend         string        `env:"CACHE_BACKEND"          envDefault:"remote"`
	CacheObject          string        `env:"CACHE_OBJECT"           envDefault:"cache_entries"`
	CacheTTL             time.Duration `env:"CACHE_TTL"              envDefault:"60m"`
	CacheDisabled        bool          `env:"CACHE_DISABLED"         envDefault:"false"`
	CacheCleanupInterval time.Duration `env:"CACHE_CLEANUP_INTERVAL" envDefault:"15m"`
	CacheCleanupBatch    int           `env:"CACHE_CLEANUP_BATCH"    envDefault:"50"`
	CacheURLTypes        []string      `env:"CACHE_URL_TYPES"        envSeparator:","`

	// RedisURL enables Redis (switch persistence, and the redis cache
	// backend). Empty runs without Redis.
	RedisURL string `env:"REDIS_URL"`

	OTelEndpoint    string  `env:"OTEL_EXPORTER_ENDPOINT"`
	OTelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// LoadGateway parses and validates the gateway configuration.
func LoadGateway() (Gateway, error) {
	var cfg Gateway
	if err := ParseEnv(&cfg); err != nil {
		return Gateway{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks values env parsing cannot.
func (g Gateway) Validate() error {
	var errs []error
	u, err := url.Parse(g.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("BACKEND_URL must be an absolute http(s) url (got %q)", g.BackendURL))
	}
	if g.Budget <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_BUDGET must be > 0 (got %d)", g.Budget))
	}
	if g.InfraReserve < 0 || g.InfraReserve >= g.Budget {
		errs = append(errs, fmt.Errorf("SCHEDULER_INFRA_RESERVE must be in [0, budget) (got %d)", g.InfraReserve))
	}
	if g.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1 (got %d)", g.RetryMaxAttempts))
	}
	switch g.CacheBackend {
	case "remote":
	case "redis":
		if g.RedisURL == "" {
			errs = append(errs, errors.New("CACHE_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be remote or redis (got %q)", g.CacheBackend))
	}
	return errors.Join(errs...)
}

// Client builds the backend client configuration.
func (g Gateway) Client() client.Config {
	cfg := client.DefaultConfig(g.BackendURL, records.Credentials{
		ApplicationID: g.ApplicationID,
		APIKey:        g.APIKey,
		Token:         g.Token,
	})
	cfg.UserAgent = g.UserAgent
	cfg.Scheduler = scheduler.Config{
		Budget:       g.Budget,
		Window:       g.Window,
		Buffer:       g.Buffer,
		Cooldown:     g.Cooldown,
		InfraReserve: g.InfraReserve,
		MaxInFlight:  g.MaxInFlight,
	}
	cfg.Retry = client.RetryConfig{
		MaxAttempts: g.RetryMaxAttempts,
		BaseDelay:   g.RetryBaseDelay,
		MaxDelay:    g.RetryMaxDelay,
		Jitter:      g.RetryJitter,
	}
	return cfg
}

// Simulator configures cmd/recordsim.
type Simulator struct {
	Port string `env:"PORT" envDefault:"8090"`
	Log

	Budget     int           `env:"SIM_BUDGET"      envDefault:"10"`
	RetryAfter time.Duration `env:"SIM_RETRY_AFTER" envDefault:"1s"`
	APIKey     string        `env:"SIM_API_KEY"`

	// Store is "memory" or "sqlite".
	Store      string `env:"SIM_STORE"       envDefault:"memory"`
	SQLitePath string `env:"SIM_SQLITE_PATH" envDefault:"recordsim.db"`
}

// LoadSimulator parses and validates the simulator configuration.
func LoadSimulator() (Simulator, error) {
	var cfg Simulator
	if err := ParseEnv(&cfg); err != nil {
		return Simulator{}, err
	}
	if cfg.Store != "memory" && cfg.Store != "sqlite" {
		return Simulator{}, fmt.Errorf("SIM_STORE must be memory or sqlite (got %q)", cfg.Store)
	}
	if cfg.Budget < 0 {
		return Simulator{}, fmt.Errorf("SIM_BUDGET must be >= 0 (got %d)", cfg.Budget)
	}
	return cfg, nil
}

// CacheKinds registers the configured URL cache types. Every other type,
// record lists included, holds JSON.
func (g Gateway) CacheKinds() cache.Kinds {
	kinds := cache.Kinds{cache.ListType: cache.KindJSON}
	for _, typ := range g.CacheURLTypes {
		kinds[typ] = cache.KindURL
	}
	return kinds
}
