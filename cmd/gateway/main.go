// Command gateway serves the record gateway: quota-aware access to the
// backend record API, paginated list fetches and the persistent cache.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/record-gateway/internal/config"
	"github.com/Sternrassler/record-gateway/pkg/cache"
	"github.com/Sternrassler/record-gateway/pkg/client"
	"github.com/Sternrassler/record-gateway/pkg/logging"
	"github.com/Sternrassler/record-gateway/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Setup(cfg.Logging("record-gateway"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Gateway failed")
	}
}

func run(ctx context.Context, cfg config.Gateway) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "record-gateway",
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			// Bare host:port, as accepted by earlier deployments.
			opts = &redis.Options{Addr: cfg.RedisURL}
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		log.Info().Str("redis", opts.Addr).Msg("Connected to Redis")
	}

	backend, err := client.New(cfg.Client())
	if err != nil {
		return err
	}
	defer backend.Close()

	store := newCacheStore(ctx, cfg, backend, redisClient)

	logger := logging.NewLogger("gateway")
	srv := newServer(backend, store, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runCleanup(ctx, store, cfg.CacheCleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", httpServer.Addr).
			Str("backend", cfg.BackendURL).
			Int("budget", cfg.Budget).
			Dur("window", cfg.Window).
			Str("cache_backend", cfg.CacheBackend).
			Bool("cache_disabled", store.Switch().Disabled()).
			Msg("Starting record gateway")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newCacheStore builds the cache over the configured medium. With Redis
// available the disable switch is persisted there; CACHE_DISABLED only seeds
// it when nothing was persisted yet.
func newCacheStore(ctx context.Context, cfg config.Gateway, backend *client.Client, redisClient *redis.Client) *cache.Store {
	var (
		table cache.Table
		prefs cache.PreferenceStore
	)
	if redisClient != nil {
		prefs = cache.NewRedisPreferences(redisClient, cache.DefaultRedisPrefix)
	}
	switch cfg.CacheBackend {
	case "redis":
		table = cache.NewRedisTable(redisClient, cache.DefaultRedisPrefix)
	default:
		table = cache.NewRemoteTable(backend, cfg.CacheObject, cache.DefaultSchema())
	}

	sw := cache.NewSwitch(cfg.CacheDisabled, prefs)
	if err := sw.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Loading persisted cache switch failed")
	}

	return cache.New(cache.Config{
		Table:            table,
		Switch:           sw,
		Kinds:            cfg.CacheKinds(),
		DefaultTTL:       cfg.CacheTTL,
		CleanupBatchSize: cfg.CacheCleanupBatch,
		Owner:            ownerFromContext,
	})
}

// runCleanup calls CleanupExpired every interval until ctx is done.
func runCleanup(ctx context.Context, store *cache.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.CleanupExpired(ctx)
		}
	}
}
