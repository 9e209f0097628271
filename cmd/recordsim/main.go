// Command recordsim serves a local stand-in for the backend record API with
// the same quota behaviour, for development and load testing.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/record-gateway/internal/backendsim"
	"github.com/Sternrassler/record-gateway/internal/backendsim/sqlite"
	"github.com/Sternrassler/record-gateway/internal/config"
	"github.com/Sternrassler/record-gateway/pkg/logging"
	"github.com/Sternrassler/record-gateway/pkg/metrics"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadSimulator()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Setup(cfg.Logging("recordsim"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Simulator failed")
	}
}

func run(ctx context.Context, cfg config.Simulator) error {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	logger := logging.NewLogger("recordsim")
	handler := newHandler(store, backendsim.Options{
		Budget:     cfg.Budget,
		RetryAfter: cfg.RetryAfter,
		APIKey:     cfg.APIKey,
		Logger:     &logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.Store).
			Int("budget", cfg.Budget).
			Msg("Starting record simulator")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg config.Simulator) (backendsim.Store, func(), error) {
	switch cfg.Store {
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("Closing sqlite store failed")
			}
		}, nil
	default:
		return backendsim.NewMemoryStore(), func() {}, nil
	}
}

// newHandler mounts the record API next to health and metrics endpoints.
func newHandler(store backendsim.Store, opts backendsim.Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/v1/", metrics.Instrument("/v1/objects", backendsim.NewServer(store, opts)))
	return mux
}
