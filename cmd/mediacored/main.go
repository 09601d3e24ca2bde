// Command mediacored wires configuration, logging, persistence and
// the federation engine into a long-running process exposing the
// engine's operation surface (spec.md §6.2) as a small JSON HTTP API
// for the UI layer to consume. Grounded on the teacher's main.go: a
// single struct holding every sub-component, an http.Server, signal-
// driven graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/addonfed/core/aggregator"
	"github.com/addonfed/core/cachestore"
	"github.com/addonfed/core/config"
	"github.com/addonfed/core/engine"
	"github.com/addonfed/core/internal/logging"
	"github.com/addonfed/core/model"
	"github.com/addonfed/core/protocol"
	"github.com/addonfed/core/store"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New(logging.Config{
		Level:   os.Getenv("LOG_LEVEL"),
		Pretty:  os.Getenv("LOG_PRETTY") == "true",
		Service: "mediacored",
	})

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open persistence store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("close persistence store")
		}
	}()

	eng := engine.New(engineConfig(cfg), engine.Persistence{
		Registry: db,
		Health:   db,
		Cache:    db,
	}, log)

	if err := eng.Load(); err != nil {
		log.Fatal().Err(err).Msg("load persisted state")
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newAPI(eng, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-sigChan
	gracefulShutdown(srv, log)
}

func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		RestrictedURLs:  cfg.URLRestrictedMode,
		InstallDisabled: !cfg.InstallDefaultEnabled,
		ClientConfig: func(baseURL string) protocol.Config {
			c := protocol.DefaultConfig(baseURL)
			c.RequestTimeout = cfg.HTTPPerRequestTimeout
			c.RestrictedMode = cfg.URLRestrictedMode
			c.Retry.MaxAttempts = cfg.HTTPMaxRetries
			c.Retry.BaseDelay = time.Duration(cfg.HTTPBackoffBaseMS) * time.Millisecond
			return c
		},
		CacheTTLPolicy: cachestore.TTLPolicy{
			model.CacheManifest:  cfg.CacheTTLManifest,
			model.CacheCatalog:   cfg.CacheTTLCatalog,
			model.CacheStream:    cfg.CacheTTLStream,
			model.CacheMeta:      cfg.CacheTTLMeta,
			model.CacheSubtitles: cfg.CacheTTLSubtitles,
		},
		HealthWindowSize:   cfg.HealthWindowSize,
		HealthWindowPeriod: int64(cfg.HealthWindowDuration / time.Hour),
		AggregationConfig:  aggregator.Config{AggregationTimeout: cfg.AggregateDeadline},
	}
}

func gracefulShutdown(srv *http.Server, log zerolog.Logger) {
	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
		return
	}
	log.Info().Msg("shutdown complete")
}
