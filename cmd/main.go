package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ionixcorp/BetaBot/internal/cache"
	"github.com/ionixcorp/BetaBot/internal/config"
	"github.com/ionixcorp/BetaBot/internal/db"
	"github.com/ionixcorp/BetaBot/internal/engine"
	"github.com/ionixcorp/BetaBot/internal/latency"
	"github.com/ionixcorp/BetaBot/internal/normalizer"
	"github.com/ionixcorp/BetaBot/internal/pipeline"
	"github.com/ionixcorp/BetaBot/internal/quality"
	"github.com/ionixcorp/BetaBot/internal/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger level comes from config, so this one failure logs bare.
		bare := zerolog.New(os.Stderr)
		bare.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := utils.NewLogger(cfg.TickNormalizer.Logging.Level)
	log.Info().Str("config", *configPath).Msg("starting tick pipeline")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	dispatcher := normalizer.NewDispatcher(
		normalizer.NewIQOption(cfg, log),
	)
	validator := quality.NewValidator(quality.ValidatorConfigFromApp(cfg), log)
	compensator := latency.NewCompensator(cfg, log)

	engCfg := engine.DefaultConfig()
	engCfg.BufferLimit = cfg.TickNormalizer.Performance.BufferSize
	engCfg.MinTickQuality = cfg.TickNormalizer.DataQuality.MinQualityScore
	engines := []*engine.Engine{
		engine.New(engCfg, engine.MeanPriceCalculator{}, log),
		engine.New(engCfg, engine.VolatilityCalculator{}, log),
		engine.New(engCfg, engine.SpreadAverageCalculator{}, log),
	}
	for _, e := range engines {
		go e.RunCleanup(ctx)
	}

	var opts []pipeline.Option
	if cfg.Service.RedisAddr != "" {
		latest := cache.New(cfg.Service.RedisAddr, cfg.Service.RedisDB, 5*time.Minute, log)
		if err := latest.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer latest.Close()
		opts = append(opts, pipeline.WithCache(latest))
		log.Info().Str("addr", cfg.Service.RedisAddr).Msg("connected to redis")
	}
	if cfg.Service.DBConnStr != "" {
		archive, err := db.New(cfg.Service.DBConnStr, cfg.Service.DBMaxOpen, cfg.Service.DBMaxIdle)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize database")
		}
		defer archive.Close()
		if err := archive.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		opts = append(opts, pipeline.WithArchive(archive))
		log.Info().Msg("connected to postgres tick archive")
	}

	pipe := pipeline.New(cfg, dispatcher, validator, compensator, engines, log, opts...)

	srv := metricsServer(cfg.Service.MetricsAddr, pipe, log)
	go func() {
		log.Info().Str("addr", cfg.Service.MetricsAddr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown error")
	}
	log.Info().Msg("stopped")
}

// metricsServer serves /metrics plus the health and stats endpoints.
func metricsServer(addr string, pipe *pipeline.Pipeline, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := "healthy"
		checks := map[string]engine.Health{}
		for _, e := range pipe.Engines() {
			h := e.HealthCheck()
			checks[e.Name()] = h
			if h.Status != "healthy" {
				status = h.Status
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(map[string]any{"status": status, "engines": checks}); err != nil {
			log.Warn().Err(err).Msg("health response encode failed")
		}
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		stats := make([]engine.Stats, 0, len(pipe.Engines()))
		for _, e := range pipe.Engines() {
			stats = append(stats, e.Statistics())
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.Warn().Err(err).Msg("stats response encode failed")
		}
	})

	return &http.Server{Addr: addr, Handler: mux}
}
