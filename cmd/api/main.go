package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deka641/vellum-sub001/internal/app"
	"github.com/deka641/vellum-sub001/internal/artifact"
	"github.com/deka641/vellum-sub001/internal/cache"
	"github.com/deka641/vellum-sub001/internal/config"
	"github.com/deka641/vellum-sub001/internal/logging"
	"github.com/deka641/vellum-sub001/internal/ratelimit"
	"github.com/deka641/vellum-sub001/internal/scheduler"
	"github.com/deka641/vellum-sub001/internal/search"
	"github.com/deka641/vellum-sub001/internal/store"
)

const rateWindow = time.Minute

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel)
	ctx := context.Background()

	dialect, err := store.DialectFor(cfg.DatabaseDriver)
	if err != nil {
		logger.Fatal().Err(err).Msg("unsupported database driver")
	}
	db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	dataStore := store.NewSQLStore(db, dialect)

	var opts []app.Option
	stopSweep := make(chan struct{})
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		logger.Info().Msg("using redis for rate limits and cache invalidation")
		opts = append(opts,
			app.WithRateGate(cache.NewLimiter(redisClient, cfg.RateLimit, rateWindow)),
			app.WithStaleMarker(cache.NewInvalidator(redisClient)),
		)
	} else {
		logger.Info().Msg("using in-process rate limits")
		gate := ratelimit.NewGate(cfg.RateLimit, rateWindow)
		go sweepGate(gate, stopSweep)
		opts = append(opts, app.WithRateGate(gate))
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		opts = append(opts, app.WithIndexer(meili))
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		published, err := artifact.Open(ctx, artifact.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage unavailable")
		}
		opts = append(opts, app.WithPublished(published))
	}

	service := app.New(cfg, dataStore, logger, opts...)

	sweeps, err := scheduler.New(cfg.SweepSchedule, service, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("invalid sweep schedule")
	}
	sweeps.Start()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("driver", string(dialect)).Msg("vellum api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(stopSweep)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTTL)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	sweeps.Stop(shutdownCtx)
	if err := service.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("side effects still running at shutdown")
	}
	logger.Info().Msg("vellum api stopped")
}

func sweepGate(gate *ratelimit.Gate, stop <-chan struct{}) {
	ticker := time.NewTicker(rateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			gate.Sweep()
		case <-stop:
			return
		}
	}
}
