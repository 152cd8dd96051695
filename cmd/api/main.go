package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bustrack/internal/api"
	"bustrack/internal/buildinfo"
	"bustrack/internal/config"
	"bustrack/internal/metrics"
	"bustrack/internal/notify"
	"bustrack/internal/realtime"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info().Str("version", buildinfo.Version).Msg("starting bustrack realtime")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := api.OpenStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init store")
	}
	defer closeStore()

	metrics.RegisterDefault()

	// Store calls outlive the connection that triggered them but not the process.
	hub := realtime.NewHub(ctx, st, realtime.NewRegistry(), realtime.Options{
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger.With().Str("component", "realtime").Logger(),
	})

	// Trigger relay selection: with Redis, the CRUD layer may publish from
	// another process and this process relays to its clients.
	var pub notify.Publisher
	if cfg.RedisURL != "" {
		rdb, err := notify.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init redis")
		}
		defer func() { _ = rdb.Close() }()
		pub = notify.NewRedisPublisher(rdb, cfg.NotifyChannel)
		relay := notify.NewRedisRelay(rdb, cfg.NotifyChannel, hub, logger.With().Str("component", "notify").Logger())
		go func() {
			// Run resubscribes on failure and returns once ctx is done.
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("notify relay stopped")
			}
		}()
	}

	srvDeps := api.NewServer(cfg, st, hub, pub, logger.With().Str("component", "http").Logger())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srvDeps.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
		// Upgraded connections are hijacked and untouched by srv.Shutdown.
		hub.Shutdown()
	}()

	logger.Info().Str("addr", srv.Addr).Msg("API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
	<-shutdownDone
	logger.Info().Msg("stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "bustrack-realtime").Logger()
}
