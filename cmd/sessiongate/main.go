package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carebridge-health/sessiongate/internal/config"
	"github.com/carebridge-health/sessiongate/internal/controller"
	"github.com/carebridge-health/sessiongate/internal/httpapi"
	"github.com/carebridge-health/sessiongate/internal/obs"
	"github.com/carebridge-health/sessiongate/internal/session"
	"github.com/carebridge-health/sessiongate/internal/upstream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.LogFormat)
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis not reachable yet", slog.Any("error", err))
	}
	store := session.NewRedisStore(rdb, session.WithTTL(cfg.SessionTTL))

	backend := upstream.NewClient(cfg.UpstreamBaseURL, upstream.WithLogger(logger))

	ctrl := controller.New(store, backend, controller.WithLogger(logger))
	defer ctrl.Close()

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go ctrl.RunHealthLoop(healthCtx, cfg.HealthInterval)

	api := httpapi.New(ctrl, version,
		httpapi.WithAPILogger(logger),
		httpapi.WithReadyProbe(httpapi.ReadyProbe{Redis: rdb}),
		httpapi.WithSecureCookies(cfg.SecureCookies || cfg.IsProduction()),
	)

	srv := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting sessiongate",
		slog.String("version", version),
		slog.String("addr", srv.Addr),
		slog.String("env", cfg.AppEnv))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopHealth()
	_ = rdb.Close()
	logger.Info("stopped")
}
