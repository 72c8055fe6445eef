package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"netboot-jobqueue/internal/api"
	"netboot-jobqueue/internal/config"
	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/notify"
	"netboot-jobqueue/internal/ratelimit"
	"netboot-jobqueue/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "api"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()

	broker := events.NewBroker(logger, cfg.EventBuffer)
	defer broker.Close()

	// Worker processes publish transitions to Redis; the pump feeds them
	// into the local broker for SSE clients attached to this process.
	relay := notify.NewRelay(rdb, logger)
	go relay.RunEventPump(ctx, broker)

	svc := jobs.NewService(st, relay, relay, cfg.MaxAttempts)
	limiter := ratelimit.NewSourceLimiter(rdb, ratelimit.Limits{
		Capacity:        cfg.RateLimitCapacity,
		RefillPerSecond: cfg.RateLimitRefill,
	}, time.Hour)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(cfg, st, svc, broker, limiter).Router(),
	}

	go func() {
		logger.Info("api listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.String("error", err.Error()))
	}
}
