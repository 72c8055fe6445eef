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

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"netboot-jobqueue/internal/config"
	"netboot-jobqueue/internal/dispatcher"
	"netboot-jobqueue/internal/handlers"
	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/notify"
	"netboot-jobqueue/internal/schedule"
	"netboot-jobqueue/internal/store"
	"netboot-jobqueue/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "worker"))
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

	relay := notify.NewRelay(rdb, logger)

	registry := jobs.NewRegistry()
	fetch, err := handlers.NewFetchHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("build fetch handler: %v", err)
	}
	registry.Register("images.fetch", fetch.Handle)
	registry.Register("images.splash_thumbnail", handlers.NewThumbnailHandler().Handle)
	registry.Register("maintenance.retention_sweep",
		handlers.NewRetentionHandler(cfg.ArtifactDir, cfg.RetentionDays).Handle)
	logger.Info("handlers registered", slog.Any("types", registry.Types()))

	exec := dispatcher.NewExecutor(registry, st, relay,
		dispatcher.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		cfg.JobTimeout, logger)

	d := dispatcher.New(st, exec, relay, logger, dispatcher.Options{
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.BatchSize,
		MaxInFlight:    cfg.MaxInFlight,
		RecoveryPolicy: store.RecoveryPolicy(cfg.RecoveryPolicy),
	})

	go relay.RunWakeListener(ctx, d.Wake)

	// Cron-fed enqueues wake the local loop directly; no Redis round trip.
	svc := jobs.NewService(st, relay, d.Waker(), cfg.MaxAttempts)
	sched := schedule.New(svc, logger)
	if cfg.RetentionCron != "" {
		if err := sched.Add(cfg.RetentionCron, jobs.Spec{
			Type:     "maintenance.retention_sweep",
			Category: "maintenance",
			Message:  "scheduled artifact retention sweep",
			Payload:  map[string]any{"days": cfg.RetentionDays},
		}); err != nil {
			log.Fatalf("add retention schedule: %v", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	go func() {
		r := chi.NewRouter()
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Mount("/metrics", telemetry.Handler())
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: r}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", slog.String("error", err.Error()))
		}
	}()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("dispatcher: %v", err)
	}
}
