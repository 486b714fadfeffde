package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"event-pipeline/internal/app"
	"event-pipeline/internal/config"
	"event-pipeline/internal/logging"
	"event-pipeline/internal/queue"
	"event-pipeline/internal/telemetry"
	"event-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Error("open store", slog.Any("error", err))
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, st, queue.NewClient(cfg), log)
	if err != nil {
		st.Close()
		log.Error("wire pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	// Worker ID from env, then hostname, then pid.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(cfg, a.Queue, a.Store, a.Subscriptions, a.Sender(), log, workerID)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	log.Info("worker configured",
		slog.String("worker_id", workerID),
		slog.Duration("visibility", cfg.VisibilityTimeout),
		slog.Duration("backoff_initial", cfg.BackoffInitial),
		slog.Int("max_attempts", cfg.MaxAttempts),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", slog.Any("error", err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn("close pipeline", slog.Any("error", err))
	}
}
