package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "event-pipeline/internal/api"
	"event-pipeline/internal/app"
	"event-pipeline/internal/config"
	"event-pipeline/internal/logging"
	"event-pipeline/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(a, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", slog.String("addr", httpServer.Addr), slog.String("store", cfg.StoreDriver))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", slog.Any("error", err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := a.Close(shutdownCtx); err != nil {
		log.Warn("close pipeline", slog.Any("error", err))
	}
}
