// Package app assembles the pipeline from configuration. The API and worker
// binaries share this wiring so both see the same store, queue and handlers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"event-pipeline/internal/activity"
	"event-pipeline/internal/admin"
	"event-pipeline/internal/bus"
	"event-pipeline/internal/config"
	"event-pipeline/internal/delivery"
	"event-pipeline/internal/emitter"
	"event-pipeline/internal/events"
	"event-pipeline/internal/export"
	"event-pipeline/internal/handlers"
	"event-pipeline/internal/models"
	"event-pipeline/internal/queue"
	"event-pipeline/internal/ratelimit"
	"event-pipeline/internal/store"
	"event-pipeline/internal/subscriptions"
)

// App holds the wired components.
type App struct {
	Config        config.Config
	Log           *slog.Logger
	Store         store.Store
	Redis         *redis.Client
	Queue         *queue.RedisQueue
	Bus           *bus.Bus
	Activities    *activity.Engine
	Emitter       *emitter.Emitter
	Subscriptions *subscriptions.Registry
	Deliveries    *delivery.Service
	Admin         *admin.Service
	Exporter      *export.Exporter
	Limiter       *ratelimit.TokenBucket
}

// Option customizes New.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	uploader       export.Uploader
}

// WithTracerProvider routes bus spans to tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithUploader replaces the configured audit export destination.
func WithUploader(u export.Uploader) Option {
	return func(o *options) { o.uploader = u }
}

// OpenStore connects the configured backend and applies migrations.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	var st store.Store
	switch strings.ToLower(cfg.StoreDriver) {
	case "", "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st = pg
	case "sqlite":
		lite, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		st = lite
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// New wires every component on top of an open store and Redis client.
func New(ctx context.Context, cfg config.Config, st store.Store, client *redis.Client, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	patterns := activity.DefaultPatterns
	if cfg.ActivityPatternsFile != "" {
		loaded, err := activity.LoadPatterns(cfg.ActivityPatternsFile)
		if err != nil {
			return nil, err
		}
		patterns = loaded
	}

	a := &App{
		Config: cfg,
		Log:    logger,
		Store:  st,
		Redis:  client,
		Queue:  queue.NewRedisQueue(client, cfg),
	}
	a.Activities = activity.NewEngine(st, patterns, cfg.DefaultAssignee, logger)
	a.Bus = bus.New(bus.Config{
		HandlerTimeout: cfg.HandlerTimeout,
		Logger:         logger,
		Activities:     a.Activities,
		TracerProvider: o.tracerProvider,
		OnDispatched:   a.markDispatched,
	})
	a.Subscriptions = subscriptions.NewRegistry(st, cfg.AutoDisableThreshold, logger)
	a.Deliveries = delivery.NewService(st, a.Queue, cfg.MaxAttempts, logger)

	for _, h := range []bus.Handler{
		handlers.NewAudit(st),
		handlers.NewNotification(a.Subscriptions, a.Deliveries, logger),
		handlers.NewWebhook(a.Subscriptions, a.Deliveries, logger),
	} {
		if _, err := a.Bus.Subscribe(events.Wildcard, h); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", h.Name(), err)
		}
	}

	var emitOpts []emitter.Option
	if cfg.ValidatePayloads {
		v, err := events.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("compile payload schemas: %w", err)
		}
		emitOpts = append(emitOpts, emitter.WithValidator(v))
	}
	a.Emitter = emitter.New(st, a.Bus, logger, emitOpts...)
	a.Admin = admin.NewService(st, a.Queue, a.Bus, a.Deliveries, a.Subscriptions, logger)

	uploader := o.uploader
	if uploader == nil {
		var err error
		if uploader, err = export.NewUploader(ctx, cfg); err != nil {
			return nil, fmt.Errorf("audit export uploader: %w", err)
		}
	}
	a.Exporter = export.NewExporter(st, uploader)
	a.Limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
	return a, nil
}

// Sender builds the channel router used by the worker.
func (a *App) Sender() delivery.Sender {
	client := &http.Client{Timeout: a.Config.DeliveryTimeout}
	webhook := delivery.NewWebhookSender(client, a.Config.WebhookRatePerSecond, a.Config.WebhookBurst,
		a.Config.WebhookSigningSecret, a.Config.WebhookUserAgent)
	return delivery.NewRouter(webhook, a.Store, delivery.LogProvider{Logger: a.Log})
}

// markDispatched records the processing outcome beside the event.
func (a *App) markDispatched(ctx context.Context, evt models.Event, failures []bus.HandlerFailure) {
	status := models.EventProcessed
	var lastError *string
	if len(failures) > 0 {
		status = models.EventFailed
		parts := make([]string, 0, len(failures))
		for _, f := range failures {
			parts = append(parts, f.Handler+": "+f.Err.Error())
		}
		msg := strings.Join(parts, "; ")
		lastError = &msg
	}
	if err := a.Store.MarkEventStatus(ctx, evt.ID, status, lastError); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.Log.Warn("mark event status",
			slog.String("event_id", evt.ID),
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}

// Close drains the bus and releases connections.
func (a *App) Close(ctx context.Context) error {
	err := a.Bus.Close(ctx)
	a.Store.Close()
	if cerr := a.Redis.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
