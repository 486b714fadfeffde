package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsEmitted         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "events_emitted_total", Help: "Events accepted by the emitter"}, []string{"category"})
	EventPersistFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_persist_failures_total", Help: "Events that could not be persisted and were published anyway"})
	EventsDispatched      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "events_dispatched_total", Help: "Events fully dispatched by the bus"}, []string{"status"})
	HandlerInvocations    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bus_handler_invocations_total", Help: "Handler invocations by outcome"}, []string{"handler", "outcome"})
	HandlerDuration       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "bus_handler_duration_seconds", Help: "Handler latency", Buckets: prometheus.DefBuckets}, []string{"handler"})
	DeliveriesQueued      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "deliveries_queued_total", Help: "Delivery records created"}, []string{"channel"})
	DeliveriesSent        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "deliveries_sent_total", Help: "Deliveries completed successfully"}, []string{"channel"})
	DeliveryFailures      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "deliveries_failed_total", Help: "Delivery attempts that failed and will retry"}, []string{"channel"})
	DeliveryDeadLetter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "deliveries_dead_letter_total", Help: "Deliveries moved to the dead letter state"}, []string{"channel"})
	SubscriptionsDisabled = prometheus.NewCounter(prometheus.CounterOpts{Name: "subscriptions_auto_disabled_total", Help: "Subscriptions disabled after repeated delivery failures"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "emit_rate_limit_rejects_total", Help: "Emit requests rejected by rate limiter"})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "delivery_queue_depth", Help: "Ready delivery queue depth across priorities"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "deliveries_inflight", Help: "Deliveries currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsEmitted,
			EventPersistFailures,
			EventsDispatched,
			HandlerInvocations,
			HandlerDuration,
			DeliveriesQueued,
			DeliveriesSent,
			DeliveryFailures,
			DeliveryDeadLetter,
			SubscriptionsDisabled,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
