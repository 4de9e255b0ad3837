package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the bot's collectors. A nil *Registry records nothing.
type Registry struct {
	gatherer prometheus.Gatherer

	WebhookRequestsTotal *prometheus.CounterVec
	UpdatesTotal         *prometheus.CounterVec
	HandlerErrorsTotal   *prometheus.CounterVec
	HandlerDuration      *prometheus.HistogramVec
	UsersCreatedTotal    prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Registry {
	r := &Registry{
		gatherer: reg,
		WebhookRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedrbot_webhook_requests_total",
				Help: "Webhook requests by response status",
			},
			[]string{"status"},
		),
		UpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedrbot_updates_total",
				Help: "Dispatched updates by kind and trigger",
			},
			[]string{"kind", "trigger"},
		),
		HandlerErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seedrbot_handler_errors_total",
				Help: "Handler failures by trigger",
			},
			[]string{"trigger"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seedrbot_handler_duration_seconds",
				Help:    "Handler duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"trigger"},
		),
		UsersCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "seedrbot_users_created_total",
				Help: "Users inserted on first interaction",
			},
		),
	}
	reg.MustRegister(
		r.WebhookRequestsTotal,
		r.UpdatesTotal,
		r.HandlerErrorsTotal,
		r.HandlerDuration,
		r.UsersCreatedTotal,
	)
	return r
}

// Handler exposes the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func (r *Registry) ObserveWebhook(status int) {
	if r == nil {
		return
	}
	r.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (r *Registry) ObserveHandler(kind, trigger string, started time.Time, err error) {
	if r == nil {
		return
	}
	r.UpdatesTotal.WithLabelValues(kind, trigger).Inc()
	r.HandlerDuration.WithLabelValues(trigger).Observe(time.Since(started).Seconds())
	if err != nil {
		r.HandlerErrorsTotal.WithLabelValues(trigger).Inc()
	}
}

func (r *Registry) UserCreated() {
	if r == nil {
		return
	}
	r.UsersCreatedTotal.Inc()
}
