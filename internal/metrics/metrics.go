// Package metrics exposes pipeline counters in Prometheus format.
//
// Counters are fed from the event bus, so producers never import this
// package.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taigabot/internal/eventbus"
)

// WindowEvent is the bus payload of aggregation.* events.
type WindowEvent struct {
	Key        string
	InstanceID int64
	Events     int
}

// WebhookEvent is the bus payload of webhook.* events.
type WebhookEvent struct {
	InstanceID int64
	EntityType string
	Action     string
	Reason     string
}

type Registry struct {
	reg *prometheus.Registry

	webhooks     *prometheus.CounterVec
	windows      *prometheus.CounterVec
	windowEvents prometheus.Histogram
	deliveries   *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taigabot",
			Name:      "webhooks_total",
			Help:      "Inbound webhooks by outcome.",
		}, []string{"outcome", "type"}),
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taigabot",
			Name:      "aggregation_windows_total",
			Help:      "Aggregation window transitions.",
		}, []string{"event"}),
		windowEvents: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taigabot",
			Name:      "aggregation_window_events",
			Help:      "Events merged per flushed window.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50},
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taigabot",
			Name:      "deliveries_total",
			Help:      "Outbound chat messages by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.webhooks, r.windows, r.windowEvents, r.deliveries,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Observe maps one bus event onto the counters.
func (r *Registry) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.WebhookAccepted, eventbus.WebhookRejected:
		outcome := "accepted"
		var typ string
		if d, ok := ev.Data.(WebhookEvent); ok {
			typ = d.EntityType
			if ev.Type == eventbus.WebhookRejected {
				outcome = d.Reason
			}
		}
		r.webhooks.WithLabelValues(outcome, typ).Inc()
	case eventbus.WindowArmed:
		r.windows.WithLabelValues("armed").Inc()
	case eventbus.WindowFlushed:
		r.windows.WithLabelValues("flushed").Inc()
		if d, ok := ev.Data.(WindowEvent); ok {
			r.windowEvents.Observe(float64(d.Events))
		}
	case eventbus.WindowEmpty:
		r.windows.WithLabelValues("empty").Inc()
	case eventbus.WindowSuppressed:
		r.windows.WithLabelValues("suppressed").Inc()
	case eventbus.WindowRecovered:
		r.windows.WithLabelValues("recovered").Inc()
	case eventbus.NotifySent:
		r.deliveries.WithLabelValues("sent").Inc()
	case eventbus.NotifyDeduped:
		r.deliveries.WithLabelValues("deduped").Inc()
	case eventbus.NotifyDropped:
		r.deliveries.WithLabelValues("dropped").Inc()
	case eventbus.NotifyFailed:
		r.deliveries.WithLabelValues("failed").Inc()
	}
}

// Run consumes bus events until ctx is done.
func (r *Registry) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(ev)
		}
	}
}
