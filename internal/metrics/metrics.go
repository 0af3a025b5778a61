// Package metrics exposes Prometheus metrics for turns, tool calls,
// logins and downstream reachability. Metrics are fed from the event bus so the agent and auth
// packages carry no metrics dependency.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akstspace/media-mgmt-agent/internal/events"
)

const namespace = "mediabot"

// Metrics holds the collectors and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	turnIterations prometheus.Histogram
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	logins         *prometheus.CounterVec
	sessions       prometheus.Gauge
	serviceUp      *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a conversation turn.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
		turnIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_iterations",
			Help:      "Planning steps per turn.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool, status and error kind.",
		}, []string{"tool", "status", "kind"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently logged in.",
		}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Whether a watched downstream service answered its last probe.",
		}, []string{"service"}),
	}
	m.registry.MustRegister(
		m.turns, m.turnDuration, m.turnIterations,
		m.toolCalls, m.toolDuration,
		m.logins, m.sessions, m.serviceUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry, for tests and custom exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates the collectors from one event. Unrelated events are
// ignored.
func (m *Metrics) Observe(e events.Event) {
	switch e.Kind {
	case events.KindTurnComplete:
		m.turns.WithLabelValues(str(e.Data["outcome"])).Inc()
		m.turnDuration.Observe(num(e.Data["elapsed_ms"]) / 1000)
		m.turnIterations.Observe(num(e.Data["iterations"]))
	case events.KindToolDone:
		tool := str(e.Data["tool"])
		m.toolCalls.WithLabelValues(tool, str(e.Data["status"]), str(e.Data["kind"])).Inc()
		m.toolDuration.WithLabelValues(tool).Observe(num(e.Data["duration_ms"]) / 1000)
	case events.KindLogin:
		if ok, _ := e.Data["ok"].(bool); ok {
			m.logins.WithLabelValues("success").Inc()
			m.sessions.Inc()
		} else {
			m.logins.WithLabelValues("failure").Inc()
		}
	case events.KindLogout, events.KindSessionExpired:
		m.sessions.Dec()
	case events.KindServiceUp:
		m.serviceUp.WithLabelValues(str(e.Data["service"])).Set(1)
	case events.KindServiceDown:
		m.serviceUp.WithLabelValues(str(e.Data["service"])).Set(0)
	}
}

// Consume subscribes to bus and feeds its events into Observe until ctx
// is done. The subscription is in place when Consume returns; the
// returned channel is closed once the consumer has stopped.
func (m *Metrics) Consume(ctx context.Context, bus *events.Bus) <-chan struct{} {
	// Registered once per Metrics; a second Consume keeps the first bus.
	_ = m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events not delivered because a subscriber was full.",
	}, func() float64 { return float64(bus.Dropped()) }))

	ch := bus.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				m.Observe(e)
			}
		}
	}()
	return done
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
