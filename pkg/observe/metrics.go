// Package observe exports Prometheus metrics for the legion service.
package observe

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/models"
)

// Metrics holds the service-wide instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	messagesPosted  prometheus.Counter
	turns           *prometheus.CounterVec
	agentsSpawned   prometheus.Counter
	agentsDespawned prometheus.Counter
	wsConnections   prometheus.Gauge
}

// NewMetrics creates and registers the instrument set. activeTurns, when
// non-nil, is sampled at scrape time for the active turn gauge.
func NewMetrics(activeTurns func() int64) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "legion",
				Name:      "events_published_total",
				Help:      "Events published on the bus, by type",
			},
			[]string{"type"},
		),
		messagesPosted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "legion",
				Name:      "messages_posted_total",
				Help:      "Messages admitted into channels",
			},
		),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "legion",
				Name:      "turns_total",
				Help:      "Agent turns, by outcome",
			},
			[]string{"outcome"},
		),
		agentsSpawned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "legion",
				Name:      "agents_spawned_total",
				Help:      "Agents spawned since start",
			},
		),
		agentsDespawned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "legion",
				Name:      "agents_despawned_total",
				Help:      "Agents despawned since start",
			},
		),
		wsConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "legion",
				Name:      "websocket_connections",
				Help:      "Open websocket connections",
			},
		),
	}
	registry.MustRegister(
		m.eventsPublished,
		m.messagesPosted,
		m.turns,
		m.agentsSpawned,
		m.agentsDespawned,
		m.wsConnections,
	)
	if activeTurns != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "legion",
				Name:      "active_turns",
				Help:      "Turns currently in flight",
			},
			func() float64 { return float64(activeTurns()) },
		))
	}
	return m
}

// allEventTypes enumerates the bus event set for the observer subscription.
var allEventTypes = []models.EventType{
	models.EventChannelCreated, models.EventChannelDeleted,
	models.EventMemberJoined, models.EventMemberLeft,
	models.EventMessagePosted,
	models.EventAgentSpawned, models.EventAgentDespawned,
	models.EventAgentStatusChanged, models.EventAgentEmotionalStateUpdated,
	models.EventAgentPersonaUpdated,
	models.EventTurnStarted, models.EventTurnCompleted, models.EventTurnFailed,
}

// Observe attaches the metrics as a bus subscriber.
func (m *Metrics) Observe(b *bus.Bus) *bus.Subscription {
	return b.Subscribe("metrics", allEventTypes, func(_ context.Context, e models.Event) error {
		m.eventsPublished.WithLabelValues(string(e.Type)).Inc()
		switch e.Type {
		case models.EventMessagePosted:
			m.messagesPosted.Inc()
		case models.EventAgentSpawned:
			m.agentsSpawned.Inc()
		case models.EventAgentDespawned:
			m.agentsDespawned.Inc()
		case models.EventTurnStarted:
			m.turns.WithLabelValues("started").Inc()
		case models.EventTurnCompleted:
			m.turns.WithLabelValues("completed").Inc()
		case models.EventTurnFailed:
			m.turns.WithLabelValues("failed").Inc()
		}
		return nil
	})
}

// WSConnected / WSDisconnected track the websocket connection gauge.
func (m *Metrics) WSConnected()    { m.wsConnections.Inc() }
func (m *Metrics) WSDisconnected() { m.wsConnections.Dec() }

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
