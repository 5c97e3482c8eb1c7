// Package metrics exposes Prometheus collectors for the signaling core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/mossy-p/callsignal/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callsignal"

// Gauges are sampled on every scrape
type Gauges struct {
	OnlineUsers  func() int
	ActiveRooms  func() int
	PendingCalls func() int
}

type Metrics struct {
	registry *prometheus.Registry

	callOutcomes  *prometheus.CounterVec
	roomsEnded    *prometheus.CounterVec
	announcements *prometheus.CounterVec
}

func New(g Gauges) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		callOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Direct calls by terminal state.",
		}, []string{"state"}),
		roomsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_ended_total",
			Help:      "Rooms ended by reason.",
		}, []string{"reason"}),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_announcements_total",
			Help:      "newStream notifications delivered, live or replayed to late joiners.",
		}, []string{"mode"}),
	}
	reg.MustRegister(m.callOutcomes, m.roomsEnded, m.announcements)

	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) }))
	}
	gauge("online_users", "Users with a live connection.", g.OnlineUsers)
	gauge("active_rooms", "Rooms held in memory.", g.ActiveRooms)
	gauge("pending_calls", "Direct calls still ringing.", g.PendingCalls)

	return m
}

func (m *Metrics) CallSettled(state models.CallState) {
	if m == nil {
		return
	}
	m.callOutcomes.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) RoomEnded(reason string) {
	if m == nil {
		return
	}
	m.roomsEnded.WithLabelValues(reason).Inc()
}

// StreamsAnnounced counts n newStream deliveries
func (m *Metrics) StreamsAnnounced(replayed bool, n int) {
	if m == nil || n <= 0 {
		return
	}
	mode := "live"
	if replayed {
		mode = "replay"
	}
	m.announcements.WithLabelValues(mode).Add(float64(n))
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
