package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	activeRooms    prometheus.Gauge
	roomsCreated   prometheus.Counter
	requestErrors  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	forwards       *prometheus.CounterVec
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &apiMetrics{
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sos_rooms_active",
			Help: "Current number of active rooms owned by this node.",
		}),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sos_rooms_created_total",
			Help: "Rooms created on this node since start.",
		}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_api_errors_total",
			Help: "Relay API errors by code.",
		}, []string{"code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sos_api_latency_seconds",
			Help:    "Latency for handling relay API requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_forwards_total",
			Help: "Cross-node forwards by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.activeRooms,
		m.roomsCreated,
		m.requestErrors,
		m.requestLatency,
		m.forwards,
	)
	return m
}

func (m *apiMetrics) setActiveRooms(n int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(n))
}

func (m *apiMetrics) recordRoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
}

func (m *apiMetrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "internal"
	}
	m.requestErrors.WithLabelValues(code).Inc()
}

func (m *apiMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.requestLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *apiMetrics) recordForward(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.forwards.WithLabelValues(outcome).Inc()
}
