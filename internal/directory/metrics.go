package directory

import "github.com/prometheus/client_golang/prometheus"

// Metrics covers directory size and gossip push health. Shared with the
// gossip scheduler so both sides of the protocol report into one place.
type Metrics struct {
	knownWorkers  prometheus.Gauge
	knownRooms    prometheus.Gauge
	pushSuccess   prometheus.Counter
	pushFailure   prometheus.Counter
	evictedPeers  prometheus.Counter
	announceTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		knownWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sos_directory_workers",
			Help: "Current number of known relay workers (including self).",
		}),
		knownRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sos_directory_rooms",
			Help: "Current number of known room entries.",
		}),
		pushSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sos_gossip_push_success_total",
			Help: "Successful gossip pushes to peers.",
		}),
		pushFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sos_gossip_push_failure_total",
			Help: "Failed gossip pushes to peers (timeouts included).",
		}),
		evictedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sos_directory_evicted_workers_total",
			Help: "Workers evicted after consecutive push failures.",
		}),
		announceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sos_gossip_announce_total",
			Help: "Startup announcements sent to genesis peers.",
		}),
	}

	reg.MustRegister(
		m.knownWorkers,
		m.knownRooms,
		m.pushSuccess,
		m.pushFailure,
		m.evictedPeers,
		m.announceTotal,
	)
	return m
}

func (m *Metrics) SetKnownWorkers(n int) {
	if m == nil {
		return
	}
	m.knownWorkers.Set(float64(n))
}

func (m *Metrics) SetKnownRooms(n int) {
	if m == nil {
		return
	}
	m.knownRooms.Set(float64(n))
}

func (m *Metrics) RecordPushSuccess() {
	if m == nil {
		return
	}
	m.pushSuccess.Inc()
}

func (m *Metrics) RecordPushFailure() {
	if m == nil {
		return
	}
	m.pushFailure.Inc()
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictedPeers.Inc()
}

func (m *Metrics) RecordAnnounce() {
	if m == nil {
		return
	}
	m.announceTotal.Inc()
}
