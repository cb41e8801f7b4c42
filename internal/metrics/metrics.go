// Package metrics registers the prometheus collectors a running Sync
// Tree exposes: view/tag population gauges and dispatch/event counters,
// in the same "construct once, pass the struct down" shape the teacher
// uses for its merkledb metrics (x/merkledb/stateless.go's newMetrics).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of collectors a synctree.SyncTree reports through.
// Every method is safe to call on a nil *Metrics (a no-op), so wiring
// metrics into the core is optional.
type Metrics struct {
	activeViews          prometheus.Gauge
	registeredTags       prometheus.Gauge
	pendingWrites        prometheus.Gauge
	dispatchedOperations *prometheus.CounterVec
	emittedEvents        *prometheus.CounterVec
	listenerStarts       prometheus.Counter
	listenerStops        prometheus.Counter
}

// New constructs and registers the Sync Tree collectors under namespace
// on reg. Returns an error if any collector is already registered there
// (the same contract as prometheus.Registry.Register).
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activeViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_views",
			Help:      "Number of Views currently materialized across all Sync Points.",
		}),
		registeredTags: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_tags",
			Help:      "Number of wire tags currently bound to a filtered query.",
		}),
		pendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_writes",
			Help:      "Number of unacknowledged writes held in the write log.",
		}),
		dispatchedOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_operations_total",
			Help:      "Operations dispatched into the Sync Point tree, by kind.",
		}, []string{"kind"}),
		emittedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emitted_events_total",
			Help:      "Events handed to registrations, by type.",
		}, []string{"type"}),
		listenerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_starts_total",
			Help:      "Calls made to ListenProvider.StartListening.",
		}),
		listenerStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_stops_total",
			Help:      "Calls made to ListenProvider.StopListening.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.activeViews, m.registeredTags, m.pendingWrites,
		m.dispatchedOperations, m.emittedEvents,
		m.listenerStarts, m.listenerStops,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SetActiveViews(n int) {
	if m == nil {
		return
	}
	m.activeViews.Set(float64(n))
}

func (m *Metrics) SetRegisteredTags(n int) {
	if m == nil {
		return
	}
	m.registeredTags.Set(float64(n))
}

func (m *Metrics) SetPendingWrites(n int) {
	if m == nil {
		return
	}
	m.pendingWrites.Set(float64(n))
}

func (m *Metrics) OperationDispatched(kind string) {
	if m == nil {
		return
	}
	m.dispatchedOperations.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventEmitted(eventType string) {
	if m == nil {
		return
	}
	m.emittedEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ListenerStarted() {
	if m == nil {
		return
	}
	m.listenerStarts.Inc()
}

func (m *Metrics) ListenerStopped() {
	if m == nil {
		return
	}
	m.listenerStops.Inc()
}
