// Package metrics exposes the controller's Prometheus instrumentation.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the control-loop metrics
type Collector struct {
	gatherer prometheus.Gatherer

	Handovers       *prometheus.CounterVec
	HandoverAborts  prometheus.Counter
	Reverts         *prometheus.CounterVec
	Recolorings     *prometheus.CounterVec
	ChannelSwitches prometheus.Counter
	SwitchFailures  prometheus.Counter
	SolverDuration  prometheus.Histogram
	EventsHandled   *prometheus.CounterVec
	EventsDropped   prometheus.Counter

	PendingHandovers prometheus.Gauge
	QueueDepth       prometheus.Gauge
	NetworkUtil      prometheus.Gauge
	ConflictEdges    prometheus.Gauge
	AccessPoints     prometheus.Gauge
	Stations         prometheus.Gauge
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Handovers, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airbalance_handovers_total",
		Help: "Executed station handovers, labeled by trigger.",
	}, []string{"trigger"}), "airbalance_handovers_total"); err != nil {
		return nil, err
	}
	if c.HandoverAborts, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "airbalance_handover_aborts_total",
		Help: "Handovers aborted because the station or target was mid-transition.",
	}), "airbalance_handover_aborts_total"); err != nil {
		return nil, err
	}
	if c.Reverts, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airbalance_handover_settle_total",
		Help: "Settle checks of pending handovers, labeled by outcome.",
	}, []string{"outcome"}), "airbalance_handover_settle_total"); err != nil {
		return nil, err
	}
	if c.Recolorings, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airbalance_recolorings_total",
		Help: "Channel recoloring passes, labeled by result.",
	}, []string{"result"}), "airbalance_recolorings_total"); err != nil {
		return nil, err
	}
	if c.ChannelSwitches, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "airbalance_channel_switches_total",
		Help: "Channel switch commands issued to access points.",
	}), "airbalance_channel_switches_total"); err != nil {
		return nil, err
	}
	if c.SwitchFailures, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "airbalance_channel_switch_failures_total",
		Help: "Channel switch commands rejected by access points.",
	}), "airbalance_channel_switch_failures_total"); err != nil {
		return nil, err
	}
	if c.SolverDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "airbalance_solver_duration_seconds",
		Help:    "Channel coloring solver latency in seconds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "airbalance_solver_duration_seconds"); err != nil {
		return nil, err
	}
	if c.EventsHandled, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "airbalance_events_total",
		Help: "Inbound telemetry and topology events applied, labeled by kind.",
	}, []string{"kind"}), "airbalance_events_total"); err != nil {
		return nil, err
	}
	if c.EventsDropped, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "airbalance_events_dropped_total",
		Help: "Inbound events dropped because the control queue was full.",
	}), "airbalance_events_dropped_total"); err != nil {
		return nil, err
	}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.PendingHandovers, "airbalance_pending_handovers", "Handovers awaiting their settle check (0 or 1)."},
		{&c.QueueDepth, "airbalance_queue_depth", "Inbound events waiting for the control loop."},
		{&c.NetworkUtil, "airbalance_network_utilization", "Mean per-channel aggregate utilization."},
		{&c.ConflictEdges, "airbalance_conflict_edges", "Edges in the AP conflict graph."},
		{&c.AccessPoints, "airbalance_access_points", "Known access points."},
		{&c.Stations, "airbalance_stations", "Known stations."},
	}
	for _, g := range gauges {
		if *g.dst, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}), g.name); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetTopology updates the topology gauges
func (c *Collector) SetTopology(aps, stations, edges int) {
	if c == nil {
		return
	}
	c.AccessPoints.Set(float64(aps))
	c.Stations.Set(float64(stations))
	c.ConflictEdges.Set(float64(edges))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return g, nil
}
