package rpcmux

import "github.com/prometheus/client_golang/prometheus"

// metrics holds one client instance's Prometheus collectors, labeled by
// its session id (see mux.go) so several concurrent Client instances in
// one process stay distinguishable — repurposing Exca-DK-juno's and
// hyperledger-firefly-signer's node-internal client_golang usage for
// the multiplexer's own resource counters (spec.md §5 Backpressure).
type metrics struct {
	inFlightRequests prometheus.Gauge
	activeSubs       prometheus.Gauge
	freeSlots        prometheus.Gauge
	droppedPayloads  prometheus.Counter
	terminations     prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer, sessionID string) *metrics {
	labels := prometheus.Labels{"session": sessionID}
	m := &metrics{
		inFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rpcmux",
			Name:        "in_flight_requests",
			Help:        "Number of requests currently awaiting a server reply.",
			ConstLabels: labels,
		}),
		activeSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rpcmux",
			Name:        "active_subscriptions",
			Help:        "Number of confirmed, not-yet-unsubscribed subscriptions.",
			ConstLabels: labels,
		}),
		freeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rpcmux",
			Name:        "free_id_slots",
			Help:        "Number of unused request id slots remaining.",
			ConstLabels: labels,
		}),
		droppedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rpcmux",
			Name:        "dropped_subscription_payloads_total",
			Help:        "Subscription notifications dropped because the sink was full.",
			ConstLabels: labels,
		}),
		terminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rpcmux",
			Name:        "terminations_total",
			Help:        "Number of times the background multiplexer has terminated.",
			ConstLabels: labels,
		}),
	}
	if registerer != nil {
		for _, c := range []prometheus.Collector{m.inFlightRequests, m.activeSubs, m.freeSlots, m.droppedPayloads, m.terminations} {
			_ = registerer.Register(c)
		}
	}
	return m
}
