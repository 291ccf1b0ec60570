package metrics

import "github.com/prometheus/client_golang/prometheus"

// PrometheusCollectors bridges the atomic Collector counters into
// Prometheus metric families. Counters are exposed via CounterFunc and
// gauges via GaugeFunc so the bridge reads straight from the atomics on
// every scrape instead of trying to keep a second running total in sync.
type PrometheusCollectors struct {
	RequestsRouted     prometheus.CounterFunc
	CrossSlotRejected  prometheus.CounterFunc
	ProtocolErrors     prometheus.CounterFunc
	UpstreamReconnects prometheus.CounterFunc
	ClientsActive      prometheus.GaugeFunc
	ClientsPrivate     prometheus.GaugeFunc
}

// register registers c, falling back to the already-registered instance
// if this process already registered one under the same name (tests
// construct more than one Collector against the same default registry).
func register(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		return c
	}
	return c
}

// InitPrometheus wires coll's live counters into namespace-prefixed
// Prometheus collectors and registers them with the default registry.
func InitPrometheus(namespace string, coll *Collector) *PrometheusCollectors {
	pc := &PrometheusCollectors{}

	pc.RequestsRouted = register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_routed_total",
		Help:      "Total number of requests routed to an upstream shard and replied to.",
	}, func() float64 { return float64(coll.RequestsRouted.Load()) })).(prometheus.CounterFunc)

	pc.CrossSlotRejected = register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cross_slot_rejected_total",
		Help:      "Total number of multi-key requests rejected for spanning more than one shard.",
	}, func() float64 { return float64(coll.CrossSlotRejected.Load()) })).(prometheus.CounterFunc)

	pc.ProtocolErrors = register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Total number of requests that failed inline/multi-bulk parsing.",
	}, func() float64 { return float64(coll.ProtocolErrors.Load()) })).(prometheus.CounterFunc)

	pc.UpstreamReconnects = register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_reconnects_total",
		Help:      "Total number of reconnect attempts against shard connections.",
	}, func() float64 { return float64(coll.UpstreamReconnects.Load()) })).(prometheus.CounterFunc)

	pc.ClientsActive = register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_active",
		Help:      "Number of currently connected client sockets.",
	}, func() float64 { return float64(coll.ClientsActive.Load()) })).(prometheus.GaugeFunc)

	pc.ClientsPrivate = register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_private",
		Help:      "Number of clients currently in private-connection mode.",
	}, func() float64 { return float64(coll.ClientsPrivate.Load()) })).(prometheus.GaugeFunc)

	return pc
}
