package telemetry

import "github.com/prometheus/client_golang/prometheus"

const splitstreamerNamespace string = "splitstreamer"

var (
	promPeersTotal          prometheus.Gauge
	promBranchSwitches      prometheus.Counter
	promForwardedPackets    *prometheus.CounterVec
	promDroppedPackets      *prometheus.CounterVec
	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promPeersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: splitstreamerNamespace,
		Subsystem: "peer",
		Name:      "total",
	})

	promBranchSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: splitstreamerNamespace,
		Subsystem: "topology",
		Name:      "branch_switches_total",
	})

	promForwardedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: splitstreamerNamespace,
			Subsystem: "output",
			Name:      "forwarded_packets_total",
		},
		[]string{"kind"},
	)

	promDroppedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: splitstreamerNamespace,
			Subsystem: "output",
			Name:      "dropped_packets_total",
		},
		[]string{"kind"},
	)

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: splitstreamerNamespace,
			Subsystem: "node",
			Name:      "service_operation",
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promPeersTotal)
	prometheus.MustRegister(promBranchSwitches)
	prometheus.MustRegister(promForwardedPackets)
	prometheus.MustRegister(promDroppedPackets)
	prometheus.MustRegister(ServiceOperationCounter)
}

func PeerAdded() {
	promPeersTotal.Inc()
}

func PeerRemoved() {
	promPeersTotal.Dec()
}

func BranchSwitched() {
	promBranchSwitches.Inc()
}

func PacketForwarded(kind string) {
	promForwardedPackets.WithLabelValues(kind).Inc()
}

func PacketDropped(kind string) {
	promDroppedPackets.WithLabelValues(kind).Inc()
}
