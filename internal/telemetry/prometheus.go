package telemetry

import "github.com/prometheus/client_golang/prometheus"

const dialinkNamespace string = "dialink"

var (
	promConnectionsTotal prometheus.Gauge
	promActiveCalls      prometheus.Gauge
	CallsStartedCounter  prometheus.Counter
	CallsEndedCounter    *prometheus.CounterVec
)

func init() {
	promConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: dialinkNamespace,
		Subsystem: "relay",
		Name:      "connections",
	})

	promActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: dialinkNamespace,
		Subsystem: "relay",
		Name:      "active_calls",
	})

	CallsStartedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: dialinkNamespace,
		Subsystem: "relay",
		Name:      "calls_started_total",
	})

	CallsEndedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: dialinkNamespace,
			Subsystem: "relay",
			Name:      "calls_ended_total",
		},
		[]string{"reason"},
	)

	prometheus.MustRegister(promConnectionsTotal)
	prometheus.MustRegister(promActiveCalls)
	prometheus.MustRegister(CallsStartedCounter)
	prometheus.MustRegister(CallsEndedCounter)
}

func ClientConnected() {
	promConnectionsTotal.Inc()
}

func ClientDisconnected() {
	promConnectionsTotal.Dec()
}

func CallStarted() {
	promActiveCalls.Inc()
	CallsStartedCounter.Inc()
}

func CallEnded(reason string) {
	promActiveCalls.Dec()
	CallsEndedCounter.WithLabelValues(reason).Inc()
}
