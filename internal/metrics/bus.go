package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BusPublishedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modhost",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Messages dispatched by the bus, by delivery path",
	}, []string{"path"})

	BusHandlerPanicsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modhost",
		Subsystem: "bus",
		Name:      "handler_panics_total",
		Help:      "Subscriber handlers that panicked during dispatch, by topic",
	}, []string{"topic"})

	BusQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "modhost",
		Subsystem: "bus",
		Name:      "async_queue_depth",
		Help:      "Messages waiting in the async queues of all buses",
	})
)

// IncBusPublished records one dispatched message. path is "sync" or "async".
func IncBusPublished(path string) {
	BusPublishedTotal.WithLabelValues(path).Inc()
}

// IncBusHandlerPanic records a recovered subscriber panic.
func IncBusHandlerPanic(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	BusHandlerPanicsTotal.WithLabelValues(topic).Inc()
}
