package nodemcu

import "github.com/prometheus/client_golang/prometheus"

var (
	pollIterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strikenet_radio_poll_iterations",
		Help:    "Console round trips spent by one polling operation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strikenet_radio_sent_bytes_total",
		Help: "Payload bytes handed to the radio's send helper",
	})
	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strikenet_radio_received_bytes_total",
		Help: "Payload bytes read back from the radio's receive buffer",
	})
)

func init() {
	prometheus.MustRegister(pollIterations, bytesSent, bytesReceived)
}
