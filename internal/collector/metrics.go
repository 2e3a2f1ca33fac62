package collector

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strikenet_collector_records_sent_total",
		Help: "Strike records handed to the radio",
	})
	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strikenet_collector_reconnects_total",
		Help: "Times the radio link was torn down and rebuilt",
	})
)

func init() {
	prometheus.MustRegister(recordsSent, reconnectsTotal)
}
