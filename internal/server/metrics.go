package server

import "github.com/prometheus/client_golang/prometheus"

var (
	strikesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strikenet_receiver_strikes_total",
		Help: "Strike records received, by detector",
	}, []string{"detector"})
	collectorsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strikenet_receiver_collectors_connected",
		Help: "Open collector TCP connections",
	})
	displayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strikenet_receiver_display_clients",
		Help: "Connected WebSocket display clients",
	})
	droppedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strikenet_receiver_dropped_bytes_total",
		Help: "Bytes discarded because they did not form a whole record",
	}, []string{"transport"})
	sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strikenet_receiver_sink_errors_total",
		Help: "Failed writes to the history store or alert link",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(strikesTotal, collectorsConnected, displayClients, droppedBytes, sinkErrors)
}
