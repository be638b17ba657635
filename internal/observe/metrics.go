// Package observe exposes the broker's and FTQ's Prometheus metrics.
package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	onlineTextClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_online_text_clients",
		Help: "Number of connected text-channel clients.",
	})

	onlineFileClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_online_file_clients",
		Help: "Number of connected file-channel clients.",
	})

	broadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_broadcasts_total",
			Help: "Total messages broadcast by kind.",
		},
		[]string{"kind"}, // text|file
	)

	historySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_history_size",
		Help: "Current number of entries in the history log.",
	})

	ftqItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_ftq_items_total",
			Help: "Total FTQ items reaching a terminal state, by state.",
		},
		[]string{"state"}, // done|failed|canceled
	)

	ftqRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_ftq_retries_total",
		Help: "Total FTQ item retries.",
	})
)

func init() {
	prometheus.MustRegister(
		onlineTextClients,
		onlineFileClients,
		broadcastsTotal,
		historySize,
		ftqItemsTotal,
		ftqRetriesTotal,
	)
}

func SetOnlineTextClients(n int) { onlineTextClients.Set(float64(n)) }
func SetOnlineFileClients(n int) { onlineFileClients.Set(float64(n)) }
func IncBroadcast(kind string)   { broadcastsTotal.WithLabelValues(kind).Inc() }
func SetHistorySize(n int)       { historySize.Set(float64(n)) }
func IncFTQItem(state string)    { ftqItemsTotal.WithLabelValues(state).Inc() }
func IncFTQRetry()               { ftqRetriesTotal.Inc() }

// Serve starts the Prometheus HTTP endpoint and blocks. Callers should run it in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
