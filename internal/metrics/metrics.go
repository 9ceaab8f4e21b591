package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the host's Prometheus collectors on an isolated registry so
// tests can build as many instances as they like without collisions.
type Metrics struct {
	Registry *prometheus.Registry

	PeersConnected  prometheus.Gauge
	IndexFiles      prometheus.Gauge
	MessagesTotal   *prometheus.CounterVec
	RelayBytesTotal prometheus.Counter
	TransfersTotal  *prometheus.CounterVec
}

// New creates and registers all collectors. version is recorded on the
// audiowallet_info gauge.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiowallet_peers",
			Help: "Currently registered peers.",
		}),
		IndexFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audiowallet_index_files",
			Help: "Files currently in the shared index.",
		}),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiowallet_messages_total",
				Help: "Inbound protocol messages by type.",
			},
			[]string{"type"},
		),
		RelayBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audiowallet_relay_bytes_total",
			Help: "Chunk payload bytes relayed between peers.",
		}),
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audiowallet_transfers_total",
				Help: "Relay transfers reaching a terminal state.",
			},
			[]string{"state"},
		),
	}

	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audiowallet_info",
			Help: "Build information.",
		},
		[]string{"version"},
	)
	info.WithLabelValues(version).Set(1)

	reg.MustRegister(m.PeersConnected, m.IndexFiles, m.MessagesTotal, m.RelayBytesTotal, m.TransfersTotal, info)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
