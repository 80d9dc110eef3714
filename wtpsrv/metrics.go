package wtpsrv

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the server's Prometheus gauges and counters: per-WISP
// adaptive OpSpec sizes, retransmits, EPC dedup hits, and the number of
// currently open connections.
type Metrics struct {
	readOpSpecSize  *prometheus.GaugeVec
	writeOpSpecSize *prometheus.GaugeVec
	retransmits     *prometheus.CounterVec
	epcDedupHits    *prometheus.CounterVec
	connections     prometheus.Gauge
}

// NewMetrics registers and returns the server's metric collectors against
// reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readOpSpecSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wtp",
			Name:      "read_opspec_size_bytes",
			Help:      "Current adaptive Read OpSpec size per WISP.",
		}, []string{"wisp_id"}),
		writeOpSpecSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wtp",
			Name:      "write_opspec_size_bytes",
			Help:      "Current adaptive BlockWrite OpSpec size per WISP.",
		}, []string{"wisp_id"}),
		retransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wtp",
			Name:      "fragment_retransmits_total",
			Help:      "Total fragment retransmissions per WISP.",
		}, []string{"wisp_id"}),
		epcDedupHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wtp",
			Name:      "epc_dedup_hits_total",
			Help:      "Total EPC reads dropped as duplicates of a recent read.",
		}, []string{"wisp_id"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wtp",
			Name:      "open_connections",
			Help:      "Number of WISPs with an open connection.",
		}),
	}
	reg.MustRegister(m.readOpSpecSize, m.writeOpSpecSize, m.retransmits, m.epcDedupHits, m.connections)
	return m
}

// sizeObserver adapts Metrics to sizectrl.Observer for a single WISP.
type sizeObserver struct {
	m      *Metrics
	wispID string
}

func (o sizeObserver) SetReadSize(n int) {
	o.m.readOpSpecSize.WithLabelValues(o.wispID).Set(float64(n))
}
func (o sizeObserver) SetWriteSize(n int) {
	o.m.writeOpSpecSize.WithLabelValues(o.wispID).Set(float64(n))
}

func (m *Metrics) incEPCDedup(wispID uint8) {
	m.epcDedupHits.WithLabelValues(strconv.Itoa(int(wispID))).Inc()
}

func (m *Metrics) incRetransmit(wispID uint8) {
	m.retransmits.WithLabelValues(strconv.Itoa(int(wispID))).Inc()
}

func (m *Metrics) setConnections(n int) {
	m.connections.Set(float64(n))
}
