// Package metrics exposes the tunnel's Prometheus surface.
// ConnectionCollector walks a pkg/connqueue.ConnectionQueue's live
// Connections fresh on every Collect call, never caching samples
// between scrapes; DispatchCounters turns pkg/server's Observer
// callbacks into process-wide counters.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirrorbit/probetun/pkg/conn"
	"github.com/mirrorbit/probetun/pkg/connqueue"
)

// ConnectionCollector scrapes one ConnectionQueue's Snapshot() on
// every Collect call. It never caches samples between scrapes.
type ConnectionCollector struct {
	queue *connqueue.ConnectionQueue

	state    *prometheus.Desc
	mtu      *prometheus.Desc
	inDepth  *prometheus.Desc
	outDepth *prometheus.Desc
	txSeq    *prometheus.Desc
	txAck    *prometheus.Desc
	idleSecs *prometheus.Desc
}

// NewConnectionCollector builds a collector over q, labelling every
// metric with the server ID it belongs to via a const label, and with
// per-connection client_id/trace_id labels on the variable side.
func NewConnectionCollector(srvID uint8, q *connqueue.ConnectionQueue) *ConnectionCollector {
	constLabels := prometheus.Labels{"srv_id": strconv.Itoa(int(srvID))}
	labels := []string{"client_id", "trace_id"}

	return &ConnectionCollector{
		queue: q,
		state: prometheus.NewDesc(
			"probetun_connection_state",
			"Connection lifecycle state as an integer (0=CLOSE..5=DELETE).",
			labels, constLabels,
		),
		mtu: prometheus.NewDesc(
			"probetun_connection_mtu_bytes",
			"Negotiated maximum chunk size for this connection; 0 before stage 2 completes.",
			labels, constLabels,
		),
		inDepth: prometheus.NewDesc(
			"probetun_connection_in_queue_chunks",
			"Chunks queued for the application to read().",
			labels, constLabels,
		),
		outDepth: prometheus.NewDesc(
			"probetun_connection_out_queue_chunks",
			"Chunks queued by send() awaiting the ARQ loop.",
			labels, constLabels,
		),
		txSeq: prometheus.NewDesc(
			"probetun_connection_tx_seq",
			"Sequence number of the outstanding tx_packet.",
			labels, constLabels,
		),
		txAck: prometheus.NewDesc(
			"probetun_connection_tx_ack",
			"Ack number of the outstanding tx_packet.",
			labels, constLabels,
		),
		idleSecs: prometheus.NewDesc(
			"probetun_connection_idle_seconds",
			"Seconds since the last inbound frame accepted on this connection.",
			labels, constLabels,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *ConnectionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.mtu
	ch <- c.inDepth
	ch <- c.outDepth
	ch <- c.txSeq
	ch <- c.txAck
	ch <- c.idleSecs
}

// Collect implements prometheus.Collector, walking the queue's live
// connections fresh on every scrape.
func (c *ConnectionCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cn := range c.queue.Snapshot() {
		c.collectOne(ch, cn)
	}
}

func (c *ConnectionCollector) collectOne(ch chan<- prometheus.Metric, cn *conn.Connection) {
	labels := []string{strconv.Itoa(int(cn.ClientID)), cn.TraceID.String()}
	txSeq, txAck := cn.LastSeqAck()

	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(cn.State()), labels...)
	ch <- prometheus.MustNewConstMetric(c.mtu, prometheus.GaugeValue, float64(cn.MTU()), labels...)
	ch <- prometheus.MustNewConstMetric(c.inDepth, prometheus.GaugeValue, float64(cn.InQueueDepth()), labels...)
	ch <- prometheus.MustNewConstMetric(c.outDepth, prometheus.GaugeValue, float64(cn.OutQueueDepth()), labels...)
	ch <- prometheus.MustNewConstMetric(c.txSeq, prometheus.GaugeValue, float64(txSeq), labels...)
	ch <- prometheus.MustNewConstMetric(c.txAck, prometheus.GaugeValue, float64(txAck), labels...)
	ch <- prometheus.MustNewConstMetric(c.idleSecs, prometheus.GaugeValue, cn.IdleSince().Seconds(), labels...)
}

// DispatchCounters implements pkg/server.Observer, turning dispatch
// decisions into process-wide Prometheus counters. It is itself a
// prometheus.Collector-friendly bundle: register its three counters
// individually (Counters()) rather than DispatchCounters itself, since
// it does not implement Describe/Collect — it wraps stock collectors
// instead of scraping live state like ConnectionCollector does.
type DispatchCounters struct {
	framesDropped    *prometheus.CounterVec
	checksumFailures prometheus.Counter
	handshakes       prometheus.Counter
}

// NewDispatchCounters builds the three dispatch-level counters,
// labelled with srv_id as a const label to disambiguate multiple
// bound servers sharing one registry.
func NewDispatchCounters(srvID uint8) *DispatchCounters {
	constLabels := prometheus.Labels{"srv_id": strconv.Itoa(int(srvID))}
	return &DispatchCounters{
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "probetun_frames_dropped_total",
			Help:        "Inbound frames dropped by the dispatcher, labelled by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		checksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "probetun_checksum_failures_total",
			Help:        "SSID/vendor IE checksum mismatches seen on the inbound path.",
			ConstLabels: constLabels,
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "probetun_handshakes_total",
			Help:        "CON_INIT_REQ1 stage-1 handshakes admitted (new client IVs seen).",
			ConstLabels: constLabels,
		}),
	}
}

// FrameDropped implements pkg/server.Observer.
func (d *DispatchCounters) FrameDropped(reason string) { d.framesDropped.WithLabelValues(reason).Inc() }

// ChecksumFailure implements pkg/server.Observer.
func (d *DispatchCounters) ChecksumFailure() { d.checksumFailures.Inc() }

// HandshakeStarted implements pkg/server.Observer.
func (d *DispatchCounters) HandshakeStarted() { d.handshakes.Inc() }

// Collectors returns the underlying stock collectors for registration
// with a prometheus.Registerer.
func (d *DispatchCounters) Collectors() []prometheus.Collector {
	return []prometheus.Collector{d.framesDropped, d.checksumFailures, d.handshakes}
}

// SocketDiagnostics is implemented by transports that can report the
// kernel-side receive state of their underlying socket, e.g.
// pkg/frame/udpmcast's adapter.
type SocketDiagnostics interface {
	RecvBufDiagnostics() (rcvbuf, queued int, err error)
}

// RecvBufCollector scrapes a transport's socket receive-buffer state:
// the configured SO_RCVBUF size and the bytes currently queued in the
// kernel. A sustained queued/rcvbuf ratio near 1 means the inbound
// loop is not keeping up and probe requests are about to be dropped
// before the tunnel ever sees them.
type RecvBufCollector struct {
	diag SocketDiagnostics

	rcvbuf *prometheus.Desc
	queued *prometheus.Desc
}

// NewRecvBufCollector builds a collector over diag, labelled with the
// server ID as a const label like every other metric in this package.
func NewRecvBufCollector(srvID uint8, diag SocketDiagnostics) *RecvBufCollector {
	constLabels := prometheus.Labels{"srv_id": strconv.Itoa(int(srvID))}
	return &RecvBufCollector{
		diag: diag,
		rcvbuf: prometheus.NewDesc(
			"probetun_transport_rcvbuf_bytes",
			"Kernel receive buffer size (SO_RCVBUF) of the inbound socket.",
			nil, constLabels,
		),
		queued: prometheus.NewDesc(
			"probetun_transport_rcvbuf_queued_bytes",
			"Bytes currently queued in the kernel receive buffer of the inbound socket.",
			nil, constLabels,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *RecvBufCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rcvbuf
	ch <- c.queued
}

// Collect implements prometheus.Collector. A diagnostics failure skips
// the scrape rather than failing it: the socket may simply be closed
// mid-shutdown.
func (c *RecvBufCollector) Collect(ch chan<- prometheus.Metric) {
	rcvbuf, queued, err := c.diag.RecvBufDiagnostics()
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.rcvbuf, prometheus.GaugeValue, float64(rcvbuf))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(queued))
}
