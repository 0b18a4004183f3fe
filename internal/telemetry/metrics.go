package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Transport ----

	SegmentsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "segments_sent_total",
			Help:      "Segment datagrams written to a socket.",
		},
		[]string{"path"}, // unicast | multicast
	)

	SendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "send_errors_total",
			Help:      "Datagram writes that failed.",
		},
		[]string{"path"},
	)

	DatagramsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "datagrams_received_total",
			Help:      "Datagrams decoded by the processor.",
		},
		[]string{"kind"}, // segment | announcement
	)

	DatagramsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams discarded before reassembly.",
		},
		[]string{"reason"}, // version | malformed | poisoned | queue_full | too_large
	)

	MessagesReassembled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "messages_reassembled_total",
			Help:      "Messages completed by the reassembler.",
		},
	)

	ReassemblyEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "reassembly_evicted_total",
			Help:      "Incomplete messages discarded by the reassembler.",
		},
		[]string{"reason"}, // stale | capacity
	)

	OutboundDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "outbound_dropped_total",
			Help:      "Outbound messages rejected before any segment was sent.",
		},
		[]string{"reason"}, // fanout | no_multicast | queue_full | too_large | encode | not_running | unknown_recipient
	)

	MessageBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrbus",
			Name:      "message_bytes",
			Help:      "Serialized message sizes.",
			// 64B .. 64MiB
			Buckets: prometheus.ExponentialBuckets(64, 4, 11),
		},
		[]string{"direction"}, // in | out
	)

	NodeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "node_events_total",
			Help:      "Peer discovered/lost transitions.",
		},
		[]string{"event"},
	)

	NodesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrbus",
			Name:      "nodes_live",
			Help:      "Peers currently in the node directory.",
		},
	)

	// ---- Admin HTTP ----

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrbus",
			Name:      "requests_total",
			Help:      "Total number of admin HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrbus",
			Name:      "request_duration_seconds",
			Help:      "Latency of admin HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrbus",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrbus",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		SegmentsSent, SendErrors, DatagramsReceived, DatagramsDropped,
		MessagesReassembled, ReassemblyEvicted, OutboundDropped, MessageBytes,
		NodeEvents, NodesLive,
		RequestsTotal, RequestDuration, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/nodes", telemetry.Instrument("nodes", http.HandlerFunc(n.Nodes)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
