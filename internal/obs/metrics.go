package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the recorder registers. A single
// instance is created at startup and passed by handle to every component,
// mirroring the teacher's single shared EscrowGate/EventBus handles.
type Metrics struct {
	RingBackpressurePct prometheus.Gauge
	RingDepth           prometheus.Gauge
	RingOverflowTotal   prometheus.Counter
	RingBytesRead       prometheus.Counter

	CodecErrorsTotal *prometheus.CounterVec

	ParserAnomaliesTotal *prometheus.CounterVec
	ParserMessagesTotal  *prometheus.CounterVec

	StoreWriteErrorsTotal *prometheus.CounterVec
	StoreReadErrorsTotal  *prometheus.CounterVec
	StoreWriteLatency     prometheus.Histogram
}

// NewMetrics registers all collectors against reg. Pass prometheus.NewRegistry()
// in tests to avoid colliding with the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RingBackpressurePct: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sniffer", Subsystem: "ring", Name: "backpressure_pct",
			Help: "producer-consumer distance as a percentage of ring capacity",
		}),
		RingDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "sniffer", Subsystem: "ring", Name: "poll_depth",
			Help: "re-poll attempts without data since last successful read",
		}),
		RingOverflowTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sniffer", Subsystem: "ring", Name: "overflow_total",
			Help: "number of times backpressure crossed 100%",
		}),
		RingBytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: "sniffer", Subsystem: "ring", Name: "bytes_read_total",
			Help: "total payload bytes yielded from the ring",
		}),
		CodecErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sniffer", Subsystem: "codec", Name: "errors_total",
			Help: "per-record decode errors by kind",
		}, []string{"kind"}),
		ParserAnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sniffer", Subsystem: "parser", Name: "anomalies_total",
			Help: "connection anomalies recorded by kind",
		}, []string{"kind"}),
		ParserMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sniffer", Subsystem: "parser", Name: "messages_total",
			Help: "reassembled messages emitted by type",
		}, []string{"type"}),
		StoreWriteErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sniffer", Subsystem: "store", Name: "write_errors_total",
			Help: "store write failures by family",
		}, []string{"family"}),
		StoreReadErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sniffer", Subsystem: "store", Name: "read_errors_total",
			Help: "store read failures by family",
		}, []string{"family"}),
		StoreWriteLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sniffer", Subsystem: "store", Name: "write_seconds",
			Help:    "store write latency (connections, chunks, messages)",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
