package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the storage engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so embedded users can opt out.
type Metrics struct {
	FlushesTotal      prometheus.Counter
	FlushFailures     prometheus.Counter
	FlushDuration     prometheus.Histogram
	CompactionsTotal  prometheus.Counter
	BytesFlushed      prometheus.Counter
	BytesCompacted    prometheus.Counter
	LiveSegments      prometheus.Gauge
	MemtableBytes     prometheus.Gauge
	SnapshotsTotal    prometheus.Counter
	GuardrailWarnings prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablestore_flushes_total",
			Help: "Total number of memory buffer flushes",
		}),
		FlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablestore_flush_failures_total",
			Help: "Total number of failed flush attempts",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tablestore_flush_duration_seconds",
			Help:    "Duration of memory buffer flushes in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablestore_compactions_total",
			Help: "Total number of completed compactions",
		}),
		BytesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablestore_bytes_flushed_total",
			Help: "Total bytes written to segments by flush",
		}),
		BytesCompacted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablestore_bytes_compacted_total",
			Help: "Total bytes written to segments by compaction",
		}),
		LiveSegments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tablestore_live_segments",
			Help: "Number of segments in the visible set",
		}),
		MemtableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tablestore_memtable_bytes",
			Help: "Approximate size of the current memory buffer",
		}),
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablestore_snapshots_total",
			Help: "Total number of snapshots created",
		}),
		GuardrailWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablestore_guardrail_warnings_total",
			Help: "Total number of guardrail warn outcomes",
		}),
	}
}

func (m *Metrics) ObserveFlush(seconds float64, bytes int64, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.FlushFailures.Inc()
		return
	}
	m.FlushesTotal.Inc()
	m.FlushDuration.Observe(seconds)
	m.BytesFlushed.Add(float64(bytes))
}

func (m *Metrics) ObserveCompaction(bytes int64) {
	if m == nil {
		return
	}
	m.CompactionsTotal.Inc()
	m.BytesCompacted.Add(float64(bytes))
}

func (m *Metrics) SetLiveSegments(n int) {
	if m == nil {
		return
	}
	m.LiveSegments.Set(float64(n))
}

func (m *Metrics) SetMemtableBytes(n uint64) {
	if m == nil {
		return
	}
	m.MemtableBytes.Set(float64(n))
}

func (m *Metrics) ObserveSnapshot() {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Inc()
}

func (m *Metrics) ObserveGuardrailWarning() {
	if m == nil {
		return
	}
	m.GuardrailWarnings.Inc()
}
