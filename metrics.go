package chronicle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// writerMetrics mirrors the teacher's walMetrics shape: counters for
// throughput, a vec for categorized failures, and a gauge for the most
// recent segment's lifetime. A nil Registerer (via
// WithMetricsRegisterer(nil)) disables registration entirely.
type writerMetrics struct {
	bytesAppended    prometheus.Counter
	recordsAppended  prometheus.Counter
	appendCalls      prometheus.Counter
	segmentRolls     prometheus.Counter
	segmentsDeleted  prometheus.Counter
	queueFullEvents  *prometheus.CounterVec
	preallocErrors   prometheus.Counter
	asyncSealErrors  prometheus.Counter
	lastSegmentAgeS  prometheus.Gauge
	minLiveReaderLag prometheus.Gauge
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	return &writerMetrics{
		bytesAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_bytes_appended",
			Help: "chronicle_bytes_appended counts payload bytes appended, before header/padding overhead.",
		}),
		recordsAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_records_appended",
			Help: "chronicle_records_appended counts committed records, excluding padding records.",
		}),
		appendCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_append_calls",
			Help: "chronicle_append_calls counts calls to Append and AppendInPlace.",
		}),
		segmentRolls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_segment_rolls",
			Help: "chronicle_segment_rolls counts how many times the writer moved to a new segment file.",
		}),
		segmentsDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_segments_deleted",
			Help: "chronicle_segments_deleted is registered for segments removed by the retention worker; nothing increments it, so it stays 0.",
		}),
		queueFullEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronicle_queue_full_events",
				Help: "chronicle_queue_full_events counts ErrQueueFull returns, by backpressure policy.",
			},
			[]string{"policy"},
		),
		preallocErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_prealloc_errors",
			Help: "chronicle_prealloc_errors counts preallocation worker failures (falls back to synchronous create).",
		}),
		asyncSealErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_async_seal_errors",
			Help: "chronicle_async_seal_errors counts sync failures of the sealed segment on the writer's synchronous roll path; async-seal worker failures are counted in WriterStats only.",
		}),
		lastSegmentAgeS: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chronicle_last_segment_age_seconds",
			Help: "chronicle_last_segment_age_seconds is registered for the sealed segment's lifetime in seconds; nothing sets it, so it stays 0.",
		}),
		minLiveReaderLag: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "chronicle_min_live_reader_lag_bytes",
			Help: "chronicle_min_live_reader_lag_bytes is the gap between the writer head and the slowest live reader.",
		}),
	}
}

// readerMetrics tracks per-reader consumption counters.
type readerMetrics struct {
	recordsRead  prometheus.Counter
	bytesRead    prometheus.Counter
	corruptReads prometheus.Counter
	waits        prometheus.Counter
	seeks        *prometheus.CounterVec
}

func newReaderMetrics(reg prometheus.Registerer) *readerMetrics {
	return &readerMetrics{
		recordsRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_reader_records_read",
			Help: "chronicle_reader_records_read counts non-padding records returned by Next.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_reader_bytes_read",
			Help: "chronicle_reader_bytes_read counts payload bytes returned by Next.",
		}),
		corruptReads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_reader_corrupt_records",
			Help: "chronicle_reader_corrupt_records counts CRC mismatches or invalid header bounds observed.",
		}),
		waits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chronicle_reader_waits",
			Help: "chronicle_reader_waits counts calls to Wait.",
		}),
		seeks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronicle_reader_seeks",
				Help: "chronicle_reader_seeks counts SeekSeq/SeekTimestamp calls.",
			},
			[]string{"kind"},
		),
	}
}
