package metrics

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	BatchStatusCommitted = "committed"
	BatchStatusFailed    = "failed"
	BatchStatusSkipped   = "skipped"
)

const (
	OutlierOutcomeRecovered = "recovered"
	OutlierOutcomeDropped   = "dropped"
)

const (
	IngestReasonDeadlineExceeded     = "deadline_exceeded"
	IngestReasonDBLockTimeout        = "db_lock_timeout"
	IngestReasonSerializationFailure = "serialization_failure"
	IngestReasonUniqueViolation      = "unique_violation"
	IngestReasonIO                   = "io"
	IngestReasonUnknown              = "unknown"
)

// IngestMetrics captures batch pipeline health for Prometheus scraping or push.
type IngestMetrics struct {
	batchRuns      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	batchErrors    *prometheus.CounterVec
	rowsMalformed  *prometheus.CounterVec
	intervals      prometheus.Counter
	outliers       *prometheus.CounterVec
	devicesCreated prometheus.Counter
	staleReadings  prometheus.Counter
	lastCommitted  prometheus.Gauge
	lastFileDate   prometheus.Gauge
}

// NewIngestMetrics registers the ingest collectors on the given registerer.
func NewIngestMetrics(registerer prometheus.Registerer, cfg Config) *IngestMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "turnstile"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &IngestMetrics{
		batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "turnstile_ingest_batches_total",
			Help:        "Ingest batches by final status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "turnstile_ingest_stage_duration_seconds",
			Help:        "Time spent in each batch stage.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}, []string{"stage"}),
		batchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "turnstile_ingest_batch_errors_total",
			Help:        "Batch failures by stage and low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"stage", "reason"}),
		rowsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "turnstile_ingest_rows_malformed_total",
			Help:        "Raw rows or reading groups dropped by the parser.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		intervals: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnstile_ingest_intervals_total",
			Help:        "Interval records committed.",
			ConstLabels: constLabels,
		}),
		outliers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "turnstile_ingest_outliers_total",
			Help:        "Deltas at or above threshold by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		devicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnstile_ingest_devices_created_total",
			Help:        "Devices introduced by committed batches.",
			ConstLabels: constLabels,
		}),
		staleReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "turnstile_ingest_stale_readings_total",
			Help:        "Readings ignored because continuity already covers them.",
			ConstLabels: constLabels,
		}),
		lastCommitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "turnstile_ingest_last_committed_timestamp_seconds",
			Help:        "Unix time of the last committed batch.",
			ConstLabels: constLabels,
		}),
		lastFileDate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "turnstile_ingest_last_file_date_seconds",
			Help:        "File date of the last committed batch as unix time.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.batchRuns,
		m.stageDuration,
		m.batchErrors,
		m.rowsMalformed,
		m.intervals,
		m.outliers,
		m.devicesCreated,
		m.staleReadings,
		m.lastCommitted,
		m.lastFileDate,
	)
	return m
}

func (m *IngestMetrics) IncBatch(status string) {
	if m == nil {
		return
	}
	m.batchRuns.WithLabelValues(status).Inc()
}

func (m *IngestMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *IngestMetrics) IncBatchError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	m.batchErrors.WithLabelValues(stage, ClassifyIngestReason(err)).Inc()
}

func (m *IngestMetrics) AddMalformed(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.rowsMalformed.WithLabelValues(reason).Add(float64(count))
}

func (m *IngestMetrics) AddIntervals(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.intervals.Add(float64(count))
}

func (m *IngestMetrics) AddOutliers(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.outliers.WithLabelValues(outcome).Add(float64(count))
}

func (m *IngestMetrics) AddDevicesCreated(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.devicesCreated.Add(float64(count))
}

func (m *IngestMetrics) AddStale(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.staleReadings.Add(float64(count))
}

func (m *IngestMetrics) MarkCommitted(at, fileDate time.Time) {
	if m == nil {
		return
	}
	m.lastCommitted.Set(float64(at.Unix()))
	m.lastFileDate.Set(float64(fileDate.Unix()))
}

// ClassifyIngestReason maps an error onto a low-cardinality label value.
func ClassifyIngestReason(err error) string {
	if err == nil {
		return IngestReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return IngestReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return IngestReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return IngestReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return IngestReasonUniqueViolation
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return IngestReasonIO
	}
	return IngestReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
