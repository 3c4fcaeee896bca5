package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	JobsResolvedCounterName     = "batchclassify.monitor.jobs_resolved"
	RecordsPersistedCounterName = "batchclassify.monitor.records_persisted"
	RecordErrorsCounterName     = "batchclassify.monitor.record_errors"
	StatusChecksCounterName     = "batchclassify.monitor.status_checks"
	CycleDurationHistogramName  = "batchclassify.monitor.cycle_duration"
	BatchesSubmittedCounterName = "batchclassify.submit.batches"
)

// Attribute keys.
const (
	AttrOutcome   = "outcome"    // succeeded, failed
	AttrErrorKind = "error_kind" // entity.ErrorKind values
	AttrStatus    = "status"     // provider job status or "error"
)

// MonitorMetrics records pipeline activity through OpenTelemetry.
type MonitorMetrics struct {
	jobsResolved     metric.Int64Counter
	recordsPersisted metric.Int64Counter
	recordErrors     metric.Int64Counter
	statusChecks     metric.Int64Counter
	batchesSubmitted metric.Int64Counter
	cycleDuration    metric.Float64Histogram
}

// NewMonitorMetrics creates the instruments on provider, or on the global
// meter provider when provider is nil.
func NewMonitorMetrics(provider metric.MeterProvider) (*MonitorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("batchclassify/worker", metric.WithInstrumentationVersion("1.0.0"))

	// Cycles are dominated by provider round trips and result downloads.
	cycleBuckets := []float64{
		0.1,   // 100ms
		0.5,   // 500ms
		1.0,   // 1s
		5.0,   // 5s
		15.0,  // 15s
		30.0,  // 30s
		60.0,  // 1min
		300.0, // 5min
		900.0, // 15min
	}

	m := &MonitorMetrics{}
	var err error

	if m.cycleDuration, err = meter.Float64Histogram(
		CycleDurationHistogramName,
		metric.WithDescription("Duration of monitor cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}

	if m.jobsResolved, err = meter.Int64Counter(
		JobsResolvedCounterName,
		metric.WithDescription("Total number of tracked jobs resolved"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.recordsPersisted, err = meter.Int64Counter(
		RecordsPersistedCounterName,
		metric.WithDescription("Total number of classification rows written"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.recordErrors, err = meter.Int64Counter(
		RecordErrorsCounterName,
		metric.WithDescription("Total number of error entries produced"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.statusChecks, err = meter.Int64Counter(
		StatusChecksCounterName,
		metric.WithDescription("Total number of remote job status checks"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	if m.batchesSubmitted, err = meter.Int64Counter(
		BatchesSubmittedCounterName,
		metric.WithDescription("Total number of batches submitted"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordJobResolved counts a resolved job by outcome.
func (m *MonitorMetrics) RecordJobResolved(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.jobsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

// RecordPersisted counts persisted rows.
func (m *MonitorMetrics) RecordPersisted(ctx context.Context, rows int) {
	if m == nil || rows <= 0 {
		return
	}
	m.recordsPersisted.Add(ctx, int64(rows))
}

// RecordErrors counts error entries of one kind.
func (m *MonitorMetrics) RecordErrors(ctx context.Context, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordErrors.Add(ctx, int64(n), metric.WithAttributes(attribute.String(AttrErrorKind, kind)))
}

// RecordStatusCheck counts a status check by observed status.
func (m *MonitorMetrics) RecordStatusCheck(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.statusChecks.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrStatus, status)))
}

// RecordBatchSubmitted counts a submission attempt by outcome.
func (m *MonitorMetrics) RecordBatchSubmitted(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.batchesSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

// RecordCycle records how long one monitor cycle took.
func (m *MonitorMetrics) RecordCycle(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Record(ctx, d.Seconds())
}
