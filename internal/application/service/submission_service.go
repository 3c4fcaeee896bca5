package service

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/application/worker"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BatchSubmitter turns one batch into one remote job.
type BatchSubmitter interface {
	Submit(ctx context.Context, batch entity.Batch) (entity.JobHandle, error)
}

// SubmissionConfig configures SubmissionService.
type SubmissionConfig struct {
	// PageSize is how many records are fetched from the source per query.
	PageSize int
}

// SubmitOptions narrows a single submission run.
type SubmitOptions struct {
	Filter outbound.RecordFilter
	// BatchSize lowers the per-job record limit when positive.
	BatchSize int
	// MaxRecords caps how many records this run takes when positive.
	MaxRecords int
	// DryRun builds batches and writes their payloads as artifacts without submitting.
	DryRun bool
}

// SubmissionReport describes the outcome of a run.
type SubmissionReport struct {
	Candidates       int
	Fetched          int
	Rejected         int
	SubmittedRecords int
	FailedRecords    int
	GroupID          uuid.UUID
	JobIDs           []string
	DryRunArtifacts  []string
}

// NothingToDo reports whether the run found no work.
func (r *SubmissionReport) NothingToDo() bool {
	return r.Candidates == 0
}

// SubmissionService runs the submit side of the pipeline: query, build,
// submit and track.
type SubmissionService struct {
	source    outbound.RecordSource
	builder   *worker.BatchBuilder
	submitter BatchSubmitter
	tracker   outbound.JobTracker
	errorSink outbound.ErrorSink
	artifacts outbound.ArtifactStore
	metrics   *worker.MonitorMetrics
	clock     clock.Clock
	config    SubmissionConfig
}

// NewSubmissionService creates a submission service. Metrics may be nil.
func NewSubmissionService(
	source outbound.RecordSource,
	builder *worker.BatchBuilder,
	submitter BatchSubmitter,
	tracker outbound.JobTracker,
	errorSink outbound.ErrorSink,
	artifacts outbound.ArtifactStore,
	metrics *worker.MonitorMetrics,
	clk clock.Clock,
	config SubmissionConfig,
) *SubmissionService {
	if source == nil {
		panic("source cannot be nil")
	}
	if builder == nil || submitter == nil {
		panic("builder and submitter cannot be nil")
	}
	if tracker == nil {
		panic("tracker cannot be nil")
	}
	if errorSink == nil || artifacts == nil {
		panic("errorSink and artifacts cannot be nil")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if config.PageSize <= 0 {
		config.PageSize = 5000
	}
	return &SubmissionService{
		source:    source,
		builder:   builder,
		submitter: submitter,
		tracker:   tracker,
		errorSink: errorSink,
		artifacts: artifacts,
		metrics:   metrics,
		clock:     clk,
		config:    config,
	}
}

// SubmitUnclassified submits every record that still needs classification
// and tracks the resulting jobs as one group. Finding nothing to do is not an
// error. Jobs that were created are always tracked, even when ctx is
// cancelled part-way.
func (s *SubmissionService) SubmitUnclassified(ctx context.Context, opts SubmitOptions) (*SubmissionReport, error) {
	ctx, span := otel.Tracer("batchclassify/service").Start(ctx, "submission.run")
	defer span.End()

	report := &SubmissionReport{}

	count, err := s.source.CountUnclassified(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count unclassified records: %w", err)
	}
	report.Candidates = count
	span.SetAttributes(attribute.Int("candidates", count))
	if count == 0 {
		slogger.Info(ctx, "No records need classification", nil)
		return report, nil
	}

	limit := count
	if opts.MaxRecords > 0 && opts.MaxRecords < limit {
		limit = opts.MaxRecords
	}

	records, err := s.fetch(ctx, opts.Filter, limit)
	if err != nil {
		return nil, err
	}
	report.Fetched = len(records)

	built := s.builder.WithMaxRecords(opts.BatchSize).Build(records)
	report.Rejected = len(built.Rejected)
	s.recordRejected(ctx, built.Rejected)

	slogger.Info(ctx, "Built classification batches", slogger.Fields{
		"candidates": count,
		"fetched":    len(records),
		"batches":    len(built.Batches),
		"rejected":   len(built.Rejected),
		"dry_run":    opts.DryRun,
	})

	if opts.DryRun {
		return s.writeDryRun(ctx, report, built.Batches)
	}

	// An unusable tracker must stop the run before any paid job is created.
	if _, err := s.tracker.LoadAll(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("failed to load tracked job groups before submitting: %w", err)
	}

	handles, interrupted := s.submitAll(ctx, report, built.Batches)
	if len(handles) == 0 {
		if interrupted {
			return report, fmt.Errorf("submission interrupted: %w", ctx.Err())
		}
		return report, nil
	}

	group, err := entity.NewJobGroup(handles, s.clock.Now())
	if err != nil {
		return report, fmt.Errorf("failed to group submitted jobs: %w", err)
	}
	report.GroupID = group.ID()
	report.JobIDs = group.JobIDs()

	// Created jobs must be tracked even if the run is being cancelled.
	if err := s.tracker.Append(context.WithoutCancel(ctx), group); err != nil {
		span.SetStatus(codes.Error, err.Error())
		slogger.ErrorWithError(ctx, err, "Submitted jobs could not be tracked", slogger.Field(
			"job_ids", strings.Join(report.JobIDs, ","),
		))
		return report, fmt.Errorf("failed to track job group %s (jobs %s): %w",
			group.ID(), strings.Join(report.JobIDs, ","), err)
	}

	slogger.Info(ctx, "Tracking submitted job group", slogger.Fields{
		"group_id":          group.ID().String(),
		"jobs":              group.Len(),
		"submitted_records": report.SubmittedRecords,
		"failed_records":    report.FailedRecords,
	})

	if interrupted {
		return report, fmt.Errorf("submission interrupted: %w", ctx.Err())
	}
	return report, nil
}

func (s *SubmissionService) fetch(ctx context.Context, filter outbound.RecordFilter, limit int) ([]entity.ClassificationRecord, error) {
	records := make([]entity.ClassificationRecord, 0, min(limit, s.config.PageSize*4))
	for offset := 0; len(records) < limit; offset += s.config.PageSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetching records interrupted: %w", err)
		}
		pageSize := min(s.config.PageSize, limit-len(records))
		page, err := s.source.FetchUnclassified(ctx, filter, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch unclassified records at offset %d: %w", offset, err)
		}
		for _, r := range page {
			if r.NeedsClassification() {
				records = append(records, r)
			}
		}
		if len(page) < pageSize {
			break
		}
	}
	return records, nil
}

// submitAll submits batches in order. Batches the provider refuses as too
// large are halved and retried; a single record it still refuses is rejected.
func (s *SubmissionService) submitAll(ctx context.Context, report *SubmissionReport, batches []entity.Batch) ([]entity.JobHandle, bool) {
	var handles []entity.JobHandle
	queue := append([]entity.Batch(nil), batches...)

	for len(queue) > 0 {
		if ctx.Err() != nil {
			slogger.Warn(ctx, "Submission cancelled, remaining batches stay unclassified", slogger.Field("batches", len(queue)))
			return handles, true
		}

		batch := queue[0]
		queue = queue[1:]

		handle, err := s.submitter.Submit(ctx, batch)
		switch {
		case err == nil:
			handles = append(handles, handle)
			report.SubmittedRecords += batch.Len()
			s.metrics.RecordBatchSubmitted(ctx, string(outbound.JobOutcomeSucceeded))
		case errors.Is(err, outbound.ErrBatchTooLarge) && batch.Len() > 1:
			left, right := batch.Split()
			queue = append([]entity.Batch{left, right}, queue...)
			slogger.Info(ctx, "Splitting batch rejected as too large", slogger.Fields3(
				"records", batch.Len(),
				"left", left.Len(),
				"right", right.Len(),
			))
		case errors.Is(err, outbound.ErrBatchTooLarge):
			report.FailedRecords++
			s.metrics.RecordBatchSubmitted(ctx, string(outbound.JobOutcomeFailed))
			s.recordRejected(ctx, []worker.RejectedRecord{{Record: batch.Records[0], Reason: err}})
		default:
			// The submitter already reported every record of the batch.
			report.FailedRecords += batch.Len()
			s.metrics.RecordBatchSubmitted(ctx, string(outbound.JobOutcomeFailed))
		}
	}
	return handles, false
}

func (s *SubmissionService) recordRejected(ctx context.Context, rejected []worker.RejectedRecord) {
	if len(rejected) == 0 {
		return
	}
	now := s.clock.Now()
	entries := make([]entity.ErrorEntry, len(rejected))
	for i, r := range rejected {
		entries[i] = entity.NewRecordError(r.Record.ID, "", entity.ErrorKindRejected, r.Reason.Error(), r.Record.Text, now)
	}
	if err := s.errorSink.Record(ctx, entries...); err != nil {
		slogger.ErrorWithError(ctx, err, "Failed to record rejected records", slogger.Field("records", len(entries)))
	}
}

func (s *SubmissionService) writeDryRun(ctx context.Context, report *SubmissionReport, batches []entity.Batch) (*SubmissionReport, error) {
	for i, batch := range batches {
		location, err := s.artifacts.Write(ctx, "batch_request_"+strconv.Itoa(i+1), "jsonl", batch.Payload())
		if err != nil {
			return report, fmt.Errorf("failed to write dry-run batch %d: %w", i+1, err)
		}
		report.DryRunArtifacts = append(report.DryRunArtifacts, location)
	}
	slogger.Info(ctx, "Dry run wrote batch request files", slogger.Field("files", len(report.DryRunArtifacts)))
	return report, nil
}
