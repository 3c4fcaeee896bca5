package worker

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/application/parser"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MonitorConfig holds polling settings.
type MonitorConfig struct {
	PollInterval        time.Duration
	MaxConcurrentGroups int
	// HandleTimeout bounds all remote work done for one job in one cycle.
	HandleTimeout time.Duration
}

// MonitorDeps are the collaborators of a Monitor. Publisher, Lease, Metrics,
// Tracer and Clock are optional.
type MonitorDeps struct {
	Tracker   outbound.JobTracker
	Provider  outbound.BatchProvider
	Fetcher   *ResultFetcher
	Parser    *parser.ResultParser
	Persister *Persister
	ErrorSink outbound.ErrorSink
	Publisher outbound.EventPublisher
	Lease     outbound.MonitorLease
	Metrics   *MonitorMetrics
	Tracer    trace.Tracer
	Clock     clock.Clock
}

// CycleReport summarizes one pass over the tracker.
type CycleReport struct {
	Groups           int
	Resolved         int
	Pending          int
	NewlyFailed      int
	RecordsPersisted int
	RecordErrors     int
	// Skipped is set when another monitor holds the lease.
	Skipped bool
}

// StillPending reports whether tracked work remains.
func (r CycleReport) StillPending() bool {
	return r.Pending > 0
}

// RunSummary accumulates cycle reports of a continuous run.
type RunSummary struct {
	Cycles           int
	Resolved         int
	NewlyFailed      int
	RecordsPersisted int
	RecordErrors     int
	// Pending is the count left after the last cycle.
	Pending int
}

func (s *RunSummary) add(r CycleReport) {
	s.Cycles++
	s.Resolved += r.Resolved
	s.NewlyFailed += r.NewlyFailed
	s.RecordsPersisted += r.RecordsPersisted
	s.RecordErrors += r.RecordErrors
	s.Pending = r.Pending
}

type handleOutcome int

const (
	handlePending handleOutcome = iota
	handleSucceeded
	handleFailed
)

type handleResult struct {
	outcome   handleOutcome
	persisted int
	errors    int
}

// Monitor polls tracked jobs and drives completed ones through fetch, parse
// and persist.
type Monitor struct {
	deps   MonitorDeps
	config MonitorConfig
}

// NewMonitor creates a monitor.
func NewMonitor(deps MonitorDeps, config MonitorConfig) (*Monitor, error) {
	switch {
	case deps.Tracker == nil:
		return nil, errors.New("monitor requires a job tracker")
	case deps.Provider == nil:
		return nil, errors.New("monitor requires a batch provider")
	case deps.Fetcher == nil, deps.Parser == nil, deps.Persister == nil:
		return nil, errors.New("monitor requires a fetcher, parser and persister")
	case deps.ErrorSink == nil:
		return nil, errors.New("monitor requires an error sink")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Minute
	}
	if config.MaxConcurrentGroups <= 0 {
		config.MaxConcurrentGroups = 4
	}
	if config.HandleTimeout <= 0 {
		config.HandleTimeout = 10 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("batchclassify/worker")
	}

	return &Monitor{deps: deps, config: config}, nil
}

// Config returns the effective settings.
func (m *Monitor) Config() MonitorConfig {
	return m.config
}

// RunOnce performs a single cycle and releases the lease afterwards.
func (m *Monitor) RunOnce(ctx context.Context) (CycleReport, error) {
	defer m.releaseLease(ctx)
	return m.runCycle(ctx)
}

// Run cycles until no tracked work remains or ctx is cancelled. Cancellation
// is not an error: the current cycle finishes and the summary is returned.
func (m *Monitor) Run(ctx context.Context) (RunSummary, error) {
	defer m.releaseLease(ctx)

	var summary RunSummary
	for {
		if ctx.Err() != nil {
			return summary, nil
		}

		report, err := m.runCycle(ctx)
		summary.add(report)
		if err != nil {
			return summary, err
		}

		slogger.Info(ctx, "Monitor cycle complete", slogger.Fields{
			"cycle":        summary.Cycles,
			"resolved":     report.Resolved,
			"pending":      report.Pending,
			"newly_failed": report.NewlyFailed,
			"skipped":      report.Skipped,
		})

		if !report.StillPending() {
			return summary, nil
		}
		if err := m.deps.Clock.Sleep(ctx, m.config.PollInterval); err != nil {
			return summary, nil
		}
	}
}

// JobReport summarizes the handling of one job by ProcessJob.
type JobReport struct {
	JobID  string
	Status entity.JobStatus
	// Resolved is set when the job finished and its outcome was recorded.
	Resolved         bool
	Failed           bool
	RecordsPersisted int
	RecordErrors     int
}

// ProcessJob checks one job by id. A finished job is driven through fetch,
// parse and persist, or its failure is recorded, exactly as a tracked job
// would be. The tracker is neither read nor written, so untracked jobs can
// be recovered this way.
func (m *Monitor) ProcessJob(ctx context.Context, jobID string) (JobReport, error) {
	report := JobReport{JobID: jobID}

	// Detached like a tracked job so a started persist always finishes.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.HandleTimeout)
	defer cancel()
	ctx, span := m.deps.Tracer.Start(ctx, "monitor.job",
		trace.WithAttributes(attribute.String("job_id", jobID)))
	defer span.End()

	job, err := m.deps.Provider.GetBatch(ctx, jobID)
	if err != nil {
		m.deps.Metrics.RecordStatusCheck(ctx, "error")
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	m.deps.Metrics.RecordStatusCheck(ctx, job.Status.String())
	report.Status = job.Status

	result := m.handleStatus(ctx, uuid.Nil, job)
	report.RecordsPersisted = result.persisted
	report.RecordErrors = result.errors
	report.Resolved = result.outcome != handlePending
	report.Failed = result.outcome == handleFailed
	return report, nil
}

func (m *Monitor) runCycle(ctx context.Context) (CycleReport, error) {
	start := m.deps.Clock.Now()
	ctx, span := m.deps.Tracer.Start(ctx, "monitor.cycle")
	defer span.End()

	var report CycleReport

	groups, err := m.deps.Tracker.LoadAll(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("failed to load tracked job groups: %w", err)
	}
	report.Groups = len(groups)
	span.SetAttributes(attribute.Int("groups", len(groups)))
	if len(groups) == 0 {
		return report, nil
	}

	if m.deps.Lease != nil {
		held, err := m.deps.Lease.Acquire(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to acquire monitor lease: %w", err)
		}
		if !held {
			report.Skipped = true
			for _, g := range groups {
				report.Pending += g.Len()
			}
			slogger.Info(ctx, "Another monitor holds the lease, skipping cycle", nil)
			return report, nil
		}
	}

	reports := make([]CycleReport, len(groups))
	var (
		mu   sync.Mutex
		errs []error
		grp  errgroup.Group
	)
	grp.SetLimit(m.config.MaxConcurrentGroups)
	for i, group := range groups {
		grp.Go(func() error {
			r, err := m.processGroup(ctx, group)
			reports[i] = r
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = grp.Wait()

	for _, r := range reports {
		report.Resolved += r.Resolved
		report.Pending += r.Pending
		report.NewlyFailed += r.NewlyFailed
		report.RecordsPersisted += r.RecordsPersisted
		report.RecordErrors += r.RecordErrors
	}

	m.deps.Metrics.RecordCycle(ctx, m.deps.Clock.Now().Sub(start))
	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	return report, nil
}

// processGroup handles every job of a group, then stores the shrunk group.
func (m *Monitor) processGroup(ctx context.Context, group *entity.JobGroup) (CycleReport, error) {
	var report CycleReport
	resolved := make(map[string]bool)

	for _, handle := range group.Handles() {
		if ctx.Err() != nil {
			report.Pending++
			continue
		}

		result := m.handleWithTimeout(ctx, group.ID(), handle)
		report.RecordsPersisted += result.persisted
		report.RecordErrors += result.errors

		switch result.outcome {
		case handleSucceeded:
			resolved[handle.JobID()] = true
			report.Resolved++
		case handleFailed:
			resolved[handle.JobID()] = true
			report.Resolved++
			report.NewlyFailed++
		default:
			report.Pending++
		}
	}

	// Empty groups can only come from older tracker files; drop them too.
	if len(resolved) == 0 && !group.IsResolved() {
		return report, nil
	}

	// The shrunk group must be stored even when the run is being cancelled.
	remaining := group.Without(resolved)
	if err := m.deps.Tracker.Update(context.WithoutCancel(ctx), remaining); err != nil {
		return report, fmt.Errorf("failed to update job group %s: %w", group.ID(), err)
	}

	if remaining.IsResolved() {
		slogger.Info(ctx, "Job group fully resolved", slogger.Field("group_id", group.ID().String()))
	}
	return report, nil
}

// handleWithTimeout runs the per-job work detached from cancellation so an
// in-progress fetch, parse or persist always finishes.
func (m *Monitor) handleWithTimeout(ctx context.Context, groupID uuid.UUID, handle entity.JobHandle) handleResult {
	handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.HandleTimeout)
	defer cancel()

	handleCtx, span := m.deps.Tracer.Start(handleCtx, "monitor.handle",
		trace.WithAttributes(attribute.String("job_id", handle.JobID())))
	defer span.End()

	return m.handleJob(handleCtx, groupID, handle)
}

func (m *Monitor) handleJob(ctx context.Context, groupID uuid.UUID, handle entity.JobHandle) handleResult {
	job, err := m.deps.Provider.GetBatch(ctx, handle.JobID())
	if err != nil {
		m.deps.Metrics.RecordStatusCheck(ctx, "error")
		slogger.Warn(ctx, "Status check failed, job stays pending", slogger.Fields2(
			"job_id", handle.JobID(),
			"error", err.Error(),
		))
		m.record(ctx, entity.NewJobError(handle.JobID(), entity.ErrorKindStatusCheck, err.Error(), m.deps.Clock.Now()))
		return handleResult{outcome: handlePending, errors: 1}
	}
	m.deps.Metrics.RecordStatusCheck(ctx, job.Status.String())
	return m.handleStatus(ctx, groupID, job)
}

func (m *Monitor) handleStatus(ctx context.Context, groupID uuid.UUID, job *outbound.BatchJob) handleResult {
	switch {
	case job.Status.IsCompleted():
		return m.processCompleted(ctx, groupID, job)
	case job.Status.IsTerminalFailure():
		return m.resolveFailed(ctx, groupID, job, "job ended with status "+job.Status.String())
	default:
		slogger.Debug(ctx, "Job still pending", slogger.Fields3(
			"job_id", job.ID,
			"status", job.Status.String(),
			"completed", job.RequestCounts.Completed,
		))
		return handleResult{outcome: handlePending}
	}
}

func (m *Monitor) processCompleted(ctx context.Context, groupID uuid.UUID, job *outbound.BatchJob) handleResult {
	fetched, err := m.deps.Fetcher.Fetch(ctx, job)
	if err != nil {
		if errors.Is(err, ErrOutputMissing) {
			return m.resolveFailed(ctx, groupID, job, err.Error())
		}
		slogger.Warn(ctx, "Fetching results failed, job stays pending", slogger.Fields2("job_id", job.ID, "error", err.Error()))
		m.record(ctx, entity.NewJobError(job.ID, entity.ErrorKindFetch, err.Error(), m.deps.Clock.Now()))
		return handleResult{outcome: handlePending, errors: 1}
	}

	if location, err := m.deps.Fetcher.FetchErrorFile(ctx, job); err != nil {
		slogger.Warn(ctx, "Failed to archive provider error file", slogger.Fields2("job_id", job.ID, "error", err.Error()))
	} else if location != "" {
		slogger.Info(ctx, "Archived provider error file", slogger.Fields2("job_id", job.ID, "location", location))
	}

	parsed := m.deps.Parser.Parse(ctx, job.ID, fetched.Payload)
	// Entries repeat if persistence fails and the job is parsed again next cycle.
	m.record(ctx, parsed.Errors...)
	m.countErrors(ctx, parsed.Errors)

	outcome, err := m.deps.Persister.Persist(ctx, job.ID, parsed.Results)
	if err != nil {
		slogger.ErrorWithError(ctx, err, "Persisting results failed, job stays pending", slogger.Field("job_id", job.ID))
		m.record(ctx, entity.NewJobError(job.ID, entity.ErrorKindPersistence, err.Error(), m.deps.Clock.Now()).
			WithContext("backup", fetched.BackupLocation))
		m.deps.Metrics.RecordErrors(ctx, string(entity.ErrorKindPersistence), 1)
		return handleResult{outcome: handlePending, errors: len(parsed.Errors) + 1}
	}
	m.record(ctx, outcome.Errors...)
	m.countErrors(ctx, outcome.Errors)
	m.deps.Metrics.RecordPersisted(ctx, outcome.Written)
	m.deps.Metrics.RecordJobResolved(ctx, string(outbound.JobOutcomeSucceeded))

	recordErrors := len(parsed.Errors) + len(outcome.Errors)
	slogger.Info(ctx, "Job results processed", slogger.Fields{
		"job_id":    job.ID,
		"group_id":  groupID.String(),
		"lines":     parsed.Lines,
		"persisted": outcome.Written,
		"errors":    recordErrors,
	})

	m.publish(ctx, outbound.JobResolvedEvent{
		GroupID:          groupID,
		JobID:            job.ID,
		Outcome:          outbound.JobOutcomeSucceeded,
		Status:           job.Status.String(),
		RecordsPersisted: outcome.Written,
		RecordErrors:     recordErrors,
		ResolvedAt:       m.deps.Clock.Now(),
	})

	return handleResult{outcome: handleSucceeded, persisted: outcome.Written, errors: recordErrors}
}

// resolveFailed records a terminal job failure. The job's records stay
// unclassified and are picked up by the next submission run.
func (m *Monitor) resolveFailed(ctx context.Context, groupID uuid.UUID, job *outbound.BatchJob, reason string) handleResult {
	entry := entity.NewJobError(job.ID, entity.ErrorKindJobFailed, reason, m.deps.Clock.Now()).
		WithContext("status", job.Status.String()).
		WithContext("group_id", groupID.String()).
		WithContext("request_counts", job.RequestCounts)
	if len(job.Errors) > 0 {
		entry = entry.WithContext("provider_errors", job.Errors)
	}

	if location, err := m.deps.Fetcher.FetchErrorFile(ctx, job); err != nil {
		slogger.Warn(ctx, "Failed to archive provider error file", slogger.Fields2("job_id", job.ID, "error", err.Error()))
	} else if location != "" {
		entry = entry.WithContext("error_file", location)
	}

	slogger.Warn(ctx, "Job failed terminally", slogger.Fields3(
		"job_id", job.ID,
		"status", job.Status.String(),
		"reason", reason,
	))
	m.record(ctx, entry)
	m.deps.Metrics.RecordErrors(ctx, string(entity.ErrorKindJobFailed), 1)
	m.deps.Metrics.RecordJobResolved(ctx, string(outbound.JobOutcomeFailed))

	m.publish(ctx, outbound.JobResolvedEvent{
		GroupID:    groupID,
		JobID:      job.ID,
		Outcome:    outbound.JobOutcomeFailed,
		Status:     job.Status.String(),
		ResolvedAt: m.deps.Clock.Now(),
	})

	return handleResult{outcome: handleFailed, errors: 1}
}

func (m *Monitor) countErrors(ctx context.Context, entries []entity.ErrorEntry) {
	byKind := make(map[entity.ErrorKind]int)
	for _, e := range entries {
		byKind[e.Kind]++
	}
	for kind, n := range byKind {
		m.deps.Metrics.RecordErrors(ctx, string(kind), n)
	}
}

// record writes to the error sink. Sink failures never fail the pipeline.
func (m *Monitor) record(ctx context.Context, entries ...entity.ErrorEntry) {
	if len(entries) == 0 {
		return
	}
	if err := m.deps.ErrorSink.Record(ctx, entries...); err != nil {
		slogger.ErrorWithError(ctx, err, "Failed to record error entries", slogger.Field("entries", len(entries)))
	}
}

func (m *Monitor) publish(ctx context.Context, event outbound.JobResolvedEvent) {
	if m.deps.Publisher == nil {
		return
	}
	if err := m.deps.Publisher.PublishJobResolved(ctx, event); err != nil {
		slogger.Warn(ctx, "Failed to publish job resolution", slogger.Fields2("job_id", event.JobID, "error", err.Error()))
	}
}

func (m *Monitor) releaseLease(ctx context.Context) {
	if m.deps.Lease == nil {
		return
	}
	if err := m.deps.Lease.Release(context.WithoutCancel(ctx)); err != nil {
		slogger.Warn(ctx, "Failed to release monitor lease", slogger.Field("error", err.Error()))
	}
}
