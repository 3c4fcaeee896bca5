package service

import (
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatusView is the observed state of one tracked job.
type JobStatusView struct {
	JobID         string
	SubmittedAt   time.Time
	Status        entity.JobStatus
	RequestCounts outbound.RequestCounts
	// Err is set when the provider could not be asked.
	Err error
}

// GroupStatusView is the observed state of one tracked group.
type GroupStatusView struct {
	GroupID   uuid.UUID
	CreatedAt time.Time
	Jobs      []JobStatusView
}

// StatusService reports on tracked and recent jobs.
type StatusService struct {
	tracker        outbound.JobTracker
	provider       outbound.BatchProvider
	requestTimeout time.Duration
}

// NewStatusService creates a status service.
func NewStatusService(tracker outbound.JobTracker, provider outbound.BatchProvider, requestTimeout time.Duration) *StatusService {
	if tracker == nil || provider == nil {
		panic("tracker and provider cannot be nil")
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &StatusService{tracker: tracker, provider: provider, requestTimeout: requestTimeout}
}

// Tracked returns every tracked group with each job's current remote status.
// Per-job lookup failures are reported in the view, not as an error.
func (s *StatusService) Tracked(ctx context.Context) ([]GroupStatusView, error) {
	groups, err := s.tracker.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracked job groups: %w", err)
	}

	views := make([]GroupStatusView, 0, len(groups))
	for _, group := range groups {
		view := GroupStatusView{GroupID: group.ID(), CreatedAt: group.CreatedAt()}
		for _, handle := range group.Handles() {
			if err := ctx.Err(); err != nil {
				return views, err
			}
			view.Jobs = append(view.Jobs, s.lookup(ctx, handle))
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *StatusService) lookup(ctx context.Context, handle entity.JobHandle) JobStatusView {
	view := JobStatusView{JobID: handle.JobID(), SubmittedAt: handle.SubmittedAt()}

	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	job, err := s.provider.GetBatch(callCtx, handle.JobID())
	if err != nil {
		view.Err = err
		return view
	}
	view.Status = job.Status
	view.RequestCounts = job.RequestCounts
	return view
}

// Recent lists the provider's most recent jobs, tracked or not.
func (s *StatusService) Recent(ctx context.Context, limit int) ([]*outbound.BatchJob, error) {
	if limit <= 0 {
		limit = 20
	}
	jobs, err := s.provider.ListBatches(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	return jobs, nil
}

// Cancel asks the provider to stop a job. The handle stays tracked until the
// monitor observes the cancelled status.
func (s *StatusService) Cancel(ctx context.Context, jobID string) (*outbound.BatchJob, error) {
	job, err := s.provider.CancelBatch(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel batch job %s: %w", jobID, err)
	}
	return job, nil
}
