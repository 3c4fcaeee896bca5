package outbound

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobOutcome describes how a job handle was resolved.
type JobOutcome string

const (
	JobOutcomeSucceeded JobOutcome = "succeeded"
	JobOutcomeFailed    JobOutcome = "failed"
)

// JobResolvedEvent is published once a tracked job leaves the tracker.
type JobResolvedEvent struct {
	GroupID          uuid.UUID  `json:"group_id"`
	JobID            string     `json:"job_id"`
	Outcome          JobOutcome `json:"outcome"`
	Status           string     `json:"status"`
	RecordsPersisted int        `json:"records_persisted"`
	RecordErrors     int        `json:"record_errors"`
	ResolvedAt       time.Time  `json:"resolved_at"`
}

// EventPublisher announces job resolutions to other systems.
type EventPublisher interface {
	PublishJobResolved(ctx context.Context, event JobResolvedEvent) error
}

// MonitorLease ensures a single active monitor across processes.
type MonitorLease interface {
	// Acquire takes or renews the lease. It returns false when another holder owns it.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
