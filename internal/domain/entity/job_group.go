package entity

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyJobID     = errors.New("job id must not be empty")
	ErrEmptyJobGroup  = errors.New("job group must contain at least one handle")
	ErrDuplicateJobID = errors.New("duplicate job id in group")
)

// groupIDNamespace seeds DeriveGroupID.
var groupIDNamespace = uuid.MustParse("6f1d3c8a-2b7e-5f4a-9c1d-0e8b7a6f5d4c") //nolint:gochecknoglobals // constant namespace

const legacyGroupIDJoint = "\x00"

// JobHandle identifies one submitted remote job. It is immutable.
type JobHandle struct {
	jobID       string
	submittedAt time.Time
}

// NewJobHandle creates a handle for a job the provider accepted.
func NewJobHandle(jobID string, submittedAt time.Time) (JobHandle, error) {
	if strings.TrimSpace(jobID) == "" {
		return JobHandle{}, ErrEmptyJobID
	}
	return JobHandle{jobID: jobID, submittedAt: submittedAt.UTC()}, nil
}

// JobID returns the provider's job identifier.
func (h JobHandle) JobID() string { return h.jobID }

// SubmittedAt returns when the job was created.
func (h JobHandle) SubmittedAt() time.Time { return h.submittedAt }

// JobGroup is the set of jobs produced by one submission run. It shrinks as
// jobs resolve and is dropped from the tracker once empty.
type JobGroup struct {
	id        uuid.UUID
	handles   []JobHandle
	createdAt time.Time
}

// NewJobGroup creates a group for a finished submission run.
func NewJobGroup(handles []JobHandle, createdAt time.Time) (*JobGroup, error) {
	if len(handles) == 0 {
		return nil, ErrEmptyJobGroup
	}
	if err := checkUnique(handles); err != nil {
		return nil, err
	}
	return &JobGroup{
		id:        uuid.New(),
		handles:   append([]JobHandle(nil), handles...),
		createdAt: createdAt.UTC(),
	}, nil
}

// RestoreJobGroup rebuilds a group from persisted state. An empty handle list
// is allowed here so callers can restore and then drop resolved groups.
func RestoreJobGroup(id uuid.UUID, handles []JobHandle, createdAt time.Time) (*JobGroup, error) {
	if err := checkUnique(handles); err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		id = DeriveGroupID(createdAt, handlesToIDs(handles))
	}
	return &JobGroup{
		id:        id,
		handles:   append([]JobHandle(nil), handles...),
		createdAt: createdAt.UTC(),
	}, nil
}

// DeriveGroupID computes a stable id for groups persisted without one.
func DeriveGroupID(createdAt time.Time, jobIDs []string) uuid.UUID {
	ids := append([]string(nil), jobIDs...)
	sort.Strings(ids)
	name := createdAt.UTC().Format(time.RFC3339Nano) + legacyGroupIDJoint + strings.Join(ids, legacyGroupIDJoint)
	return uuid.NewSHA1(groupIDNamespace, []byte(name))
}

func checkUnique(handles []JobHandle) error {
	seen := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		if h.jobID == "" {
			return ErrEmptyJobID
		}
		if _, ok := seen[h.jobID]; ok {
			return ErrDuplicateJobID
		}
		seen[h.jobID] = struct{}{}
	}
	return nil
}

func handlesToIDs(handles []JobHandle) []string {
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = h.jobID
	}
	return ids
}

// ID returns the group's identifier.
func (g *JobGroup) ID() uuid.UUID { return g.id }

// CreatedAt returns when the submission run finished.
func (g *JobGroup) CreatedAt() time.Time { return g.createdAt }

// Handles returns a copy of the unresolved handles.
func (g *JobGroup) Handles() []JobHandle {
	return append([]JobHandle(nil), g.handles...)
}

// JobIDs returns the ids of the unresolved handles in submission order.
func (g *JobGroup) JobIDs() []string {
	return handlesToIDs(g.handles)
}

// Len returns the number of unresolved handles.
func (g *JobGroup) Len() int { return len(g.handles) }

// IsResolved reports whether every handle has been resolved.
func (g *JobGroup) IsResolved() bool { return len(g.handles) == 0 }

// Without returns a copy of the group with the given job ids removed.
func (g *JobGroup) Without(resolved map[string]bool) *JobGroup {
	remaining := make([]JobHandle, 0, len(g.handles))
	for _, h := range g.handles {
		if !resolved[h.jobID] {
			remaining = append(remaining, h)
		}
	}
	return &JobGroup{id: g.id, handles: remaining, createdAt: g.createdAt}
}
