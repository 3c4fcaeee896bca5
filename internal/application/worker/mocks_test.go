package worker

import (
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockBatchProvider is a testify mock of outbound.BatchProvider.
type MockBatchProvider struct {
	mock.Mock
}

func (m *MockBatchProvider) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	args := m.Called(ctx, filename, data)
	return args.String(0), args.Error(1)
}

func (m *MockBatchProvider) CreateBatch(ctx context.Context, req outbound.CreateBatchRequest) (*outbound.BatchJob, error) {
	args := m.Called(ctx, req)
	job, _ := args.Get(0).(*outbound.BatchJob)
	return job, args.Error(1)
}

func (m *MockBatchProvider) GetBatch(ctx context.Context, jobID string) (*outbound.BatchJob, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*outbound.BatchJob)
	return job, args.Error(1)
}

func (m *MockBatchProvider) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	args := m.Called(ctx, fileID)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockBatchProvider) ListBatches(ctx context.Context, limit int) ([]*outbound.BatchJob, error) {
	args := m.Called(ctx, limit)
	jobs, _ := args.Get(0).([]*outbound.BatchJob)
	return jobs, args.Error(1)
}

func (m *MockBatchProvider) CancelBatch(ctx context.Context, jobID string) (*outbound.BatchJob, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*outbound.BatchJob)
	return job, args.Error(1)
}

// MockEventPublisher is a testify mock of outbound.EventPublisher.
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishJobResolved(ctx context.Context, event outbound.JobResolvedEvent) error {
	return m.Called(ctx, event).Error(0)
}

// MockMonitorLease is a testify mock of outbound.MonitorLease.
type MockMonitorLease struct {
	mock.Mock
}

func (m *MockMonitorLease) Acquire(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockMonitorLease) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// memorySink collects error entries.
type memorySink struct {
	mu      sync.Mutex
	entries []entity.ErrorEntry
	err     error
}

func (s *memorySink) Record(_ context.Context, entries ...entity.ErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memorySink) Entries() []entity.ErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.ErrorEntry(nil), s.entries...)
}

func (s *memorySink) Kinds() []entity.ErrorKind {
	var kinds []entity.ErrorKind
	for _, e := range s.Entries() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// memoryArtifacts keeps written artifacts keyed by "<prefix>.<extension>".
type memoryArtifacts struct {
	mu     sync.Mutex
	writes map[string][]byte
	order  []string
	err    error
}

func newMemoryArtifacts() *memoryArtifacts {
	return &memoryArtifacts{writes: make(map[string][]byte)}
}

func (a *memoryArtifacts) Write(_ context.Context, prefix, extension string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	name := prefix + "." + extension
	a.writes[name] = append([]byte(nil), data...)
	a.order = append(a.order, name)
	return "mem://" + name, nil
}

func (a *memoryArtifacts) Get(name string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.writes[name]
	return data, ok
}

// memoryTracker is an in-memory outbound.JobTracker.
type memoryTracker struct {
	mu      sync.Mutex
	groups  []*entity.JobGroup
	updates int
	loadErr error
}

func (t *memoryTracker) Append(_ context.Context, group *entity.JobGroup) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups = append(t.groups, group)
	return nil
}

func (t *memoryTracker) LoadAll(context.Context) ([]*entity.JobGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loadErr != nil {
		return nil, t.loadErr
	}
	return append([]*entity.JobGroup(nil), t.groups...), nil
}

func (t *memoryTracker) Update(_ context.Context, group *entity.JobGroup) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updates++
	for i, g := range t.groups {
		if g.ID() != group.ID() {
			continue
		}
		if group.IsResolved() {
			t.groups = append(t.groups[:i], t.groups[i+1:]...)
		} else {
			t.groups[i] = group
		}
		return nil
	}
	return nil
}

func (t *memoryTracker) Remove(_ context.Context, groupID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, g := range t.groups {
		if g.ID() == groupID {
			t.groups = append(t.groups[:i], t.groups[i+1:]...)
			return nil
		}
	}
	return nil
}

// memoryStore is an idempotent in-memory outbound.ClassificationStore.
type memoryStore struct {
	mu    sync.Mutex
	rows  map[int64]map[string]any
	calls int
	// known restricts writes to these ids when set; others are reported missing.
	known map[int64]bool
	// failures makes the first n calls fail.
	failures int
	err      error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[int64]map[string]any)}
}

func (s *memoryStore) UpsertClassifications(
	_ context.Context,
	results []entity.ParsedResult,
) (outbound.WriteReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil && s.calls <= s.failures {
		return outbound.WriteReport{}, s.err
	}
	var report outbound.WriteReport
	for _, r := range results {
		if s.known != nil && !s.known[r.RecordID] {
			report.Missing = append(report.Missing, r.RecordID)
			continue
		}
		row := make(map[string]any, len(r.Fields)+1)
		for k, v := range r.Fields {
			row[k] = v
		}
		row["classified"] = 1
		s.rows[r.RecordID] = row
		report.Written++
	}
	return report, nil
}

func (s *memoryStore) Snapshot() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]string, len(s.rows))
	for id, row := range s.rows {
		out[id] = fmt.Sprint(row)
	}
	return out
}
