package worker

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/application/parser"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ========================================
// Test Helper Functions
// ========================================

const monitorContent = `{
  "attacks": {"personal_attack": "yes", "attack_type": "character"},
  "policy_criticism": {"policy_attack": "no"},
  "bipartisanship": {"is_bipartisanship": "no"},
  "credit_claiming": {"is_creditclaiming": "no"},
  "policy": {"policy_area": []}
}`

var monitorEpoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type monitorFixture struct {
	provider  *MockBatchProvider
	tracker   *memoryTracker
	store     *memoryStore
	sink      *memorySink
	artifacts *memoryArtifacts
	clock     *clock.Fake
	reader    *sdkmetric.ManualReader
	monitor   *Monitor
}

func newMonitorFixture(t *testing.T, extra func(*MonitorDeps)) *monitorFixture {
	t.Helper()

	schema := parser.DefaultSchema()
	schema.Task = "cls"
	fake := clock.NewFake(monitorEpoch)
	resultParser, err := parser.NewResultParser(schema, fake)
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	metrics, err := NewMonitorMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	f := &monitorFixture{
		provider:  new(MockBatchProvider),
		tracker:   &memoryTracker{},
		store:     newMemoryStore(),
		sink:      &memorySink{},
		artifacts: newMemoryArtifacts(),
		clock:     fake,
		reader:    reader,
	}

	deps := MonitorDeps{
		Tracker:   f.tracker,
		Provider:  f.provider,
		Fetcher:   NewResultFetcher(f.provider, f.artifacts),
		Parser:    resultParser,
		Persister: NewPersister(f.store, f.artifacts, fake, PersisterConfig{}),
		ErrorSink: f.sink,
		Metrics:   metrics,
		Clock:     fake,
	}
	if extra != nil {
		extra(&deps)
	}

	f.monitor, err = NewMonitor(deps, MonitorConfig{PollInterval: time.Minute, MaxConcurrentGroups: 2})
	require.NoError(t, err)
	return f
}

func (f *monitorFixture) track(t *testing.T, jobIDs ...string) *entity.JobGroup {
	t.Helper()
	handles := make([]entity.JobHandle, len(jobIDs))
	for i, id := range jobIDs {
		h, err := entity.NewJobHandle(id, monitorEpoch)
		require.NoError(t, err)
		handles[i] = h
	}
	group, err := entity.NewJobGroup(handles, monitorEpoch)
	require.NoError(t, err)
	require.NoError(t, f.tracker.Append(context.Background(), group))
	return group
}

func (f *monitorFixture) trackedJobIDs(t *testing.T) [][]string {
	t.Helper()
	groups, err := f.tracker.LoadAll(context.Background())
	require.NoError(t, err)
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = g.JobIDs()
	}
	return out
}

func (f *monitorFixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func outputLine(t *testing.T, customID, content string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":        "req_" + customID,
		"custom_id": customID,
		"response": map[string]any{
			"status_code": 200,
			"body": map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
			},
		},
		"error": nil,
	})
	require.NoError(t, err)
	return string(b)
}

func completedJob(id, outputFileID string) *outbound.BatchJob {
	return &outbound.BatchJob{ID: id, Status: entity.JobStatusCompleted, OutputFileID: outputFileID}
}

func pendingJob(id string) *outbound.BatchJob {
	return &outbound.BatchJob{ID: id, Status: entity.JobStatusInProgress}
}

// ========================================
// RunOnce Tests
// ========================================

func TestMonitor_RunOnce_CompletedAndPendingHandles(t *testing.T) {
	// Arrange
	f := newMonitorFixture(t, nil)
	group := f.track(t, "batch_done", "batch_wait")

	payload := strings.Join([]string{
		outputLine(t, "cls-1", monitorContent),
		outputLine(t, "cls-2", "```json\n"+monitorContent+"\n```"),
		`{"custom_id": "cls-3", "error": null}`,
	}, "\n")
	f.provider.On("GetBatch", mock.Anything, "batch_done").Return(completedJob("batch_done", "file-out"), nil).Once()
	f.provider.On("GetBatch", mock.Anything, "batch_wait").Return(pendingJob("batch_wait"), nil).Once()
	f.provider.On("DownloadFile", mock.Anything, "file-out").Return([]byte(payload), nil).Once()

	// Act
	report, err := f.monitor.RunOnce(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, report.Groups)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 0, report.NewlyFailed)
	assert.Equal(t, 2, report.RecordsPersisted)
	assert.Equal(t, 1, report.RecordErrors)
	assert.True(t, report.StillPending())

	assert.Equal(t, [][]string{{"batch_wait"}}, f.trackedJobIDs(t))
	groups, _ := f.tracker.LoadAll(context.Background())
	assert.Equal(t, group.ID(), groups[0].ID(), "the group keeps its identity when it shrinks")

	assert.Len(t, f.store.rows, 2)
	assert.Equal(t, 1, f.store.rows[1]["attack_personal"])
	assert.Equal(t, []entity.ErrorKind{entity.ErrorKindSchema}, f.sink.Kinds())

	_, backedUp := f.artifacts.Get("batch_output_batch_done.jsonl")
	assert.True(t, backedUp)

	assert.Equal(t, int64(1), f.counter(t, JobsResolvedCounterName))
	assert.Equal(t, int64(2), f.counter(t, RecordsPersistedCounterName))
	assert.Equal(t, int64(2), f.counter(t, StatusChecksCounterName))
	f.provider.AssertExpectations(t)
}

func TestMonitor_RunOnce_TerminalFailureResolvesHandle(t *testing.T) {
	publisher := new(MockEventPublisher)
	f := newMonitorFixture(t, func(d *MonitorDeps) { d.Publisher = publisher })
	group := f.track(t, "batch_expired")

	f.provider.On("GetBatch", mock.Anything, "batch_expired").Return(&outbound.BatchJob{
		ID:          "batch_expired",
		Status:      entity.JobStatusExpired,
		ErrorFileID: "file-err",
		Errors:      []outbound.BatchJobError{{Code: "expired", Message: "window elapsed"}},
	}, nil).Once()
	f.provider.On("DownloadFile", mock.Anything, "file-err").Return([]byte(`{"custom_id":"cls-1"}`), nil).Once()
	publisher.On("PublishJobResolved", mock.Anything, mock.MatchedBy(func(e outbound.JobResolvedEvent) bool {
		return e.JobID == "batch_expired" && e.Outcome == outbound.JobOutcomeFailed && e.GroupID == group.ID()
	})).Return(nil).Once()

	report, err := f.monitor.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 1, report.NewlyFailed)
	assert.False(t, report.StillPending())
	assert.Empty(t, f.trackedJobIDs(t))

	entries := f.sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, entity.ErrorKindJobFailed, entries[0].Kind)
	assert.Equal(t, "batch_expired", entries[0].JobID)
	assert.Equal(t, "expired", entries[0].Context["status"])
	assert.Equal(t, "mem://batch_api_errors_batch_expired.jsonl", entries[0].Context["error_file"])
	assert.Empty(t, f.store.rows)
	publisher.AssertExpectations(t)
}

func TestMonitor_RunOnce_MissingOutputIsJobFailure(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.track(t, "batch_1")
	f.provider.On("GetBatch", mock.Anything, "batch_1").Return(completedJob("batch_1", ""), nil).Once()

	report, err := f.monitor.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.NewlyFailed)
	assert.Empty(t, f.trackedJobIDs(t))
	assert.Equal(t, []entity.ErrorKind{entity.ErrorKindJobFailed}, f.sink.Kinds())
}

func TestMonitor_RunOnce_StatusErrorKeepsHandlePending(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.track(t, "batch_1")
	f.provider.On("GetBatch", mock.Anything, "batch_1").Return(nil, errors.New("i/o timeout")).Once()

	report, err := f.monitor.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, report.Resolved)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, [][]string{{"batch_1"}}, f.trackedJobIDs(t))
	assert.Equal(t, []entity.ErrorKind{entity.ErrorKindStatusCheck}, f.sink.Kinds())
	assert.Zero(t, f.tracker.updates, "nothing resolved, nothing rewritten")
}

func TestMonitor_RunOnce_PersistenceFailureKeepsHandlePending(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.track(t, "batch_1")
	f.store.err = errors.New("connection refused")
	f.store.failures = 1000
	f.provider.On("GetBatch", mock.Anything, "batch_1").Return(completedJob("batch_1", "file-out"), nil).Once()
	f.provider.On("DownloadFile", mock.Anything, "file-out").
		Return([]byte(outputLine(t, "cls-5", monitorContent)), nil).Once()

	report, err := f.monitor.RunOnce(context.Background())

	require.NoError(t, err, "a store outage is retried next cycle, not fatal")
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, [][]string{{"batch_1"}}, f.trackedJobIDs(t))
	assert.Equal(t, []entity.ErrorKind{entity.ErrorKindPersistence}, f.sink.Kinds())
	_, ok := f.artifacts.Get("db_backup_batch_1.json")
	assert.True(t, ok)
}

func TestMonitor_RunOnce_UnknownRecordIsRecordErrorNotJobFailure(t *testing.T) {
	// Arrange
	f := newMonitorFixture(t, nil)
	f.track(t, "batch_1")
	f.store.known = map[int64]bool{42: true}
	payload := strings.Join([]string{
		outputLine(t, "cls-42", monitorContent),
		outputLine(t, "cls-999", monitorContent),
	}, "\n")
	f.provider.On("GetBatch", mock.Anything, "batch_1").Return(completedJob("batch_1", "file-out"), nil).Once()
	f.provider.On("DownloadFile", mock.Anything, "file-out").Return([]byte(payload), nil).Once()

	// Act
	report, err := f.monitor.RunOnce(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 0, report.NewlyFailed)
	assert.Equal(t, 1, report.RecordsPersisted)
	assert.Equal(t, 1, report.RecordErrors)
	assert.Empty(t, f.trackedJobIDs(t))

	entries := f.sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, entity.ErrorKindPersistence, entries[0].Kind)
	require.NotNil(t, entries[0].RecordID)
	assert.Equal(t, int64(999), *entries[0].RecordID)
	assert.Contains(t, f.store.rows, int64(42))
	_, backedUp := f.artifacts.Get("db_backup_batch_1.json")
	assert.False(t, backedUp, "an unknown id is not a store outage")
}

func TestMonitor_RunOnce_NothingTracked(t *testing.T) {
	f := newMonitorFixture(t, nil)

	report, err := f.monitor.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, CycleReport{}, report)
	f.provider.AssertNotCalled(t, "GetBatch", mock.Anything, mock.Anything)
}

func TestMonitor_RunOnce_TrackerLoadFailureIsFatal(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.tracker.loadErr = errors.New("unexpected end of JSON input")

	_, err := f.monitor.RunOnce(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load tracked job groups")
}

func TestMonitor_RunOnce_LeaseHeldElsewhere(t *testing.T) {
	lease := new(MockMonitorLease)
	f := newMonitorFixture(t, func(d *MonitorDeps) { d.Lease = lease })
	f.track(t, "batch_1", "batch_2")
	lease.On("Acquire", mock.Anything).Return(false, nil).Once()
	lease.On("Release", mock.Anything).Return(nil).Once()

	report, err := f.monitor.RunOnce(context.Background())

	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 2, report.Pending)
	f.provider.AssertNotCalled(t, "GetBatch", mock.Anything, mock.Anything)
	lease.AssertExpectations(t)
}

func TestMonitor_RunOnce_ConcurrentGroups(t *testing.T) {
	f := newMonitorFixture(t, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.track(t, "batch_"+id)
		f.provider.On("GetBatch", mock.Anything, "batch_"+id).Return(&outbound.BatchJob{
			ID:     "batch_" + id,
			Status: entity.JobStatusCancelled,
		}, nil).Once()
	}

	report, err := f.monitor.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5, report.Resolved)
	assert.Equal(t, 5, report.NewlyFailed)
	assert.Empty(t, f.trackedJobIDs(t))
	assert.Len(t, f.sink.Entries(), 5)
}

// ========================================
// Run Tests
// ========================================

func TestMonitor_Run_PollsUntilResolved(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.track(t, "batch_1")
	f.provider.On("GetBatch", mock.Anything, "batch_1").Return(pendingJob("batch_1"), nil).Twice()
	f.provider.On("GetBatch", mock.Anything, "batch_1").Return(completedJob("batch_1", "file-out"), nil).Once()
	f.provider.On("DownloadFile", mock.Anything, "file-out").
		Return([]byte(outputLine(t, "cls-9", monitorContent)), nil).Once()

	summary, err := f.monitor.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, summary.Cycles)
	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 1, summary.RecordsPersisted)
	assert.Zero(t, summary.Pending)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, f.clock.Sleeps())
	f.provider.AssertExpectations(t)
}

func TestMonitor_Run_CancellationIsCooperative(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.track(t, "batch_1")
	f.provider.On("GetBatch", mock.Anything, "batch_1").Return(pendingJob("batch_1"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.clock.OnSleep(func(time.Duration) { cancel() })

	summary, err := f.monitor.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cycles)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, [][]string{{"batch_1"}}, f.trackedJobIDs(t))
}

// ========================================
// ProcessJob Tests
// ========================================

func TestMonitor_ProcessJob_PersistsUntrackedJob(t *testing.T) {
	// Arrange
	f := newMonitorFixture(t, nil)
	f.tracker.loadErr = errors.New("tracker must not be read")
	f.provider.On("GetBatch", mock.Anything, "batch_lost").Return(completedJob("batch_lost", "file-out"), nil).Once()
	f.provider.On("DownloadFile", mock.Anything, "file-out").
		Return([]byte(outputLine(t, "cls-7", monitorContent)+"\n"+`{"custom_id": "cls-8", "error": null}`), nil).Once()

	// Act
	report, err := f.monitor.ProcessJob(context.Background(), "batch_lost")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "batch_lost", report.JobID)
	assert.Equal(t, entity.JobStatusCompleted, report.Status)
	assert.True(t, report.Resolved)
	assert.False(t, report.Failed)
	assert.Equal(t, 1, report.RecordsPersisted)
	assert.Equal(t, 1, report.RecordErrors)
	assert.Contains(t, f.store.rows, int64(7))
	assert.Zero(t, f.tracker.updates)
	f.provider.AssertExpectations(t)
}

func TestMonitor_ProcessJob_TerminalFailureIsRecorded(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.provider.On("GetBatch", mock.Anything, "batch_x").
		Return(&outbound.BatchJob{ID: "batch_x", Status: entity.JobStatusFailed}, nil).Once()

	report, err := f.monitor.ProcessJob(context.Background(), "batch_x")

	require.NoError(t, err)
	assert.True(t, report.Resolved)
	assert.True(t, report.Failed)
	assert.Equal(t, []entity.ErrorKind{entity.ErrorKindJobFailed}, f.sink.Kinds())
	assert.Zero(t, f.tracker.updates)
}

func TestMonitor_ProcessJob_PendingJobIsLeftAlone(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.provider.On("GetBatch", mock.Anything, "batch_wait").Return(pendingJob("batch_wait"), nil).Once()

	report, err := f.monitor.ProcessJob(context.Background(), "batch_wait")

	require.NoError(t, err)
	assert.False(t, report.Resolved)
	assert.Equal(t, entity.JobStatusInProgress, report.Status)
	f.provider.AssertNotCalled(t, "DownloadFile", mock.Anything, mock.Anything)
}

func TestMonitor_ProcessJob_StatusErrorIsReturned(t *testing.T) {
	f := newMonitorFixture(t, nil)
	f.provider.On("GetBatch", mock.Anything, "batch_1").Return(nil, errors.New("404 not found")).Once()

	_, err := f.monitor.ProcessJob(context.Background(), "batch_1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "404 not found")
}

func TestNewMonitor_RequiresCollaborators(t *testing.T) {
	_, err := NewMonitor(MonitorDeps{}, MonitorConfig{})
	require.Error(t, err)
}
