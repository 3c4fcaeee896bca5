package tracker

import (
	"batchclassify/internal/domain/entity"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2024, 4, 2, 10, 30, 0, 0, time.UTC)

func newGroup(t *testing.T, ids ...string) *entity.JobGroup {
	t.Helper()
	handles := make([]entity.JobHandle, len(ids))
	for i, id := range ids {
		h, err := entity.NewJobHandle(id, created.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		handles[i] = h
	}
	g, err := entity.NewJobGroup(handles, created)
	require.NoError(t, err)
	return g
}

func TestFileTracker_MissingFileMeansNothingInFlight(t *testing.T) {
	tracker := NewFileTracker(filepath.Join(t.TempDir(), "jobs.json"))

	groups, err := tracker.LoadAll(context.Background())

	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestFileTracker_AppendAndReload(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "state", "jobs.json")
	first := NewFileTracker(path)
	group := newGroup(t, "batch_1", "batch_2")

	// Act
	require.NoError(t, first.Append(context.Background(), group))
	groups, err := NewFileTracker(path).LoadAll(context.Background())

	// Assert
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, group.ID(), groups[0].ID())
	assert.Equal(t, []string{"batch_1", "batch_2"}, groups[0].JobIDs())
	assert.Equal(t, created, groups[0].CreatedAt())
	assert.Equal(t, created.Add(time.Minute), groups[0].Handles()[1].SubmittedAt())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestFileTracker_UpdateShrinksThenRemovesGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	tracker := NewFileTracker(path)
	group := newGroup(t, "batch_done", "batch_wait")
	other := newGroup(t, "batch_x")
	require.NoError(t, tracker.Append(context.Background(), group))
	require.NoError(t, tracker.Append(context.Background(), other))

	require.NoError(t, tracker.Update(context.Background(), group.Without(map[string]bool{"batch_done": true})))
	groups, err := tracker.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"batch_wait"}, groups[0].JobIDs())

	require.NoError(t, tracker.Update(context.Background(), group.Without(map[string]bool{"batch_done": true, "batch_wait": true})))
	require.NoError(t, tracker.Remove(context.Background(), other.ID()))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "the file is removed once nothing is tracked")
}

func TestFileTracker_UpdateUntrackedGroupIsNoop(t *testing.T) {
	tracker := NewFileTracker(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, tracker.Append(context.Background(), newGroup(t, "batch_1")))

	require.NoError(t, tracker.Update(context.Background(), newGroup(t, "batch_9")))

	groups, err := tracker.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"batch_1"}, groups[0].JobIDs())
}

func TestFileTracker_ReadsFilesWithoutGroupIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	legacy := `{"job_groups": [{"job_ids": ["batch_a", "batch_b"], "created_at": "2024-04-02T10:30:00Z"}]}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))
	tracker := NewFileTracker(path)

	groups, err := tracker.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	want := entity.DeriveGroupID(created, []string{"batch_b", "batch_a"})
	assert.Equal(t, want, groups[0].ID())

	again, err := tracker.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, groups[0].ID(), again[0].ID(), "derived ids are stable")

	require.NoError(t, tracker.Update(context.Background(), groups[0].Without(map[string]bool{"batch_a": true})))
	after, err := tracker.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, after[0].ID())
	assert.Equal(t, []string{"batch_b"}, after[0].JobIDs())
}

func TestFileTracker_CorruptFileIsQuarantined(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "truncated json", content: `{"job_groups": [`},
		{name: "not json", content: `{not json`},
		{name: "invalid group id", content: `{"job_groups": [{"group_id": "nope", "job_ids": ["batch_a"]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			dir := t.TempDir()
			path := filepath.Join(dir, "jobs.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			tracker := NewFileTracker(path)

			// Act
			groups, err := tracker.LoadAll(context.Background())

			// Assert
			require.NoError(t, err)
			assert.Empty(t, groups)

			moved, err := filepath.Glob(path + ".corrupt-*")
			require.NoError(t, err)
			require.Len(t, moved, 1)
			kept, err := os.ReadFile(moved[0])
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(kept), "the undecodable file is kept for recovery")

			require.NoError(t, tracker.Append(context.Background(), newGroup(t, "batch_new")))
			groups, err = tracker.LoadAll(context.Background())
			require.NoError(t, err)
			require.Len(t, groups, 1)
			assert.Equal(t, []string{"batch_new"}, groups[0].JobIDs())
		})
	}
}

func TestFileTracker_UnreadableFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	require.NoError(t, os.Mkdir(path, 0o755))

	_, err := NewFileTracker(path).LoadAll(context.Background())

	require.Error(t, err)
}

func TestFileTracker_RejectsEmptyGroup(t *testing.T) {
	tracker := NewFileTracker(filepath.Join(t.TempDir(), "jobs.json"))
	g, err := entity.RestoreJobGroup(uuid.New(), nil, created)
	require.NoError(t, err)

	assert.ErrorIs(t, tracker.Append(context.Background(), g), entity.ErrEmptyJobGroup)
}

func TestFileTracker_ConcurrentMutations(t *testing.T) {
	tracker := NewFileTracker(filepath.Join(t.TempDir(), "jobs.json"))
	groups := make([]*entity.JobGroup, 20)
	for i := range groups {
		groups[i] = newGroup(t, uuid.NewString())
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tracker.Append(context.Background(), g))
		}()
	}
	wg.Wait()

	loaded, err := tracker.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, loaded, 20)
}
