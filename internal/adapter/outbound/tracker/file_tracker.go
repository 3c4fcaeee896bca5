// Package tracker persists in-flight job groups in a JSON file that is
// replaced atomically on every mutation.
package tracker

import (
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPath is where the tracker file lives unless configured otherwise.
const DefaultPath = "batch_jobs.json"

type trackerFile struct {
	JobGroups []groupRecord `json:"job_groups"`
}

type groupRecord struct {
	GroupID   string    `json:"group_id,omitempty"`
	JobIDs    []string  `json:"job_ids"`
	CreatedAt time.Time `json:"created_at"`
	// SubmittedAt holds per-job submission times; older files lack it.
	SubmittedAt map[string]time.Time `json:"submitted_at,omitempty"`
}

// FileTracker is an outbound.JobTracker backed by one JSON document. Every
// mutation re-reads the file so changes made by other processes between
// cycles are not overwritten wholesale.
type FileTracker struct {
	path string
	mu   sync.Mutex
}

var _ outbound.JobTracker = (*FileTracker)(nil)

// NewFileTracker creates a tracker on path. The file need not exist.
func NewFileTracker(path string) *FileTracker {
	if path == "" {
		path = DefaultPath
	}
	return &FileTracker{path: path}
}

// Path returns the tracker file location.
func (t *FileTracker) Path() string {
	return t.path
}

// Append adds a group. Appending a group id that is already tracked replaces it.
func (t *FileTracker) Append(ctx context.Context, group *entity.JobGroup) error {
	if group == nil || group.IsResolved() {
		return entity.ErrEmptyJobGroup
	}
	return t.mutate(ctx, func(groups []*entity.JobGroup) []*entity.JobGroup {
		for i, g := range groups {
			if g.ID() == group.ID() {
				groups[i] = group
				return groups
			}
		}
		return append(groups, group)
	})
}

// LoadAll returns every tracked group. A missing file means nothing is in
// flight. An undecodable file is quarantined and treated as empty.
func (t *FileTracker) LoadAll(ctx context.Context) ([]*entity.JobGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read(ctx)
}

// Update stores the current handles of group, removing it once empty.
func (t *FileTracker) Update(ctx context.Context, group *entity.JobGroup) error {
	return t.mutate(ctx, func(groups []*entity.JobGroup) []*entity.JobGroup {
		for i, g := range groups {
			if g.ID() != group.ID() {
				continue
			}
			if group.IsResolved() {
				return append(groups[:i], groups[i+1:]...)
			}
			groups[i] = group
			return groups
		}
		return groups
	})
}

// Remove deletes a group by id.
func (t *FileTracker) Remove(ctx context.Context, groupID uuid.UUID) error {
	return t.mutate(ctx, func(groups []*entity.JobGroup) []*entity.JobGroup {
		for i, g := range groups {
			if g.ID() == groupID {
				return append(groups[:i], groups[i+1:]...)
			}
		}
		return groups
	})
}

func (t *FileTracker) mutate(ctx context.Context, change func([]*entity.JobGroup) []*entity.JobGroup) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	groups, err := t.read(ctx)
	if err != nil {
		return err
	}
	groups = change(groups)

	if len(groups) == 0 {
		if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove tracker file %s: %w", t.path, err)
		}
		slogger.Debug(ctx, "No job groups left, tracker file removed", slogger.Field("path", t.path))
		return nil
	}
	return t.write(groups)
}

func (t *FileTracker) read(ctx context.Context) ([]*entity.JobGroup, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tracker file %s: %w", t.path, err)
	}

	groups, err := decode(data)
	if err != nil {
		return nil, t.quarantine(ctx, err)
	}
	return groups, nil
}

func decode(data []byte) ([]*entity.JobGroup, error) {
	var doc trackerFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	groups := make([]*entity.JobGroup, 0, len(doc.JobGroups))
	for i, rec := range doc.JobGroups {
		group, err := rec.toEntity()
		if err != nil {
			return nil, fmt.Errorf("job group %d: %w", i, err)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// quarantine moves an undecodable tracker file aside so the next run starts
// empty. Its records stay unclassified in the store and are submitted again.
// The error is non-nil only when the file could not be moved.
func (t *FileTracker) quarantine(ctx context.Context, cause error) error {
	dest := t.path + ".corrupt-" + time.Now().UTC().Format("20060102T150405.000000000")
	if err := os.Rename(t.path, dest); err != nil {
		return fmt.Errorf("failed to quarantine undecodable tracker file %s (%v): %w", t.path, cause, err)
	}
	slogger.Warn(ctx, "Tracker file could not be decoded and was quarantined, starting empty", slogger.Fields3(
		"path", t.path,
		"quarantined_to", dest,
		"error", cause.Error(),
	))
	return nil
}

// write replaces the tracker file via a synced temp file and rename.
func (t *FileTracker) write(groups []*entity.JobGroup) error {
	doc := trackerFile{JobGroups: make([]groupRecord, len(groups))}
	for i, g := range groups {
		doc.JobGroups[i] = fromEntity(g)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode tracker file: %w", err)
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tracker directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp tracker file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp tracker file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp tracker file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp tracker file: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		return fmt.Errorf("failed to replace tracker file %s: %w", t.path, err)
	}
	return nil
}

func fromEntity(g *entity.JobGroup) groupRecord {
	rec := groupRecord{
		GroupID:     g.ID().String(),
		JobIDs:      g.JobIDs(),
		CreatedAt:   g.CreatedAt().UTC(),
		SubmittedAt: make(map[string]time.Time, g.Len()),
	}
	for _, h := range g.Handles() {
		rec.SubmittedAt[h.JobID()] = h.SubmittedAt().UTC()
	}
	return rec
}

func (r groupRecord) toEntity() (*entity.JobGroup, error) {
	handles := make([]entity.JobHandle, 0, len(r.JobIDs))
	for _, id := range r.JobIDs {
		submitted, ok := r.SubmittedAt[id]
		if !ok {
			submitted = r.CreatedAt
		}
		h, err := entity.NewJobHandle(id, submitted)
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}

	id := uuid.Nil
	if r.GroupID != "" {
		parsed, err := uuid.Parse(r.GroupID)
		if err != nil {
			return nil, fmt.Errorf("invalid group_id %q: %w", r.GroupID, err)
		}
		id = parsed
	}
	return entity.RestoreJobGroup(id, handles, r.CreatedAt)
}
