// Package archive stores raw backup artifacts on the local filesystem and,
// optionally, mirrors them to an S3-compatible object store.
package archive

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const timestampLayout = "20060102T150405"

// FileArtifactStore writes each artifact to <dir>/<prefix>_<timestamp>.<ext>.
type FileArtifactStore struct {
	dir   string
	clock clock.Clock
}

var _ outbound.ArtifactStore = (*FileArtifactStore)(nil)

// NewFileArtifactStore creates the directory if needed.
func NewFileArtifactStore(dir string, clk clock.Clock) (*FileArtifactStore, error) {
	if dir == "" {
		dir = "logs"
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &FileArtifactStore{dir: dir, clock: clk}, nil
}

// Write never overwrites an existing artifact. A name collision within the
// same second gets a random suffix.
func (s *FileArtifactStore) Write(_ context.Context, prefix, extension string, data []byte) (string, error) {
	base := fmt.Sprintf("%s_%s", prefix, s.clock.Now().UTC().Format(timestampLayout))

	path := filepath.Join(s.dir, base+"."+extension)
	err := writeExclusive(path, data)
	if errors.Is(err, fs.ErrExist) {
		path = filepath.Join(s.dir, base+"_"+uuid.NewString()[:8]+"."+extension)
		err = writeExclusive(path, data)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", path, err)
	}
	return path, nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
