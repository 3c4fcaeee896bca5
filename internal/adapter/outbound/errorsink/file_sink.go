// Package errorsink writes diagnostic error entries as timestamped JSON files.
package errorsink

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const timestampLayout = "20060102T150405"

// FileErrorSink writes one file per Record call and error kind. Files are
// created exclusively and never rewritten.
type FileErrorSink struct {
	dir   string
	clock clock.Clock
}

var _ outbound.ErrorSink = (*FileErrorSink)(nil)

// NewFileErrorSink creates a sink writing under dir.
func NewFileErrorSink(dir string, clk clock.Clock) (*FileErrorSink, error) {
	if dir == "" {
		dir = "logs"
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create error log directory %s: %w", dir, err)
	}
	return &FileErrorSink{dir: dir, clock: clk}, nil
}

// Record writes entries grouped by kind. Every group is attempted even if
// an earlier one fails.
func (s *FileErrorSink) Record(_ context.Context, entries ...entity.ErrorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	byKind := make(map[entity.ErrorKind][]entity.ErrorEntry)
	for _, e := range entries {
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	var errs []error
	for _, kind := range kinds {
		if err := s.writeKind(kind, byKind[entity.ErrorKind(kind)]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FileErrorSink) writeKind(kind string, entries []entity.ErrorEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s entries: %w", kind, err)
	}

	name := fmt.Sprintf("%s_%s_%s.json",
		strings.ReplaceAll(kind, "-", "_"),
		s.clock.Now().UTC().Format(timestampLayout),
		uuid.NewString()[:8],
	)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create error log %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write error log %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close error log %s: %w", path, err)
	}
	return nil
}
