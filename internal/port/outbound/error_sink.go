package outbound

import (
	"batchclassify/internal/domain/entity"
	"context"
)

// ErrorSink persists diagnostic entries for offline triage.
type ErrorSink interface {
	Record(ctx context.Context, entries ...entity.ErrorEntry) error
}

// ArtifactStore writes raw backups (result payloads, unsaved results, provider
// error files). Artifacts are write-once and never read back by the pipeline.
type ArtifactStore interface {
	// Write stores data under a timestamped name derived from prefix and
	// extension and returns where it was written.
	Write(ctx context.Context, prefix, extension string, data []byte) (string, error)
}
