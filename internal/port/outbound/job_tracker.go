package outbound

import (
	"batchclassify/internal/domain/entity"
	"context"

	"github.com/google/uuid"
)

// JobTracker durably records submitted, unresolved job groups.
type JobTracker interface {
	Append(ctx context.Context, group *entity.JobGroup) error
	LoadAll(ctx context.Context) ([]*entity.JobGroup, error)
	// Update replaces the stored handles of group. An empty group is removed.
	// Updating a group that is no longer tracked is a no-op.
	Update(ctx context.Context, group *entity.JobGroup) error
	Remove(ctx context.Context, groupID uuid.UUID) error
}
