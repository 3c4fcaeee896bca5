package outbound

import (
	"batchclassify/internal/domain/entity"
	"context"
	"time"
)

// RecordFilter narrows which unclassified records are returned. Zero values
// mean "no restriction". To is inclusive.
type RecordFilter struct {
	From    *time.Time
	To      *time.Time
	Sources []string
}

// RecordSource is the queryable store of records awaiting classification.
type RecordSource interface {
	FetchUnclassified(ctx context.Context, filter RecordFilter, limit, offset int) ([]entity.ClassificationRecord, error)
	CountUnclassified(ctx context.Context, filter RecordFilter) (int, error)
}

// WriteReport summarizes one classification write.
type WriteReport struct {
	Written int
	// Missing lists record ids that matched no stored row. Records are owned
	// by the RecordSource, so these are never created.
	Missing []int64
}

// ClassificationStore is the single write path for classification fields.
type ClassificationStore interface {
	// UpsertClassifications updates the classification fields of existing
	// records keyed by record id and marks them classified. Writing the same
	// results twice leaves the same stored state.
	UpsertClassifications(ctx context.Context, results []entity.ParsedResult) (WriteReport, error)
}
