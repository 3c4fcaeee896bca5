package worker

import (
	"batchclassify/internal/domain/entity"
	"errors"
	"fmt"
)

// Provider hard limits for a single batch input file.
const (
	DefaultMaxRecordsPerBatch = 50_000
	DefaultMaxBytesPerBatch   = 200 * 1024 * 1024
)

// ErrRecordTooLarge marks a record whose request line alone exceeds the byte limit.
var ErrRecordTooLarge = errors.New("record exceeds maximum batch payload size")

// BatchBuilderConfig holds the per-batch limits.
type BatchBuilderConfig struct {
	MaxRecordsPerBatch int
	MaxBytesPerBatch   int
}

// RejectedRecord is a record that cannot be placed in any batch.
type RejectedRecord struct {
	Record entity.ClassificationRecord
	Reason error
}

// BuildResult partitions the input: every record appears in exactly one
// batch or in Rejected.
type BuildResult struct {
	Batches  []entity.Batch
	Rejected []RejectedRecord
}

// RecordCount returns the number of records placed in batches.
func (r BuildResult) RecordCount() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Len()
	}
	return n
}

// BatchBuilder splits record sets into batches within provider limits.
type BatchBuilder struct {
	encoder RequestEncoder
	config  BatchBuilderConfig
}

// NewBatchBuilder creates a builder. Non-positive limits fall back to the
// provider defaults.
func NewBatchBuilder(encoder RequestEncoder, config BatchBuilderConfig) *BatchBuilder {
	if config.MaxRecordsPerBatch <= 0 {
		config.MaxRecordsPerBatch = DefaultMaxRecordsPerBatch
	}
	if config.MaxBytesPerBatch <= 0 {
		config.MaxBytesPerBatch = DefaultMaxBytesPerBatch
	}
	return &BatchBuilder{encoder: encoder, config: config}
}

// Config returns the effective limits.
func (b *BatchBuilder) Config() BatchBuilderConfig {
	return b.config
}

// WithMaxRecords returns a builder whose count limit is lowered to n. A
// value above the current limit is ignored.
func (b *BatchBuilder) WithMaxRecords(n int) *BatchBuilder {
	cfg := b.config
	if n > 0 && n < cfg.MaxRecordsPerBatch {
		cfg.MaxRecordsPerBatch = n
	}
	return &BatchBuilder{encoder: b.encoder, config: cfg}
}

// Build serializes records and partitions them. Input order is preserved
// across and within batches.
func (b *BatchBuilder) Build(records []entity.ClassificationRecord) BuildResult {
	var result BuildResult

	kept := make([]entity.ClassificationRecord, 0, len(records))
	lines := make([][]byte, 0, len(records))
	for _, record := range records {
		line, err := b.encoder.EncodeLine(record)
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRecord{Record: record, Reason: err})
			continue
		}
		if len(line)+1 > b.config.MaxBytesPerBatch {
			result.Rejected = append(result.Rejected, RejectedRecord{
				Record: record,
				Reason: fmt.Errorf("%w: %d bytes > %d", ErrRecordTooLarge, len(line)+1, b.config.MaxBytesPerBatch),
			})
			continue
		}
		kept = append(kept, record)
		lines = append(lines, line)
	}

	for start := 0; start < len(kept); start += b.config.MaxRecordsPerBatch {
		end := min(start+b.config.MaxRecordsPerBatch, len(kept))
		chunk := entity.Batch{Records: kept[start:end], Lines: lines[start:end]}
		for _, line := range chunk.Lines {
			chunk.EstimatedPayloadBytes += len(line) + 1
		}
		result.Batches = append(result.Batches, b.splitBySize(chunk)...)
	}

	return result
}

// splitBySize halves a batch until every part fits the byte limit. Single
// records always fit because oversized ones were rejected up front.
func (b *BatchBuilder) splitBySize(batch entity.Batch) []entity.Batch {
	if batch.EstimatedPayloadBytes <= b.config.MaxBytesPerBatch || batch.Len() <= 1 {
		return []entity.Batch{batch}
	}
	left, right := batch.Split()
	return append(b.splitBySize(left), b.splitBySize(right)...)
}
