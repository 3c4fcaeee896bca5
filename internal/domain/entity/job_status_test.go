package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseJobStatus(t *testing.T) {
	tests := []struct {
		raw      string
		want     JobStatus
		pending  bool
		terminal bool
	}{
		{"validating", JobStatusValidating, true, false},
		{"in_progress", JobStatusInProgress, true, false},
		{"finalizing", JobStatusFinalizing, true, false},
		{"completed", JobStatusCompleted, false, false},
		{"failed", JobStatusFailed, false, true},
		{"expired", JobStatusExpired, false, true},
		{"cancelled", JobStatusCancelled, false, true},
		{" COMPLETED ", JobStatusCompleted, false, false},
		{"cancelling", JobStatusInProgress, true, false},
		{"", JobStatusInProgress, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ParseJobStatus(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.pending, got.IsPending())
			assert.Equal(t, tt.terminal, got.IsTerminalFailure())
		})
	}
}

func TestClassificationRecord_NeedsClassification(t *testing.T) {
	assert.True(t, ClassificationRecord{Status: RecordStatusUnclassified}.NeedsClassification())
	assert.True(t, ClassificationRecord{Status: RecordStatusSubmitted}.NeedsClassification())
	assert.False(t, ClassificationRecord{Status: RecordStatusClassified}.NeedsClassification())
}
