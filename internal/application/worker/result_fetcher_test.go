package worker

import (
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestResultFetcher_Fetch_BacksUpBeforeReturning(t *testing.T) {
	// Arrange
	provider := new(MockBatchProvider)
	artifacts := newMemoryArtifacts()
	fetcher := NewResultFetcher(provider, artifacts)
	payload := []byte(`{"custom_id":"cls-1"}` + "\n")
	provider.On("DownloadFile", mock.Anything, "file-out").Return(payload, nil).Once()

	// Act
	fetched, err := fetcher.Fetch(context.Background(), &outbound.BatchJob{ID: "batch_9", OutputFileID: "file-out"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, payload, fetched.Payload)
	assert.Equal(t, "mem://batch_output_batch_9.jsonl", fetched.BackupLocation)
	backup, ok := artifacts.Get("batch_output_batch_9.jsonl")
	require.True(t, ok)
	assert.Equal(t, payload, backup)
	provider.AssertExpectations(t)
}

func TestResultFetcher_Fetch_MissingOutput(t *testing.T) {
	tests := []struct {
		name  string
		job   *outbound.BatchJob
		setup func(p *MockBatchProvider)
	}{
		{
			name: "no output file id",
			job:  &outbound.BatchJob{ID: "batch_1"},
		},
		{
			name: "artifact not found",
			job:  &outbound.BatchJob{ID: "batch_2", OutputFileID: "file-gone"},
			setup: func(p *MockBatchProvider) {
				p.On("DownloadFile", mock.Anything, "file-gone").
					Return(nil, fmt.Errorf("download: %w", outbound.ErrArtifactNotFound))
			},
		},
		{
			name: "empty artifact",
			job:  &outbound.BatchJob{ID: "batch_3", OutputFileID: "file-empty"},
			setup: func(p *MockBatchProvider) {
				p.On("DownloadFile", mock.Anything, "file-empty").Return([]byte{}, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := new(MockBatchProvider)
			if tt.setup != nil {
				tt.setup(provider)
			}
			artifacts := newMemoryArtifacts()

			_, err := NewResultFetcher(provider, artifacts).Fetch(context.Background(), tt.job)

			require.ErrorIs(t, err, ErrOutputMissing)
			assert.Empty(t, artifacts.order)
		})
	}
}

func TestResultFetcher_Fetch_TransientDownloadError(t *testing.T) {
	provider := new(MockBatchProvider)
	provider.On("DownloadFile", mock.Anything, "file-out").Return(nil, errors.New("connection reset by peer"))

	_, err := NewResultFetcher(provider, newMemoryArtifacts()).
		Fetch(context.Background(), &outbound.BatchJob{ID: "batch_1", OutputFileID: "file-out"})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOutputMissing)
}

func TestResultFetcher_Fetch_BackupFailureWithholdsPayload(t *testing.T) {
	provider := new(MockBatchProvider)
	provider.On("DownloadFile", mock.Anything, "file-out").Return([]byte("x\n"), nil)
	artifacts := newMemoryArtifacts()
	artifacts.err = errors.New("disk full")

	fetched, err := NewResultFetcher(provider, artifacts).
		Fetch(context.Background(), &outbound.BatchJob{ID: "batch_1", OutputFileID: "file-out"})

	require.Error(t, err)
	assert.Nil(t, fetched)
	assert.NotErrorIs(t, err, ErrOutputMissing)
}

func TestResultFetcher_FetchErrorFile(t *testing.T) {
	provider := new(MockBatchProvider)
	artifacts := newMemoryArtifacts()
	fetcher := NewResultFetcher(provider, artifacts)
	provider.On("DownloadFile", mock.Anything, "file-err").Return([]byte(`{"error":"x"}`), nil).Once()

	location, err := fetcher.FetchErrorFile(context.Background(), &outbound.BatchJob{ID: "batch_5", ErrorFileID: "file-err"})
	require.NoError(t, err)
	assert.Equal(t, "mem://batch_api_errors_batch_5.jsonl", location)

	location, err = fetcher.FetchErrorFile(context.Background(), &outbound.BatchJob{ID: "batch_6"})
	require.NoError(t, err)
	assert.Empty(t, location)
	provider.AssertExpectations(t)
}
