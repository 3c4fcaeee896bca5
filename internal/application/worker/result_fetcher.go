package worker

import (
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
)

// ErrOutputMissing means a job reported completion but has no retrievable
// output. The job is treated as terminally failed.
var ErrOutputMissing = errors.New("completed job has no output artifact")

// FetchedResult is a downloaded output artifact together with its local backup.
type FetchedResult struct {
	Payload        []byte
	BackupLocation string
}

// ResultFetcher downloads job artifacts and backs them up before any parsing.
type ResultFetcher struct {
	provider  outbound.BatchProvider
	artifacts outbound.ArtifactStore
}

// NewResultFetcher creates a fetcher.
func NewResultFetcher(provider outbound.BatchProvider, artifacts outbound.ArtifactStore) *ResultFetcher {
	return &ResultFetcher{provider: provider, artifacts: artifacts}
}

// Fetch downloads the output of a completed job. The payload is only returned
// once the raw backup has been written. A missing artifact yields
// ErrOutputMissing; any other error is transient.
func (f *ResultFetcher) Fetch(ctx context.Context, job *outbound.BatchJob) (*FetchedResult, error) {
	if job.OutputFileID == "" {
		return nil, fmt.Errorf("%w: job %s", ErrOutputMissing, job.ID)
	}

	payload, err := f.provider.DownloadFile(ctx, job.OutputFileID)
	if err != nil {
		if errors.Is(err, outbound.ErrArtifactNotFound) {
			return nil, fmt.Errorf("%w: job %s: %w", ErrOutputMissing, job.ID, err)
		}
		return nil, fmt.Errorf("failed to download output of job %s: %w", job.ID, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: job %s output is empty", ErrOutputMissing, job.ID)
	}

	location, err := f.artifacts.Write(ctx, "batch_output_"+job.ID, "jsonl", payload)
	if err != nil {
		return nil, fmt.Errorf("failed to back up output of job %s: %w", job.ID, err)
	}

	slogger.Info(ctx, "Fetched batch output", slogger.Fields{
		"job_id": job.ID,
		"bytes":  len(payload),
		"backup": location,
	})

	return &FetchedResult{Payload: payload, BackupLocation: location}, nil
}

// FetchErrorFile archives the provider's per-request error file of a job, if
// it has one. It returns the archive location or "" when there is nothing to keep.
func (f *ResultFetcher) FetchErrorFile(ctx context.Context, job *outbound.BatchJob) (string, error) {
	if job.ErrorFileID == "" {
		return "", nil
	}

	payload, err := f.provider.DownloadFile(ctx, job.ErrorFileID)
	if err != nil {
		return "", fmt.Errorf("failed to download error file of job %s: %w", job.ID, err)
	}
	if len(payload) == 0 {
		return "", nil
	}

	location, err := f.artifacts.Write(ctx, "batch_api_errors_"+job.ID, "jsonl", payload)
	if err != nil {
		return "", fmt.Errorf("failed to archive error file of job %s: %w", job.ID, err)
	}
	return location, nil
}
