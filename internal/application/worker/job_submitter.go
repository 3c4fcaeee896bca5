package worker

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/application/common/retry"
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider request defaults.
const (
	DefaultEndpoint         = "/v1/chat/completions"
	DefaultCompletionWindow = "24h"
)

// JobSubmitterConfig holds submission settings.
type JobSubmitterConfig struct {
	Endpoint         string
	CompletionWindow string
	TaskLabel        string
	Retry            *retry.RetryConfig
	// RequestTimeout bounds each individual provider call.
	RequestTimeout time.Duration
}

// JobSubmitter uploads batches and creates remote jobs for them.
type JobSubmitter struct {
	provider  outbound.BatchProvider
	errorSink outbound.ErrorSink
	clock     clock.Clock
	config    JobSubmitterConfig
	retrier   *retry.RetryExecutor
}

// NewJobSubmitter creates a submitter. A nil clock means the real clock.
func NewJobSubmitter(
	provider outbound.BatchProvider,
	errorSink outbound.ErrorSink,
	clk clock.Clock,
	config JobSubmitterConfig,
) *JobSubmitter {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.CompletionWindow == "" {
		config.CompletionWindow = DefaultCompletionWindow
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &JobSubmitter{
		provider:  provider,
		errorSink: errorSink,
		clock:     clk,
		config:    config,
		retrier: retry.NewRetryExecutorWithChecker(config.Retry, retry.CheckerFunc(isRetryableSubmitError)).
			WithClock(clk),
	}
}

// Submit uploads the batch and creates a job over it. Transient failures are
// retried with backoff. When retries run out every record of the batch is
// reported to the error sink. ErrBatchTooLarge is returned untouched and
// unreported so the caller can split and resubmit.
func (s *JobSubmitter) Submit(ctx context.Context, batch entity.Batch) (entity.JobHandle, error) {
	if batch.Len() == 0 {
		return entity.JobHandle{}, errors.New("cannot submit an empty batch")
	}

	start := s.clock.Now()
	filename := fmt.Sprintf("%s_%d.jsonl", s.labelOrDefault(), start.UnixNano())
	payload := batch.Payload()

	var fileID string
	err := s.retrier.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
		id, err := s.provider.UploadFile(callCtx, filename, payload)
		if err != nil {
			return fmt.Errorf("failed to upload batch file: %w", err)
		}
		fileID = id
		return nil
	})
	if err != nil {
		return entity.JobHandle{}, s.fail(ctx, batch, err)
	}

	var job *outbound.BatchJob
	err = s.retrier.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
		created, err := s.provider.CreateBatch(callCtx, outbound.CreateBatchRequest{
			InputFileID:      fileID,
			Endpoint:         s.config.Endpoint,
			CompletionWindow: s.config.CompletionWindow,
			Metadata:         map[string]string{"description": "classification job: " + s.labelOrDefault()},
		})
		if err != nil {
			return fmt.Errorf("failed to create batch job: %w", err)
		}
		job = created
		return nil
	})
	if err != nil {
		return entity.JobHandle{}, s.fail(ctx, batch, err)
	}

	handle, err := entity.NewJobHandle(job.ID, s.clock.Now())
	if err != nil {
		return entity.JobHandle{}, s.fail(ctx, batch, fmt.Errorf("provider returned an invalid job: %w", err))
	}

	slogger.Info(ctx, "Submitted batch job", slogger.Fields{
		"job_id":        job.ID,
		"input_file_id": fileID,
		"records":       batch.Len(),
		"payload_bytes": batch.EstimatedPayloadBytes,
		"status":        job.Status.String(),
	})
	return handle, nil
}

func (s *JobSubmitter) fail(ctx context.Context, batch entity.Batch, err error) error {
	if errors.Is(err, outbound.ErrBatchTooLarge) {
		slogger.Warn(ctx, "Provider rejected batch as too large", slogger.Fields{
			"records":       batch.Len(),
			"payload_bytes": batch.EstimatedPayloadBytes,
		})
		return err
	}

	slogger.ErrorWithError(ctx, err, "Batch submission failed", slogger.Fields{
		"records": batch.Len(),
	})

	now := s.clock.Now()
	entries := make([]entity.ErrorEntry, 0, batch.Len())
	for i, record := range batch.Records {
		var raw string
		if i < len(batch.Lines) {
			raw = string(batch.Lines[i])
		}
		entries = append(entries, entity.NewRecordError(record.ID, "", entity.ErrorKindSubmission, err.Error(), raw, now))
	}
	if sinkErr := s.errorSink.Record(ctx, entries...); sinkErr != nil {
		slogger.ErrorWithError(ctx, sinkErr, "Failed to record submission failure", nil)
	}
	return err
}

func (s *JobSubmitter) labelOrDefault() string {
	if s.config.TaskLabel == "" {
		return "classification"
	}
	return s.config.TaskLabel
}

// isRetryableSubmitError decides whether an upload or create call is worth repeating.
func isRetryableSubmitError(err error) bool {
	if err == nil || errors.Is(err, outbound.ErrBatchTooLarge) {
		return false
	}

	var providerErr *outbound.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.IsRetryable() || providerErr.IsQuotaError()
	}

	if isRateLimitError(err) {
		return true
	}
	return (&retry.DefaultRetryableChecker{}).IsRetryable(err)
}

// isRateLimitError checks if an error indicates rate limiting.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	for _, indicator := range []string{"quota", "rate limit", "429", "resource exhausted"} {
		if strings.Contains(errMsg, indicator) {
			return true
		}
	}
	return false
}
