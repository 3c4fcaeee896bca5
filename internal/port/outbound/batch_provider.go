package outbound

import (
	"batchclassify/internal/domain/entity"
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by BatchProvider implementations.
var (
	// ErrBatchTooLarge means the provider refused the artifact for exceeding its
	// size or request-count limits. Retrying the same payload never helps.
	ErrBatchTooLarge = errors.New("batch exceeds provider limits")
	// ErrArtifactNotFound means a referenced file does not exist remotely.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// BatchProvider is the remote asynchronous batch-job API.
type BatchProvider interface {
	// UploadFile stores a JSONL artifact for batch use and returns its id.
	UploadFile(ctx context.Context, filename string, data []byte) (string, error)
	// CreateBatch requests job creation over an uploaded artifact.
	CreateBatch(ctx context.Context, req CreateBatchRequest) (*BatchJob, error)
	// GetBatch returns the current state of a job.
	GetBatch(ctx context.Context, jobID string) (*BatchJob, error)
	// DownloadFile returns an artifact's content.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	// ListBatches returns the most recent jobs, newest first.
	ListBatches(ctx context.Context, limit int) ([]*BatchJob, error)
	// CancelBatch asks the provider to stop a job.
	CancelBatch(ctx context.Context, jobID string) (*BatchJob, error)
}

// CreateBatchRequest describes a job to create.
type CreateBatchRequest struct {
	InputFileID      string
	Endpoint         string
	CompletionWindow string
	Metadata         map[string]string
}

// RequestCounts reports per-request progress inside a job.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchJob is the provider's view of a job.
type BatchJob struct {
	ID            string
	Status        entity.JobStatus
	Endpoint      string
	InputFileID   string
	OutputFileID  string
	ErrorFileID   string
	RequestCounts RequestCounts
	Metadata      map[string]string
	Errors        []BatchJobError
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// BatchJobError is a job-level error reported by the provider.
type BatchJobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    *int   `json:"line,omitempty"`
}

// ProviderError is returned for non-success responses from the provider.
type ProviderError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	Cause      error  `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := "batch provider error (" + e.Type + "/" + e.Code + "): " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is retryable.
func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

// IsQuotaError returns whether the error is a quota/rate limit error.
func (e *ProviderError) IsQuotaError() bool {
	return e.StatusCode == 429 || e.Code == "rate_limit_exceeded" || e.Code == "insufficient_quota"
}

// IsAuthenticationError returns whether the credentials were rejected.
func (e *ProviderError) IsAuthenticationError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403 || e.Code == "invalid_api_key"
}
