// Package openai implements the remote batch-job API against the OpenAI
// Files and Batches endpoints.
package openai

import (
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.openai.com"

// ClientConfig configures Client.
type ClientConfig struct {
	APIKey       string
	BaseURL      string
	Organization string
	// Timeout bounds a single HTTP exchange. Downloads of large result files
	// need more than the default.
	Timeout time.Duration
}

// Client is an outbound.BatchProvider over HTTP. It performs exactly one
// attempt per call; retry policy belongs to the caller.
type Client struct {
	apiKey       string
	baseURL      string
	organization string
	httpClient   *http.Client
}

var _ outbound.BatchProvider = (*Client)(nil)

// NewClient creates a client. An API key is required.
func NewClient(config ClientConfig) (*Client, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:       config.APIKey,
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		organization: config.Organization,
		httpClient:   &http.Client{Timeout: config.Timeout},
	}, nil
}

type fileObject struct {
	ID      string `json:"id"`
	Purpose string `json:"purpose"`
	Bytes   int    `json:"bytes"`
}

type batchObject struct {
	ID               string                 `json:"id"`
	Endpoint         string                 `json:"endpoint"`
	InputFileID      string                 `json:"input_file_id"`
	OutputFileID     *string                `json:"output_file_id"`
	ErrorFileID      *string                `json:"error_file_id"`
	Status           string                 `json:"status"`
	CompletionWindow string                 `json:"completion_window"`
	CreatedAt        int64                  `json:"created_at"`
	CompletedAt      *int64                 `json:"completed_at"`
	RequestCounts    outbound.RequestCounts `json:"request_counts"`
	Metadata         map[string]string      `json:"metadata"`
	Errors           *struct {
		Data []outbound.BatchJobError `json:"data"`
	} `json:"errors"`
}

type batchList struct {
	Data []batchObject `json:"data"`
}

type createBatchBody struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// UploadFile uploads a JSONL artifact with purpose "batch".
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	var file fileObject
	if err := c.do(ctx, http.MethodPost, "/v1/files", &body, w.FormDataContentType(), &file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", errors.New("openai upload returned no file id")
	}

	slogger.Debug(ctx, "Uploaded batch input file", slogger.Fields3(
		"file_id", file.ID,
		"filename", filename,
		"bytes", len(data),
	))
	return file.ID, nil
}

// CreateBatch creates a batch job over an uploaded file.
func (c *Client) CreateBatch(ctx context.Context, req outbound.CreateBatchRequest) (*outbound.BatchJob, error) {
	payload, err := json.Marshal(createBatchBody{
		InputFileID:      req.InputFileID,
		Endpoint:         req.Endpoint,
		CompletionWindow: req.CompletionWindow,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch request: %w", err)
	}

	var batch batchObject
	if err := c.do(ctx, http.MethodPost, "/v1/batches", bytes.NewReader(payload), "application/json", &batch); err != nil {
		return nil, err
	}
	return batch.toJob(), nil
}

// GetBatch returns the current state of a job.
func (c *Client) GetBatch(ctx context.Context, jobID string) (*outbound.BatchJob, error) {
	var batch batchObject
	if err := c.do(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(jobID), nil, "", &batch); err != nil {
		return nil, err
	}
	return batch.toJob(), nil
}

// DownloadFile returns the raw content of a file.
func (c *Client) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var raw []byte
	if err := c.do(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(fileID)+"/content", nil, "", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ListBatches returns the most recent jobs.
func (c *Client) ListBatches(ctx context.Context, limit int) ([]*outbound.BatchJob, error) {
	path := "/v1/batches"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list batchList
	if err := c.do(ctx, http.MethodGet, path, nil, "", &list); err != nil {
		return nil, err
	}
	jobs := make([]*outbound.BatchJob, len(list.Data))
	for i := range list.Data {
		jobs[i] = list.Data[i].toJob()
	}
	return jobs, nil
}

// CancelBatch asks the provider to cancel a job.
func (c *Client) CancelBatch(ctx context.Context, jobID string) (*outbound.BatchJob, error) {
	var batch batchObject
	if err := c.do(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(jobID)+"/cancel", nil, "", &batch); err != nil {
		return nil, err
	}
	return batch.toJob(), nil
}

// do performs one request. When out is a *[]byte the raw body is returned
// instead of being decoded.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.organization != "" {
		req.Header.Set("OpenAI-Organization", c.organization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read openai response for %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newProviderError(resp.StatusCode, raw)
	}

	if rawOut, ok := out.(*[]byte); ok {
		*rawOut = raw
		return nil
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode openai response for %s %s: %w", method, path, err)
	}
	return nil
}

func newProviderError(status int, raw []byte) *outbound.ProviderError {
	pe := &outbound.ProviderError{
		StatusCode: status,
		Message:    strings.TrimSpace(string(raw)),
	}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		pe.Message = body.Error.Message
		pe.Type = body.Error.Type
		if code, ok := body.Error.Code.(string); ok {
			pe.Code = code
		}
	}

	switch {
	case status == http.StatusNotFound:
		pe.Cause = outbound.ErrArtifactNotFound
	case status == http.StatusRequestEntityTooLarge,
		status == http.StatusBadRequest && isTooLargeMessage(pe.Message):
		pe.Cause = outbound.ErrBatchTooLarge
	case status == http.StatusTooManyRequests, status >= 500, status == http.StatusRequestTimeout:
		pe.Retryable = true
	}
	return pe
}

func isTooLargeMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"too large", "exceeds the maximum", "maximum file size", "too many requests in"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (b *batchObject) toJob() *outbound.BatchJob {
	job := &outbound.BatchJob{
		ID:            b.ID,
		Status:        entity.ParseJobStatus(b.Status),
		Endpoint:      b.Endpoint,
		InputFileID:   b.InputFileID,
		RequestCounts: b.RequestCounts,
		Metadata:      b.Metadata,
		CreatedAt:     time.Unix(b.CreatedAt, 0).UTC(),
	}
	if b.OutputFileID != nil {
		job.OutputFileID = *b.OutputFileID
	}
	if b.ErrorFileID != nil {
		job.ErrorFileID = *b.ErrorFileID
	}
	if b.CompletedAt != nil {
		t := time.Unix(*b.CompletedAt, 0).UTC()
		job.CompletedAt = &t
	}
	if b.Errors != nil {
		job.Errors = b.Errors.Data
	}
	return job
}
