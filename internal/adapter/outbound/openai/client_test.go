package openai

import (
	"batchclassify/internal/domain/entity"
	"batchclassify/internal/port/outbound"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	require.Error(t, err)
}

func TestClient_UploadFile(t *testing.T) {
	// Arrange
	var gotPurpose, gotFilename, gotContent, gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/files", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotPurpose = r.FormValue("purpose")
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotFilename = header.Filename
		b, _ := io.ReadAll(file)
		gotContent = string(b)
		_, _ = w.Write([]byte(`{"id": "file-123", "purpose": "batch", "bytes": 8}`))
	})

	// Act
	id, err := client.UploadFile(context.Background(), "cls_1.jsonl", []byte("{\"a\":1}\n"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "file-123", id)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "batch", gotPurpose)
	assert.Equal(t, "cls_1.jsonl", gotFilename)
	assert.Equal(t, "{\"a\":1}\n", gotContent)
}

func TestClient_CreateBatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "file-123", body["input_file_id"])
		assert.Equal(t, "/v1/chat/completions", body["endpoint"])
		assert.Equal(t, "24h", body["completion_window"])
		assert.Equal(t, map[string]any{"description": "classification job: cls"}, body["metadata"])
		_, _ = w.Write([]byte(`{"id": "batch_abc", "status": "validating", "input_file_id": "file-123",
			"output_file_id": null, "created_at": 1711929600,
			"request_counts": {"total": 0, "completed": 0, "failed": 0}}`))
	})

	job, err := client.CreateBatch(context.Background(), outbound.CreateBatchRequest{
		InputFileID:      "file-123",
		Endpoint:         "/v1/chat/completions",
		CompletionWindow: "24h",
		Metadata:         map[string]string{"description": "classification job: cls"},
	})

	require.NoError(t, err)
	assert.Equal(t, "batch_abc", job.ID)
	assert.Equal(t, entity.JobStatusValidating, job.Status)
	assert.Empty(t, job.OutputFileID)
	assert.Equal(t, int64(1711929600), job.CreatedAt.Unix())
}

func TestClient_GetBatch_Completed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batches/batch_abc", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": "batch_abc", "status": "completed",
			"output_file_id": "file-out", "error_file_id": "file-err",
			"created_at": 1711929600, "completed_at": 1711933200,
			"request_counts": {"total": 10, "completed": 9, "failed": 1},
			"errors": {"data": [{"code": "invalid_request", "message": "bad line", "line": 4}]}}`))
	})

	job, err := client.GetBatch(context.Background(), "batch_abc")

	require.NoError(t, err)
	assert.True(t, job.Status.IsCompleted())
	assert.Equal(t, "file-out", job.OutputFileID)
	assert.Equal(t, "file-err", job.ErrorFileID)
	assert.Equal(t, outbound.RequestCounts{Total: 10, Completed: 9, Failed: 1}, job.RequestCounts)
	require.NotNil(t, job.CompletedAt)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, 4, *job.Errors[0].Line)
}

func TestClient_DownloadFile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/files/file-out/content", r.URL.Path)
		_, _ = w.Write([]byte("line1\nline2\n"))
	})

	data, err := client.DownloadFile(context.Background(), "file-out")

	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(data))
}

func TestClient_ListAndCancel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/batches":
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`{"data": [{"id": "batch_1", "status": "failed"}, {"id": "batch_2", "status": "in_progress"}]}`))
		case "/v1/batches/batch_2/cancel":
			assert.Equal(t, http.MethodPost, r.Method)
			_, _ = w.Write([]byte(`{"id": "batch_2", "status": "cancelling"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	jobs, err := client.ListBatches(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].Status.IsTerminalFailure())

	job, err := client.CancelBatch(context.Background(), "batch_2")
	require.NoError(t, err)
	assert.True(t, job.Status.IsPending())
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
		wantIs        error
		wantCode      string
	}{
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			body:          `{"error": {"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"}}`,
			wantRetryable: true,
			wantCode:      "rate_limit_exceeded",
		},
		{
			name:          "server error",
			status:        http.StatusBadGateway,
			body:          `upstream down`,
			wantRetryable: true,
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `{"error": {"message": "No such File object: file-x", "type": "invalid_request_error"}}`,
			wantIs: outbound.ErrArtifactNotFound,
		},
		{
			name:   "payload too large",
			status: http.StatusRequestEntityTooLarge,
			body:   `{"error": {"message": "request entity too large"}}`,
			wantIs: outbound.ErrBatchTooLarge,
		},
		{
			name:   "file exceeds limit",
			status: http.StatusBadRequest,
			body:   `{"error": {"message": "File exceeds the maximum allowed size of 200MB", "type": "invalid_request_error"}}`,
			wantIs: outbound.ErrBatchTooLarge,
		},
		{
			name:     "bad key",
			status:   http.StatusUnauthorized,
			body:     `{"error": {"message": "Incorrect API key", "code": "invalid_api_key"}}`,
			wantCode: "invalid_api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.GetBatch(context.Background(), "batch_1")

			var pe *outbound.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.wantRetryable, pe.IsRetryable())
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, pe.Code)
			}
		})
	}
}
