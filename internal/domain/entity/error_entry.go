package entity

import "time"

// ErrorKind classifies a diagnostic entry.
type ErrorKind string

const (
	ErrorKindSubmission  ErrorKind = "submission-failed"
	ErrorKindRejected    ErrorKind = "record-rejected"
	ErrorKindJobFailed   ErrorKind = "job-failed"
	ErrorKindFetch       ErrorKind = "fetch-failed"
	ErrorKindParse       ErrorKind = "parse-error"
	ErrorKindSchema      ErrorKind = "schema-invalid"
	ErrorKindProvider    ErrorKind = "provider-error"
	ErrorKindValidation  ErrorKind = "validation-failed"
	ErrorKindPersistence ErrorKind = "persistence-failed"
	ErrorKindStatusCheck ErrorKind = "status-check-failed"
)

// ErrorEntry is an append-only diagnostic record. The pipeline writes these but
// never reads them back.
type ErrorEntry struct {
	RecordID   *int64         `json:"record_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Kind       ErrorKind      `json:"error_kind"`
	Message    string         `json:"message"`
	RawPayload string         `json:"raw_payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Context    map[string]any `json:"context,omitempty"`
}

// NewRecordError builds an entry tied to a single record.
func NewRecordError(recordID int64, jobID string, kind ErrorKind, message, raw string, at time.Time) ErrorEntry {
	id := recordID
	return ErrorEntry{
		RecordID:   &id,
		JobID:      jobID,
		Kind:       kind,
		Message:    message,
		RawPayload: raw,
		Timestamp:  at.UTC(),
	}
}

// NewJobError builds an entry tied to a remote job.
func NewJobError(jobID string, kind ErrorKind, message string, at time.Time) ErrorEntry {
	return ErrorEntry{
		JobID:     jobID,
		Kind:      kind,
		Message:   message,
		Timestamp: at.UTC(),
	}
}

// WithContext returns a copy of the entry with an extra context value.
func (e ErrorEntry) WithContext(key string, value any) ErrorEntry {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	e.Context = ctx
	return e
}
