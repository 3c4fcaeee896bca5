package entity

import "time"

// RecordStatus is the classification lifecycle of a source record.
type RecordStatus string

// Record statuses. The store only ever sets classified, so status never
// moves backwards.
const (
	RecordStatusUnclassified RecordStatus = "unclassified"
	RecordStatusSubmitted    RecordStatus = "submitted"
	RecordStatusClassified   RecordStatus = "classified"
)

// ClassificationRecord is a text record owned by the record source.
type ClassificationRecord struct {
	ID     int64
	Text   string
	Source string
	Date   time.Time
	Status RecordStatus
}

// NeedsClassification reports whether the record must be (re)submitted. It is
// derived from the record alone so a lost job tracker never hides work.
func (r ClassificationRecord) NeedsClassification() bool {
	return r.Status != RecordStatusClassified
}
