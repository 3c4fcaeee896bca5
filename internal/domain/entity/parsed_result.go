package entity

// ResultStatus tags a parsed record.
type ResultStatus string

const (
	ResultStatusValid   ResultStatus = "valid"
	ResultStatusInvalid ResultStatus = "invalid"
)

// ParsedResult is one record's normalized classification output.
type ParsedResult struct {
	RecordID int64          `json:"record_id"`
	Fields   map[string]any `json:"fields"`
	Status   ResultStatus   `json:"status"`
}

// IsValid reports whether the result may be persisted.
func (r ParsedResult) IsValid() bool {
	return r.Status == ResultStatusValid
}
