package parser

import (
	"batchclassify/internal/application/common/clock"
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/domain/entity"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema is the shape every result line must have, regardless of outcome.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["custom_id"],
  "properties": {
    "custom_id": {"type": "string", "minLength": 1},
    "response": {
      "type": ["object", "null"],
      "properties": {
        "status_code": {"type": "integer"},
        "body": {"type": ["object", "null"]}
      }
    }
  }
}`

// completionSchema is the shape of a successful chat completion body.
const completionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["choices"],
  "properties": {
    "choices": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["message"],
        "properties": {
          "message": {
            "type": "object",
            "required": ["content"],
            "properties": {"content": {"type": "string"}}
          }
        }
      }
    }
  }
}`

const maxLineBytes = 16 * 1024 * 1024

// rawPrefixBytes is how much of an over-long line is kept in its error entry.
const rawPrefixBytes = 1024

// ParseOutcome partitions one artifact's lines. Every non-blank input line
// contributes exactly one entry to Results or Errors.
type ParseOutcome struct {
	Results []entity.ParsedResult
	Errors  []entity.ErrorEntry
	Lines   int
}

// ResultParser decodes batch result artifacts.
type ResultParser struct {
	schema     *ClassificationSchema
	envelope   *jsonschema.Schema
	completion *jsonschema.Schema
	normalize  []Normalizer
	clock      clock.Clock
	maxLine    int
}

// NewResultParser compiles the response validators for a classification schema.
func NewResultParser(schema *ClassificationSchema, clk clock.Clock) (*ResultParser, error) {
	if schema == nil {
		schema = DefaultSchema()
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}

	envelope, err := compileSchema("envelope.json", envelopeSchema)
	if err != nil {
		return nil, err
	}
	completion, err := compileSchema("completion.json", completionSchema)
	if err != nil {
		return nil, err
	}

	normalize := make([]Normalizer, len(schema.Fields))
	for i, f := range schema.Fields {
		normalize[i] = normalizers[f.Normalizer]
	}

	return &ResultParser{
		schema:     schema,
		envelope:   envelope,
		completion: completion,
		normalize:  normalize,
		clock:      clk,
		maxLine:    maxLineBytes,
	}, nil
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("failed to add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return schema, nil
}

// Schema returns the classification schema the parser normalizes against.
func (p *ResultParser) Schema() *ClassificationSchema {
	return p.schema
}

// Parse decodes every line of a result artifact. It never fails as a whole:
// problems are reported per line in the outcome.
func (p *ResultParser) Parse(ctx context.Context, jobID string, payload []byte) ParseOutcome {
	var outcome ParseOutcome

	reader := bufio.NewReader(bytes.NewReader(payload))
	lineNum := 0
	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) > 0 {
			lineNum++
			p.parseInto(&outcome, jobID, lineNum, raw)
		}
		// The reader wraps an in-memory payload, so the only error is io.EOF.
		if readErr != nil {
			break
		}
	}

	slogger.Debug(ctx, "Parsed batch results", slogger.Fields{
		"job_id":  jobID,
		"lines":   outcome.Lines,
		"valid":   len(outcome.Results),
		"invalid": len(outcome.Errors),
	})

	return outcome
}

func (p *ResultParser) parseInto(outcome *ParseOutcome, jobID string, lineNum int, raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	outcome.Lines++

	if len(line) > p.maxLine {
		entry := p.jobEntry(jobID, entity.ErrorKindParse,
			fmt.Sprintf("result line exceeds %d bytes", p.maxLine), string(line[:min(len(line), rawPrefixBytes)]))
		outcome.Errors = append(outcome.Errors, entry.WithContext("line", lineNum).WithContext("bytes", len(line)))
		return
	}

	result, entry := p.parseLine(jobID, line)
	if entry != nil {
		outcome.Errors = append(outcome.Errors, entry.WithContext("line", lineNum))
		return
	}
	outcome.Results = append(outcome.Results, *result)
}

// parseLine returns exactly one of a valid result or an error entry.
func (p *ResultParser) parseLine(jobID string, line []byte) (*entity.ParsedResult, *entity.ErrorEntry) {
	raw := string(line)

	var doc any
	if err := json.Unmarshal(line, &doc); err != nil {
		return nil, p.jobEntry(jobID, entity.ErrorKindParse, "invalid JSON line: "+err.Error(), raw)
	}
	obj, _ := doc.(map[string]any)

	customID, _ := obj["custom_id"].(string)
	recordID, idErr := DecodeCustomID(customID)

	if err := p.envelope.Validate(doc); err != nil {
		return nil, p.lineEntry(recordID, idErr, jobID, entity.ErrorKindSchema, "result envelope invalid: "+err.Error(), raw)
	}
	if idErr != nil {
		return nil, p.jobEntry(jobID, entity.ErrorKindSchema, idErr.Error(), raw)
	}

	if providerErr, ok := obj["error"]; ok && providerErr != nil {
		return nil, p.recordEntry(recordID, jobID, entity.ErrorKindProvider, "provider error: "+describeError(providerErr), raw)
	}

	response, _ := obj["response"].(map[string]any)
	if response == nil {
		return nil, p.recordEntry(recordID, jobID, entity.ErrorKindSchema, "missing response", raw)
	}
	if code, ok := response["status_code"].(float64); ok && code != 200 {
		return nil, p.recordEntry(recordID, jobID, entity.ErrorKindProvider,
			fmt.Sprintf("response status %d", int(code)), raw)
	}
	body, _ := response["body"].(map[string]any)
	if body == nil {
		return nil, p.recordEntry(recordID, jobID, entity.ErrorKindSchema, "missing response body", raw)
	}
	if bodyErr, ok := body["error"]; ok && bodyErr != nil {
		return nil, p.recordEntry(recordID, jobID, entity.ErrorKindProvider, "response error: "+describeError(bodyErr), raw)
	}
	if err := p.completion.Validate(body); err != nil {
		return nil, p.recordEntry(recordID, jobID, entity.ErrorKindSchema, "unexpected response body: "+err.Error(), raw)
	}

	content := body["choices"].([]any)[0].(map[string]any)["message"].(map[string]any)["content"].(string)
	return p.parseContent(recordID, jobID, content, raw)
}

func (p *ResultParser) parseContent(recordID int64, jobID, content, raw string) (*entity.ParsedResult, *entity.ErrorEntry) {
	if strings.Contains(strings.ToLower(content), emptyTextMarker) {
		entry := p.recordEntry(recordID, jobID, entity.ErrorKindValidation, "model reported empty statement text", raw)
		return nil, withContent(entry, content)
	}

	decoded, err := decodeRelaxed(cleanContent(content))
	if err != nil {
		entry := p.recordEntry(recordID, jobID, entity.ErrorKindParse, "classification content: "+err.Error(), raw)
		return nil, withContent(entry, content)
	}

	fields := make(map[string]any, len(p.schema.Fields))
	var fieldErrs []string
	for i, spec := range p.schema.Fields {
		value, _ := lookupPath(decoded, spec.Path)
		normalized, err := p.normalize[i](value)
		if err != nil {
			fieldErrs = append(fieldErrs, fmt.Sprintf("%s: %v", spec.Name, err))
			continue
		}
		fields[spec.Name] = normalized
	}
	if len(fieldErrs) > 0 {
		entry := p.recordEntry(recordID, jobID, entity.ErrorKindValidation,
			"field normalization failed: "+strings.Join(fieldErrs, "; "), raw)
		return nil, withContent(entry, content)
	}

	var nullCritical []string
	for _, name := range p.schema.CriticalFields() {
		if fields[name] == nil {
			nullCritical = append(nullCritical, name)
		}
	}
	if len(nullCritical) > 0 {
		sort.Strings(nullCritical)
		entry := p.recordEntry(recordID, jobID, entity.ErrorKindValidation,
			"critical fields are null: "+strings.Join(nullCritical, ", "), raw)
		e := withContent(entry, content).WithContext("null_fields", nullCritical)
		return nil, &e
	}

	return &entity.ParsedResult{
		RecordID: recordID,
		Fields:   fields,
		Status:   entity.ResultStatusValid,
	}, nil
}

func (p *ResultParser) recordEntry(recordID int64, jobID string, kind entity.ErrorKind, msg, raw string) *entity.ErrorEntry {
	e := entity.NewRecordError(recordID, jobID, kind, msg, raw, p.clock.Now())
	return &e
}

func (p *ResultParser) jobEntry(jobID string, kind entity.ErrorKind, msg, raw string) *entity.ErrorEntry {
	e := entity.NewJobError(jobID, kind, msg, p.clock.Now())
	e.RawPayload = raw
	return &e
}

// lineEntry tags the record id only when it could be decoded.
func (p *ResultParser) lineEntry(recordID int64, idErr error, jobID string, kind entity.ErrorKind, msg, raw string) *entity.ErrorEntry {
	if idErr != nil {
		return p.jobEntry(jobID, kind, msg, raw)
	}
	return p.recordEntry(recordID, jobID, kind, msg, raw)
}

func withContent(entry *entity.ErrorEntry, content string) *entity.ErrorEntry {
	e := entry.WithContext("content", content)
	return &e
}

func describeError(v any) string {
	if obj, ok := v.(map[string]any); ok {
		if msg, ok := obj["message"].(string); ok && msg != "" {
			if code, ok := obj["code"].(string); ok && code != "" {
				return code + ": " + msg
			}
			return msg
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// ErrInvalidCustomID is returned when a correlation id cannot be mapped back to a record.
var ErrInvalidCustomID = errors.New("invalid custom_id")

// EncodeCustomID builds the correlation id "<task>-<record id>".
func EncodeCustomID(task string, recordID int64) string {
	return task + "-" + strconv.FormatInt(recordID, 10)
}

// DecodeCustomID extracts the record id from "<task>-<record id>".
func DecodeCustomID(customID string) (int64, error) {
	idx := strings.LastIndexByte(customID, '-')
	if idx <= 0 || idx == len(customID)-1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCustomID, customID)
	}
	id, err := strconv.ParseInt(customID[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCustomID, customID)
	}
	return id, nil
}
