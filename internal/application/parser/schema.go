// Package parser turns raw batch result artifacts into validated,
// normalized classification results with per-record error isolation.
package parser

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_schema.yaml
var defaultSchemaYAML []byte

// TextPlaceholder is replaced with the record text in the user template.
const TextPlaceholder = "{text}"

var (
	identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	taskPattern       = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	reservedColumns   = map[string]bool{"id": true, "text": true, "date": true, "source": true, "classified": true}
)

// ErrInvalidSchema wraps every schema validation failure.
var ErrInvalidSchema = errors.New("invalid classification schema")

// FieldSpec maps one value in the model's JSON output to a stored column.
type FieldSpec struct {
	Name       string `yaml:"name"`
	Path       string `yaml:"path"`
	Normalizer string `yaml:"normalizer"`
	Critical   bool   `yaml:"critical"`
}

// ClassificationSchema describes the task: prompts sent with every request
// and how the returned JSON maps onto stored fields.
type ClassificationSchema struct {
	Task         string      `yaml:"task"`
	Model        string      `yaml:"model"`
	SystemPrompt string      `yaml:"system_prompt"`
	UserTemplate string      `yaml:"user_template"`
	Fields       []FieldSpec `yaml:"fields"`
}

// DefaultSchema returns the built-in rhetoric classification schema.
func DefaultSchema() *ClassificationSchema {
	schema, err := ParseSchema(defaultSchemaYAML)
	if err != nil {
		panic(fmt.Errorf("built-in schema is invalid: %w", err))
	}
	return schema
}

// LoadSchema reads a schema from a YAML file. An empty path yields DefaultSchema.
func LoadSchema(path string) (*ClassificationSchema, error) {
	if path == "" {
		return DefaultSchema(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", path, err)
	}
	return ParseSchema(data)
}

// ParseSchema decodes and validates a YAML schema document.
func ParseSchema(data []byte) (*ClassificationSchema, error) {
	var schema ClassificationSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if schema.UserTemplate == "" {
		schema.UserTemplate = "Analyze this text: " + TextPlaceholder
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &schema, nil
}

// Validate checks the schema for values the pipeline cannot work with.
func (s *ClassificationSchema) Validate() error {
	if !taskPattern.MatchString(s.Task) {
		return fmt.Errorf("%w: task %q must match %s", ErrInvalidSchema, s.Task, taskPattern)
	}
	if !strings.Contains(s.UserTemplate, TextPlaceholder) {
		return fmt.Errorf("%w: user_template must contain %s", ErrInvalidSchema, TextPlaceholder)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: at least one field is required", ErrInvalidSchema)
	}

	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		switch {
		case !identifierPattern.MatchString(f.Name):
			return fmt.Errorf("%w: field name %q is not a valid column identifier", ErrInvalidSchema, f.Name)
		case reservedColumns[f.Name]:
			return fmt.Errorf("%w: field name %q is reserved", ErrInvalidSchema, f.Name)
		case seen[f.Name]:
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidSchema, f.Name)
		case strings.TrimSpace(f.Path) == "":
			return fmt.Errorf("%w: field %q has no path", ErrInvalidSchema, f.Name)
		}
		if _, ok := normalizers[f.Normalizer]; !ok {
			return fmt.Errorf("%w: field %q uses unknown normalizer %q", ErrInvalidSchema, f.Name, f.Normalizer)
		}
		seen[f.Name] = true
	}
	return nil
}

// FieldNames returns the stored column names in schema order.
func (s *ClassificationSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// CriticalFields returns the names of fields that must not be null.
func (s *ClassificationSchema) CriticalFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Critical {
			names = append(names, f.Name)
		}
	}
	return names
}

// UserPrompt renders the user message for a record's text.
func (s *ClassificationSchema) UserPrompt(text string) string {
	return strings.ReplaceAll(s.UserTemplate, TextPlaceholder, text)
}
