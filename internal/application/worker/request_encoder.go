package worker

import (
	"batchclassify/internal/application/parser"
	"batchclassify/internal/domain/entity"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyText is returned for records with nothing to classify.
var ErrEmptyText = errors.New("record text is empty")

// RequestEncoder serializes one record into a provider request line.
type RequestEncoder interface {
	EncodeLine(record entity.ClassificationRecord) ([]byte, error)
}

// ChatRequestConfig configures ChatRequestEncoder.
type ChatRequestConfig struct {
	Model               string // overrides the schema's model when set
	Endpoint            string
	MaxCompletionTokens int
}

// ChatRequestEncoder builds chat-completion request lines for batch input files.
type ChatRequestEncoder struct {
	schema *parser.ClassificationSchema
	config ChatRequestConfig
}

type batchRequestLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     chatRequest `json:"body"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewChatRequestEncoder creates an encoder for the given classification schema.
func NewChatRequestEncoder(schema *parser.ClassificationSchema, config ChatRequestConfig) *ChatRequestEncoder {
	if config.Model == "" {
		config.Model = schema.Model
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.MaxCompletionTokens <= 0 {
		config.MaxCompletionTokens = 5000
	}
	return &ChatRequestEncoder{schema: schema, config: config}
}

// Task returns the task label used in custom ids.
func (e *ChatRequestEncoder) Task() string {
	return e.schema.Task
}

// Model returns the model every request targets.
func (e *ChatRequestEncoder) Model() string {
	return e.config.Model
}

// EncodeLine renders a record as a single JSON line without trailing newline.
func (e *ChatRequestEncoder) EncodeLine(record entity.ClassificationRecord) ([]byte, error) {
	if strings.TrimSpace(record.Text) == "" {
		return nil, ErrEmptyText
	}

	line := batchRequestLine{
		CustomID: parser.EncodeCustomID(e.schema.Task, record.ID),
		Method:   "POST",
		URL:      e.config.Endpoint,
		Body: chatRequest{
			Model: e.config.Model,
			Messages: []chatMessage{
				{Role: "system", Content: e.schema.SystemPrompt},
				{Role: "user", Content: e.schema.UserPrompt(record.Text)},
			},
			MaxCompletionTokens: e.config.MaxCompletionTokens,
		},
	}

	b, err := json.Marshal(line)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request for record %d: %w", record.ID, err)
	}
	return b, nil
}
