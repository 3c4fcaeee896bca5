package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hjson/hjson-go/v4"
)

var smartQuotes = strings.NewReplacer( //nolint:gochecknoglobals // immutable replacer
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// emptyTextMarker is what the model answers when the statement was blank.
const emptyTextMarker = "statement to analyze wasn't included"

var errNotAnObject = errors.New("content is not a JSON object")

// cleanContent strips code fences and stray prose around the JSON object
// the model was asked to return.
func cleanContent(content string) string {
	s := strings.TrimSpace(content)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{}") {
			s = s[nl+1:] // language tag such as "json"
		}
		s = strings.TrimSpace(s)
		s = strings.TrimSuffix(s, "```")
	}

	s = smartQuotes.Replace(strings.TrimSpace(s))

	if start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

// decodeRelaxed parses model output that is almost JSON: trailing commas,
// comments and unquoted keys are tolerated.
func decodeRelaxed(content string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err == nil && out != nil {
		return out, nil
	}

	out = nil
	if err := hjson.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("failed to decode relaxed JSON: %w", err)
	}
	if out == nil {
		return nil, errNotAnObject
	}
	return out, nil
}
