package parser

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Normalizer converts a raw decoded JSON value into the stored value. A nil
// result means "no usable value"; an error means the value had the wrong shape.
type Normalizer func(raw any) (any, error)

// Normalizer names accepted in schema files.
const (
	NormalizerYesNo    = "yesno"
	NormalizerString   = "string"
	NormalizerJSON     = "json"
	NormalizerNonEmpty = "nonempty"
	NormalizerInteger  = "integer"
)

var normalizers = map[string]Normalizer{ //nolint:gochecknoglobals // registry of pure functions
	NormalizerYesNo:    normalizeYesNo,
	NormalizerString:   normalizeString,
	NormalizerJSON:     normalizeJSON,
	NormalizerNonEmpty: normalizeNonEmpty,
	NormalizerInteger:  normalizeInteger,
}

// LookupNormalizer returns the normalizer registered under name.
func LookupNormalizer(name string) (Normalizer, bool) {
	n, ok := normalizers[name]
	return n, ok
}

// normalizeYesNo maps yes/no answers to 1/0. Anything unrecognised is null.
func normalizeYesNo(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		switch v {
		case 1:
			return 1, nil
		case 0:
			return 0, nil
		}
		return nil, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "y", "true", "1":
			return 1, nil
		case "no", "n", "false", "0":
			return 0, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("expected yes/no answer, got %T", raw)
	}
}

func normalizeString(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		return s, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := normalizeString(item)
			if err != nil {
				return nil, fmt.Errorf("list item: %w", err)
			}
			if s != nil {
				parts = append(parts, s.(string))
			}
		}
		if len(parts) == 0 {
			return nil, nil
		}
		return strings.Join(parts, ", "), nil
	default:
		return nil, fmt.Errorf("expected text, got %T", raw)
	}
}

func normalizeJSON(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return string(b), nil
}

// normalizeNonEmpty yields 1 when a value is present and non-empty, else 0.
func normalizeNonEmpty(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		return 1, nil
	case []any:
		if len(v) == 0 {
			return 0, nil
		}
		return 1, nil
	case map[string]any:
		if len(v) == 0 {
			return 0, nil
		}
		return 1, nil
	default:
		return nil, fmt.Errorf("expected list or text, got %T", raw)
	}
}

func normalizeInteger(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", raw)
	}
}

// lookupPath walks a dotted path through nested objects.
func lookupPath(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
