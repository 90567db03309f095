package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a policy file.
func Load(path string, opts ...Option) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	e, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return e, nil
}

// Parse parses a YAML (or JSON) policy document.
func Parse(data []byte, opts ...Option) (*Engine, error) {
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return NewEngine(rules, opts...)
}

// ParseRules decodes and validates a policy document without compiling it.
func ParseRules(data []byte) ([]Rule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	doc = toJSONValue(doc)

	// Round trip so numbers have the types the validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding policy: %w", err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("encoding policy: %w", err)
	}

	if res := Validate(value); !res.Valid {
		return nil, fmt.Errorf("invalid policy: %s", strings.Join(res.Errors, "; "))
	}

	var file File
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}
	return file.Rules, nil
}

// toJSONValue converts YAML maps with non-string keys into JSON objects.
func toJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = toJSONValue(v)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = toJSONValue(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = toJSONValue(v)
		}
		return out
	default:
		return v
	}
}
