package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxAnswerDepth bounds the nesting of roster values inside Answers.
const MaxAnswerDepth = 8

// MaxRosterRows bounds the row index a dotted path may address.
const MaxRosterRows = 500

// ErrInvalidAnswers is wrapped by every Answers validation failure.
var ErrInvalidAnswers = errors.New("invalid answers")

// Answers maps question ids to answer values. A value is a string, number,
// bool, nil, a slice of values or a map of values (roster rows).
type Answers map[string]any

// UnmarshalJSON accepts either an object or a JSON string holding an object,
// which is how some backend endpoints deliver stored responses.
func (a *Answers) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*a = nil
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("failed to decode answers string: %w", err)
		}
		if strings.TrimSpace(inner) == "" {
			*a = Answers{}
			return nil
		}
		data = []byte(inner)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		// Empty answer sets are sometimes serialized as [].
		var list []any
		if json.Unmarshal(data, &list) == nil && len(list) == 0 {
			*a = Answers{}
			return nil
		}
		return fmt.Errorf("failed to decode answers: %w", err)
	}
	*a = m
	return nil
}

// MarshalJSON encodes nil answers as an empty object.
func (a Answers) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(a))
}

// Validate checks keys and value kinds.
func (a Answers) Validate() error {
	for key, value := range a {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: empty question id", ErrInvalidAnswers)
		}
		if err := validateValue(value, 1); err != nil {
			return fmt.Errorf("%w: question %s: %v", ErrInvalidAnswers, key, err)
		}
	}
	return nil
}

func validateValue(v any, depth int) error {
	if depth > MaxAnswerDepth {
		return fmt.Errorf("nesting deeper than %d", MaxAnswerDepth)
	}
	switch val := v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		return nil
	case []any:
		for i, item := range val {
			if err := validateValue(item, depth+1); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, item := range val {
			if k == "" {
				return fmt.Errorf("empty key in nested object")
			}
			if err := validateValue(item, depth+1); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

// Clone returns a deep copy of the answers.
func (a Answers) Clone() Answers {
	if a == nil {
		return nil
	}
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Get returns the value at a dotted path such as "members.0.name".
func (a Answers) Get(path string) (any, bool) {
	keys := strings.Split(path, ".")
	var node any = map[string]any(a)
	for _, key := range keys {
		switch cur := node.(type) {
		case map[string]any:
			next, ok := cur[key]
			if !ok {
				return nil, false
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(cur) {
				return nil, false
			}
			node = cur[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// Set stores value at a dotted path. Missing intermediate nodes are created:
// a slice when the next segment is numeric, a map otherwise. a must be non-nil.
func (a Answers) Set(path string, value any) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidAnswers)
	}
	keys := strings.Split(path, ".")
	if _, err := strconv.Atoi(keys[0]); err == nil {
		return fmt.Errorf("%w: path %q must start with a question id", ErrInvalidAnswers, path)
	}
	if len(keys) == 1 {
		a[keys[0]] = value
		return nil
	}
	updated, err := setPath(a[keys[0]], keys[1:], value)
	if err != nil {
		return fmt.Errorf("%w: path %q: %v", ErrInvalidAnswers, path, err)
	}
	a[keys[0]] = updated
	return nil
}

func setPath(node any, keys []string, value any) (any, error) {
	key := keys[0]
	idx, numErr := strconv.Atoi(key)
	numeric := numErr == nil && idx >= 0

	if numeric {
		if idx >= MaxRosterRows {
			return nil, fmt.Errorf("row %d is beyond the %d-row roster limit", idx, MaxRosterRows)
		}
		list, ok := node.([]any)
		if !ok {
			if node != nil {
				return nil, fmt.Errorf("segment %q indexes a non-list value", key)
			}
			list = nil
		}
		for len(list) <= idx {
			list = append(list, nil)
		}
		if len(keys) == 1 {
			list[idx] = value
			return list, nil
		}
		child, err := setPath(list[idx], keys[1:], value)
		if err != nil {
			return nil, err
		}
		list[idx] = child
		return list, nil
	}

	obj, ok := node.(map[string]any)
	if !ok {
		if node != nil {
			return nil, fmt.Errorf("segment %q descends into a non-object value", key)
		}
		obj = map[string]any{}
	}
	if len(keys) == 1 {
		obj[key] = value
		return obj, nil
	}
	child, err := setPath(obj[key], keys[1:], value)
	if err != nil {
		return nil, err
	}
	obj[key] = child
	return obj, nil
}
