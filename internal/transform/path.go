package transform

import (
	"encoding/json"
	"strconv"
	"strings"
)

// NestedValue walks a dot-separated path through obj. Behavior at each
// segment:
//
//   - nil current value short-circuits to nil
//   - a numeric segment indexes into a slice
//   - a non-numeric segment against a slice plucks that key from every
//     element, yielding a slice of the extracted values
//   - string values that look like JSON ({...} or [...]) are parsed
//     opportunistically; parse failure keeps the raw string
//
// The map-over-array case is what lets a single path like "items.name" reach
// a field of every element of an array.
func NestedValue(obj any, path string) any {
	if path == "" {
		return obj
	}
	current := obj
	for _, segment := range strings.Split(path, ".") {
		if current == nil {
			return nil
		}

		if idx, err := strconv.Atoi(segment); err == nil && idx >= 0 {
			if seq, ok := asSlice(current); ok {
				if idx >= len(seq) {
					return nil
				}
				current = maybeParseJSON(seq[idx])
				continue
			}
		}

		if seq, ok := asSlice(current); ok {
			mapped := make([]any, len(seq))
			for i, item := range seq {
				mapped[i] = lookupKey(item, segment)
			}
			current = mapped
			continue
		}

		current = lookupKey(current, segment)
	}
	return current
}

func lookupKey(obj any, key string) any {
	m, ok := obj.(map[string]any)
	if !ok {
		return nil
	}
	return maybeParseJSON(m[key])
}

// maybeParseJSON unwraps stringified JSON objects and arrays that some
// upstream scrapers embed inside payload fields.
func maybeParseJSON(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return v
	}
	return parsed
}

func asSlice(v any) ([]any, bool) {
	seq, ok := v.([]any)
	return seq, ok
}
