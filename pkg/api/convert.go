package api

import (
	"encoding/json"
	"fmt"
)

// Convert returns v as a T. Values that already have the target type are
// returned as-is; anything else (typically map[string]any produced by a Map
// entry or a parallel join) is converted with a JSON round trip.
func Convert[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("convert %T to %T: %w", v, zero, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("convert %T to %T: %w", v, zero, err)
	}
	return out, nil
}
