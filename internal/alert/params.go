// Package alert — params.go
//
// Parameter extraction for actuator schemas. Action parameters arrive as a
// schemaless map whose numeric values may be any Go numeric type depending
// on the decoder that produced them (JSON gives float64, CBOR gives
// uint64/int64, tests give untyped constants). These helpers normalise.

package alert

import (
	"fmt"
	"math"
)

// paramUint extracts a non-negative integer parameter.
func paramUint(params map[string]any, key string) (uint64, bool, error) {
	v, ok := params[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case uint8:
		return uint64(n), true, nil
	case uint16:
		return uint64(n), true, nil
	case uint32:
		return uint64(n), true, nil
	case uint64:
		return n, true, nil
	case uint:
		return uint64(n), true, nil
	case int:
		if n < 0 {
			return 0, true, fmt.Errorf("parameter %q is negative", key)
		}
		return uint64(n), true, nil
	case int64:
		if n < 0 {
			return 0, true, fmt.Errorf("parameter %q is negative", key)
		}
		return uint64(n), true, nil
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, true, fmt.Errorf("parameter %q is not a non-negative integer", key)
		}
		return uint64(n), true, nil
	default:
		return 0, true, fmt.Errorf("parameter %q has unsupported type %T", key, v)
	}
}

// paramBool extracts a boolean parameter.
func paramBool(params map[string]any, key string) (bool, bool, error) {
	v, ok := params[key]
	if !ok {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, true, fmt.Errorf("parameter %q has unsupported type %T", key, v)
	}
	return b, true, nil
}

// paramString extracts a string parameter.
func paramString(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// paramBytes extracts a byte-slice parameter. Accepts []byte directly or a
// []any of integers (the shape a generic decoder produces).
func paramBytes(params map[string]any, key string) ([]byte, bool, error) {
	v, ok := params[key]
	if !ok {
		return nil, false, nil
	}
	switch raw := v.(type) {
	case []byte:
		return raw, true, nil
	case []any:
		out := make([]byte, len(raw))
		for i, el := range raw {
			n, _, err := paramUint(map[string]any{"el": el}, "el")
			if err != nil || n > 255 {
				return nil, true, fmt.Errorf("parameter %q element %d is not a byte", key, i)
			}
			out[i] = byte(n)
		}
		return out, true, nil
	default:
		return nil, true, fmt.Errorf("parameter %q has unsupported type %T", key, v)
	}
}
