package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Float reads a required numeric argument.
func Float(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgument, key)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgument, key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidArgument, key, v)
	}
}

// Int reads a required integer argument. Whole floats are accepted since JSON
// decoders produce float64 for every number.
func Int(args map[string]any, key string) (int64, error) {
	f, err := Float(args, key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgument, key)
	}
	return int64(f), nil
}

// String reads a required non-empty string argument.
func String(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, key, v)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s must not be empty", ErrInvalidArgument, key)
	}
	return s, nil
}

// OptionalString reads a string argument, returning fallback when absent.
func OptionalString(args map[string]any, key, fallback string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, key, v)
	}
	return s, nil
}
