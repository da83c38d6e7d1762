package storage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// timestampLayouts are tried in order when coercing string timestamps.
// Timestamps are treated as naive local time throughout the pipeline, so
// zoneless layouts parse in time.Local.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CoerceValue converts a raw driver value into the Go type the portable
// column type expects:
//
//	bigint, integer → int64
//	double          → float64
//	boolean         → bool
//	text            → string
//	timestamp       → time.Time
//
// nil passes through. A value that cannot be converted is a transform
// reject at the call site, so the error names the offending input.
func CoerceValue(colType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch colType {
	case "bigint", "integer", "serial":
		return coerceInt(v)
	case "double":
		return coerceFloat(v)
	case "boolean":
		return coerceBool(v)
	case "text", "":
		return coerceText(v), nil
	case "timestamp":
		return CoerceTime(v)
	default:
		return nil, fmt.Errorf("unknown column type %q", colType)
	}
}

func coerceInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("integer overflow: %d", t)
		}
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("not a whole number: %v", t)
		}
		return int64(t), nil
	case float32:
		return coerceInt(float64(t))
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return parseInt(string(t))
	case string:
		return parseInt(t)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return n, nil
}

func coerceFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case []byte:
		return parseFloat(string(t))
	case string:
		return parseFloat(t)
	default:
		return 0, fmt.Errorf("cannot convert %T to double", v)
	}
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

func coerceBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case []byte:
		return parseBool(string(t))
	case string:
		return parseBool(t)
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes", "y":
		return true, nil
	case "false", "f", "0", "no", "n", "":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", s)
	}
}

func coerceText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// CoerceTime converts driver timestamp representations to time.Time.
// Strings without a zone parse as local wall-clock time; this matches the
// naive-time reading applied to time keys and durations.
func CoerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", v)
	}
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %q", s)
}

// EqualScalar compares two attribute values for change detection,
// normalizing the representations different drivers hand back.
func EqualScalar(a any, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	// Normalize common text representations first.
	switch av := a.(type) {
	case []byte:
		switch bv := b.(type) {
		case []byte:
			return string(av) == string(bv)
		case string:
			return string(av) == bv
		}
	case string:
		switch bv := b.(type) {
		case []byte:
			return av == string(bv)
		case string:
			return av == bv
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Equal(bv)
		}
	}

	if ai, aok := asInt64(a); aok {
		if bi, bok := asInt64(b); bok {
			return ai == bi
		}
	}
	if af, aok := asFloat64(a); aok {
		if bf, bok := asFloat64(b); bok {
			return af == bf
		}
	}

	// Driver-specific wrappers end up here; their printed forms are stable.
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int16:
		return int64(t), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}
