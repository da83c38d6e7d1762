package storage

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeKey converts a business-key value to a canonical string form,
// suitable for in-memory lookup caches (e.g. "Bogotá" or "8429529").
//
// Text is trimmed and NFC-normalized so byte-different but canonically
// equal spellings (composed vs decomposed accents, common in the
// Spanish-language source data) land on the same cache entry regardless of
// which driver produced the value.
//
// Backends must not assume a particular underlying type for keys; this
// helper keeps caches consistent across backends and drivers.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return normText(t)
	case []byte:
		return normText(string(t))
	case int64:
		return fmt.Sprintf("%d", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int32:
		return fmt.Sprintf("%d", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return normText(fmt.Sprint(v))
	}
}

func normText(s string) string {
	s = strings.TrimSpace(s)
	if !norm.NFC.IsNormalString(s) {
		s = norm.NFC.String(s)
	}
	return s
}

// compositeKeySep separates parts of a multi-column key. 0x1f (unit
// separator) never occurs in source identifiers.
const compositeKeySep = "\x1f"

// CompositeKey builds the canonical cache key for a business-key tuple.
// Single-column keys come out identical to NormalizeKey of the value.
func CompositeKey(vals ...any) string {
	if len(vals) == 1 {
		return NormalizeKey(vals[0])
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = NormalizeKey(v)
	}
	return strings.Join(parts, compositeKeySep)
}
