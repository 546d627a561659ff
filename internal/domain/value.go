package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// maxExactInteger is the largest magnitude float64 holds without rounding.
const maxExactInteger = 1 << 53

// NormalizeValue converts a raw scalar into its canonical representation:
// numbers become float64, NaN becomes nil and timestamps are UTC. Integers
// beyond float64 precision keep their decimal text so they stay distinct.
func NormalizeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(v) {
			return nil
		}
		return v
	case float32:
		return NormalizeValue(float64(v))
	case int:
		return normalizeInt(int64(v))
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return normalizeInt(v)
	case uint:
		return normalizeUint(uint64(v))
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return normalizeUint(v)
	case json.Number:
		if text, ok := ExactInteger(v.String()); ok {
			return text
		}
		if f, err := v.Float64(); err == nil {
			return NormalizeValue(f)
		}
		return v.String()
	case time.Time:
		return v.UTC()
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC()
	default:
		return v
	}
}

// NormalizeTyped normalises value and then coerces it towards the declared
// field type where that is lossless, so a numeric string stored by one run
// and a number scraped by the next compare equal.
func NormalizeTyped(fieldType FieldType, value any) any {
	value = NormalizeValue(value)
	str, isString := value.(string)
	if !isString {
		if fieldType == FieldTypeString {
			if f, ok := value.(float64); ok {
				return formatFloat(f)
			}
		}
		return value
	}

	trimmed := strings.TrimSpace(str)
	switch fieldType {
	case FieldTypeInteger, FieldTypeFloat:
		if fieldType == FieldTypeInteger {
			if text, ok := ExactInteger(trimmed); ok {
				return text
			}
		}
		if f, ok := parseNumber(trimmed); ok {
			return f
		}
	case FieldTypeBoolean:
		if b, err := strconv.ParseBool(strings.ToLower(trimmed)); err == nil {
			return b
		}
	case FieldTypeTimestamp:
		if ts, err := ParseTimestamp(trimmed); err == nil {
			return ts
		}
	}
	return value
}

// ValuesEqual compares two normalised scalars. A number and a string holding
// the same number are equal.
func ValuesEqual(a, b any) bool {
	a = NormalizeValue(a)
	b = NormalizeValue(b)

	if a == nil || b == nil {
		return a == nil && b == nil
	}

	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	switch {
	case aNum && bNum:
		return af == bf
	case aNum:
		if s, ok := b.(string); ok {
			if text, ok := ExactInteger(s); ok {
				return formatFloat(af) == text
			}
			if parsed, ok := parseNumber(strings.TrimSpace(s)); ok {
				return parsed == af
			}
		}
		return false
	case bNum:
		return ValuesEqual(b, a)
	}

	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
		if s, ok := b.(string); ok {
			bt, err := ParseTimestamp(s)
			return err == nil && at.Equal(bt)
		}
		return false
	}
	if _, ok := b.(time.Time); ok {
		return ValuesEqual(b, a)
	}

	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
		return false
	}

	return CanonicalText(a) == CanonicalText(b)
}

// CanonicalText renders a normalised scalar deterministically. It is used for
// entity keys, grouping and change detail text.
func CanonicalText(value any) string {
	switch v := NormalizeValue(value).(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return formatFloat(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case time.Time:
		return FormatTimestamp(v)
	case fmt.Stringer:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// IsNull reports whether value normalises to nil.
func IsNull(value any) bool {
	return NormalizeValue(value) == nil
}

// ToFloat returns the numeric value of v when it has one.
func ToFloat(value any) (float64, bool) {
	switch v := NormalizeValue(value).(type) {
	case float64:
		return v, true
	case string:
		return parseNumber(strings.TrimSpace(v))
	default:
		return 0, false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05.000000",
	"2006-01-02",
	"2006/01/02",
}

// ParseTimestamp accepts ISO-8601 and the "YYYY-MM-DD HH:MM:SS" layout the
// scrapers write.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", raw)
}

// FormatTimestamp serialises t as ISO-8601 in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNumber(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	cleaned := strings.ReplaceAll(raw, ",", "")
	cleaned = strings.TrimPrefix(cleaned, "$")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func normalizeInt(v int64) any {
	if v > maxExactInteger || v < -maxExactInteger {
		return strconv.FormatInt(v, 10)
	}
	return float64(v)
}

func normalizeUint(v uint64) any {
	if v > maxExactInteger {
		return strconv.FormatUint(v, 10)
	}
	return float64(v)
}

// ExactInteger reports whether raw is an integer literal too large for
// float64 to hold exactly and returns its canonical decimal text.
func ExactInteger(raw string) (string, bool) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	cleaned = strings.TrimPrefix(cleaned, "$")
	if cleaned == "" {
		return "", false
	}
	n, ok := new(big.Int).SetString(cleaned, 10)
	if !ok || n.CmpAbs(big.NewInt(maxExactInteger)) <= 0 {
		return "", false
	}
	return n.String(), true
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
