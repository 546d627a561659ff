package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func nanValue() float64 {
	return math.NaN()
}

func TestNormalizeValue(t *testing.T) {
	if NormalizeValue(nanValue()) != nil {
		t.Fatalf("expected NaN to normalise to nil")
	}
	if NormalizeValue(int64(7)) != float64(7) {
		t.Fatalf("expected int64 to normalise to float64")
	}
	if NormalizeValue(json.Number("3.5")) != 3.5 {
		t.Fatalf("expected json.Number to normalise to float64")
	}
	local := time.Date(2024, 1, 1, 10, 0, 0, 0, time.FixedZone("AEST", 10*3600))
	got, ok := NormalizeValue(local).(time.Time)
	if !ok || got.Location() != time.UTC || !got.Equal(local) {
		t.Fatalf("expected UTC timestamp, got %v", got)
	}
}

func TestValuesEqual(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		a, b  any
		equal bool
	}{
		{nil, nil, true},
		{nil, "", false},
		{100, "100", true},
		{"100.0", 100, true},
		{"$1,000", 1000, true},
		{100, "abc", false},
		{true, true, true},
		{true, "true", false},
		{ts, "2024-01-01T00:00:00Z", true},
		{ts, "2024-01-01 00:00:00", true},
		{"a", "a", true},
		{"a", "b", false},
	}
	for _, tc := range cases {
		if got := ValuesEqual(tc.a, tc.b); got != tc.equal {
			t.Errorf("ValuesEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.equal)
		}
	}
}

func TestLargeIntegersStayExact(t *testing.T) {
	low := json.Number("9007199254740992")
	high := json.Number("9007199254740993")

	if ValuesEqual(low, high) {
		t.Fatalf("expected %s and %s to differ", low, high)
	}
	if CanonicalText(low) == CanonicalText(high) {
		t.Fatalf("expected distinct canonical text, got %q", CanonicalText(high))
	}
	if CanonicalText(high) != "9007199254740993" {
		t.Fatalf("unexpected canonical text %q", CanonicalText(high))
	}
	if !ValuesEqual(high, "9007199254740993") || !ValuesEqual(int64(9007199254740993), high) {
		t.Fatalf("expected the same integer in any representation to compare equal")
	}
	if ValuesEqual(float64(9007199254740992), "9007199254740993") {
		t.Fatalf("expected a rounded float not to match the exact integer text")
	}
	if NormalizeTyped(FieldTypeInteger, "9,007,199,254,740,993") != "9007199254740993" {
		t.Fatalf("expected integer field text kept exact, got %v", NormalizeTyped(FieldTypeInteger, "9,007,199,254,740,993"))
	}
	if NormalizeValue(uint64(1<<63)) != "9223372036854775808" {
		t.Fatalf("expected large uint64 kept as text")
	}
	if NormalizeValue(int64(1<<53)) != float64(1<<53) {
		t.Fatalf("expected integers within float64 precision to stay numeric")
	}
}

func TestCanonicalText(t *testing.T) {
	cases := map[string]any{
		"null":                 nil,
		"100":                  100,
		"12.5":                 12.5,
		"true":                 true,
		"2024-03-04T05:06:07Z": time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC),
		"text":                 "text",
	}
	for expected, value := range cases {
		if got := CanonicalText(value); got != expected {
			t.Errorf("CanonicalText(%v) = %q, want %q", value, got, expected)
		}
	}
}

func TestNormalizeTyped(t *testing.T) {
	if NormalizeTyped(FieldTypeFloat, "12.50") != 12.5 {
		t.Fatalf("expected numeric string coerced to float")
	}
	if NormalizeTyped(FieldTypeInteger, "n/a") != "n/a" {
		t.Fatalf("expected unparsable value left untouched")
	}
	if NormalizeTyped(FieldTypeString, 12) != "12" {
		t.Fatalf("expected number coerced to string for string fields")
	}
	if NormalizeTyped(FieldTypeBoolean, "FALSE") != false {
		t.Fatalf("expected boolean text coerced")
	}
	ts, ok := NormalizeTyped(FieldTypeTimestamp, "2024-02-03").(time.Time)
	if !ok || !ts.Equal(time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected date coerced to timestamp, got %v", ts)
	}
}

func TestJoinKeyEscapesSeparator(t *testing.T) {
	if JoinKey("V1") != "V1" {
		t.Fatalf("single component keys are not escaped")
	}
	a := JoinKey("a|b", "c")
	b := JoinKey("a", "b|c")
	if a == b {
		t.Fatalf("expected distinct keys, both %q", a)
	}
	if JoinKey(`x\`, "y") != `x\\|y` {
		t.Fatalf("unexpected escaping: %q", JoinKey(`x\`, "y"))
	}
}
