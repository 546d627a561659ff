package domain

import (
	"testing"
	"time"
)

func annotated(key string, fields map[string]any) AnnotatedRecord {
	return AnnotatedRecord{
		Record: NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), fields),
		Key:    Key(key),
		Status: StatusUnchanged,
	}
}

func TestSummariseGroups(t *testing.T) {
	records := []AnnotatedRecord{
		annotated("V1", map[string]any{"Make": "Ford", "Price": 100}),
		annotated("V2", map[string]any{"Make": "Ford", "Price": 300}),
		annotated("V3", map[string]any{"Make": "Ford", "Price": nil}),
		annotated("V4", map[string]any{"Make": "Audi", "Price": "200"}),
		annotated("V5", map[string]any{"Make": "Kia", "Price": nil}),
	}

	rows := Summarise(records, []string{"Make"}, "Price")
	if len(rows) != 3 {
		t.Fatalf("expected three groups, got %d", len(rows))
	}
	if rows[0].Group[0] != "Audi" || rows[1].Group[0] != "Ford" || rows[2].Group[0] != "Kia" {
		t.Fatalf("unexpected group order: %v %v %v", rows[0].Group, rows[1].Group, rows[2].Group)
	}

	ford := rows[1]
	if ford.Count != 3 {
		t.Fatalf("expected count of distinct keys, got %d", ford.Count)
	}
	if *ford.Avg != 200 || *ford.Max != 300 || *ford.Min != 100 || *ford.Median != 200 {
		t.Fatalf("unexpected ford stats: avg=%v max=%v min=%v median=%v", *ford.Avg, *ford.Max, *ford.Min, *ford.Median)
	}

	audi := rows[0]
	if audi.Count != 1 || *audi.Avg != 200 {
		t.Fatalf("expected numeric string metric to be counted: %+v", audi)
	}

	kia := rows[2]
	if kia.Count != 0 || kia.Avg != nil || kia.Max != nil || kia.Min != nil || kia.Median != nil {
		t.Fatalf("expected all-null group to report zero and nil stats: %+v", kia)
	}
}

func TestSummariseCountsDistinctKeys(t *testing.T) {
	records := []AnnotatedRecord{
		annotated("V1", map[string]any{"Make": "Ford", "Price": 100}),
		annotated("V1", map[string]any{"Make": "Ford", "Price": 100}),
		annotated("V2", map[string]any{"Make": "Ford", "Price": 200}),
		annotated("V3", map[string]any{"Make": "Ford", "Price": 400}),
		annotated("V4", map[string]any{"Make": "Ford", "Price": 500}),
	}
	rows := Summarise(records, []string{"Make"}, "Price")
	if rows[0].Count != 4 {
		t.Fatalf("expected 4 distinct keys, got %d", rows[0].Count)
	}
	if *rows[0].Median != 300 {
		t.Fatalf("expected even-length median 300, got %v", *rows[0].Median)
	}
}

func TestSummariseNullGroupValue(t *testing.T) {
	records := []AnnotatedRecord{
		annotated("V1", map[string]any{"Make": nil, "Price": 10}),
		annotated("V2", map[string]any{"Price": 20}),
	}
	rows := Summarise(records, []string{"Make"}, "Price")
	if len(rows) != 1 || rows[0].Group[0] != nil || rows[0].Count != 2 {
		t.Fatalf("expected missing and null group values to share a group: %+v", rows)
	}
}

func TestSummaryColumns(t *testing.T) {
	columns := SummaryColumns([]string{"Make", "Model"}, "Price")
	expected := []string{"Make", "Model", "count", "avg_Price", "max_Price", "min_Price", "median_Price"}
	if len(columns) != len(expected) {
		t.Fatalf("unexpected columns %v", columns)
	}
	for i := range expected {
		if columns[i] != expected[i] {
			t.Fatalf("column %d: expected %s got %s", i, expected[i], columns[i])
		}
	}
}
