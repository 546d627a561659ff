package domain

import (
	"sort"
	"strings"
)

// SummaryRow holds the statistics of one group.
type SummaryRow struct {
	Group  []any
	Count  int
	Avg    *float64
	Max    *float64
	Min    *float64
	Median *float64
}

type summaryGroup struct {
	values []any
	keys   map[Key]struct{}
	metric []float64
}

// Summarise groups records by groupBy and reduces metric per group. Count is
// the number of distinct keys in the group; a group whose metric is null
// everywhere reports zero and nil statistics.
func Summarise(records []AnnotatedRecord, groupBy []string, metric string) []SummaryRow {
	groups := make(map[string]*summaryGroup)
	order := make([]string, 0)

	for _, record := range records {
		values := make([]any, len(groupBy))
		parts := make([]string, len(groupBy))
		for i, field := range groupBy {
			values[i] = NormalizeValue(record.Value(field))
			parts[i] = CanonicalText(values[i])
		}
		groupKey := string(JoinKey(parts...))
		if len(groupBy) == 0 {
			groupKey = ""
		}

		group, ok := groups[groupKey]
		if !ok {
			group = &summaryGroup{values: values, keys: make(map[Key]struct{})}
			groups[groupKey] = group
			order = append(order, groupKey)
		}

		if _, seen := group.keys[record.Key]; seen {
			continue
		}
		group.keys[record.Key] = struct{}{}
		if value, ok := ToFloat(record.Value(metric)); ok {
			group.metric = append(group.metric, value)
		}
	}

	sort.Strings(order)
	rows := make([]SummaryRow, 0, len(order))
	for _, groupKey := range order {
		group := groups[groupKey]
		row := SummaryRow{Group: group.values}
		if len(group.metric) > 0 {
			row.Count = len(group.keys)
			row.Avg, row.Max, row.Min, row.Median = reduce(group.metric)
		}
		rows = append(rows, row)
	}
	return rows
}

// SummaryColumns returns the header of a summary table.
func SummaryColumns(groupBy []string, metric string) []string {
	columns := make([]string, 0, len(groupBy)+5)
	columns = append(columns, groupBy...)
	suffix := strings.TrimSpace(metric)
	columns = append(columns, "count", "avg_"+suffix, "max_"+suffix, "min_"+suffix, "median_"+suffix)
	return columns
}

func reduce(values []float64) (avg, max, min, median *float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))
	lo := sorted[0]
	hi := sorted[len(sorted)-1]

	mid := len(sorted) / 2
	med := sorted[mid]
	if len(sorted)%2 == 0 {
		med = (sorted[mid-1] + sorted[mid]) / 2
	}
	return &mean, &hi, &lo, &med
}
