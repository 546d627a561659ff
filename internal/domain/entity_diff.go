package domain

import (
	"errors"
	"time"
)

// DiffOptions is the comparison policy applied uniformly to every row.
type DiffOptions struct {
	Domain        string
	KeyFields     []string
	TrackedFields []string
	// FieldTypes, when set, coerces values towards their declared type before
	// comparison.
	FieldTypes map[string]FieldType
	// AllowSchemaMismatch treats a tracked field missing from a whole side as
	// null instead of failing.
	AllowSchemaMismatch bool
}

// DiffRow is one row of the outer join between previous and current.
type DiffRow struct {
	Key     Key
	Status  Status
	Record  Record
	Changes map[string]FieldChange
}

// DiffResult is the outcome of comparing two snapshots.
type DiffResult struct {
	ObservedAt time.Time
	Rows       []DiffRow
	Events     []ChangeEvent
}

// Active returns rows that belong to the current snapshot.
func (r DiffResult) Active() []DiffRow {
	return r.filter(func(status Status) bool { return status != StatusRemoved })
}

// Removed returns rows present only in the previous snapshot.
func (r DiffResult) Removed() []DiffRow {
	return r.filter(func(status Status) bool { return status == StatusRemoved })
}

// Counts tallies rows per status.
func (r DiffResult) Counts() map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, status := range AllStatuses {
		counts[status] = 0
	}
	for _, row := range r.Rows {
		counts[row.Status]++
	}
	return counts
}

func (r DiffResult) filter(keep func(Status) bool) []DiffRow {
	out := make([]DiffRow, 0, len(r.Rows))
	for _, row := range r.Rows {
		if keep(row.Status) {
			out = append(out, row)
		}
	}
	return out
}

// DiffSnapshots performs a full outer join of current and previous on the key
// fields and classifies every entity. Rows follow current order, then
// previous-only rows in previous order.
func DiffSnapshots(previous, current Snapshot, opts DiffOptions) (DiffResult, error) {
	if len(opts.KeyFields) == 0 {
		return DiffResult{}, errors.New("at least one key field is required")
	}
	if current.ObservedAt.IsZero() {
		return DiffResult{}, ErrObservedAtRequired
	}

	prevKeys, prevByKey, err := indexSnapshot(SidePrevious, previous, opts.KeyFields)
	if err != nil {
		return DiffResult{}, err
	}
	curKeys, _, err := indexSnapshot(SideCurrent, current, opts.KeyFields)
	if err != nil {
		return DiffResult{}, err
	}

	if !opts.AllowSchemaMismatch {
		if err := checkTrackedPresence(SidePrevious, previous, opts.TrackedFields); err != nil {
			return DiffResult{}, err
		}
		if err := checkTrackedPresence(SideCurrent, current, opts.TrackedFields); err != nil {
			return DiffResult{}, err
		}
	}

	observedAt := current.ObservedAt.UTC()
	keyFields := toSet(opts.KeyFields)
	tracked := toSet(opts.TrackedFields)

	result := DiffResult{
		ObservedAt: observedAt,
		Rows:       make([]DiffRow, 0, len(current.Records)+len(previous.Records)),
	}
	seen := make(map[Key]struct{}, len(curKeys))

	for idx, record := range current.Records {
		key := curKeys[idx]
		seen[key] = struct{}{}

		merged := record.Clone()
		if merged.ObservedAt.IsZero() {
			merged.ObservedAt = observedAt
		}

		prev, existed := prevByKey[key]
		if !existed {
			result.Rows = append(result.Rows, DiffRow{Key: key, Status: StatusNew, Record: merged})
			continue
		}

		changes := compareTracked(prev, record, opts)
		coalesce(&merged, prev, keyFields, tracked)

		status := StatusUnchanged
		if len(changes) > 0 {
			status = StatusChanged
		}
		result.Rows = append(result.Rows, DiffRow{Key: key, Status: status, Record: merged, Changes: changes})
	}

	for idx, record := range previous.Records {
		key := prevKeys[idx]
		if _, ok := seen[key]; ok {
			continue
		}
		removed := record.Clone()
		removed.ObservedAt = observedAt
		result.Rows = append(result.Rows, DiffRow{Key: key, Status: StatusRemoved, Record: removed})
	}

	for _, row := range result.Rows {
		if row.Status == StatusUnchanged {
			continue
		}
		result.Events = append(result.Events, NewChangeEvent(opts.Domain, row.Key, observedAt, row.Status, row.Changes, opts.TrackedFields))
	}

	return result, nil
}

// IndexKeys validates a snapshot's keys without comparing it to anything.
func IndexKeys(side Side, snapshot Snapshot, keyFields []string) ([]Key, error) {
	keys, _, err := indexSnapshot(side, snapshot, keyFields)
	return keys, err
}

func indexSnapshot(side Side, snapshot Snapshot, keyFields []string) ([]Key, map[Key]Record, error) {
	keys := make([]Key, len(snapshot.Records))
	counts := make(map[Key]int, len(snapshot.Records))
	for idx, record := range snapshot.Records {
		key, missing, ok := record.Key(keyFields)
		if !ok {
			return nil, nil, &MissingKeyError{Side: side, Index: idx, Field: missing}
		}
		keys[idx] = key
		counts[key]++
	}

	byKey := make(map[Key]Record, len(snapshot.Records))
	for idx, key := range keys {
		if counts[key] > 1 {
			return nil, nil, &DuplicateKeyError{Side: side, Key: key, Count: counts[key]}
		}
		byKey[key] = snapshot.Records[idx]
	}
	return keys, byKey, nil
}

func checkTrackedPresence(side Side, snapshot Snapshot, tracked []string) error {
	if snapshot.IsEmpty() {
		return nil
	}
	for _, field := range tracked {
		present := false
		for _, record := range snapshot.Records {
			if _, ok := record.Fields[field]; ok {
				present = true
				break
			}
		}
		if !present {
			return &SchemaMismatchError{Side: side, Field: field}
		}
	}
	return nil
}

// compareTracked applies the comparison policy: a tracked field differs only
// when its previous value is non-null.
func compareTracked(prev, cur Record, opts DiffOptions) map[string]FieldChange {
	var changes map[string]FieldChange
	for _, field := range opts.TrackedFields {
		oldValue := normalizeFor(opts, field, prev.Value(field))
		if oldValue == nil {
			continue
		}
		newValue := normalizeFor(opts, field, cur.Value(field))
		if ValuesEqual(oldValue, newValue) {
			continue
		}
		if changes == nil {
			changes = make(map[string]FieldChange)
		}
		changes[field] = FieldChange{Old: oldValue, New: newValue}
	}
	return changes
}

// coalesce fills non-key, non-tracked fields the fresh scrape left missing or
// null from the previous record. Tracked fields always keep the current value.
func coalesce(merged *Record, prev Record, keyFields, tracked map[string]struct{}) {
	for name, prevValue := range prev.Fields {
		if _, isKey := keyFields[name]; isKey {
			continue
		}
		if _, isTracked := tracked[name]; isTracked {
			if _, ok := merged.Fields[name]; !ok {
				merged.Fields[name] = nil
			}
			continue
		}
		if current, ok := merged.Fields[name]; !ok || IsNull(current) {
			merged.Fields[name] = prevValue
		}
	}
}

func normalizeFor(opts DiffOptions, field string, value any) any {
	if opts.FieldTypes != nil {
		if fieldType, ok := opts.FieldTypes[field]; ok {
			return NormalizeTyped(fieldType, value)
		}
	}
	return NormalizeValue(value)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}

func cloneProperties(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
