package domain

import (
	"strings"
	"time"
)

// Record is one tracked real-world object at a point in time. A field absent
// from Fields is missing; a field present with a nil value is null.
type Record struct {
	Fields     map[string]any
	ObservedAt time.Time
}

// NewRecord creates a record with normalised field values.
func NewRecord(observedAt time.Time, fields map[string]any) Record {
	normalized := make(map[string]any, len(fields))
	for name, value := range fields {
		normalized[name] = NormalizeValue(value)
	}
	return Record{Fields: normalized, ObservedAt: observedAt.UTC()}
}

// Get returns the field value and whether the field is present.
func (r Record) Get(name string) (any, bool) {
	value, ok := r.Fields[name]
	return value, ok
}

// Value returns the field value, nil when missing.
func (r Record) Value(name string) any {
	return r.Fields[name]
}

// Clone returns a deep copy of the record's field map.
func (r Record) Clone() Record {
	return Record{Fields: cloneProperties(r.Fields), ObservedAt: r.ObservedAt}
}

// Key builds the entity key from keyFields. It returns the missing field name
// when a key component is absent or null.
func (r Record) Key(keyFields []string) (Key, string, bool) {
	parts := make([]string, 0, len(keyFields))
	for _, field := range keyFields {
		value, ok := r.Fields[field]
		if !ok || IsNull(value) {
			return "", field, false
		}
		parts = append(parts, CanonicalText(value))
	}
	return JoinKey(parts...), "", true
}

// Key identifies an entity across snapshots.
type Key string

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

// JoinKey concatenates key components. A single component is returned as is.
func JoinKey(parts ...string) Key {
	if len(parts) == 1 {
		return Key(parts[0])
	}
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = keyEscaper.Replace(part)
	}
	return Key(strings.Join(escaped, "|"))
}

// Snapshot is the complete state of a domain at one scrape time.
type Snapshot struct {
	ObservedAt time.Time
	Records    []Record
}

// NewSnapshot stamps every record with observedAt.
func NewSnapshot(observedAt time.Time, records []Record) Snapshot {
	observedAt = observedAt.UTC()
	stamped := make([]Record, len(records))
	for i, record := range records {
		record.ObservedAt = observedAt
		stamped[i] = record
	}
	return Snapshot{ObservedAt: observedAt, Records: stamped}
}

// Len returns the number of records.
func (s Snapshot) Len() int {
	return len(s.Records)
}

// IsEmpty reports whether the snapshot holds no records.
func (s Snapshot) IsEmpty() bool {
	return len(s.Records) == 0
}

// Status classifies an entity between exactly two snapshots.
type Status string

const (
	StatusNew       Status = "New"
	StatusRemoved   Status = "Removed"
	StatusChanged   Status = "Changed"
	StatusUnchanged Status = "Unchanged"
)

// AllStatuses lists statuses in reporting order.
var AllStatuses = []Status{StatusNew, StatusChanged, StatusUnchanged, StatusRemoved}

// ParseStatus maps persisted text onto a Status.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.TrimSpace(raw)) {
	case StatusNew:
		return StatusNew, true
	case StatusRemoved:
		return StatusRemoved, true
	case StatusChanged:
		return StatusChanged, true
	case StatusUnchanged:
		return StatusUnchanged, true
	default:
		return "", false
	}
}

// RecencyAnnotation is derived last-change metadata for one entity.
type RecencyAnnotation struct {
	LastChangeAt     *time.Time
	LastChangeStatus Status
	LastChangeDetail string
	RecentlyChanged  bool
}

// AnnotatedRecord is a merged record with its status and recency metadata.
type AnnotatedRecord struct {
	Record
	Key     Key
	Status  Status
	Recency RecencyAnnotation
}
