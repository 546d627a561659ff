package domain

import (
	"sort"
	"time"
)

// RecencyIndex maps an entity key to its most recent change event.
type RecencyIndex struct {
	latest map[Key]ChangeEvent
}

// NewRecencyIndex returns an empty index.
func NewRecencyIndex() *RecencyIndex {
	return &RecencyIndex{latest: make(map[Key]ChangeEvent)}
}

// BuildRecencyIndex indexes history in a single pass. Events must be supplied
// in insertion order for ties to resolve to the later append.
func BuildRecencyIndex(history ...ChangeEvent) *RecencyIndex {
	index := NewRecencyIndex()
	index.Observe(history...)
	return index
}

// Observe folds events into the index. An event replaces the stored one when
// its ObservedAt is not earlier, so among equal timestamps the last observed
// wins. Unchanged events carry no change and are skipped.
func (idx *RecencyIndex) Observe(events ...ChangeEvent) {
	if idx.latest == nil {
		idx.latest = make(map[Key]ChangeEvent, len(events))
	}
	for _, event := range events {
		if event.Status == StatusUnchanged || event.Status == "" {
			continue
		}
		stored, ok := idx.latest[event.Key]
		if ok && event.ObservedAt.Before(stored.ObservedAt) {
			continue
		}
		idx.latest[event.Key] = event
	}
}

// Lookup returns the latest event for key.
func (idx *RecencyIndex) Lookup(key Key) (ChangeEvent, bool) {
	if idx == nil {
		return ChangeEvent{}, false
	}
	event, ok := idx.latest[key]
	return event, ok
}

// Len returns the number of indexed keys.
func (idx *RecencyIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.latest)
}

// Entries returns the indexed events ordered by key.
func (idx *RecencyIndex) Entries() []ChangeEvent {
	if idx == nil {
		return nil
	}
	out := make([]ChangeEvent, 0, len(idx.latest))
	for _, event := range idx.latest {
		out = append(out, event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Annotation derives the recency annotation for key at now.
func (idx *RecencyIndex) Annotation(key Key, now time.Time, window time.Duration) RecencyAnnotation {
	event, ok := idx.Lookup(key)
	if !ok {
		return RecencyAnnotation{}
	}
	at := event.ObservedAt.UTC()
	return RecencyAnnotation{
		LastChangeAt:     &at,
		LastChangeStatus: event.Status,
		LastChangeDetail: event.Detail,
		RecentlyChanged:  now.Sub(at) <= window,
	}
}

// Annotate attaches recency metadata from index to every row. The index must
// already include the events produced for rows.
func Annotate(rows []DiffRow, index *RecencyIndex, now time.Time, window time.Duration) []AnnotatedRecord {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	out := make([]AnnotatedRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, AnnotatedRecord{
			Record:  row.Record,
			Key:     row.Key,
			Status:  row.Status,
			Recency: index.Annotation(row.Key, now, window),
		})
	}
	return out
}

// SplitAnnotated separates active records from removed ones.
func SplitAnnotated(records []AnnotatedRecord) (active, removed []AnnotatedRecord) {
	for _, record := range records {
		if record.Status == StatusRemoved {
			removed = append(removed, record)
			continue
		}
		active = append(active, record)
	}
	return active, removed
}
