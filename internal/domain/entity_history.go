package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var changeEventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("snaptrack/change-event"))

// FieldChange holds the previous and current value of one tracked field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangeEvent is an immutable record of one entity's status transition.
type ChangeEvent struct {
	ID            uuid.UUID
	Domain        string
	Key           Key
	ObservedAt    time.Time
	Status        Status
	ChangedFields map[string]FieldChange
	Detail        string
	// Seq is the insertion position assigned by the history log.
	Seq int64
}

// NewChangeEvent builds an event with a deterministic ID so a retried run that
// appends the same transition again can be recognised by the store.
func NewChangeEvent(domainName string, key Key, observedAt time.Time, status Status, changed map[string]FieldChange, order []string) ChangeEvent {
	observedAt = observedAt.UTC()
	return ChangeEvent{
		ID:            ChangeEventID(domainName, key, observedAt, status, changed),
		Domain:        domainName,
		Key:           key,
		ObservedAt:    observedAt,
		Status:        status,
		ChangedFields: changed,
		Detail:        DescribeChanges(changed, order),
	}
}

// ChangeEventID derives the event identifier from the transition: domain,
// key, observed_at, status and the old and new value of every changed field.
// Two different changes to a key at the same observed_at get distinct IDs.
func ChangeEventID(domainName string, key Key, observedAt time.Time, status Status, changed map[string]FieldChange) uuid.UUID {
	parts := []string{domainName, string(key), FormatTimestamp(observedAt), string(status)}
	if len(changed) > 0 {
		names := make([]string, 0, len(changed))
		for name := range changed {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			change := changed[name]
			parts = append(parts, name, CanonicalText(change.Old), CanonicalText(change.New))
		}
	}
	return uuid.NewSHA1(changeEventNamespace, []byte(strings.Join(parts, "\x00")))
}

// WithDomain returns a copy of the event bound to domainName with its ID
// recomputed.
func (e ChangeEvent) WithDomain(domainName string) ChangeEvent {
	e.Domain = domainName
	e.ID = ChangeEventID(domainName, e.Key, e.ObservedAt, e.Status, e.ChangedFields)
	return e
}

// DescribeChanges renders changed fields as "Field before: a\nField after: b"
// blocks joined by ", ". Fields follow order, then any remaining fields
// alphabetically.
func DescribeChanges(changed map[string]FieldChange, order []string) string {
	if len(changed) == 0 {
		return ""
	}

	seen := make(map[string]struct{}, len(changed))
	names := make([]string, 0, len(changed))
	for _, name := range order {
		if _, ok := changed[name]; ok {
			names = append(names, name)
			seen[name] = struct{}{}
		}
	}
	rest := make([]string, 0)
	for name := range changed {
		if _, ok := seen[name]; !ok {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	blocks := make([]string, 0, len(names))
	for _, name := range names {
		change := changed[name]
		blocks = append(blocks, fmt.Sprintf("%s before: %s\n%s after: %s", name, CanonicalText(change.Old), name, CanonicalText(change.New)))
	}
	return strings.Join(blocks, ", ")
}
