package domain

import (
	"errors"
	"fmt"
)

// ErrObservedAtRequired is returned when the current snapshot has no scrape time.
var ErrObservedAtRequired = errors.New("current snapshot observed_at is required")

// Side names which input of a comparison a data error was found in.
type Side string

const (
	SidePrevious Side = "previous"
	SideCurrent  Side = "current"
)

// DuplicateKeyError is returned when a snapshot repeats an entity key.
type DuplicateKeyError struct {
	Side  Side
	Key   Key
	Count int
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %q appears %d times in %s snapshot", e.Key, e.Count, e.Side)
}

// SchemaMismatchError is returned when a tracked field is absent from every
// record on one side of a comparison.
type SchemaMismatchError struct {
	Side  Side
	Field string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("tracked field %s is absent from every record in %s snapshot", e.Field, e.Side)
}

// MissingKeyError is returned when a record lacks a value for a key field.
type MissingKeyError struct {
	Side  Side
	Index int
	Field string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("record %d in %s snapshot has no value for key field %s", e.Index, e.Side, e.Field)
}
