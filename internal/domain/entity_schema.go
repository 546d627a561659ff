package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FieldType represents the declared type of a field in a domain schema
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
)

// DefaultRecencyWindow is used when a schema does not declare one.
const DefaultRecencyWindow = 7 * 24 * time.Hour

// DefaultObservedAtField names the column observed_at is persisted under.
const DefaultObservedAtField = "observed_at"

// Reserved columns added to persisted snapshot records.
const (
	ColumnStatus           = "status"
	ColumnLastChangeAt     = "last_change_at"
	ColumnLastChangeStatus = "last_change_status"
	ColumnLastChangeDetail = "last_change_detail"
	ColumnRecentlyChanged  = "recently_changed"
)

var reservedColumns = map[string]struct{}{
	ColumnStatus:           {},
	ColumnLastChangeAt:     {},
	ColumnLastChangeStatus: {},
	ColumnLastChangeDetail: {},
	ColumnRecentlyChanged:  {},
}

// IsReservedColumn reports whether name is one of the annotation columns.
func IsReservedColumn(name string) bool {
	_, ok := reservedColumns[name]
	return ok
}

// ParseFieldType maps a configuration string onto a FieldType.
func ParseFieldType(raw string) (FieldType, error) {
	switch FieldType(strings.ToLower(strings.TrimSpace(raw))) {
	case FieldTypeString, "":
		return FieldTypeString, nil
	case FieldTypeInteger, "int":
		return FieldTypeInteger, nil
	case FieldTypeFloat, "number", "numeric":
		return FieldTypeFloat, nil
	case FieldTypeBoolean, "bool":
		return FieldTypeBoolean, nil
	case FieldTypeTimestamp, "datetime":
		return FieldTypeTimestamp, nil
	default:
		return "", fmt.Errorf("unknown field type %q", raw)
	}
}

// IsNumeric reports whether values of this type normalise to float64.
func (ft FieldType) IsNumeric() bool {
	return ft == FieldTypeInteger || ft == FieldTypeFloat
}

// FieldDefinition represents a field definition in a schema
type FieldDefinition struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// SummarySpec declares how the Aggregator groups a domain.
type SummarySpec struct {
	GroupBy []string `json:"group_by"`
	Metric  string   `json:"metric"`
}

// Schema describes one tracked domain: its fields, identity and the fields
// that participate in change detection.
type Schema struct {
	Name                string            `json:"name"`
	Fields              []FieldDefinition `json:"fields"`
	KeyFields           []string          `json:"key_fields"`
	TrackedFields       []string          `json:"tracked_fields"`
	ObservedAtField     string            `json:"observed_at_field"`
	RecencyWindow       time.Duration     `json:"recency_window"`
	AllowSchemaMismatch bool              `json:"allow_schema_mismatch"`
	Summary             *SummarySpec      `json:"summary,omitempty"`
}

// Field returns the definition for name.
func (s Schema) Field(name string) (FieldDefinition, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// FieldType returns the declared type for name, defaulting to string for
// undeclared carried-through fields.
func (s Schema) FieldType(name string) FieldType {
	if field, ok := s.Field(name); ok && field.Type != "" {
		return field.Type
	}
	return FieldTypeString
}

// FieldNames returns the declared field names in order.
func (s Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, field := range s.Fields {
		names = append(names, field.Name)
	}
	return names
}

// ObservedAtColumn returns the column observed_at is stored under.
func (s Schema) ObservedAtColumn() string {
	if strings.TrimSpace(s.ObservedAtField) == "" {
		return DefaultObservedAtField
	}
	return s.ObservedAtField
}

// Window returns the recency window, falling back to DefaultRecencyWindow.
func (s Schema) Window() time.Duration {
	if s.RecencyWindow <= 0 {
		return DefaultRecencyWindow
	}
	return s.RecencyWindow
}

// DiffOptions derives the comparison policy for this schema.
func (s Schema) DiffOptions() DiffOptions {
	types := make(map[string]FieldType, len(s.Fields))
	for _, field := range s.Fields {
		types[field.Name] = s.FieldType(field.Name)
	}
	return DiffOptions{
		Domain:              s.Name,
		FieldTypes:          types,
		KeyFields:           copyStrings(s.KeyFields),
		TrackedFields:       copyStrings(s.TrackedFields),
		AllowSchemaMismatch: s.AllowSchemaMismatch,
	}
}

// Validate checks the schema declaration is internally consistent.
func (s Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("schema name is required")
	}
	if len(s.KeyFields) == 0 {
		return fmt.Errorf("schema %s: at least one key field is required", s.Name)
	}

	declared := make(map[string]struct{}, len(s.Fields))
	for _, field := range s.Fields {
		name := strings.TrimSpace(field.Name)
		if name == "" {
			return fmt.Errorf("schema %s: field name is required", s.Name)
		}
		if IsReservedColumn(name) {
			return fmt.Errorf("schema %s: field %s uses a reserved column name", s.Name, name)
		}
		if name == s.ObservedAtColumn() {
			return fmt.Errorf("schema %s: field %s collides with the observed-at column", s.Name, name)
		}
		if _, dup := declared[name]; dup {
			return fmt.Errorf("schema %s: field %s declared twice", s.Name, name)
		}
		if _, err := ParseFieldType(string(field.Type)); err != nil {
			return fmt.Errorf("schema %s: field %s: %w", s.Name, name, err)
		}
		declared[name] = struct{}{}
	}

	keys := make(map[string]struct{}, len(s.KeyFields))
	for _, key := range s.KeyFields {
		if _, ok := declared[key]; !ok {
			return fmt.Errorf("schema %s: key field %s is not declared", s.Name, key)
		}
		keys[key] = struct{}{}
	}
	for _, tracked := range s.TrackedFields {
		if _, ok := declared[tracked]; !ok {
			return fmt.Errorf("schema %s: tracked field %s is not declared", s.Name, tracked)
		}
		if _, isKey := keys[tracked]; isKey {
			return fmt.Errorf("schema %s: tracked field %s is also a key field", s.Name, tracked)
		}
	}

	if s.Summary != nil {
		if len(s.Summary.GroupBy) == 0 {
			return fmt.Errorf("schema %s: summary requires group_by fields", s.Name)
		}
		for _, group := range s.Summary.GroupBy {
			if _, ok := declared[group]; !ok {
				return fmt.Errorf("schema %s: summary group field %s is not declared", s.Name, group)
			}
		}
		if _, ok := declared[s.Summary.Metric]; !ok {
			return fmt.Errorf("schema %s: summary metric %s is not declared", s.Name, s.Summary.Metric)
		}
		if !s.FieldType(s.Summary.Metric).IsNumeric() {
			return fmt.Errorf("schema %s: summary metric %s must be numeric", s.Name, s.Summary.Metric)
		}
	}

	return nil
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
