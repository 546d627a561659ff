package validator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/snaptrack/internal/domain"
)

// RecordValidator checks scraped records against a domain schema.
type RecordValidator struct {
	schema domain.Schema
	fields map[string]domain.FieldDefinition
}

// NewRecordValidator creates a validator bound to schema.
func NewRecordValidator(schema domain.Schema) *RecordValidator {
	fields := make(map[string]domain.FieldDefinition, len(schema.Fields))
	for _, field := range schema.Fields {
		fields[field.Name] = field
	}
	return &RecordValidator{schema: schema, fields: fields}
}

// ValidationError represents a validation error
type ValidationError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

// Err returns a *SnapshotError when the result holds errors.
func (r ValidationResult) Err(domainName string) error {
	if r.IsValid {
		return nil
	}
	return &SnapshotError{Domain: domainName, Errors: r.Errors}
}

// SnapshotError reports the records that failed validation.
type SnapshotError struct {
	Domain string
	Errors []ValidationError
}

func (e *SnapshotError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("snapshot for %s failed validation", e.Domain)
	}
	first := e.Errors[0]
	if len(e.Errors) == 1 {
		return fmt.Sprintf("snapshot for %s failed validation: row %d: %s", e.Domain, first.Row, first.Message)
	}
	return fmt.Sprintf("snapshot for %s failed validation: row %d: %s (and %d more)", e.Domain, first.Row, first.Message, len(e.Errors)-1)
}

// ValidateSnapshot validates every record. Declared fields must hold values of
// their declared type; undeclared fields are carried through with a warning.
func (v *RecordValidator) ValidateSnapshot(snapshot domain.Snapshot) ValidationResult {
	result := ValidationResult{
		IsValid:  true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}
	undeclared := make(map[string]struct{})

	for idx, record := range snapshot.Records {
		for name, value := range record.Fields {
			def, declared := v.fields[name]
			if !declared {
				if _, warned := undeclared[name]; !warned {
					undeclared[name] = struct{}{}
					result.Warnings = append(result.Warnings, ValidationError{
						Row:     idx,
						Field:   name,
						Message: fmt.Sprintf("property '%s' is not defined in schema", name),
					})
				}
				continue
			}
			if domain.IsNull(value) {
				continue
			}
			if err := validateFieldType(name, value, def.Type); err != nil {
				result.IsValid = false
				result.Errors = append(result.Errors, ValidationError{
					Row:     idx,
					Field:   name,
					Message: err.Error(),
					Value:   value,
				})
			}
		}
	}

	return result
}

// validateFieldType validates the type of a field value
func validateFieldType(fieldName string, value any, expectedType domain.FieldType) error {
	expectedType, err := domain.ParseFieldType(string(expectedType))
	if err != nil {
		return err
	}

	switch expectedType {
	case domain.FieldTypeString:
		switch value.(type) {
		case string, float64:
		default:
			return fmt.Errorf("field '%s' must be a string, got %T", fieldName, value)
		}
	case domain.FieldTypeInteger:
		if !isInteger(value) {
			return fmt.Errorf("field '%s' must be an integer, got %v", fieldName, value)
		}
	case domain.FieldTypeFloat:
		if !isFloat(value) {
			return fmt.Errorf("field '%s' must be a number, got %v", fieldName, value)
		}
	case domain.FieldTypeBoolean:
		switch v := value.(type) {
		case bool:
		case string:
			if _, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v))); err != nil {
				return fmt.Errorf("field '%s' must be a boolean, got %q", fieldName, v)
			}
		default:
			return fmt.Errorf("field '%s' must be a boolean, got %T", fieldName, value)
		}
	case domain.FieldTypeTimestamp:
		switch v := value.(type) {
		case string:
			if _, err := domain.ParseTimestamp(v); err != nil {
				return fmt.Errorf("field '%s' must be a valid timestamp: %v", fieldName, err)
			}
		case time.Time:
		default:
			return fmt.Errorf("field '%s' must be a timestamp string, got %T", fieldName, value)
		}
	}

	return nil
}

func isInteger(value any) bool {
	if text, ok := value.(string); ok {
		if _, exact := domain.ExactInteger(text); exact {
			return true
		}
	}
	f, ok := domain.ToFloat(value)
	return ok && f == float64(int64(f))
}

func isFloat(value any) bool {
	_, ok := domain.ToFloat(value)
	return ok
}
