package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rpattn/snaptrack/internal/domain"
)

// storedRecord is the column layout shared by snapshot_records and
// removed_records.
type storedRecord struct {
	Key              string
	ObservedAt       time.Time
	Status           string
	Fields           []byte
	LastChangeAt     *time.Time
	LastChangeStatus *string
	LastChangeDetail *string
	RecentlyChanged  bool
}

func toStoredRecord(record domain.AnnotatedRecord) (storedRecord, error) {
	fields, err := json.Marshal(domain.EncodeFields(record.Fields))
	if err != nil {
		return storedRecord{}, fmt.Errorf("failed to encode record %s: %w", record.Key, err)
	}
	stored := storedRecord{
		Key:             string(record.Key),
		ObservedAt:      record.ObservedAt.UTC(),
		Status:          string(record.Status),
		Fields:          fields,
		LastChangeAt:    record.Recency.LastChangeAt,
		RecentlyChanged: record.Recency.RecentlyChanged,
	}
	if record.Recency.LastChangeStatus != "" {
		status := string(record.Recency.LastChangeStatus)
		stored.LastChangeStatus = &status
	}
	if record.Recency.LastChangeDetail != "" {
		detail := record.Recency.LastChangeDetail
		stored.LastChangeDetail = &detail
	}
	return stored, nil
}

func (s storedRecord) annotated() (domain.AnnotatedRecord, error) {
	var fields map[string]any
	if err := json.Unmarshal(s.Fields, &fields); err != nil {
		return domain.AnnotatedRecord{}, fmt.Errorf("failed to decode record %s: %w", s.Key, err)
	}
	status, _ := domain.ParseStatus(s.Status)
	record := domain.AnnotatedRecord{
		Record: domain.Record{Fields: domain.DecodeFields(fields), ObservedAt: s.ObservedAt.UTC()},
		Key:    domain.Key(s.Key),
		Status: status,
	}
	if s.LastChangeAt != nil {
		at := s.LastChangeAt.UTC()
		record.Recency.LastChangeAt = &at
	}
	if s.LastChangeStatus != nil {
		record.Recency.LastChangeStatus, _ = domain.ParseStatus(*s.LastChangeStatus)
	}
	if s.LastChangeDetail != nil {
		record.Recency.LastChangeDetail = *s.LastChangeDetail
	}
	record.Recency.RecentlyChanged = s.RecentlyChanged
	return record, nil
}

func encodeChanges(changes map[string]domain.FieldChange) ([]byte, error) {
	encoded := make(map[string]domain.FieldChange, len(changes))
	for name, change := range changes {
		encoded[name] = domain.FieldChange{Old: domain.EncodeValue(change.Old), New: domain.EncodeValue(change.New)}
	}
	return json.Marshal(encoded)
}

func decodeChanges(raw []byte) (map[string]domain.FieldChange, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var decoded map[string]domain.FieldChange
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode changed fields: %w", err)
	}
	if len(decoded) == 0 {
		return nil, nil
	}
	for name, change := range decoded {
		decoded[name] = domain.FieldChange{Old: domain.NormalizeValue(change.Old), New: domain.NormalizeValue(change.New)}
	}
	return decoded, nil
}

func encodeGroup(values []any) ([]byte, error) {
	flat := make([]any, len(values))
	for i, value := range values {
		flat[i] = domain.EncodeValue(value)
	}
	return json.Marshal(flat)
}

func decodeGroup(raw []byte) ([]any, error) {
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("failed to decode summary group: %w", err)
	}
	for i, value := range values {
		values[i] = domain.NormalizeValue(value)
	}
	return values, nil
}
