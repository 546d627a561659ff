package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordCodec converts records to and from flat field -> value rows. Nulls are
// written explicitly and timestamps as ISO-8601 text.
type RecordCodec struct {
	ObservedAtField string
	KeyFields       []string
	Types           map[string]FieldType
}

// Codec returns the row codec for this schema.
func (s Schema) Codec() RecordCodec {
	types := make(map[string]FieldType, len(s.Fields))
	for _, field := range s.Fields {
		types[field.Name] = s.FieldType(field.Name)
	}
	return RecordCodec{
		ObservedAtField: s.ObservedAtColumn(),
		KeyFields:       copyStrings(s.KeyFields),
		Types:           types,
	}
}

func (c RecordCodec) observedAtField() string {
	if c.ObservedAtField == "" {
		return DefaultObservedAtField
	}
	return c.ObservedAtField
}

// EncodeRecord flattens a record.
func (c RecordCodec) EncodeRecord(record Record) map[string]any {
	row := make(map[string]any, len(record.Fields)+1)
	for name, value := range record.Fields {
		row[name] = EncodeValue(value)
	}
	row[c.observedAtField()] = FormatTimestamp(record.ObservedAt)
	return row
}

// EncodeAnnotated flattens an annotated record including the reserved columns.
func (c RecordCodec) EncodeAnnotated(record AnnotatedRecord) map[string]any {
	row := c.EncodeRecord(record.Record)
	row[ColumnStatus] = string(record.Status)
	row[ColumnLastChangeAt] = nil
	if record.Recency.LastChangeAt != nil {
		row[ColumnLastChangeAt] = FormatTimestamp(*record.Recency.LastChangeAt)
	}
	row[ColumnLastChangeStatus] = nil
	if record.Recency.LastChangeStatus != "" {
		row[ColumnLastChangeStatus] = string(record.Recency.LastChangeStatus)
	}
	row[ColumnLastChangeDetail] = nil
	if record.Recency.LastChangeDetail != "" {
		row[ColumnLastChangeDetail] = record.Recency.LastChangeDetail
	}
	row[ColumnRecentlyChanged] = record.Recency.RecentlyChanged
	return row
}

// DecodeRecord restores a record from a flat row. Reserved annotation columns
// are dropped; the observed-at column populates ObservedAt.
func (c RecordCodec) DecodeRecord(row map[string]any) (Record, error) {
	record := Record{Fields: make(map[string]any, len(row))}
	for name, value := range row {
		if IsReservedColumn(name) {
			continue
		}
		if name == c.observedAtField() {
			ts, err := decodeTimestamp(value)
			if err != nil {
				return Record{}, fmt.Errorf("decode %s: %w", name, err)
			}
			if ts != nil {
				record.ObservedAt = *ts
			}
			continue
		}
		if fieldType, ok := c.Types[name]; ok {
			record.Fields[name] = NormalizeTyped(fieldType, value)
			continue
		}
		record.Fields[name] = NormalizeValue(value)
	}
	return record, nil
}

// DecodeAnnotated restores an annotated record from a flat row.
func (c RecordCodec) DecodeAnnotated(row map[string]any) (AnnotatedRecord, error) {
	record, err := c.DecodeRecord(row)
	if err != nil {
		return AnnotatedRecord{}, err
	}
	out := AnnotatedRecord{Record: record}
	if len(c.KeyFields) > 0 {
		if key, _, ok := record.Key(c.KeyFields); ok {
			out.Key = key
		}
	}
	if raw, ok := row[ColumnStatus].(string); ok {
		out.Status, _ = ParseStatus(raw)
	}
	lastAt, err := decodeTimestamp(row[ColumnLastChangeAt])
	if err != nil {
		return AnnotatedRecord{}, fmt.Errorf("decode %s: %w", ColumnLastChangeAt, err)
	}
	out.Recency.LastChangeAt = lastAt
	if raw, ok := row[ColumnLastChangeStatus].(string); ok {
		out.Recency.LastChangeStatus, _ = ParseStatus(raw)
	}
	if raw, ok := row[ColumnLastChangeDetail].(string); ok {
		out.Recency.LastChangeDetail = raw
	}
	switch v := row[ColumnRecentlyChanged].(type) {
	case bool:
		out.Recency.RecentlyChanged = v
	case string:
		out.Recency.RecentlyChanged = v == "true" || v == "TRUE" || v == "1"
	case float64:
		out.Recency.RecentlyChanged = v != 0
	}
	return out, nil
}

// DecodeSnapshot decodes rows into a snapshot. The snapshot's ObservedAt is
// the latest record ObservedAt.
func (c RecordCodec) DecodeSnapshot(rows []map[string]any) (Snapshot, error) {
	snapshot := Snapshot{Records: make([]Record, 0, len(rows))}
	for idx, row := range rows {
		record, err := c.DecodeRecord(row)
		if err != nil {
			return Snapshot{}, fmt.Errorf("row %d: %w", idx, err)
		}
		if record.ObservedAt.After(snapshot.ObservedAt) {
			snapshot.ObservedAt = record.ObservedAt
		}
		snapshot.Records = append(snapshot.Records, record)
	}
	return snapshot, nil
}

// EncodeSummaryRow flattens a summary row using SummaryColumns naming.
func EncodeSummaryRow(groupBy []string, metric string, row SummaryRow) map[string]any {
	columns := SummaryColumns(groupBy, metric)
	out := make(map[string]any, len(columns))
	for i, field := range groupBy {
		var value any
		if i < len(row.Group) {
			value = EncodeValue(row.Group[i])
		}
		out[field] = value
	}
	stats := columns[len(groupBy):]
	out[stats[0]] = row.Count
	out[stats[1]] = floatOrNil(row.Avg)
	out[stats[2]] = floatOrNil(row.Max)
	out[stats[3]] = floatOrNil(row.Min)
	out[stats[4]] = floatOrNil(row.Median)
	return out
}

// DecodeSummaryRow is the inverse of EncodeSummaryRow.
func DecodeSummaryRow(groupBy []string, metric string, flat map[string]any) SummaryRow {
	columns := SummaryColumns(groupBy, metric)
	row := SummaryRow{Group: make([]any, len(groupBy))}
	for i, field := range groupBy {
		row.Group[i] = NormalizeValue(flat[field])
	}
	stats := columns[len(groupBy):]
	if count, ok := ToFloat(flat[stats[0]]); ok {
		row.Count = int(count)
	}
	row.Avg = floatPtr(flat[stats[1]])
	row.Max = floatPtr(flat[stats[2]])
	row.Min = floatPtr(flat[stats[3]])
	row.Median = floatPtr(flat[stats[4]])
	return row
}

type changeEventDocument struct {
	ID            string                 `json:"id"`
	Seq           int64                  `json:"seq"`
	Domain        string                 `json:"domain,omitempty"`
	Key           string                 `json:"key"`
	ObservedAt    string                 `json:"observed_at"`
	Status        string                 `json:"status"`
	ChangedFields map[string]FieldChange `json:"changed_fields"`
	Detail        string                 `json:"detail"`
}

// MarshalJSON encodes the event as a flat document.
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	changed := make(map[string]FieldChange, len(e.ChangedFields))
	for name, change := range e.ChangedFields {
		changed[name] = FieldChange{Old: EncodeValue(change.Old), New: EncodeValue(change.New)}
	}
	return json.Marshal(changeEventDocument{
		ID:            e.ID.String(),
		Seq:           e.Seq,
		Domain:        e.Domain,
		Key:           string(e.Key),
		ObservedAt:    FormatTimestamp(e.ObservedAt),
		Status:        string(e.Status),
		ChangedFields: changed,
		Detail:        e.Detail,
	})
}

// UnmarshalJSON decodes a document written by MarshalJSON. A missing id is
// derived from the event's identity.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var doc changeEventDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	observedAt, err := ParseTimestamp(doc.ObservedAt)
	if err != nil {
		return fmt.Errorf("decode change event observed_at: %w", err)
	}
	status, ok := ParseStatus(doc.Status)
	if !ok {
		return fmt.Errorf("decode change event: unknown status %q", doc.Status)
	}

	event := ChangeEvent{
		Domain:     doc.Domain,
		Key:        Key(doc.Key),
		ObservedAt: observedAt,
		Status:     status,
		Detail:     doc.Detail,
		Seq:        doc.Seq,
	}
	if len(doc.ChangedFields) > 0 {
		event.ChangedFields = make(map[string]FieldChange, len(doc.ChangedFields))
		for name, change := range doc.ChangedFields {
			event.ChangedFields[name] = FieldChange{Old: NormalizeValue(change.Old), New: NormalizeValue(change.New)}
		}
	}
	if doc.ID == "" {
		event.ID = ChangeEventID(event.Domain, event.Key, event.ObservedAt, event.Status, event.ChangedFields)
	} else {
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			return fmt.Errorf("decode change event id: %w", err)
		}
		event.ID = id
	}
	*e = event
	return nil
}

// EncodeFields prepares a field map for JSON storage.
func EncodeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		out[name] = EncodeValue(value)
	}
	return out
}

// DecodeFields normalises a field map read back from JSON storage.
func DecodeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		out[name] = NormalizeValue(value)
	}
	return out
}

// EncodeValue converts a scalar to its JSON storage form.
func EncodeValue(value any) any {
	switch v := NormalizeValue(value).(type) {
	case time.Time:
		return FormatTimestamp(v)
	default:
		return v
	}
}

func decodeTimestamp(value any) (*time.Time, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		ts := v.UTC()
		return &ts, nil
	case string:
		if v == "" {
			return nil, nil
		}
		ts, err := ParseTimestamp(v)
		if err != nil {
			return nil, err
		}
		return &ts, nil
	default:
		return nil, fmt.Errorf("unsupported timestamp value %T", value)
	}
}

func floatOrNil(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func floatPtr(value any) *float64 {
	if f, ok := ToFloat(value); ok {
		return &f
	}
	return nil
}
