package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rpattn/snaptrack/internal/domain"
)

// Document names inside a domain's folder.
const (
	CurrentDocument = "current.json"
	RemovedDocument = "removed.json"
	HistoryDocument = "change_history.json"
	SummaryDocument = "summary.json"
)

// BlobStore keeps one JSON document per artifact under <prefix><domain>/.
// Each artifact is written whole, so a run is not atomic across documents.
type BlobStore struct {
	bucket  Bucket
	prefix  string
	schemas map[string]domain.Schema
}

// NewBlobStore creates a store for the given domain schemas.
func NewBlobStore(bucket Bucket, prefix string, schemas ...domain.Schema) *BlobStore {
	byName := make(map[string]domain.Schema, len(schemas))
	for _, schema := range schemas {
		byName[schema.Name] = schema
	}
	return &BlobStore{bucket: bucket, prefix: prefix, schemas: byName}
}

func (s *BlobStore) object(domainName, document string) string {
	return s.prefix + domainName + "/" + document
}

func (s *BlobStore) schema(domainName string) (domain.Schema, error) {
	schema, ok := s.schemas[domainName]
	if !ok {
		return domain.Schema{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domainName)
	}
	return schema, nil
}

func (s *BlobStore) readRows(ctx context.Context, name string) ([]map[string]any, error) {
	data, err := s.bucket.Get(ctx, name)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return rows, nil
}

func (s *BlobStore) writeJSON(ctx context.Context, name string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return s.bucket.Put(ctx, name, data)
}

func (s *BlobStore) loadAnnotated(ctx context.Context, domainName, document string) ([]domain.AnnotatedRecord, error) {
	schema, err := s.schema(domainName)
	if err != nil {
		return nil, err
	}
	rows, err := s.readRows(ctx, s.object(domainName, document))
	if err != nil {
		return nil, err
	}
	codec := schema.Codec()
	out := make([]domain.AnnotatedRecord, 0, len(rows))
	for idx, row := range rows {
		record, err := codec.DecodeAnnotated(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", document, idx, err)
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *BlobStore) encodeAnnotated(domainName string, records []domain.AnnotatedRecord) ([]map[string]any, error) {
	schema, err := s.schema(domainName)
	if err != nil {
		return nil, err
	}
	codec := schema.Codec()
	rows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		rows = append(rows, codec.EncodeAnnotated(record))
	}
	return rows, nil
}

func (s *BlobStore) LoadSnapshot(ctx context.Context, domainName string) (domain.Snapshot, error) {
	current, err := s.LoadCurrent(ctx, domainName)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return SnapshotFromAnnotated(current), nil
}

func (s *BlobStore) LoadCurrent(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	return s.loadAnnotated(ctx, domainName, CurrentDocument)
}

func (s *BlobStore) LoadRemoved(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	return s.loadAnnotated(ctx, domainName, RemovedDocument)
}

func (s *BlobStore) SaveSnapshot(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	rows, err := s.encodeAnnotated(domainName, records)
	if err != nil {
		return err
	}
	return s.writeJSON(ctx, s.object(domainName, CurrentDocument), rows)
}

// SaveRemoved rewrites removed.json with records appended. Records already
// archived for the same key and observed_at are skipped.
func (s *BlobStore) SaveRemoved(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	if len(records) == 0 {
		return nil
	}
	name := s.object(domainName, RemovedDocument)
	existing, err := s.readRows(ctx, name)
	if err != nil {
		return err
	}
	archived, err := s.loadAnnotated(ctx, domainName, RemovedDocument)
	if err != nil {
		return err
	}
	fresh := unarchived(archived, records)
	if len(fresh) == 0 {
		return nil
	}
	rows, err := s.encodeAnnotated(domainName, fresh)
	if err != nil {
		return err
	}
	return s.writeJSON(ctx, name, append(existing, rows...))
}

func (s *BlobStore) SaveSummary(ctx context.Context, domainName string, rows []domain.SummaryRow) error {
	schema, err := s.schema(domainName)
	if err != nil {
		return err
	}
	groupBy, metric := summaryShape(schema)
	flat := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		flat = append(flat, domain.EncodeSummaryRow(groupBy, metric, row))
	}
	return s.writeJSON(ctx, s.object(domainName, SummaryDocument), flat)
}

func (s *BlobStore) LoadSummary(ctx context.Context, domainName string) ([]domain.SummaryRow, error) {
	schema, err := s.schema(domainName)
	if err != nil {
		return nil, err
	}
	flat, err := s.readRows(ctx, s.object(domainName, SummaryDocument))
	if err != nil {
		return nil, err
	}
	groupBy, metric := summaryShape(schema)
	rows := make([]domain.SummaryRow, 0, len(flat))
	for _, row := range flat {
		rows = append(rows, domain.DecodeSummaryRow(groupBy, metric, row))
	}
	return rows, nil
}

func (s *BlobStore) LoadHistory(ctx context.Context, domainName string) ([]domain.ChangeEvent, error) {
	data, err := s.bucket.Get(ctx, s.object(domainName, HistoryDocument))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []domain.ChangeEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", HistoryDocument, err)
	}
	for i := range events {
		events[i].Domain = domainName
		if events[i].Seq == 0 {
			events[i].Seq = int64(i + 1)
		}
	}
	return events, nil
}

// AppendHistory rewrites change_history.json with unseen events appended.
func (s *BlobStore) AppendHistory(ctx context.Context, domainName string, events []domain.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	history, err := s.LoadHistory(ctx, domainName)
	if err != nil {
		return err
	}
	seen := make(map[uuid.UUID]struct{}, len(history))
	var next int64 = 1
	for _, event := range history {
		seen[event.ID] = struct{}{}
		if event.Seq >= next {
			next = event.Seq + 1
		}
	}
	appended := false
	for _, event := range events {
		if _, dup := seen[event.ID]; dup {
			continue
		}
		seen[event.ID] = struct{}{}
		event.Domain = domainName
		event.Seq = next
		next++
		history = append(history, event)
		appended = true
	}
	if !appended {
		return nil
	}
	return s.writeJSON(ctx, s.object(domainName, HistoryDocument), history)
}

func (s *BlobStore) HistoryForKeys(ctx context.Context, domainName string, keys []string) (map[string][]domain.ChangeEvent, error) {
	history, err := s.LoadHistory(ctx, domainName)
	if err != nil {
		return nil, err
	}
	return GroupHistory(history, keys), nil
}

func summaryShape(schema domain.Schema) ([]string, string) {
	if schema.Summary == nil {
		return nil, ""
	}
	return schema.Summary.GroupBy, schema.Summary.Metric
}
