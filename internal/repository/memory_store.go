package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/snaptrack/internal/domain"
)

type memoryDomain struct {
	current []domain.AnnotatedRecord
	removed []domain.AnnotatedRecord
	summary []domain.SummaryRow
	history []domain.ChangeEvent
	seen    map[uuid.UUID]struct{}
}

// MemoryStore keeps every artifact in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	domains map[string]*memoryDomain
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{domains: make(map[string]*memoryDomain)}
}

func (s *MemoryStore) forDomain(name string) *memoryDomain {
	d, ok := s.domains[name]
	if !ok {
		d = &memoryDomain{seen: make(map[uuid.UUID]struct{})}
		s.domains[name] = d
	}
	return d
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, domainName string) (domain.Snapshot, error) {
	current, err := s.LoadCurrent(ctx, domainName)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return SnapshotFromAnnotated(current), nil
}

func (s *MemoryStore) LoadCurrent(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.domains[domainName]; ok {
		return cloneAnnotated(d.current), nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forDomain(domainName).current = cloneAnnotated(records)
	return nil
}

func (s *MemoryStore) SaveRemoved(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.forDomain(domainName)
	d.removed = append(d.removed, cloneAnnotated(unarchived(d.removed, records))...)
	return nil
}

func (s *MemoryStore) LoadRemoved(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.domains[domainName]; ok {
		return cloneAnnotated(d.removed), nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveSummary(ctx context.Context, domainName string, rows []domain.SummaryRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forDomain(domainName).summary = append([]domain.SummaryRow(nil), rows...)
	return nil
}

func (s *MemoryStore) LoadSummary(ctx context.Context, domainName string) ([]domain.SummaryRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.domains[domainName]; ok {
		return append([]domain.SummaryRow(nil), d.summary...), nil
	}
	return nil, nil
}

func (s *MemoryStore) LoadHistory(ctx context.Context, domainName string) ([]domain.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.domains[domainName]; ok {
		return append([]domain.ChangeEvent(nil), d.history...), nil
	}
	return nil, nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, domainName string, events []domain.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.forDomain(domainName)
	for _, event := range events {
		if _, dup := d.seen[event.ID]; dup {
			continue
		}
		d.seen[event.ID] = struct{}{}
		event.Domain = domainName
		event.Seq = int64(len(d.history) + 1)
		d.history = append(d.history, event)
	}
	return nil
}

func (s *MemoryStore) HistoryForKeys(ctx context.Context, domainName string, keys []string) (map[string][]domain.ChangeEvent, error) {
	history, err := s.LoadHistory(ctx, domainName)
	if err != nil {
		return nil, err
	}
	return GroupHistory(history, keys), nil
}

// SnapshotFromAnnotated strips annotations from persisted records. The
// snapshot time is the latest record observed_at.
func SnapshotFromAnnotated(records []domain.AnnotatedRecord) domain.Snapshot {
	snapshot := domain.Snapshot{Records: make([]domain.Record, 0, len(records))}
	for _, record := range records {
		if record.ObservedAt.After(snapshot.ObservedAt) {
			snapshot.ObservedAt = record.ObservedAt
		}
		snapshot.Records = append(snapshot.Records, record.Record.Clone())
	}
	return snapshot
}

// GroupHistory selects the events of keys, preserving insertion order.
func GroupHistory(history []domain.ChangeEvent, keys []string) map[string][]domain.ChangeEvent {
	wanted := keySet(keys)
	out := make(map[string][]domain.ChangeEvent, len(keys))
	for _, event := range history {
		key := string(event.Key)
		if _, ok := wanted[key]; !ok {
			continue
		}
		out[key] = append(out[key], event)
	}
	return out
}

func cloneAnnotated(records []domain.AnnotatedRecord) []domain.AnnotatedRecord {
	if records == nil {
		return nil
	}
	out := make([]domain.AnnotatedRecord, len(records))
	for i, record := range records {
		out[i] = record
		out[i].Record = record.Record.Clone()
	}
	return out
}
