package repository

import (
	"context"
	"errors"

	"github.com/rpattn/snaptrack/internal/domain"
)

// ErrUnknownDomain is returned by backends that need a schema for a domain
// they were not configured with.
var ErrUnknownDomain = errors.New("unknown domain")

// SnapshotRepository persists the current snapshot, the removed archive and
// the summary table of each domain.
type SnapshotRepository interface {
	// LoadSnapshot returns the persisted current snapshot, empty on first run.
	LoadSnapshot(ctx context.Context, domainName string) (domain.Snapshot, error)
	SaveSnapshot(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error
	// SaveRemoved appends to the removed archive.
	SaveRemoved(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error
	LoadRemoved(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error)
	LoadCurrent(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error)
	SaveSummary(ctx context.Context, domainName string, rows []domain.SummaryRow) error
	LoadSummary(ctx context.Context, domainName string) ([]domain.SummaryRow, error)
}

// HistoryRepository is the append-only change log.
type HistoryRepository interface {
	// LoadHistory returns every event in insertion order.
	LoadHistory(ctx context.Context, domainName string) ([]domain.ChangeEvent, error)
	// AppendHistory appends events in order. Events whose ID is already in the
	// log are skipped.
	AppendHistory(ctx context.Context, domainName string, events []domain.ChangeEvent) error
	HistoryForKeys(ctx context.Context, domainName string, keys []string) (map[string][]domain.ChangeEvent, error)
}

// Store combines snapshot and history persistence.
type Store interface {
	SnapshotRepository
	HistoryRepository
}

// RunOutput is everything one run persists.
type RunOutput struct {
	Current []domain.AnnotatedRecord
	Removed []domain.AnnotatedRecord
	Events  []domain.ChangeEvent
	Summary []domain.SummaryRow
	// WriteSummary is false when the domain has no summary configured, leaving any
	// stored summary untouched.
	WriteSummary bool
}

// RunCommitter is implemented by stores that can persist a run atomically.
type RunCommitter interface {
	CommitRun(ctx context.Context, domainName string, out RunOutput) error
}

// LatestChangeRepository exposes the latest-change-per-key side table.
type LatestChangeRepository interface {
	LoadLatestChanges(ctx context.Context, domainName string) ([]domain.ChangeEvent, error)
	RebuildLatestChanges(ctx context.Context, domainName string) (int, error)
}

// removedIdentity identifies one archived removal. A retried run archives the
// same key at the same observed_at again; stores keep only the first.
func removedIdentity(record domain.AnnotatedRecord) string {
	return string(record.Key) + "\x00" + domain.FormatTimestamp(record.ObservedAt)
}

// unarchived returns the records of incoming not yet present in archived,
// also dropping repeats within incoming.
func unarchived(archived, incoming []domain.AnnotatedRecord) []domain.AnnotatedRecord {
	seen := make(map[string]struct{}, len(archived)+len(incoming))
	for _, record := range archived {
		seen[removedIdentity(record)] = struct{}{}
	}
	out := make([]domain.AnnotatedRecord, 0, len(incoming))
	for _, record := range incoming {
		id := removedIdentity(record)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, record)
	}
	return out
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}
