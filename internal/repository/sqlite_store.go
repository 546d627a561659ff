package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/snaptrack/internal/domain"
)

// sqliteTime is fixed width so stored timestamps compare lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore persists runs in an embedded SQLite database. It implements
// Store, RunCommitter and LatestChangeRepository.
type SQLiteStore struct {
	DB *sql.DB
}

// NewSQLiteStore wraps an opened database with the schema applied.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{DB: db}
}

func (s *SQLiteStore) ready() error {
	if s.DB == nil {
		return fmt.Errorf("sqlite store not initialized")
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseSQLiteTime(raw string) (time.Time, error) {
	return domain.ParseTimestamp(raw)
}

const sqliteRecordColumns = `entity_key, observed_at, status, fields, last_change_at, last_change_status, last_change_detail, recently_changed`

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, domainName string) (domain.Snapshot, error) {
	current, err := s.LoadCurrent(ctx, domainName)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return SnapshotFromAnnotated(current), nil
}

func (s *SQLiteStore) LoadCurrent(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return sqliteLoadRecords(ctx, s.DB,
		`SELECT `+sqliteRecordColumns+` FROM snapshot_records WHERE domain = ? ORDER BY position`, domainName)
}

func (s *SQLiteStore) LoadRemoved(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return sqliteLoadRecords(ctx, s.DB,
		`SELECT `+sqliteRecordColumns+` FROM removed_records WHERE domain = ? ORDER BY id`, domainName)
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteReplaceSnapshot(ctx, tx, domainName, records)
	})
}

func (s *SQLiteStore) SaveRemoved(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteAppendRemoved(ctx, tx, domainName, records)
	})
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, domainName string, rows []domain.SummaryRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteReplaceSummary(ctx, tx, domainName, rows)
	})
}

func (s *SQLiteStore) LoadSummary(ctx context.Context, domainName string) ([]domain.SummaryRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT group_values, count, avg, max, min, median FROM summary_rows WHERE domain = ? ORDER BY position`, domainName)
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	defer rows.Close()

	var out []domain.SummaryRow
	for rows.Next() {
		var (
			group                 string
			row                   domain.SummaryRow
			avg, max, min, median sql.NullFloat64
		)
		if err := rows.Scan(&group, &row.Count, &avg, &max, &min, &median); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		if row.Group, err = decodeGroup([]byte(group)); err != nil {
			return nil, err
		}
		row.Avg, row.Max, row.Min, row.Median = nullFloat(avg), nullFloat(max), nullFloat(min), nullFloat(median)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, domainName string) ([]domain.ChangeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return sqliteLoadEvents(ctx, s.DB, domainName,
		`SELECT id, seq, entity_key, observed_at, status, changed_fields, detail
		 FROM change_events WHERE domain = ? ORDER BY seq`, domainName)
}

func (s *SQLiteStore) HistoryForKeys(ctx context.Context, domainName string, keys []string) (map[string][]domain.ChangeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string][]domain.ChangeEvent{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	args = append(args, domainName)
	for _, key := range keys {
		args = append(args, key)
	}
	events, err := sqliteLoadEvents(ctx, s.DB, domainName,
		`SELECT id, seq, entity_key, observed_at, status, changed_fields, detail
		 FROM change_events WHERE domain = ? AND entity_key IN (`+placeholders+`) ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	return GroupHistory(events, keys), nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, domainName string, events []domain.ChangeEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return sqliteAppendEvents(ctx, tx, domainName, events)
	})
}

// CommitRun writes every artifact of a run in one transaction.
func (s *SQLiteStore) CommitRun(ctx context.Context, domainName string, out RunOutput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteAppendEvents(ctx, tx, domainName, out.Events); err != nil {
			return err
		}
		if err := sqliteAppendRemoved(ctx, tx, domainName, out.Removed); err != nil {
			return err
		}
		if out.WriteSummary {
			if err := sqliteReplaceSummary(ctx, tx, domainName, out.Summary); err != nil {
				return err
			}
		}
		return sqliteReplaceSnapshot(ctx, tx, domainName, out.Current)
	})
}

func (s *SQLiteStore) LoadLatestChanges(ctx context.Context, domainName string) ([]domain.ChangeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return sqliteLoadEvents(ctx, s.DB, domainName,
		`SELECT event_id, seq, entity_key, observed_at, status, changed_fields, detail
		 FROM latest_changes WHERE domain = ? ORDER BY seq`, domainName)
}

// RebuildLatestChanges recomputes the side table from the change log.
func (s *SQLiteStore) RebuildLatestChanges(ctx context.Context, domainName string) (int, error) {
	history, err := s.LoadHistory(ctx, domainName)
	if err != nil {
		return 0, err
	}
	index := domain.BuildRecencyIndex(history...)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM latest_changes WHERE domain = ?`, domainName); err != nil {
			return fmt.Errorf("failed to clear latest changes: %w", err)
		}
		for _, event := range index.Entries() {
			if err := sqliteUpsertLatest(ctx, tx, domainName, event, event.Seq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index.Len(), nil
}

func sqliteLoadRecords(ctx context.Context, q sqlQuerier, query string, args ...any) ([]domain.AnnotatedRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	var out []domain.AnnotatedRecord
	for rows.Next() {
		var (
			key, observedAt, status, fields string
			lastAt, lastStatus, lastDetail  sql.NullString
			recent                          bool
		)
		if err := rows.Scan(&key, &observedAt, &status, &fields, &lastAt, &lastStatus, &lastDetail, &recent); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		stored := storedRecord{Key: key, Status: status, Fields: []byte(fields), RecentlyChanged: recent}
		if stored.ObservedAt, err = parseSQLiteTime(observedAt); err != nil {
			return nil, err
		}
		if lastAt.Valid {
			at, err := parseSQLiteTime(lastAt.String)
			if err != nil {
				return nil, err
			}
			stored.LastChangeAt = &at
		}
		if lastStatus.Valid {
			stored.LastChangeStatus = &lastStatus.String
		}
		if lastDetail.Valid {
			stored.LastChangeDetail = &lastDetail.String
		}
		record, err := stored.annotated()
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func sqliteRecordArgs(record domain.AnnotatedRecord) ([]any, error) {
	stored, err := toStoredRecord(record)
	if err != nil {
		return nil, err
	}
	var lastAt any
	if stored.LastChangeAt != nil {
		lastAt = formatSQLiteTime(*stored.LastChangeAt)
	}
	return []any{
		stored.Key,
		formatSQLiteTime(stored.ObservedAt),
		stored.Status,
		string(stored.Fields),
		lastAt,
		stored.LastChangeStatus,
		stored.LastChangeDetail,
		stored.RecentlyChanged,
	}, nil
}

func sqliteReplaceSnapshot(ctx context.Context, tx *sql.Tx, domainName string, records []domain.AnnotatedRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_records WHERE domain = ?`, domainName); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO snapshot_records (domain, position, `+sqliteRecordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for position, record := range records {
		args, err := sqliteRecordArgs(record)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, append([]any{domainName, position}, args...)...); err != nil {
			return fmt.Errorf("failed to save snapshot record %s: %w", record.Key, err)
		}
	}
	return nil
}

func sqliteAppendRemoved(ctx context.Context, tx *sql.Tx, domainName string, records []domain.AnnotatedRecord) error {
	for _, record := range records {
		args, err := sqliteRecordArgs(record)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO removed_records (domain, `+sqliteRecordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (domain, entity_key, observed_at) DO NOTHING`,
			append([]any{domainName}, args...)...); err != nil {
			return fmt.Errorf("failed to archive removed record %s: %w", record.Key, err)
		}
	}
	return nil
}

func sqliteReplaceSummary(ctx context.Context, tx *sql.Tx, domainName string, rows []domain.SummaryRow) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM summary_rows WHERE domain = ?`, domainName); err != nil {
		return fmt.Errorf("failed to clear summary: %w", err)
	}
	for position, row := range rows {
		group, err := encodeGroup(row.Group)
		if err != nil {
			return fmt.Errorf("failed to encode summary group: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO summary_rows (domain, position, group_values, count, avg, max, min, median) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			domainName, position, string(group), row.Count, row.Avg, row.Max, row.Min, row.Median); err != nil {
			return fmt.Errorf("failed to save summary: %w", err)
		}
	}
	return nil
}

func sqliteAppendEvents(ctx context.Context, tx *sql.Tx, domainName string, events []domain.ChangeEvent) error {
	for _, event := range events {
		changes, err := encodeChanges(event.ChangedFields)
		if err != nil {
			return fmt.Errorf("failed to encode changed fields: %w", err)
		}
		var seq int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO change_events (id, domain, entity_key, observed_at, status, changed_fields, detail)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING
			 RETURNING seq`,
			event.ID.String(), domainName, string(event.Key), formatSQLiteTime(event.ObservedAt),
			string(event.Status), string(changes), event.Detail,
		).Scan(&seq)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to append change event: %w", err)
		}
		if event.Status == domain.StatusUnchanged {
			continue
		}
		if err := sqliteUpsertLatest(ctx, tx, domainName, event, seq); err != nil {
			return err
		}
	}
	return nil
}

func sqliteUpsertLatest(ctx context.Context, tx *sql.Tx, domainName string, event domain.ChangeEvent, seq int64) error {
	changes, err := encodeChanges(event.ChangedFields)
	if err != nil {
		return fmt.Errorf("failed to encode changed fields: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO latest_changes (domain, entity_key, event_id, seq, observed_at, status, changed_fields, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (domain, entity_key) DO UPDATE SET
		   event_id = excluded.event_id,
		   seq = excluded.seq,
		   observed_at = excluded.observed_at,
		   status = excluded.status,
		   changed_fields = excluded.changed_fields,
		   detail = excluded.detail
		 WHERE latest_changes.observed_at <= excluded.observed_at`,
		domainName, string(event.Key), event.ID.String(), seq, formatSQLiteTime(event.ObservedAt),
		string(event.Status), string(changes), event.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to update latest change: %w", err)
	}
	return nil
}

func sqliteLoadEvents(ctx context.Context, q sqlQuerier, domainName, query string, args ...any) ([]domain.ChangeEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load change events: %w", err)
	}
	defer rows.Close()

	var out []domain.ChangeEvent
	for rows.Next() {
		var (
			rawID, key, observedAt, status, changes, detail string
			seq                                             int64
		)
		if err := rows.Scan(&rawID, &seq, &key, &observedAt, &status, &changes, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan change event: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("invalid change event id %q: %w", rawID, err)
		}
		at, err := parseSQLiteTime(observedAt)
		if err != nil {
			return nil, err
		}
		event, err := buildEvent(domainName, id, seq, key, at, status, []byte(changes), detail)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func nullFloat(value sql.NullFloat64) *float64 {
	if !value.Valid {
		return nil
	}
	v := value.Float64
	return &v
}
