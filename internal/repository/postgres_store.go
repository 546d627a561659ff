package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rpattn/snaptrack/internal/db"
	"github.com/rpattn/snaptrack/internal/domain"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore persists runs in postgres. It implements Store, RunCommitter
// and LatestChangeRepository.
type PostgresStore struct {
	conn *db.Connection
}

// NewPostgresStore wires a store backed by conn.
func NewPostgresStore(conn *db.Connection) *PostgresStore {
	return &PostgresStore{conn: conn}
}

func (s *PostgresStore) ready() error {
	if s.conn == nil || s.conn.Pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	return nil
}

const pgRecordColumns = `entity_key, observed_at, status, fields, last_change_at, last_change_status, last_change_detail, recently_changed`

func (s *PostgresStore) LoadSnapshot(ctx context.Context, domainName string) (domain.Snapshot, error) {
	current, err := s.LoadCurrent(ctx, domainName)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return SnapshotFromAnnotated(current), nil
}

func (s *PostgresStore) LoadCurrent(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return pgLoadRecords(ctx, s.conn.Pool,
		`SELECT `+pgRecordColumns+` FROM snapshot_records WHERE domain = $1 ORDER BY position`, domainName)
}

func (s *PostgresStore) LoadRemoved(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return pgLoadRecords(ctx, s.conn.Pool,
		`SELECT `+pgRecordColumns+` FROM removed_records WHERE domain = $1 ORDER BY id`, domainName)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return pgReplaceSnapshot(ctx, tx, domainName, records)
	})
}

func (s *PostgresStore) SaveRemoved(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return pgAppendRemoved(ctx, tx, domainName, records)
	})
}

func (s *PostgresStore) SaveSummary(ctx context.Context, domainName string, rows []domain.SummaryRow) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return pgReplaceSummary(ctx, tx, domainName, rows)
	})
}

func (s *PostgresStore) LoadSummary(ctx context.Context, domainName string) ([]domain.SummaryRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT group_values, count, avg, max, min, median FROM summary_rows WHERE domain = $1 ORDER BY position`, domainName)
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}
	defer rows.Close()

	var out []domain.SummaryRow
	for rows.Next() {
		var (
			group []byte
			row   domain.SummaryRow
		)
		if err := rows.Scan(&group, &row.Count, &row.Avg, &row.Max, &row.Min, &row.Median); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		if row.Group, err = decodeGroup(group); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadHistory(ctx context.Context, domainName string) ([]domain.ChangeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return pgLoadEvents(ctx, s.conn.Pool,
		`SELECT id, seq, entity_key, observed_at, status, changed_fields, detail
		 FROM change_events WHERE domain = $1 ORDER BY seq`, domainName)
}

func (s *PostgresStore) HistoryForKeys(ctx context.Context, domainName string, keys []string) (map[string][]domain.ChangeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	events, err := pgLoadEvents(ctx, s.conn.Pool,
		`SELECT id, seq, entity_key, observed_at, status, changed_fields, detail
		 FROM change_events WHERE domain = $1 AND entity_key = ANY($2) ORDER BY seq`, domainName, keys)
	if err != nil {
		return nil, err
	}
	return GroupHistory(events, keys), nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, domainName string, events []domain.ChangeEvent) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return pgAppendEvents(ctx, tx, domainName, events)
	})
}

// CommitRun writes every artifact of a run in one transaction.
func (s *PostgresStore) CommitRun(ctx context.Context, domainName string, out RunOutput) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if err := pgAppendEvents(ctx, tx, domainName, out.Events); err != nil {
			return err
		}
		if err := pgAppendRemoved(ctx, tx, domainName, out.Removed); err != nil {
			return err
		}
		if out.WriteSummary {
			if err := pgReplaceSummary(ctx, tx, domainName, out.Summary); err != nil {
				return err
			}
		}
		return pgReplaceSnapshot(ctx, tx, domainName, out.Current)
	})
}

func (s *PostgresStore) LoadLatestChanges(ctx context.Context, domainName string) ([]domain.ChangeEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return pgLoadEvents(ctx, s.conn.Pool,
		`SELECT event_id, seq, entity_key, observed_at, status, changed_fields, detail
		 FROM latest_changes WHERE domain = $1 ORDER BY seq`, domainName)
}

// RebuildLatestChanges recomputes the side table from the change log.
func (s *PostgresStore) RebuildLatestChanges(ctx context.Context, domainName string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var affected int64
	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM latest_changes WHERE domain = $1`, domainName); err != nil {
			return fmt.Errorf("failed to clear latest changes: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO latest_changes (domain, entity_key, event_id, seq, observed_at, status, changed_fields, detail)
			 SELECT DISTINCT ON (entity_key) domain, entity_key, id, seq, observed_at, status, changed_fields, detail
			 FROM change_events
			 WHERE domain = $1 AND status <> $2
			 ORDER BY entity_key, observed_at DESC, seq DESC`,
			domainName, string(domain.StatusUnchanged))
		if err != nil {
			return fmt.Errorf("failed to rebuild latest changes: %w", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return int(affected), err
}

func pgLoadRecords(ctx context.Context, q pgQuerier, sql string, args ...any) ([]domain.AnnotatedRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	defer rows.Close()

	var out []domain.AnnotatedRecord
	for rows.Next() {
		var stored storedRecord
		if err := rows.Scan(
			&stored.Key,
			&stored.ObservedAt,
			&stored.Status,
			&stored.Fields,
			&stored.LastChangeAt,
			&stored.LastChangeStatus,
			&stored.LastChangeDetail,
			&stored.RecentlyChanged,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		record, err := stored.annotated()
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func pgReplaceSnapshot(ctx context.Context, q pgQuerier, domainName string, records []domain.AnnotatedRecord) error {
	if _, err := q.Exec(ctx, `DELETE FROM snapshot_records WHERE domain = $1`, domainName); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for position, record := range records {
		stored, err := toStoredRecord(record)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO snapshot_records (domain, position, `+pgRecordColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			domainName, position, stored.Key, stored.ObservedAt, stored.Status, stored.Fields,
			stored.LastChangeAt, stored.LastChangeStatus, stored.LastChangeDetail, stored.RecentlyChanged,
		)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func pgAppendRemoved(ctx context.Context, q pgQuerier, domainName string, records []domain.AnnotatedRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, record := range records {
		stored, err := toStoredRecord(record)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO removed_records (domain, `+pgRecordColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (domain, entity_key, observed_at) DO NOTHING`,
			domainName, stored.Key, stored.ObservedAt, stored.Status, stored.Fields,
			stored.LastChangeAt, stored.LastChangeStatus, stored.LastChangeDetail, stored.RecentlyChanged,
		)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to archive removed records: %w", err)
	}
	return nil
}

func pgReplaceSummary(ctx context.Context, q pgQuerier, domainName string, rows []domain.SummaryRow) error {
	if _, err := q.Exec(ctx, `DELETE FROM summary_rows WHERE domain = $1`, domainName); err != nil {
		return fmt.Errorf("failed to clear summary: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for position, row := range rows {
		group, err := encodeGroup(row.Group)
		if err != nil {
			return fmt.Errorf("failed to encode summary group: %w", err)
		}
		batch.Queue(
			`INSERT INTO summary_rows (domain, position, group_values, count, avg, max, min, median)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			domainName, position, group, row.Count, row.Avg, row.Max, row.Min, row.Median,
		)
	}
	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// pgAppendEvents inserts events in order, skipping known IDs, and folds each
// newly inserted event into latest_changes.
func pgAppendEvents(ctx context.Context, q pgQuerier, domainName string, events []domain.ChangeEvent) error {
	for _, event := range events {
		changes, err := encodeChanges(event.ChangedFields)
		if err != nil {
			return fmt.Errorf("failed to encode changed fields: %w", err)
		}

		var seq int64
		err = q.QueryRow(ctx,
			`INSERT INTO change_events (id, domain, entity_key, observed_at, status, changed_fields, detail)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING
			 RETURNING seq`,
			event.ID, domainName, string(event.Key), event.ObservedAt.UTC(), string(event.Status), changes, event.Detail,
		).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to append change event: %w", err)
		}
		if event.Status == domain.StatusUnchanged {
			continue
		}

		if _, err := q.Exec(ctx,
			`INSERT INTO latest_changes (domain, entity_key, event_id, seq, observed_at, status, changed_fields, detail)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (domain, entity_key) DO UPDATE SET
			   event_id = EXCLUDED.event_id,
			   seq = EXCLUDED.seq,
			   observed_at = EXCLUDED.observed_at,
			   status = EXCLUDED.status,
			   changed_fields = EXCLUDED.changed_fields,
			   detail = EXCLUDED.detail
			 WHERE latest_changes.observed_at <= EXCLUDED.observed_at`,
			domainName, string(event.Key), event.ID, seq, event.ObservedAt.UTC(), string(event.Status), changes, event.Detail,
		); err != nil {
			return fmt.Errorf("failed to update latest change: %w", err)
		}
	}
	return nil
}

func pgLoadEvents(ctx context.Context, q pgQuerier, sql string, args ...any) ([]domain.ChangeEvent, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load change events: %w", err)
	}
	defer rows.Close()

	domainName, _ := args[0].(string)
	var out []domain.ChangeEvent
	for rows.Next() {
		var (
			id         uuid.UUID
			seq        int64
			key        string
			observedAt time.Time
			status     string
			changes    []byte
			detail     string
		)
		if err := rows.Scan(&id, &seq, &key, &observedAt, &status, &changes, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan change event: %w", err)
		}
		event, err := buildEvent(domainName, id, seq, key, observedAt, status, changes, detail)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func buildEvent(domainName string, id uuid.UUID, seq int64, key string, observedAt time.Time, status string, changes []byte, detail string) (domain.ChangeEvent, error) {
	parsed, ok := domain.ParseStatus(status)
	if !ok {
		return domain.ChangeEvent{}, fmt.Errorf("unknown change status %q for %s", status, key)
	}
	changed, err := decodeChanges(changes)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	return domain.ChangeEvent{
		ID:            id,
		Domain:        domainName,
		Key:           domain.Key(key),
		ObservedAt:    observedAt.UTC(),
		Status:        parsed,
		ChangedFields: changed,
		Detail:        detail,
		Seq:           seq,
	}, nil
}
