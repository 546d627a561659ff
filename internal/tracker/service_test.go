package tracker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/snaptrack/internal/db"
	"github.com/rpattn/snaptrack/internal/domain"
	"github.com/rpattn/snaptrack/internal/lock"
	"github.com/rpattn/snaptrack/internal/metrics"
	"github.com/rpattn/snaptrack/internal/repository"
	"github.com/rpattn/snaptrack/pkg/validator"
)

var (
	dayOne = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	dayTwo = time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
)

func vehicleSchema() domain.Schema {
	return domain.Schema{
		Name: "vehicles",
		Fields: []domain.FieldDefinition{
			{Name: "VIN", Type: domain.FieldTypeString},
			{Name: "Price", Type: domain.FieldTypeFloat},
			{Name: "Make", Type: domain.FieldTypeString},
		},
		KeyFields:     []string{"VIN"},
		TrackedFields: []string{"Price"},
		Summary:       &domain.SummarySpec{GroupBy: []string{"Make"}, Metric: "Price"},
	}
}

func storeSchema() domain.Schema {
	return domain.Schema{
		Name: "stores",
		Fields: []domain.FieldDefinition{
			{Name: "Store", Type: domain.FieldTypeString},
			{Name: "Address", Type: domain.FieldTypeString},
		},
		KeyFields:     []string{"Store"},
		TrackedFields: []string{"Address"},
	}
}

func vehicles(at time.Time, rows ...map[string]any) domain.Snapshot {
	records := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, domain.NewRecord(at, row))
	}
	return domain.NewSnapshot(at, records)
}

func car(vin string, price float64) map[string]any {
	return map[string]any{"VIN": vin, "Price": price, "Make": "Ford"}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newService(store repository.Store, opts ...Option) *Service {
	opts = append([]Option{WithClock(fixedClock(dayTwo))}, opts...)
	return NewService(store, []domain.Schema{vehicleSchema(), storeSchema()}, opts...)
}

func statusByKey(records []domain.AnnotatedRecord) map[domain.Key]domain.Status {
	out := make(map[domain.Key]domain.Status, len(records))
	for _, record := range records {
		out[record.Key] = record.Status
	}
	return out
}

func sqliteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()
	conn, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return repository.NewSQLiteStore(conn)
}

func TestRunChangedAndNew(t *testing.T) {
	ctx := context.Background()
	stores := map[string]repository.Store{
		"memory": repository.NewMemoryStore(),
		"sqlite": sqliteStore(t),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			svc := newService(store)

			first, err := svc.Run(ctx, "vehicles", vehicles(dayOne, car("V1", 100)))
			require.NoError(t, err)
			assert.Equal(t, 1, first.Counts[domain.StatusNew])

			second, err := svc.Run(ctx, "vehicles", vehicles(dayTwo, car("V1", 120), car("V2", 50)))
			require.NoError(t, err)
			assert.Equal(t, 1, second.Counts[domain.StatusChanged])
			assert.Equal(t, 1, second.Counts[domain.StatusNew])
			assert.Equal(t, 0, second.Counts[domain.StatusRemoved])
			assert.Equal(t, 2, second.Events)
			assert.Empty(t, second.Removed)

			require.Len(t, second.History, 2)
			assert.Equal(t, domain.Key("V1"), second.History[0].Key)
			assert.Equal(t, domain.StatusChanged, second.History[0].Status)
			assert.Equal(t, domain.FieldChange{Old: 100.0, New: 120.0}, second.History[0].ChangedFields["Price"])
			assert.Equal(t, domain.StatusNew, second.History[1].Status)

			current, err := svc.Current(ctx, "vehicles")
			require.NoError(t, err)
			assert.Equal(t, map[domain.Key]domain.Status{"V1": domain.StatusChanged, "V2": domain.StatusNew}, statusByKey(current))
			for _, record := range current {
				require.NotNil(t, record.Recency.LastChangeAt)
				assert.True(t, record.Recency.LastChangeAt.Equal(dayTwo))
				assert.True(t, record.Recency.RecentlyChanged)
			}

			history, err := svc.History(ctx, "vehicles")
			require.NoError(t, err)
			assert.Len(t, history, 3)

			summary, err := svc.Summary(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, summary, 1)
			assert.Equal(t, 2, summary[0].Count)
		})
	}
}

func TestRunSameObservedAtKeepsEveryChange(t *testing.T) {
	ctx := context.Background()
	stores := map[string]repository.Store{
		"memory": repository.NewMemoryStore(),
		"sqlite": sqliteStore(t),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			svc := newService(store)

			_, err := svc.Run(ctx, "vehicles", vehicles(dayOne, car("V1", 100)))
			require.NoError(t, err)
			first, err := svc.Run(ctx, "vehicles", vehicles(dayTwo, car("V1", 120)))
			require.NoError(t, err)
			second, err := svc.Run(ctx, "vehicles", vehicles(dayTwo, car("V1", 130)))
			require.NoError(t, err)
			require.Len(t, first.History, 1)
			require.Len(t, second.History, 1)
			assert.NotEqual(t, first.History[0].ID, second.History[0].ID)

			history, err := svc.History(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, domain.FieldChange{Old: 100.0, New: 120.0}, history[1].ChangedFields["Price"])
			assert.Equal(t, domain.FieldChange{Old: 120.0, New: 130.0}, history[2].ChangedFields["Price"])

			current, err := svc.Current(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, current, 1)
			assert.Contains(t, current[0].Recency.LastChangeDetail, "Price after: 130")

			latest, err := svc.LatestChanges(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, latest, 1)
			assert.Equal(t, second.History[0].ID, latest[0].ID)
		})
	}
}

func TestRunArchivesRemovedEntities(t *testing.T) {
	ctx := context.Background()
	svc := newService(repository.NewMemoryStore())

	_, err := svc.Run(ctx, "stores", domain.NewSnapshot(dayOne, []domain.Record{
		domain.NewRecord(dayOne, map[string]any{"Store": "S1", "Address": "A"}),
	}))
	require.NoError(t, err)

	result, err := svc.Run(ctx, "stores", domain.NewSnapshot(dayTwo, nil))
	require.NoError(t, err)
	assert.Empty(t, result.Current)
	require.Len(t, result.Removed, 1)
	assert.Equal(t, "A", result.Removed[0].Value("Address"))

	current, err := svc.Current(ctx, "stores")
	require.NoError(t, err)
	assert.Empty(t, current)

	removed, err := svc.Removed(ctx, "stores", nil)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, domain.StatusRemoved, removed[0].Status)

	later := dayTwo.Add(time.Hour)
	removed, err = svc.Removed(ctx, "stores", &later)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestRunRecencyAcrossRuns(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	svc := newService(store, WithClock(fixedClock(start)))
	_, err := svc.Run(ctx, "vehicles", vehicles(start, car("K", 10), car("J", 10)))
	require.NoError(t, err)

	threeDays := start.Add(7 * 24 * time.Hour)
	svc = newService(store, WithClock(fixedClock(threeDays.Add(3*24*time.Hour))))
	_, err = svc.Run(ctx, "vehicles", vehicles(threeDays, car("K", 10), car("J", 11)))
	require.NoError(t, err)

	current, err := svc.Current(ctx, "vehicles")
	require.NoError(t, err)
	byKey := make(map[domain.Key]domain.AnnotatedRecord)
	for _, record := range current {
		byKey[record.Key] = record
	}
	assert.Equal(t, domain.StatusUnchanged, byKey["K"].Status)
	assert.False(t, byKey["K"].Recency.RecentlyChanged, "last change ten days ago")
	assert.Equal(t, domain.StatusNew, byKey["K"].Recency.LastChangeStatus)

	assert.Equal(t, domain.StatusChanged, byKey["J"].Status)
	assert.True(t, byKey["J"].Recency.RecentlyChanged, "last change three days ago")
	assert.Contains(t, byKey["J"].Recency.LastChangeDetail, "Price")
}

func TestRunRejectsDuplicateKeysWithoutWriting(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc := newService(store)

	_, err := svc.Run(ctx, "vehicles", vehicles(dayOne, car("V1", 100), car("V1", 110)))
	var duplicate *domain.DuplicateKeyError
	require.ErrorAs(t, err, &duplicate)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))

	history, err := store.LoadHistory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Empty(t, history)
	current, err := store.LoadCurrent(ctx, "vehicles")
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestRunRejectsInvalidRecords(t *testing.T) {
	svc := newService(repository.NewMemoryStore())
	_, err := svc.Run(context.Background(), "vehicles", vehicles(dayOne, map[string]any{"VIN": "V1", "Price": "cheap"}))
	var invalid *validator.SnapshotError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "vehicles", invalid.Domain)
}

func TestRunUnknownDomain(t *testing.T) {
	svc := newService(repository.NewMemoryStore())
	_, err := svc.Run(context.Background(), "boats", vehicles(dayOne))
	require.ErrorIs(t, err, repository.ErrUnknownDomain)
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))

	_, err = svc.Current(context.Background(), "boats")
	assert.ErrorIs(t, err, repository.ErrUnknownDomain)
}

func TestRunDefaultsObservedAtToClock(t *testing.T) {
	svc := newService(repository.NewMemoryStore())
	snapshot := domain.Snapshot{Records: []domain.Record{domain.NewRecord(time.Time{}, car("V1", 1))}}

	result, err := svc.Run(context.Background(), "vehicles", snapshot)
	require.NoError(t, err)
	assert.True(t, result.ObservedAt.Equal(dayTwo))
	require.Len(t, result.Current, 1)
	assert.True(t, result.Current[0].ObservedAt.Equal(dayTwo))
}

func TestRunLockContention(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewMemoryLock()
	m := metrics.New()
	svc := newService(repository.NewMemoryStore(), WithLocker(locker, time.Minute), WithMetrics(m))

	guard, err := locker.Acquire(ctx, "vehicles", time.Minute)
	require.NoError(t, err)

	_, err = svc.Run(ctx, "vehicles", vehicles(dayOne, car("V1", 1)))
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("vehicles", metrics.OutcomeBusy)))

	require.NoError(t, locker.Release(ctx, guard))
	_, err = svc.Run(ctx, "vehicles", vehicles(dayOne, car("V1", 1)))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("vehicles", metrics.OutcomeSuccess)))

	locked, err := locker.IsLocked(ctx, "vehicles")
	require.NoError(t, err)
	assert.False(t, locked, "lock released after the run")
}

type failingStore struct {
	*repository.MemoryStore
	loadErr error
	saveErr error
	calls   []string
}

func (s *failingStore) LoadSnapshot(ctx context.Context, domainName string) (domain.Snapshot, error) {
	if s.loadErr != nil {
		return domain.Snapshot{}, s.loadErr
	}
	return s.MemoryStore.LoadSnapshot(ctx, domainName)
}

func (s *failingStore) AppendHistory(ctx context.Context, domainName string, events []domain.ChangeEvent) error {
	s.calls = append(s.calls, "history")
	return s.MemoryStore.AppendHistory(ctx, domainName, events)
}

func (s *failingStore) SaveRemoved(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	s.calls = append(s.calls, "removed")
	return s.MemoryStore.SaveRemoved(ctx, domainName, records)
}

func (s *failingStore) SaveSummary(ctx context.Context, domainName string, rows []domain.SummaryRow) error {
	s.calls = append(s.calls, "summary")
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.SaveSummary(ctx, domainName, rows)
}

func (s *failingStore) SaveSnapshot(ctx context.Context, domainName string, records []domain.AnnotatedRecord) error {
	s.calls = append(s.calls, "snapshot")
	return s.MemoryStore.SaveSnapshot(ctx, domainName, records)
}

func TestRunLoadFailureIsCollaboratorError(t *testing.T) {
	boom := errors.New("disk on fire")
	store := &failingStore{MemoryStore: repository.NewMemoryStore(), loadErr: boom}
	svc := newService(store)

	_, err := svc.Run(context.Background(), "vehicles", vehicles(dayOne, car("V1", 1)))
	var collab *CollaboratorIOError
	require.ErrorAs(t, err, &collab)
	assert.Equal(t, "load snapshot", collab.Op)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
	assert.Empty(t, store.calls)
}

func TestRunSequentialPersistWritesSnapshotLast(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: repository.NewMemoryStore()}
	svc := newService(store)

	_, err := svc.Run(ctx, "vehicles", vehicles(dayOne, car("V1", 1), car("V2", 2)))
	require.NoError(t, err)
	store.calls = nil

	result, err := svc.Run(ctx, "vehicles", vehicles(dayTwo, car("V1", 5)))
	require.NoError(t, err)
	assert.Equal(t, PersistSequential, result.Persisted)
	assert.Equal(t, []string{"history", "removed", "summary", "snapshot"}, store.calls)
}

func TestRunRetryAfterPartialPersistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: repository.NewMemoryStore()}
	svc := newService(store)

	_, err := svc.Run(ctx, "vehicles", vehicles(dayOne, car("V1", 1)))
	require.NoError(t, err)

	store.saveErr = errors.New("summary write failed")
	_, err = svc.Run(ctx, "vehicles", vehicles(dayTwo, car("V1", 2)))
	require.Error(t, err)

	current, err := store.LoadCurrent(ctx, "vehicles")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, domain.StatusNew, current[0].Status, "snapshot untouched by the failed run")

	store.saveErr = nil
	result, err := svc.Run(ctx, "vehicles", vehicles(dayTwo, car("V1", 2)))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Counts[domain.StatusChanged])

	history, err := store.LoadHistory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Len(t, history, 2, "retried events are not duplicated")
}

func TestRunTransactionalPersistAndRebuild(t *testing.T) {
	ctx := context.Background()
	svc := newService(sqliteStore(t))

	_, err := svc.Run(ctx, "vehicles", vehicles(dayOne, car("V1", 1), car("V2", 2)))
	require.NoError(t, err)
	result, err := svc.Run(ctx, "vehicles", vehicles(dayTwo, car("V1", 3)))
	require.NoError(t, err)
	assert.Equal(t, PersistTransaction, result.Persisted)

	latest, err := svc.LatestChanges(ctx, "vehicles")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, domain.StatusChanged, latest[0].Status)
	assert.Equal(t, domain.StatusRemoved, latest[1].Status)

	count, err := svc.RebuildIndex(ctx, "vehicles")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	byKey, err := svc.HistoryForKeys(ctx, "vehicles", []string{"V2"})
	require.NoError(t, err)
	assert.Len(t, byKey["V2"], 2)
}

func TestPreviewDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	locker := lock.NewMemoryLock()
	svc := newService(store, WithLocker(locker, time.Minute))

	guard, err := locker.Acquire(ctx, "vehicles", time.Minute)
	require.NoError(t, err)
	defer locker.Release(ctx, guard)

	result, err := svc.Preview(ctx, "vehicles", vehicles(dayOne, car("V1", 1)))
	require.NoError(t, err)
	assert.Equal(t, PersistNone, result.Persisted)
	assert.Equal(t, 1, result.Counts[domain.StatusNew])

	history, err := store.LoadHistory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRebuildIndexWithoutSideTable(t *testing.T) {
	svc := newService(repository.NewMemoryStore())
	count, err := svc.RebuildIndex(context.Background(), "vehicles")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSchemasKeepDeclarationOrder(t *testing.T) {
	svc := newService(repository.NewMemoryStore())
	schemas := svc.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "vehicles", schemas[0].Name)
	assert.Equal(t, "stores", schemas[1].Name)
}
