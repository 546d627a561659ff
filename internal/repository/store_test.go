package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/snaptrack/internal/db"
	"github.com/rpattn/snaptrack/internal/domain"
)

var (
	runOne = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	runTwo = time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
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

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSQLiteStore(conn)
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": openSQLiteStore(t),
		"blob":   NewBlobStore(NewFSBucket(t.TempDir()), "snapshots/", vehicleSchema()),
	}
}

func vehicle(vin string, price any, brand string, status domain.Status, at time.Time) domain.AnnotatedRecord {
	return domain.AnnotatedRecord{
		Record: domain.NewRecord(at, map[string]any{"VIN": vin, "Price": price, "Make": brand}),
		Key:    domain.Key(vin),
		Status: status,
	}
}

func TestStoreEmptyDomain(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			snapshot, err := store.LoadSnapshot(ctx, "vehicles")
			require.NoError(t, err)
			assert.True(t, snapshot.IsEmpty())

			history, err := store.LoadHistory(ctx, "vehicles")
			require.NoError(t, err)
			assert.Empty(t, history)

			removed, err := store.LoadRemoved(ctx, "vehicles")
			require.NoError(t, err)
			assert.Empty(t, removed)
		})
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	lastChange := runOne
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			changed := vehicle("V1", 120, "Ford", domain.StatusChanged, runTwo)
			changed.Recency = domain.RecencyAnnotation{
				LastChangeAt:     &lastChange,
				LastChangeStatus: domain.StatusChanged,
				LastChangeDetail: "Price before: 100\nPrice after: 120",
				RecentlyChanged:  true,
			}
			records := []domain.AnnotatedRecord{
				changed,
				vehicle("V2", nil, "Kia", domain.StatusNew, runTwo),
			}
			require.NoError(t, store.SaveSnapshot(ctx, "vehicles", records))

			loaded, err := store.LoadCurrent(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, loaded, 2)

			assert.Equal(t, domain.Key("V1"), loaded[0].Key)
			assert.Equal(t, domain.StatusChanged, loaded[0].Status)
			assert.Equal(t, float64(120), loaded[0].Value("Price"))
			assert.True(t, loaded[0].ObservedAt.Equal(runTwo))
			require.NotNil(t, loaded[0].Recency.LastChangeAt)
			assert.True(t, loaded[0].Recency.LastChangeAt.Equal(lastChange))
			assert.Equal(t, changed.Recency.LastChangeDetail, loaded[0].Recency.LastChangeDetail)
			assert.True(t, loaded[0].Recency.RecentlyChanged)

			assert.Equal(t, domain.Key("V2"), loaded[1].Key)
			value, present := loaded[1].Get("Price")
			assert.True(t, present, "null values must be stored explicitly")
			assert.Nil(t, value)
			assert.Nil(t, loaded[1].Recency.LastChangeAt)

			snapshot, err := store.LoadSnapshot(ctx, "vehicles")
			require.NoError(t, err)
			assert.Equal(t, 2, snapshot.Len())
			assert.True(t, snapshot.ObservedAt.Equal(runTwo))

			require.NoError(t, store.SaveSnapshot(ctx, "vehicles", records[:1]))
			loaded, err = store.LoadCurrent(ctx, "vehicles")
			require.NoError(t, err)
			assert.Len(t, loaded, 1, "SaveSnapshot must overwrite")
		})
	}
}

func TestStoreRemovedArchiveAppends(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SaveRemoved(ctx, "vehicles", []domain.AnnotatedRecord{vehicle("V1", 100, "Ford", domain.StatusRemoved, runOne)}))
			require.NoError(t, store.SaveRemoved(ctx, "vehicles", []domain.AnnotatedRecord{vehicle("V2", 90, "Ford", domain.StatusRemoved, runTwo)}))

			removed, err := store.LoadRemoved(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, removed, 2)
			assert.Equal(t, domain.Key("V1"), removed[0].Key)
			assert.Equal(t, domain.Key("V2"), removed[1].Key)
			assert.Equal(t, domain.StatusRemoved, removed[1].Status)
		})
	}
}

func TestStoreRemovedArchiveSkipsRetries(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			gone := vehicle("V1", 100, "Ford", domain.StatusRemoved, runOne)
			require.NoError(t, store.SaveRemoved(ctx, "vehicles", []domain.AnnotatedRecord{gone}))
			require.NoError(t, store.SaveRemoved(ctx, "vehicles", []domain.AnnotatedRecord{gone}))
			require.NoError(t, store.SaveRemoved(ctx, "vehicles", []domain.AnnotatedRecord{gone, gone}))

			removed, err := store.LoadRemoved(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, removed, 1)

			require.NoError(t, store.SaveRemoved(ctx, "vehicles", []domain.AnnotatedRecord{vehicle("V1", 100, "Ford", domain.StatusRemoved, runTwo)}))
			removed, err = store.LoadRemoved(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, removed, 2)
			assert.True(t, removed[1].ObservedAt.Equal(runTwo))
		})
	}
}

func TestStoreHistoryAppendIsOrderedAndDeduplicated(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first := domain.NewChangeEvent("vehicles", "V1", runOne, domain.StatusNew, nil, nil)
			second := domain.NewChangeEvent("vehicles", "V2", runOne, domain.StatusNew, nil, nil)
			third := domain.NewChangeEvent("vehicles", "V1", runTwo, domain.StatusChanged,
				map[string]domain.FieldChange{"Price": {Old: float64(100), New: float64(120)}}, []string{"Price"})

			require.NoError(t, store.AppendHistory(ctx, "vehicles", []domain.ChangeEvent{first, second}))
			require.NoError(t, store.AppendHistory(ctx, "vehicles", []domain.ChangeEvent{second, third}))

			history, err := store.LoadHistory(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, first.ID, history[0].ID)
			assert.Equal(t, second.ID, history[1].ID)
			assert.Equal(t, third.ID, history[2].ID)
			assert.Less(t, history[0].Seq, history[1].Seq)
			assert.Less(t, history[1].Seq, history[2].Seq)
			assert.Equal(t, float64(120), history[2].ChangedFields["Price"].New)
			assert.Equal(t, third.Detail, history[2].Detail)
			assert.True(t, history[2].ObservedAt.Equal(runTwo))

			byKey, err := store.HistoryForKeys(ctx, "vehicles", []string{"V1", "V9"})
			require.NoError(t, err)
			require.Len(t, byKey["V1"], 2)
			assert.Equal(t, domain.StatusNew, byKey["V1"][0].Status)
			assert.Equal(t, domain.StatusChanged, byKey["V1"][1].Status)
			assert.Empty(t, byKey["V9"])
			assert.NotContains(t, byKey, "V2")
		})
	}
}

func TestStoreSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	avg, max, min, median := 150.0, 200.0, 100.0, 150.0
	rows := []domain.SummaryRow{
		{Group: []any{"Ford"}, Count: 2, Avg: &avg, Max: &max, Min: &min, Median: &median},
		{Group: []any{"Kia"}, Count: 0},
	}
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.SaveSummary(ctx, "vehicles", rows))
			loaded, err := store.LoadSummary(ctx, "vehicles")
			require.NoError(t, err)
			require.Len(t, loaded, 2)
			assert.Equal(t, []any{"Ford"}, loaded[0].Group)
			assert.Equal(t, 2, loaded[0].Count)
			require.NotNil(t, loaded[0].Median)
			assert.Equal(t, 150.0, *loaded[0].Median)
			assert.Nil(t, loaded[1].Avg)
		})
	}
}

func TestSQLiteCommitRunMaintainsLatestChanges(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)

	newEvent := domain.NewChangeEvent("vehicles", "V1", runOne, domain.StatusNew, nil, nil)
	changeEvent := domain.NewChangeEvent("vehicles", "V1", runTwo, domain.StatusChanged,
		map[string]domain.FieldChange{"Price": {Old: float64(100), New: float64(120)}}, []string{"Price"})
	backfill := domain.NewChangeEvent("vehicles", "V1", runOne.Add(-time.Hour), domain.StatusChanged, nil, nil)

	out := RunOutput{
		Current:      []domain.AnnotatedRecord{vehicle("V1", 120, "Ford", domain.StatusChanged, runTwo)},
		Events:       []domain.ChangeEvent{newEvent, changeEvent, backfill},
		Summary:      []domain.SummaryRow{{Group: []any{"Ford"}, Count: 1}},
		WriteSummary: true,
	}
	require.NoError(t, store.CommitRun(ctx, "vehicles", out))
	require.NoError(t, store.CommitRun(ctx, "vehicles", out), "a retried run must be absorbed")

	history, err := store.LoadHistory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	latest, err := store.LoadLatestChanges(ctx, "vehicles")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, changeEvent.ID, latest[0].ID)
	assert.True(t, latest[0].ObservedAt.Equal(runTwo))

	summary, err := store.LoadSummary(ctx, "vehicles")
	require.NoError(t, err)
	assert.Len(t, summary, 1)

	count, err := store.RebuildLatestChanges(ctx, "vehicles")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	rebuilt, err := store.LoadLatestChanges(ctx, "vehicles")
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	assert.Equal(t, changeEvent.ID, rebuilt[0].ID)
}

func TestSQLiteCommitRunRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)
	require.NoError(t, store.SaveSnapshot(ctx, "vehicles", []domain.AnnotatedRecord{vehicle("V1", 100, "Ford", domain.StatusNew, runOne)}))

	bad := vehicle("V2", 1, "Ford", domain.StatusNew, runTwo)
	bad.Fields["Broken"] = make(chan int)

	err := store.CommitRun(ctx, "vehicles", RunOutput{
		Current: []domain.AnnotatedRecord{vehicle("V1", 100, "Ford", domain.StatusUnchanged, runTwo), bad},
		Events:  []domain.ChangeEvent{domain.NewChangeEvent("vehicles", "V2", runTwo, domain.StatusNew, nil, nil)},
	})
	require.Error(t, err)

	history, err := store.LoadHistory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Empty(t, history, "events must not survive a failed commit")

	current, err := store.LoadCurrent(ctx, "vehicles")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, domain.StatusNew, current[0].Status)
}

func TestBlobStoreLayout(t *testing.T) {
	ctx := context.Background()
	bucket := NewFSBucket(t.TempDir())
	store := NewBlobStore(bucket, "metro/", vehicleSchema())

	require.NoError(t, store.SaveSnapshot(ctx, "vehicles", []domain.AnnotatedRecord{vehicle("V1", 100, "Ford", domain.StatusNew, runOne)}))
	data, err := bucket.Get(ctx, "metro/vehicles/current.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"observed_at":"2024-05-01T09:00:00Z"`)
	assert.Contains(t, string(data), `"last_change_at":null`)

	_, err = store.LoadCurrent(ctx, "unknown")
	assert.ErrorIs(t, err, ErrUnknownDomain)

	_, err = bucket.Get(ctx, "../escape.json")
	assert.Error(t, err)
}
