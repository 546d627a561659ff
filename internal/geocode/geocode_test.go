package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/snaptrack/internal/domain"
)

type stubGeocoder struct {
	known map[string]Location
	calls []string
	err   error
}

func (s *stubGeocoder) Geocode(_ context.Context, address string) (Location, error) {
	s.calls = append(s.calls, address)
	if s.err != nil {
		return Location{}, s.err
	}
	return s.known[address], nil
}

func TestCaches(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	caches := map[string]Cache{
		"memory": NewMemoryCache(),
		"redis":  NewRedisCache(client, WithTTL(time.Hour)),
	}
	for name, cache := range caches {
		t.Run(name, func(t *testing.T) {
			_, ok, err := cache.Get(ctx, "1 High St, Parkside")
			require.NoError(t, err)
			assert.False(t, ok)

			want := Location{Found: true, Latitude: -34.94, Longitude: 138.61}
			require.NoError(t, cache.Put(ctx, "1 High St, Parkside", want))

			got, ok, err := cache.Get(ctx, "  1 high st,   PARKSIDE ")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, want, got)

			require.NoError(t, cache.Put(ctx, "nowhere", Location{}))
			miss, ok, err := cache.Get(ctx, "nowhere")
			require.NoError(t, err)
			assert.True(t, ok, "misses are cached")
			assert.False(t, miss.Found)
		})
	}

	assert.True(t, mr.Exists(DefaultPrefix+":1 high st, parkside"))
	assert.Greater(t, mr.TTL(DefaultPrefix+":1 high st, parkside"), time.Duration(0))
}

func TestRedisCacheCorruptEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := NewRedisCache(client, WithKeyPrefix("geo"))

	require.NoError(t, mr.Set("geo:broken", "\xc1"))
	_, _, err := cache.Get(context.Background(), "broken")
	assert.Error(t, err)
}

func TestCachedGeocoderHitMissAndFallback(t *testing.T) {
	ctx := context.Background()
	parkside := Location{Found: true, Latitude: -34.94, Longitude: 138.61}
	stub := &stubGeocoder{known: map[string]Location{"Parkside SA 5063": parkside}}
	cache := NewMemoryCache()
	lookup := NewCachedGeocoder(cache, stub, nil)

	got, err := lookup.Lookup(ctx, "Shop 4, Parkside SA 5063")
	require.NoError(t, err)
	assert.Equal(t, parkside, got)
	assert.Equal(t, []string{"Shop 4, Parkside SA 5063", "Parkside SA 5063"}, stub.calls)

	got, err = lookup.Lookup(ctx, "Shop 4, Parkside SA 5063")
	require.NoError(t, err)
	assert.Equal(t, parkside, got)
	assert.Len(t, stub.calls, 2, "second lookup is served from cache")

	got, err = lookup.Lookup(ctx, "Atlantis")
	require.NoError(t, err)
	assert.False(t, got.Found)
	assert.Len(t, stub.calls, 3, "no fallback without a comma")
	assert.Equal(t, 2, cache.Len())

	got, err = lookup.Lookup(ctx, "   ")
	require.NoError(t, err)
	assert.False(t, got.Found)
	assert.Len(t, stub.calls, 3)
}

func TestCachedGeocoderPropagatesLookupErrors(t *testing.T) {
	stub := &stubGeocoder{err: errors.New("rate limited")}
	cache := NewMemoryCache()
	lookup := NewCachedGeocoder(cache, stub, nil)

	_, err := lookup.Lookup(context.Background(), "1 High St")
	assert.Error(t, err)
	assert.Equal(t, 0, cache.Len(), "failed lookups are not cached")
}

func TestNominatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snaptrack-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("q") {
		case "Parkside":
			w.Write([]byte(`[{"lat":"-34.9440","lon":"138.6190","display_name":"Parkside"}]`))
		case "boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.Write([]byte(`[]`))
		}
	}))
	defer server.Close()

	n := NewNominatim(server.URL, "snaptrack-test")
	ctx := context.Background()

	got, err := n.Geocode(ctx, "Parkside")
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.InDelta(t, -34.944, got.Latitude, 1e-9)
	assert.InDelta(t, 138.619, got.Longitude, 1e-9)

	got, err = n.Geocode(ctx, "Atlantis")
	require.NoError(t, err)
	assert.False(t, got.Found)

	_, err = n.Geocode(ctx, "boom")
	assert.Error(t, err)
}

func TestEnricherFillsMissingCoordinates(t *testing.T) {
	parkside := Location{Found: true, Latitude: -34.94, Longitude: 138.61}
	stub := &stubGeocoder{known: map[string]Location{"1 High St": parkside}}
	enricher := NewEnricher(NewCachedGeocoder(NewMemoryCache(), stub, nil))

	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	snapshot := domain.NewSnapshot(at, []domain.Record{
		domain.NewRecord(at, map[string]any{"StoreID": "1", "Address": "1 High St"}),
		domain.NewRecord(at, map[string]any{"StoreID": "2", "Address": "2 Low St", "Latitude": 1.5, "Longitude": 2.5}),
		domain.NewRecord(at, map[string]any{"StoreID": "3", "Address": nil}),
		domain.NewRecord(at, map[string]any{"StoreID": "4", "Address": "Nowhere", "Latitude": nil}),
	})

	out, looked, err := enricher.Enrich(context.Background(), snapshot)
	require.NoError(t, err)
	assert.Equal(t, 2, looked)
	require.Len(t, out.Records, 4)

	assert.Equal(t, -34.94, out.Records[0].Value("Latitude"))
	assert.Equal(t, 138.61, out.Records[0].Value("Longitude"))
	assert.Equal(t, 1.5, out.Records[1].Value("Latitude"))
	_, present := out.Records[2].Get("Latitude")
	assert.False(t, present)
	lat, present := out.Records[3].Get("Latitude")
	assert.True(t, present)
	assert.Nil(t, lat)

	_, present = snapshot.Records[0].Get("Latitude")
	assert.False(t, present, "input snapshot is not mutated")
}
