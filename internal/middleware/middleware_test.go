package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rpattn/snaptrack/internal/domain"
)

type countingSource struct {
	mu    sync.Mutex
	calls [][]string
}

func (s *countingSource) HistoryForKeys(_ context.Context, _ string, keys []string) (map[string][]domain.ChangeEvent, error) {
	s.mu.Lock()
	s.calls = append(s.calls, keys)
	s.mu.Unlock()
	out := make(map[string][]domain.ChangeEvent, len(keys))
	for _, key := range keys {
		out[key] = []domain.ChangeEvent{{Key: domain.Key(key), Status: domain.StatusNew}}
	}
	return out, nil
}

func TestDataLoaderMiddlewareBatchesKeys(t *testing.T) {
	source := &countingSource{}
	var got map[string][]domain.ChangeEvent
	handler := DataLoaderMiddleware(source)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loaders := HistoryLoadersFromContext(r.Context())
		require.NotNil(t, loaders)
		assert.Same(t, loaders.For("vehicles"), loaders.For("vehicles"))

		var err error
		got, err = loaders.For("vehicles").LoadMany(r.Context(), []string{"V1", "V2", "V3"})
		require.NoError(t, err)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Len(t, source.calls, 1)
	assert.ElementsMatch(t, []string{"V1", "V2", "V3"}, source.calls[0])
	require.Len(t, got, 3)
	assert.Equal(t, domain.Key("V2"), got["V2"][0].Key)
}

func TestHistoryLoadersFromContextMissing(t *testing.T) {
	assert.Nil(t, HistoryLoadersFromContext(context.Background()))
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/domains", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "/domains", entries[0].ContextMap()["path"])
	assert.Equal(t, int64(http.StatusOK), entries[0].ContextMap()["status"])
	assert.Equal(t, int64(2), entries[0].ContextMap()["bytes"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, int64(http.StatusNotFound), entries[1].ContextMap()["status"])
}
