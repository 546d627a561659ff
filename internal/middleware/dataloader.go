package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/rpattn/snaptrack/internal/historyloader"
)

type ctxKey string

const historyLoadersKey ctxKey = "historyLoaders"

// HistoryLoaders holds one loader per domain for the lifetime of a request.
type HistoryLoaders struct {
	source  historyloader.Source
	mu      sync.Mutex
	loaders map[string]*historyloader.HistoryLoader
}

// For returns the loader of domainName, creating it on first use.
func (h *HistoryLoaders) For(domainName string) *historyloader.HistoryLoader {
	h.mu.Lock()
	defer h.mu.Unlock()
	loader, ok := h.loaders[domainName]
	if !ok {
		loader = historyloader.NewHistoryLoader(h.source, domainName)
		h.loaders[domainName] = loader
	}
	return loader
}

// DataLoaderMiddleware attaches request-scoped history loaders to the context.
func DataLoaderMiddleware(source historyloader.Source) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loaders := &HistoryLoaders{source: source, loaders: make(map[string]*historyloader.HistoryLoader)}
			ctx := context.WithValue(r.Context(), historyLoadersKey, loaders)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HistoryLoadersFromContext retrieves the loaders from context.
func HistoryLoadersFromContext(ctx context.Context) *HistoryLoaders {
	if l, ok := ctx.Value(historyLoadersKey).(*HistoryLoaders); ok {
		return l
	}
	return nil
}
