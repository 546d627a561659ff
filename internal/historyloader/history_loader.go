package historyloader

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/snaptrack/internal/domain"
)

// Source reads the change log of several keys in one call.
type Source interface {
	HistoryForKeys(ctx context.Context, domainName string, keys []string) (map[string][]domain.ChangeEvent, error)
}

// HistoryLoader batches per-key history lookups of one domain.
type HistoryLoader struct {
	Loader *dataloader.Loader
}

func NewHistoryLoader(source Source, domainName string) *HistoryLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		entityKeys := keys.Keys()

		history, err := source.HistoryForKeys(ctx, domainName, entityKeys)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Results must follow the order of keys
		results := make([]*dataloader.Result, len(keys))
		for i, key := range entityKeys {
			events := history[key]
			if events == nil {
				events = []domain.ChangeEvent{}
			}
			results[i] = &dataloader.Result{Data: events}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(2*time.Millisecond))
	return &HistoryLoader{Loader: loader}
}

// Load returns the change log of key.
func (l *HistoryLoader) Load(ctx context.Context, key string) ([]domain.ChangeEvent, error) {
	result, err := l.Loader.Load(ctx, dataloader.StringKey(key))()
	if err != nil {
		return nil, err
	}
	events, ok := result.([]domain.ChangeEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected history payload %T", result)
	}
	return events, nil
}

// LoadMany returns the change log of every key, keyed by entity key.
func (l *HistoryLoader) LoadMany(ctx context.Context, keys []string) (map[string][]domain.ChangeEvent, error) {
	thunk := l.Loader.LoadMany(ctx, dataloader.NewKeysFromStrings(keys))
	results, errs := thunk()
	out := make(map[string][]domain.ChangeEvent, len(keys))
	for i, key := range keys {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		events, ok := results[i].([]domain.ChangeEvent)
		if !ok {
			return nil, fmt.Errorf("unexpected history payload %T", results[i])
		}
		out[key] = events
	}
	return out, nil
}
