package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rpattn/snaptrack/internal/config"
	"github.com/rpattn/snaptrack/internal/db"
	"github.com/rpattn/snaptrack/internal/domain"
	"github.com/rpattn/snaptrack/internal/export"
	"github.com/rpattn/snaptrack/internal/geocode"
	"github.com/rpattn/snaptrack/internal/ingestion"
	"github.com/rpattn/snaptrack/internal/lock"
	"github.com/rpattn/snaptrack/internal/metrics"
	"github.com/rpattn/snaptrack/internal/repository"
	"github.com/rpattn/snaptrack/internal/tracker"
)

// app holds the wired services for one process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracker  *tracker.Service
	parser   *ingestion.Service
	exporter *export.Service
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	schemas, err := cfg.Schemas()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	store, err := a.openStore(ctx, schemas)
	if err != nil {
		a.Close()
		return nil, err
	}

	var redisClient *redis.Client
	trackerOpts := []tracker.Option{tracker.WithLogger(logger), tracker.WithMetrics(a.metrics)}
	if cfg.Redis.URL != "" {
		locker, client, err := lock.NewRedisLockFromURL(cfg.Redis.URL, lock.WithPrefix(cfg.Redis.LockPrefix))
		if err != nil {
			a.Close()
			return nil, err
		}
		redisClient = client
		a.closers = append(a.closers, func() { _ = client.Close() })
		trackerOpts = append(trackerOpts, tracker.WithLocker(locker, cfg.Redis.LockTTL))
	} else {
		trackerOpts = append(trackerOpts, tracker.WithLocker(lock.NewMemoryLock(), cfg.Redis.LockTTL))
	}
	a.tracker = tracker.NewService(store, schemas, trackerOpts...)

	parserOpts := []ingestion.Option{ingestion.WithLogger(logger)}
	if cfg.Geocode.Enabled {
		var cache geocode.Cache = geocode.NewMemoryCache()
		if redisClient != nil {
			cache = geocode.NewRedisCache(redisClient,
				geocode.WithKeyPrefix(cfg.Redis.GeocodePrefix),
				geocode.WithTTL(cfg.Redis.GeocodeTTL),
			)
		}
		lookup := geocode.NewCachedGeocoder(cache, geocode.NewNominatim(cfg.Geocode.Endpoint, cfg.Geocode.UserAgent), logger)
		parserOpts = append(parserOpts, ingestion.WithEnricher(geocode.NewEnricher(lookup), cfg.GeocodedDomains()))
	}
	a.parser = ingestion.NewService(schemas, parserOpts...)
	a.exporter = export.NewService(a.tracker, export.WithLogger(logger))
	return a, nil
}

func (a *app) openStore(ctx context.Context, schemas []domain.Schema) (repository.Store, error) {
	storageCfg := a.cfg.Storage
	switch storageCfg.Backend {
	case "memory":
		return repository.NewMemoryStore(), nil
	case "sqlite":
		conn, err := db.OpenSQLite(storageCfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		return repository.NewSQLiteStore(conn), nil
	case "postgres":
		conn, err := db.NewConnection(ctx, storageCfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		result, err := db.RunMigrations(conn.Pool)
		if err != nil {
			return nil, err
		}
		a.logger.Info("migrations checked",
			zap.Uint("version", result.Version),
			zap.Bool("applied", result.Applied),
		)
		return repository.NewPostgresStore(conn), nil
	case "blob":
		bucket, err := a.openBucket(ctx)
		if err != nil {
			return nil, err
		}
		return repository.NewBlobStore(bucket, storageCfg.Blob.Prefix, schemas...), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", storageCfg.Backend)
	}
}

func (a *app) openBucket(ctx context.Context) (repository.Bucket, error) {
	blob := a.cfg.Storage.Blob
	switch blob.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return repository.NewGCSBucket(client, blob.Bucket), nil
	default:
		return repository.NewFSBucket(blob.Root), nil
	}
}

// pushMetrics sends the run metrics to the configured pushgateway, if any.
func (a *app) pushMetrics(ctx context.Context) {
	url := a.cfg.Metrics.PushgatewayURL
	if url == "" {
		return
	}
	if err := a.metrics.Push(ctx, url, a.cfg.Metrics.Job); err != nil {
		a.logger.Warn("failed to push metrics", zap.String("url", url), zap.Error(err))
	}
}

// Close releases stores and clients in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
