package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/snaptrack/internal/domain"
	"github.com/rpattn/snaptrack/internal/lock"
	"github.com/rpattn/snaptrack/internal/metrics"
	"github.com/rpattn/snaptrack/internal/repository"
	"github.com/rpattn/snaptrack/pkg/validator"
)

// DefaultLockTTL bounds how long a crashed run can hold a domain.
const DefaultLockTTL = 10 * time.Minute

// Persistence modes reported on RunResult.
const (
	PersistTransaction = "transaction"
	PersistSequential  = "sequential"
	PersistNone        = "none"
)

// Service runs the load, diff, annotate, summarise and persist pipeline for
// the configured domains.
type Service struct {
	store   repository.Store
	schemas map[string]domain.Schema
	order   []string
	locker  lock.Locker
	lockTTL time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocker serialises runs per domain through locker.
func WithLocker(locker lock.Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = locker
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now for recency evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a tracker over store for schemas.
func NewService(store repository.Store, schemas []domain.Schema, opts ...Option) *Service {
	s := &Service{
		store:   store,
		schemas: make(map[string]domain.Schema, len(schemas)),
		lockTTL: DefaultLockTTL,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, schema := range schemas {
		if _, dup := s.schemas[schema.Name]; !dup {
			s.order = append(s.order, schema.Name)
		}
		s.schemas[schema.Name] = schema
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schema returns the schema of domainName.
func (s *Service) Schema(domainName string) (domain.Schema, error) {
	schema, ok := s.schemas[domainName]
	if !ok {
		return domain.Schema{}, fmt.Errorf("%w: %s", repository.ErrUnknownDomain, domainName)
	}
	return schema, nil
}

// Schemas lists the configured schemas in declaration order.
func (s *Service) Schemas() []domain.Schema {
	out := make([]domain.Schema, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.schemas[name])
	}
	return out
}

// RunResult describes a completed run.
type RunResult struct {
	RunID      uuid.UUID                   `json:"run_id"`
	Domain     string                      `json:"domain"`
	ObservedAt time.Time                   `json:"observed_at"`
	Counts     map[domain.Status]int       `json:"counts"`
	Events     int                         `json:"events"`
	Persisted  string                      `json:"persisted"`
	Duration   time.Duration               `json:"duration_ns"`
	Warnings   []validator.ValidationError `json:"warnings,omitempty"`

	Current []domain.AnnotatedRecord `json:"-"`
	Removed []domain.AnnotatedRecord `json:"-"`
	Summary []domain.SummaryRow      `json:"-"`
	History []domain.ChangeEvent     `json:"-"`
}

// Run compares current against the stored snapshot of domainName and
// persists the outcome. Nothing is written unless diff, annotate and
// summarise all succeed.
func (s *Service) Run(ctx context.Context, domainName string, current domain.Snapshot) (RunResult, error) {
	return s.run(ctx, domainName, current, true)
}

// Preview computes a run without taking the lock or writing anything.
func (s *Service) Preview(ctx context.Context, domainName string, current domain.Snapshot) (RunResult, error) {
	return s.run(ctx, domainName, current, false)
}

func (s *Service) run(ctx context.Context, domainName string, current domain.Snapshot, persist bool) (result RunResult, err error) {
	start := time.Now()
	result = RunResult{RunID: uuid.New(), Domain: domainName, Persisted: PersistNone}
	logger := s.logger.With(
		zap.String("domain", domainName),
		zap.String("run_id", result.RunID.String()),
		zap.Bool("dry_run", !persist),
	)

	defer func() {
		result.Duration = time.Since(start)
		if !persist {
			return
		}
		s.metrics.IncrementRun(domainName, outcome(err))
		s.metrics.ObserveRunDuration(domainName, result.Duration)
		if err != nil {
			logger.Error("run failed", zap.Error(err), zap.Duration("duration", result.Duration))
		}
	}()

	schema, err := s.Schema(domainName)
	if err != nil {
		return result, err
	}
	if current.ObservedAt.IsZero() {
		current = domain.NewSnapshot(s.now(), current.Records)
	}
	result.ObservedAt = current.ObservedAt.UTC()

	validation := validator.NewRecordValidator(schema).ValidateSnapshot(current)
	result.Warnings = validation.Warnings
	if err := validation.Err(domainName); err != nil {
		return result, err
	}

	logger.Info("run started",
		zap.Time("observed_at", result.ObservedAt),
		zap.Int("records", current.Len()),
	)

	if persist && s.locker != nil {
		guard, err := s.locker.Acquire(ctx, domainName, s.lockTTL)
		if errors.Is(err, lock.ErrAlreadyLocked) {
			return result, ErrRunInProgress
		}
		if err != nil {
			return result, ioError("acquire lock", domainName, err)
		}
		defer func() {
			if releaseErr := s.locker.Release(context.WithoutCancel(ctx), guard); releaseErr != nil {
				logger.Warn("failed to release run lock", zap.Error(releaseErr))
			}
		}()
	}

	previous, history, err := s.load(ctx, domainName)
	if err != nil {
		return result, err
	}

	diff, err := domain.DiffSnapshots(previous, current, schema.DiffOptions())
	if err != nil {
		return result, err
	}

	index := domain.BuildRecencyIndex(history...)
	index.Observe(diff.Events...)
	annotated := domain.Annotate(diff.Rows, index, s.now(), schema.Window())
	active, removed := domain.SplitAnnotated(annotated)

	out := repository.RunOutput{
		Current: active,
		Removed: removed,
		Events:  diff.Events,
	}
	if schema.Summary != nil {
		out.Summary = domain.Summarise(active, schema.Summary.GroupBy, schema.Summary.Metric)
		out.WriteSummary = true
	}

	result.Counts = diff.Counts()
	result.Events = len(diff.Events)
	result.Current = active
	result.Removed = removed
	result.Summary = out.Summary
	result.History = diff.Events

	if !persist {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	mode, err := s.persist(ctx, domainName, out)
	if err != nil {
		return result, err
	}
	result.Persisted = mode

	s.metrics.SetEntityCounts(domainName, result.Counts)
	s.metrics.AddChangeEvents(domainName, diff.Events)
	logger.Info("run completed",
		zap.Int("new", result.Counts[domain.StatusNew]),
		zap.Int("changed", result.Counts[domain.StatusChanged]),
		zap.Int("unchanged", result.Counts[domain.StatusUnchanged]),
		zap.Int("removed", result.Counts[domain.StatusRemoved]),
		zap.Int("events", result.Events),
		zap.String("persisted", mode),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// load reads the previous snapshot and the recency source concurrently. A
// store with a latest-change table seeds the index from it instead of the
// full log.
func (s *Service) load(ctx context.Context, domainName string) (domain.Snapshot, []domain.ChangeEvent, error) {
	var (
		previous domain.Snapshot
		history  []domain.ChangeEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snapshot, err := s.store.LoadSnapshot(gctx, domainName)
		if err != nil {
			return ioError("load snapshot", domainName, err)
		}
		previous = snapshot
		return nil
	})
	g.Go(func() error {
		if latest, ok := s.store.(repository.LatestChangeRepository); ok {
			events, err := latest.LoadLatestChanges(gctx, domainName)
			if err != nil {
				return ioError("load latest changes", domainName, err)
			}
			history = events
			return nil
		}
		events, err := s.store.LoadHistory(gctx, domainName)
		if err != nil {
			return ioError("load history", domainName, err)
		}
		history = events
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.Snapshot{}, nil, err
	}
	return previous, history, nil
}

// persist writes a run atomically when the store supports it. Otherwise the
// current snapshot is written last so an interrupted run is recomputed from
// the unchanged previous snapshot, and re-appended events are dropped by ID.
func (s *Service) persist(ctx context.Context, domainName string, out repository.RunOutput) (string, error) {
	if committer, ok := s.store.(repository.RunCommitter); ok {
		if err := committer.CommitRun(ctx, domainName, out); err != nil {
			return "", ioError("commit run", domainName, err)
		}
		return PersistTransaction, nil
	}

	if err := s.store.AppendHistory(ctx, domainName, out.Events); err != nil {
		return "", ioError("append history", domainName, err)
	}
	if len(out.Removed) > 0 {
		if err := s.store.SaveRemoved(ctx, domainName, out.Removed); err != nil {
			return "", ioError("save removed", domainName, err)
		}
	}
	if out.WriteSummary {
		if err := s.store.SaveSummary(ctx, domainName, out.Summary); err != nil {
			return "", ioError("save summary", domainName, err)
		}
	}
	if err := s.store.SaveSnapshot(ctx, domainName, out.Current); err != nil {
		return "", ioError("save snapshot", domainName, err)
	}
	return PersistSequential, nil
}

func outcome(err error) string {
	var (
		duplicate  *domain.DuplicateKeyError
		mismatch   *domain.SchemaMismatchError
		missingKey *domain.MissingKeyError
		invalid    *validator.SnapshotError
	)
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrRunInProgress):
		return metrics.OutcomeBusy
	case errors.As(err, &duplicate), errors.As(err, &mismatch), errors.As(err, &missingKey), errors.As(err, &invalid):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailure
	}
}

// Current returns the persisted annotated snapshot.
func (s *Service) Current(ctx context.Context, domainName string) ([]domain.AnnotatedRecord, error) {
	if _, err := s.Schema(domainName); err != nil {
		return nil, err
	}
	records, err := s.store.LoadCurrent(ctx, domainName)
	return records, ioError("load current", domainName, err)
}

// Removed returns the removed archive, optionally only entries observed at or
// after since.
func (s *Service) Removed(ctx context.Context, domainName string, since *time.Time) ([]domain.AnnotatedRecord, error) {
	if _, err := s.Schema(domainName); err != nil {
		return nil, err
	}
	records, err := s.store.LoadRemoved(ctx, domainName)
	if err != nil {
		return nil, ioError("load removed", domainName, err)
	}
	if since == nil {
		return records, nil
	}
	filtered := make([]domain.AnnotatedRecord, 0, len(records))
	for _, record := range records {
		if !record.ObservedAt.Before(*since) {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

// Summary returns the persisted summary table.
func (s *Service) Summary(ctx context.Context, domainName string) ([]domain.SummaryRow, error) {
	if _, err := s.Schema(domainName); err != nil {
		return nil, err
	}
	rows, err := s.store.LoadSummary(ctx, domainName)
	return rows, ioError("load summary", domainName, err)
}

// History returns the full change log in insertion order.
func (s *Service) History(ctx context.Context, domainName string) ([]domain.ChangeEvent, error) {
	if _, err := s.Schema(domainName); err != nil {
		return nil, err
	}
	events, err := s.store.LoadHistory(ctx, domainName)
	return events, ioError("load history", domainName, err)
}

// HistoryForKeys returns the change log of each key.
func (s *Service) HistoryForKeys(ctx context.Context, domainName string, keys []string) (map[string][]domain.ChangeEvent, error) {
	if _, err := s.Schema(domainName); err != nil {
		return nil, err
	}
	events, err := s.store.HistoryForKeys(ctx, domainName, keys)
	return events, ioError("load history", domainName, err)
}

// LatestChanges returns the latest non-Unchanged event per key, sorted by key.
func (s *Service) LatestChanges(ctx context.Context, domainName string) ([]domain.ChangeEvent, error) {
	if _, err := s.Schema(domainName); err != nil {
		return nil, err
	}
	if latest, ok := s.store.(repository.LatestChangeRepository); ok {
		events, err := latest.LoadLatestChanges(ctx, domainName)
		if err != nil {
			return nil, ioError("load latest changes", domainName, err)
		}
		sort.SliceStable(events, func(i, j int) bool { return events[i].Key < events[j].Key })
		return events, nil
	}
	history, err := s.store.LoadHistory(ctx, domainName)
	if err != nil {
		return nil, ioError("load history", domainName, err)
	}
	return domain.BuildRecencyIndex(history...).Entries(), nil
}

// RebuildIndex recomputes the latest-change table of domainName from the log.
// Stores without a side table report zero.
func (s *Service) RebuildIndex(ctx context.Context, domainName string) (int, error) {
	if _, err := s.Schema(domainName); err != nil {
		return 0, err
	}
	latest, ok := s.store.(repository.LatestChangeRepository)
	if !ok {
		return 0, nil
	}
	count, err := latest.RebuildLatestChanges(ctx, domainName)
	if err != nil {
		return 0, ioError("rebuild latest changes", domainName, err)
	}
	s.logger.Info("latest change index rebuilt", zap.String("domain", domainName), zap.Int("keys", count))
	return count, nil
}
