package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/rpattn/snaptrack/internal/domain"
)

// Run outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
	OutcomeBusy     = "busy"
)

// Metrics provides observability for tracker runs.
type Metrics struct {
	registry *prometheus.Registry

	// Runs by domain and outcome
	Runs *prometheus.CounterVec

	// Entities per status in the last run
	Entities *prometheus.GaugeVec

	// Change events appended by status
	ChangeEvents *prometheus.CounterVec

	// Full run latency
	RunDuration *prometheus.HistogramVec
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snaptrack_runs_total",
			Help: "Total tracker runs by domain and outcome",
		}, []string{"domain", "outcome"}),

		Entities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snaptrack_entities",
			Help: "Entities per status in the last completed run",
		}, []string{"domain", "status"}),

		ChangeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snaptrack_change_events_total",
			Help: "Change events appended to the history log by status",
		}, []string{"domain", "status"}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snaptrack_run_duration_seconds",
			Help:    "Duration of a full load, diff, annotate and persist run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"domain"}),
	}
}

// Registry exposes the collectors for promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncrementRun records a run outcome.
func (m *Metrics) IncrementRun(domainName, outcome string) {
	if m != nil {
		m.Runs.WithLabelValues(domainName, outcome).Inc()
	}
}

// ObserveRunDuration records the duration of a run.
func (m *Metrics) ObserveRunDuration(domainName string, d time.Duration) {
	if m != nil {
		m.RunDuration.WithLabelValues(domainName).Observe(d.Seconds())
	}
}

// SetEntityCounts publishes the status tally of a run. Statuses absent from
// counts are reset to zero.
func (m *Metrics) SetEntityCounts(domainName string, counts map[domain.Status]int) {
	if m == nil {
		return
	}
	for _, status := range domain.AllStatuses {
		m.Entities.WithLabelValues(domainName, string(status)).Set(float64(counts[status]))
	}
}

// AddChangeEvents counts appended events by status.
func (m *Metrics) AddChangeEvents(domainName string, events []domain.ChangeEvent) {
	if m == nil {
		return
	}
	for _, event := range events {
		m.ChangeEvents.WithLabelValues(domainName, string(event.Status)).Inc()
	}
}

// Push sends the current values to a Pushgateway.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
