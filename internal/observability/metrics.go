package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the federation service.
// Every method is nil-safe so components can run without metrics in tests.
type Metrics struct {
	// --- Sync runs ---
	RunsStarted      *prometheus.CounterVec
	RunsFinished     *prometheus.CounterVec
	RunsRejected     *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	StaleRunsReset   prometheus.Counter
	SourceOutcomes   *prometheus.CounterVec
	SourceFetchDur   *prometheus.HistogramVec
	PositionsStaged  *prometheus.CounterVec
	CashEventsStaged *prometheus.CounterVec

	// --- Dedup ---
	DigestHits *prometheus.CounterVec

	// --- Adapters ---
	AdapterRequests *prometheus.CounterVec
	AdapterRetries  *prometheus.CounterVec

	// --- Reconciliation ---
	ReconcileWrites   *prometheus.CounterVec
	ReconcileConflict *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	ReconcileErrors   prometheus.Counter

	// --- Messaging ---
	PublishErrors   prometheus.Counter
	TriggerMessages *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	runBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

	return &Metrics{
		RunsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_sync_runs_started_total",
			Help: "Sync runs created",
		}, []string{"trigger"}),

		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_sync_runs_finished_total",
			Help: "Sync runs reaching a terminal status",
		}, []string{"trigger", "status"}),

		RunsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_sync_runs_rejected_total",
			Help: "Sync starts rejected by the per-user concurrency guard",
		}, []string{"trigger"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "federation_sync_run_duration_seconds",
			Help:    "Wall time from run start to terminal status",
			Buckets: runBuckets,
		}, []string{"status"}),

		StaleRunsReset: f.NewCounter(prometheus.CounterOpts{
			Name: "federation_sync_stale_runs_reset_total",
			Help: "Non-terminal runs forced to failed by the stale-run reset",
		}),

		SourceOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_sync_source_outcomes_total",
			Help: "Per-source outcomes within sync runs",
		}, []string{"source_type", "outcome"}),

		SourceFetchDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "federation_sync_source_duration_seconds",
			Help:    "Time to fetch, hash and stage one source",
			Buckets: runBuckets,
		}, []string{"source_type"}),

		PositionsStaged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_staging_positions_total",
			Help: "Positions written to staging",
		}, []string{"source_type"}),

		CashEventsStaged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_staging_cash_events_total",
			Help: "Cash events written to staging",
		}, []string{"source_type"}),

		DigestHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_digest_duplicates_total",
			Help: "Duplicate digests detected, by lookup tier",
		}, []string{"scope", "tier"}),

		AdapterRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_adapter_requests_total",
			Help: "Adapter HTTP requests by result",
		}, []string{"source_type", "result"}),

		AdapterRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_adapter_retries_total",
			Help: "Adapter request retries after 5xx or timeout",
		}, []string{"source_type"}),

		ReconcileWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_reconcile_rows_total",
			Help: "Canonical rows written or skipped by reconciliation",
		}, []string{"table", "result"}),

		ReconcileConflict: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_reconcile_conflicts_total",
			Help: "Multi-source symbol conflicts by deciding rule",
		}, []string{"rule"}),

		ReconcileDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_reconcile_duration_seconds",
			Help:    "Time to reconcile one sync run",
			Buckets: runBuckets,
		}),

		ReconcileErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "federation_reconcile_errors_total",
			Help: "Reconciliations aborted by an error",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "federation_nats_publish_errors_total",
			Help: "Sync lifecycle events that failed to publish",
		}),

		TriggerMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_nats_trigger_messages_total",
			Help: "Sync trigger messages consumed by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) RunStarted(trigger string) {
	if m != nil {
		m.RunsStarted.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) RunRejected(trigger string) {
	if m != nil {
		m.RunsRejected.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) RunFinished(trigger, status string, seconds float64) {
	if m != nil {
		m.RunsFinished.WithLabelValues(trigger, status).Inc()
		m.RunDuration.WithLabelValues(status).Observe(seconds)
	}
}

func (m *Metrics) StaleReset(n int) {
	if m != nil {
		m.StaleRunsReset.Add(float64(n))
	}
}

func (m *Metrics) SourceDone(sourceType, outcome string, seconds float64, positions, cash int) {
	if m == nil {
		return
	}
	m.SourceOutcomes.WithLabelValues(sourceType, outcome).Inc()
	m.SourceFetchDur.WithLabelValues(sourceType).Observe(seconds)
	m.PositionsStaged.WithLabelValues(sourceType).Add(float64(positions))
	m.CashEventsStaged.WithLabelValues(sourceType).Add(float64(cash))
}

func (m *Metrics) DigestDuplicate(scope, tier string) {
	if m != nil {
		m.DigestHits.WithLabelValues(scope, tier).Inc()
	}
}

func (m *Metrics) AdapterRequest(sourceType, result string) {
	if m != nil {
		m.AdapterRequests.WithLabelValues(sourceType, result).Inc()
	}
}

func (m *Metrics) AdapterRetry(sourceType string) {
	if m != nil {
		m.AdapterRetries.WithLabelValues(sourceType).Inc()
	}
}

func (m *Metrics) Reconciled(table, result string, n int) {
	if m != nil && n > 0 {
		m.ReconcileWrites.WithLabelValues(table, result).Add(float64(n))
	}
}

func (m *Metrics) Conflict(rule string) {
	if m != nil {
		m.ReconcileConflict.WithLabelValues(rule).Inc()
	}
}

func (m *Metrics) ReconcileDone(seconds float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ReconcileErrors.Inc()
		return
	}
	m.ReconcileDuration.Observe(seconds)
}

func (m *Metrics) PublishFailed() {
	if m != nil {
		m.PublishErrors.Inc()
	}
}

func (m *Metrics) TriggerMessage(result string) {
	if m != nil {
		m.TriggerMessages.WithLabelValues(result).Inc()
	}
}
