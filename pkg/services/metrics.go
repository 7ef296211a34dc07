package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricLedgerAppendsTotal          = "ledger_appends_total"
	MetricLedgerDegradedWritesTotal   = "ledger_degraded_writes_total"
	MetricLedgerCriticalAlertsTotal   = "ledger_critical_alerts_total"
	MetricLedgerIntegrityViolations   = "ledger_integrity_violations_total"
	MetricSearchTierMatchesTotal      = "search_tier_matches_total"
	MetricForensicsOperationsDuration = "forensics_operation_duration_seconds"
)

// Label values.
const (
	StatusPersisted = "persisted"
	StatusDegraded  = "degraded"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Metrics contains Prometheus metrics for the ledger, search and forensics services.
// All operations are thread-safe. A nil *Metrics is valid and records nothing.
type Metrics struct {
	appendsTotal        *prometheus.CounterVec
	degradedWrites      prometheus.Counter
	criticalAlerts      *prometheus.CounterVec
	integrityViolations *prometheus.CounterVec
	searchTierMatches   *prometheus.CounterVec
	forensicsDuration   *prometheus.HistogramVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerAppendsTotal,
				Help: "Total number of ledger appends by record kind and outcome",
			},
			[]string{"kind", "status"},
		),
		degradedWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricLedgerDegradedWritesTotal,
				Help: "Total number of ledger appends that fell back to the degraded sink",
			},
		),
		criticalAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerCriticalAlertsTotal,
				Help: "Total number of critical-severity alerts by delivery status",
			},
			[]string{"status"},
		),
		integrityViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLedgerIntegrityViolations,
				Help: "Total number of hash chain violations found during verification by kind",
			},
			[]string{"kind"},
		),
		searchTierMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSearchTierMatchesTotal,
				Help: "Total number of search candidates found per match tier",
			},
			[]string{"tier"},
		),
		forensicsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricForensicsOperationsDuration,
				Help:    "Histogram of forensic operation duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appendsTotal,
		m.degradedWrites,
		m.criticalAlerts,
		m.integrityViolations,
		m.searchTierMatches,
		m.forensicsDuration,
	}
}

func (m *Metrics) incAppend(kind, status string) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(kind, status).Inc()
	if status == StatusDegraded {
		m.degradedWrites.Inc()
	}
}

func (m *Metrics) incCriticalAlert(status string) {
	if m == nil {
		return
	}
	m.criticalAlerts.WithLabelValues(status).Inc()
}

func (m *Metrics) addIntegrityViolation(kind string) {
	if m == nil {
		return
	}
	m.integrityViolations.WithLabelValues(kind).Inc()
}

func (m *Metrics) addTierMatches(tier string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.searchTierMatches.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) observeForensics(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.forensicsDuration.WithLabelValues(operation).Observe(seconds)
}
