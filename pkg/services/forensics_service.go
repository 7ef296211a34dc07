package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ledger/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
	"github.com/ekaya-inc/ekaya-ledger/pkg/repositories"
)

// ForensicsService analyses the ledger for behavioural risk, suspicious activity and tampering.
// All reads are point-in-time; a storage failure aborts the analysis with no partial result.
type ForensicsService interface {
	AnalyzeBehavior(ctx context.Context, subjectID uuid.UUID, windowDays int) (*models.BehaviorAnalysis, error)
	Investigate(ctx context.Context, criteria models.InvestigationCriteria) (*models.InvestigationResult, error)
	GenerateReport(ctx context.Context, opts models.ReportOptions) (*models.ForensicReport, error)
	VerifyIntegrity(ctx context.Context, opts models.IntegrityOptions) (*models.IntegrityReport, error)
	RecentSecurityEvents(ctx context.Context, hours int) ([]*models.SecurityEventView, error)
}

// InjectionReporter is told about every injection payload an investigation finds.
type InjectionReporter interface {
	LogInjectionDetected(ctx context.Context, hit models.InjectionHit)
}

// ForensicsOptions configures the analysis rules.
type ForensicsOptions struct {
	Location *time.Location

	// Business hours as minutes since midnight in Location; activity outside is off-hours.
	BusinessStart int
	BusinessEnd   int

	RiskThreshold     float64
	DefaultWindowDays int
}

const (
	defaultRecentHours = 24
	maxRiskScore       = 10
)

type forensicsService struct {
	repo       repositories.LedgerRepository
	ledger     LedgerService
	cipher     FieldCipher
	injections InjectionReporter
	metrics    *Metrics
	opts       ForensicsOptions
	logger     *zap.Logger
	now        func() time.Time
}

// NewForensicsService creates a new ForensicsService. cipher, injections and metrics may be nil;
// without a cipher, encrypted metadata is not scanned for injection payloads.
// The ledger service is used for verification and to record the engine's own actions.
func NewForensicsService(
	repo repositories.LedgerRepository,
	ledger LedgerService,
	cipher FieldCipher,
	injections InjectionReporter,
	metrics *Metrics,
	opts ForensicsOptions,
	logger *zap.Logger,
) ForensicsService {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.BusinessStart == 0 && opts.BusinessEnd == 0 {
		opts.BusinessStart, opts.BusinessEnd = 6*60, 22*60
	}
	if opts.RiskThreshold <= 0 {
		opts.RiskThreshold = 5
	}
	if opts.DefaultWindowDays <= 0 {
		opts.DefaultWindowDays = 30
	}
	return &forensicsService{
		repo:       repo,
		ledger:     ledger,
		cipher:     cipher,
		injections: injections,
		metrics:    metrics,
		opts:       opts,
		logger:     logger.Named("forensics-service"),
		now:        time.Now,
	}
}

var _ ForensicsService = (*forensicsService)(nil)

// scan reads records for analysis, wrapping any storage failure.
func (s *forensicsService) scan(ctx context.Context, op string, filters models.LogFilters) ([]*models.LogRecord, error) {
	records, err := s.repo.Scan(ctx, filters)
	if err != nil {
		s.logger.Error("Failed to read ledger for analysis",
			zap.String("operation", op),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrAnalysisFailed, op, err)
	}
	return records, nil
}

// observe records the duration of an operation started at start.
func (s *forensicsService) observe(op string, start time.Time) {
	s.metrics.observeForensics(op, time.Since(start).Seconds())
}

// offHours reports whether t falls outside business hours in the configured location.
func (s *forensicsService) offHours(t time.Time) bool {
	local := t.In(s.opts.Location)
	minute := local.Hour()*60 + local.Minute()
	start, end := s.opts.BusinessStart, s.opts.BusinessEnd
	if start <= end {
		return minute < start || minute >= end
	}
	// Business hours wrap past midnight.
	return minute >= end && minute < start
}

// selfAudit records a forensic action in the ledger. Failures degrade like any other append.
func (s *forensicsService) selfAudit(ctx context.Context, eventType string, severity *models.Severity, metadata models.Metadata) {
	if s.ledger == nil {
		return
	}
	if !s.ledger.Append(ctx, models.LogEvent{
		EventType: eventType,
		Severity:  severity,
		Metadata:  metadata,
	}) {
		s.logger.Warn("Forensic action was not recorded in the ledger",
			zap.String("event_type", eventType))
	}
}

func (s *forensicsService) VerifyIntegrity(ctx context.Context, opts models.IntegrityOptions) (report *models.IntegrityReport, err error) {
	defer s.observe("verify_integrity", time.Now())
	ctx, endSpan := startSpan(ctx, "forensics.verify_integrity")
	defer func() { endSpan(err) }()

	result, err := s.ledger.VerifyIntegrity(ctx, opts.FromID, opts.ToID)
	if err != nil {
		return nil, fmt.Errorf("%w: verify integrity: %w", apperrors.ErrAnalysisFailed, err)
	}

	report = &models.IntegrityReport{
		Results:    models.IntegrityPassed,
		Checked:    result.Checked,
		Broken:     result.Broken,
		FromID:     opts.FromID,
		ToID:       opts.ToID,
		VerifiedAt: s.now().UTC(),
	}
	severity := models.SeverityLow
	if !result.OK {
		report.Results = models.IntegrityFailed
		severity = models.SeverityHigh
		s.logger.Error("Ledger integrity check failed",
			zap.Int("checked", result.Checked),
			zap.Int("broken", len(result.Broken)))
	}

	metadata := models.Metadata{
		"results": string(report.Results),
		"checked": report.Checked,
		"broken":  len(report.Broken),
	}
	if opts.FromID != nil {
		metadata["from_id"] = *opts.FromID
	}
	if opts.ToID != nil {
		metadata["to_id"] = *opts.ToID
	}
	s.selfAudit(ctx, models.EventForensicsIntegrityChecked, &severity, metadata)

	return report, nil
}

// securityRiskLevels is the base risk level of well-known security event types.
var securityRiskLevels = map[string]models.RiskLevel{
	"auth.login_success":           models.RiskLow,
	"auth.logout":                  models.RiskLow,
	"auth.login_failed":            models.RiskMedium,
	"auth.password_reset":          models.RiskMedium,
	"auth.mfa_failed":              models.RiskMedium,
	"auth.account_locked":          models.RiskHigh,
	"security.rate_limited":        models.RiskMedium,
	"security.permission_denied":   models.RiskMedium,
	"security.unauthorized_access": models.RiskHigh,
	"security.injection_detected":  models.RiskHigh,
	"security.breach_detected":     models.RiskHigh,
	"security.data_export":         models.RiskMedium,
}

// highRiskAttempts is the attempt count above which an event is high risk regardless of type.
const highRiskAttempts = 3

// ClassifySecurityRisk grades a single security-relevant record.
func ClassifySecurityRisk(rec *models.LogRecord) models.RiskLevel {
	level, ok := securityRiskLevels[rec.EventType]
	if !ok {
		level = models.RiskLow
	}
	if rec.Severity != nil && (*rec.Severity == models.SeverityHigh || *rec.Severity == models.SeverityCritical) {
		return models.RiskHigh
	}
	if attempts, ok := jsonutil.FlexibleInt(rec.Metadata["attempts"]); ok && attempts > highRiskAttempts {
		return models.RiskHigh
	}
	return level
}

func (s *forensicsService) RecentSecurityEvents(ctx context.Context, hours int) ([]*models.SecurityEventView, error) {
	defer s.observe("recent_security_events", time.Now())

	if hours <= 0 {
		hours = defaultRecentHours
	}
	since := s.now().Add(-time.Duration(hours) * time.Hour)

	records, err := s.scan(ctx, "recent security events", models.LogFilters{
		Since:            &since,
		SecurityRelevant: true,
	})
	if err != nil {
		return nil, err
	}

	views := make([]*models.SecurityEventView, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		views = append(views, &models.SecurityEventView{
			RecordID:    rec.ID,
			EventType:   rec.EventType,
			ActorUserID: rec.ActorUserID,
			IPAddress:   rec.IPAddress,
			Severity:    rec.Severity,
			RiskLevel:   ClassifySecurityRisk(rec),
			Metadata:    rec.Metadata.Public(),
			CreatedAt:   rec.CreatedAt,
		})
	}
	return views, nil
}

// roundTo1 rounds to one decimal place.
func roundTo1(v float64) float64 {
	return math.Round(v*10) / 10
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
