package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
	sqlscan "github.com/ekaya-inc/ekaya-ledger/pkg/sql"
)

// Investigation thresholds.
const (
	ipActionsThreshold      = 100
	ipActorsThreshold       = 5
	ipFailedLoginsThreshold = 10
	eventFrequencyFactor    = 3

	subjectActionsScale  = 100
	subjectFailuresScale = 5
	subjectIPsScale      = 3
)

// Recommendations attached to investigation findings.
const (
	RecommendReviewIPs        = "Review and consider blocking the suspicious IP addresses"
	RecommendInvestigateUsers = "Investigate the high-risk user accounts for compromise or misuse"
	RecommendReviewSources    = "Review the sources generating abnormally frequent event types"
	RecommendAuditValidation  = "Audit input validation on the endpoints that accepted injection payloads"
)

type ipStats struct {
	actions      int
	actors       map[uuid.UUID]struct{}
	failedLogins int
}

type subjectStats struct {
	actions  int
	failures int
	ips      map[string]struct{}
	offHours int
}

func (s *forensicsService) Investigate(ctx context.Context, criteria models.InvestigationCriteria) (result *models.InvestigationResult, err error) {
	defer s.observe("investigate", time.Now())
	ctx, endSpan := startSpan(ctx, "forensics.investigate",
		attribute.Int("criteria.event_types", len(criteria.EventTypes)))
	defer func() { endSpan(err) }()

	threshold := criteria.RiskThreshold
	if threshold <= 0 {
		threshold = s.opts.RiskThreshold
	}

	records, err := s.scan(ctx, "investigate", models.LogFilters{
		ActorUserID: criteria.ActorID,
		EventTypes:  criteria.EventTypes,
		IPAddress:   criteria.IPAddress,
		Since:       criteria.Since,
		Until:       criteria.Until,
	})
	if err != nil {
		return nil, err
	}

	result = &models.InvestigationResult{
		ID:                  uuid.New(),
		TotalEvents:         len(records),
		SuspiciousIPs:       suspiciousIPs(records),
		AnomalousEventTypes: anomalousEventTypes(records),
		HighRiskSubjects:    s.highRiskSubjects(records, threshold),
		InjectionHits:       []models.InjectionHit{},
		GeneratedAt:         s.now().UTC(),
	}

	var dec sqlscan.Decrypter
	if s.cipher != nil {
		dec = s.cipher
	}
	for _, rec := range records {
		for _, hit := range sqlscan.ScanMetadata(rec.ID, rec.Metadata, dec) {
			result.InjectionHits = append(result.InjectionHits, hit)
			if s.injections != nil {
				s.injections.LogInjectionDetected(ctx, hit)
			}
		}
	}

	result.Findings, result.Recommendations = findings(result)

	s.logger.Info("Investigation complete",
		zap.String("investigation_id", result.ID.String()),
		zap.Int("events", result.TotalEvents),
		zap.Int("suspicious_ips", len(result.SuspiciousIPs)),
		zap.Int("high_risk_subjects", len(result.HighRiskSubjects)),
		zap.Int("injection_hits", len(result.InjectionHits)))

	s.selfAudit(ctx, models.EventForensicsInvestigationRun, nil, models.Metadata{
		"investigation_id":      result.ID.String(),
		"total_events":          result.TotalEvents,
		"suspicious_ips":        len(result.SuspiciousIPs),
		"anomalous_event_types": len(result.AnomalousEventTypes),
		"high_risk_subjects":    len(result.HighRiskSubjects),
		"injection_hits":        len(result.InjectionHits),
		"findings":              len(result.Findings),
	})

	return result, nil
}

func suspiciousIPs(records []*models.LogRecord) []models.SuspiciousIP {
	byIP := make(map[string]*ipStats)
	for _, rec := range records {
		if rec.IPAddress == nil || *rec.IPAddress == "" {
			continue
		}
		st, ok := byIP[*rec.IPAddress]
		if !ok {
			st = &ipStats{actors: make(map[uuid.UUID]struct{})}
			byIP[*rec.IPAddress] = st
		}
		st.actions++
		if rec.ActorUserID != nil {
			st.actors[*rec.ActorUserID] = struct{}{}
		}
		if models.ClassifyEvent(rec.EventType).FailedLogin {
			st.failedLogins++
		}
	}

	out := []models.SuspiciousIP{}
	for ip, st := range byIP {
		var reasons []string
		if st.actions > ipActionsThreshold {
			reasons = append(reasons, fmt.Sprintf("%d actions (threshold %d)", st.actions, ipActionsThreshold))
		}
		if len(st.actors) > ipActorsThreshold {
			reasons = append(reasons, fmt.Sprintf("%d distinct users (threshold %d)", len(st.actors), ipActorsThreshold))
		}
		if st.failedLogins > ipFailedLoginsThreshold {
			reasons = append(reasons, fmt.Sprintf("%d failed logins (threshold %d)", st.failedLogins, ipFailedLoginsThreshold))
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, models.SuspiciousIP{
			IPAddress:      ip,
			Actions:        st.actions,
			DistinctActors: len(st.actors),
			FailedLogins:   st.failedLogins,
			RiskScore:      ipRiskScore(st.actions, len(st.actors), st.failedLogins),
			Reasons:        reasons,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].IPAddress < out[j].IPAddress
	})
	return out
}

// ipRiskScore weighs volume (3), user spread (3) and failed logins (4) into a 0-10 score.
func ipRiskScore(actions, actors, failedLogins int) float64 {
	score := math.Min(float64(actions*3)/ipActionsThreshold, 3) +
		math.Min(float64(actors*3)/ipActorsThreshold, 3) +
		math.Min(float64(failedLogins*4)/ipFailedLoginsThreshold, 4)
	return math.Min(roundTo1(score), maxRiskScore)
}

func anomalousEventTypes(records []*models.LogRecord) []models.AnomalousEventType {
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.EventType]++
	}

	out := []models.AnomalousEventType{}
	if len(counts) == 0 {
		return out
	}

	mean := float64(len(records)) / float64(len(counts))
	for eventType, n := range counts {
		if float64(n) > eventFrequencyFactor*mean {
			out = append(out, models.AnomalousEventType{
				EventType: eventType,
				Count:     n,
				Mean:      roundTo1(mean),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EventType < out[j].EventType
	})
	return out
}

func (s *forensicsService) highRiskSubjects(records []*models.LogRecord, threshold float64) []models.SubjectRisk {
	bySubject := make(map[uuid.UUID]*subjectStats)
	for _, rec := range records {
		if rec.ActorUserID == nil {
			continue
		}
		st, ok := bySubject[*rec.ActorUserID]
		if !ok {
			st = &subjectStats{ips: make(map[string]struct{})}
			bySubject[*rec.ActorUserID] = st
		}
		st.actions++
		if models.ClassifyEvent(rec.EventType).Failure {
			st.failures++
		}
		if rec.IPAddress != nil && *rec.IPAddress != "" {
			st.ips[*rec.IPAddress] = struct{}{}
		}
		if s.offHours(rec.CreatedAt) {
			st.offHours++
		}
	}

	out := []models.SubjectRisk{}
	for id, st := range bySubject {
		offHoursRatio := ratio(st.offHours, st.actions)
		score := subjectRiskScore(st.actions, st.failures, len(st.ips), offHoursRatio)
		if score < threshold {
			continue
		}
		out = append(out, models.SubjectRisk{
			SubjectID:     id,
			Actions:       st.actions,
			Failures:      st.failures,
			DistinctIPs:   len(st.ips),
			OffHoursRatio: roundTo1(offHoursRatio),
			RiskScore:     score,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].SubjectID.String() < out[j].SubjectID.String()
	})
	return out
}

// subjectRiskScore weighs volume (3), failures (3), IP spread (2) and off-hours share (2).
func subjectRiskScore(actions, failures, ips int, offHoursRatio float64) float64 {
	score := math.Min(float64(actions)/subjectActionsScale, 1)*3 +
		math.Min(float64(failures)/subjectFailuresScale, 1)*3 +
		math.Min(float64(ips)/subjectIPsScale, 1)*2 +
		offHoursRatio*2
	return roundTo1(score)
}

// findings derives findings and recommendations from which categories of flags fired.
func findings(r *models.InvestigationResult) ([]models.Finding, []string) {
	found := []models.Finding{}
	recommendations := []string{}

	if len(r.SuspiciousIPs) > 0 {
		found = append(found, models.Finding{
			Category:    models.FindingNetworkSecurity,
			Severity:    models.SeverityHigh,
			Description: fmt.Sprintf("%d IP addresses show suspicious activity", len(r.SuspiciousIPs)),
		})
		recommendations = append(recommendations, RecommendReviewIPs)
	}
	if len(r.HighRiskSubjects) > 0 {
		found = append(found, models.Finding{
			Category:    models.FindingUserBehavior,
			Severity:    models.SeverityHigh,
			Description: fmt.Sprintf("%d users exceed the risk threshold", len(r.HighRiskSubjects)),
		})
		recommendations = append(recommendations, RecommendInvestigateUsers)
	}
	if len(r.AnomalousEventTypes) > 0 {
		found = append(found, models.Finding{
			Category:    models.FindingEventFrequency,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("%d event types occur far more often than average", len(r.AnomalousEventTypes)),
		})
		recommendations = append(recommendations, RecommendReviewSources)
	}
	if len(r.InjectionHits) > 0 {
		found = append(found, models.Finding{
			Category:    models.FindingInputValidation,
			Severity:    models.SeverityHigh,
			Description: fmt.Sprintf("%d recorded values contain injection payloads", len(r.InjectionHits)),
		})
		recommendations = append(recommendations, RecommendAuditValidation)
	}

	return found, recommendations
}
