package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
)

// Behaviour anomaly thresholds.
const (
	loginFailureRateThreshold = 0.20
	distinctIPThreshold       = 3
	activityVolumeThreshold   = 500
	offHoursRatioThreshold    = 0.30
)

const unknownTargetType = "unknown"

func (s *forensicsService) AnalyzeBehavior(ctx context.Context, subjectID uuid.UUID, windowDays int) (analysis *models.BehaviorAnalysis, err error) {
	defer s.observe("analyze_behavior", time.Now())
	ctx, endSpan := startSpan(ctx, "forensics.analyze_behavior",
		attribute.String("subject_id", subjectID.String()))
	defer func() { endSpan(err) }()

	if windowDays <= 0 {
		windowDays = s.opts.DefaultWindowDays
	}
	until := s.now().UTC()
	since := until.AddDate(0, 0, -windowDays)

	records, err := s.scan(ctx, "analyze behavior", models.LogFilters{
		ActorUserID: &subjectID,
		Since:       &since,
	})
	if err != nil {
		return nil, err
	}

	analysis = &models.BehaviorAnalysis{
		SubjectID:    subjectID,
		WindowDays:   windowDays,
		Since:        since,
		Until:        until,
		TotalActions: len(records),
		Anomalies:    []models.Anomaly{},
		Timeline:     make([]models.TimelineEntry, 0, len(records)),
	}
	analysis.Patterns = s.behaviorPatterns(records)

	offHours := 0
	for _, rec := range records {
		if s.offHours(rec.CreatedAt) {
			offHours++
		}
		analysis.Timeline = append(analysis.Timeline, models.TimelineEntry{
			RecordID:   rec.ID,
			EventType:  rec.EventType,
			TargetType: rec.TargetType,
			TargetID:   rec.TargetID,
			IPAddress:  rec.IPAddress,
			Timestamp:  rec.CreatedAt,
		})
	}

	analysis.Anomalies = detectAnomalies(analysis.Patterns, len(records), ratio(offHours, len(records)))
	analysis.RiskScore = riskScore(analysis.Anomalies)

	if analysis.RiskScore > 0 {
		s.logger.Info("Behaviour anomalies detected",
			zap.String("subject_id", subjectID.String()),
			zap.Int("risk_score", analysis.RiskScore),
			zap.Int("anomalies", len(analysis.Anomalies)))
	}

	return analysis, nil
}

func (s *forensicsService) behaviorPatterns(records []*models.LogRecord) models.BehaviorPatterns {
	p := models.BehaviorPatterns{
		Access:       models.AccessPattern{ByTargetType: map[string]int{}},
		Modification: models.ModificationPattern{ByTargetType: map[string]int{}},
	}
	ips := make(map[string]struct{})

	for _, rec := range records {
		if rec.IPAddress != nil && *rec.IPAddress != "" {
			ips[*rec.IPAddress] = struct{}{}
		}

		class := models.ClassifyEvent(rec.EventType)
		targetType := unknownTargetType
		if rec.TargetType != nil && *rec.TargetType != "" {
			targetType = *rec.TargetType
		}

		switch {
		case class.FailedLogin:
			p.Login.Failed++
		case class.SuccessfulLogin():
			p.Login.Successful++
		}

		if class.Access {
			p.Access.Total++
			p.Access.ByTargetType[targetType]++
			p.Access.HourHistogram[rec.CreatedAt.In(s.opts.Location).Hour()]++
		}

		if class.Modification() {
			if class.Create {
				p.Modification.Creates++
			}
			if class.Update {
				p.Modification.Updates++
			}
			if class.Delete {
				p.Modification.Deletes++
			}
			p.Modification.ByTargetType[targetType]++
		}
	}

	p.Login.UniqueIPs = len(ips)
	p.Login.FailureRate = ratio(p.Login.Failed, p.Login.Successful+p.Login.Failed)
	return p
}

func detectAnomalies(p models.BehaviorPatterns, actions int, offHoursRatio float64) []models.Anomaly {
	anomalies := []models.Anomaly{}

	if p.Login.FailureRate > loginFailureRateThreshold {
		anomalies = append(anomalies, models.Anomaly{
			Type:        models.AnomalyHighLoginFailureRate,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("%.0f%% of login attempts failed", p.Login.FailureRate*100),
			Value:       p.Login.FailureRate,
			Threshold:   loginFailureRateThreshold,
		})
	}
	if p.Login.UniqueIPs > distinctIPThreshold {
		anomalies = append(anomalies, models.Anomaly{
			Type:        models.AnomalyMultipleIPAddresses,
			Severity:    models.SeverityLow,
			Description: fmt.Sprintf("activity from %d distinct IP addresses", p.Login.UniqueIPs),
			Value:       float64(p.Login.UniqueIPs),
			Threshold:   distinctIPThreshold,
		})
	}
	if actions > activityVolumeThreshold {
		anomalies = append(anomalies, models.Anomaly{
			Type:        models.AnomalyHighActivityVolume,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("%d actions in the analysis window", actions),
			Value:       float64(actions),
			Threshold:   activityVolumeThreshold,
		})
	}
	if offHoursRatio > offHoursRatioThreshold {
		anomalies = append(anomalies, models.Anomaly{
			Type:        models.AnomalyOffHoursActivity,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("%.0f%% of actions outside business hours", offHoursRatio*100),
			Value:       offHoursRatio,
			Threshold:   offHoursRatioThreshold,
		})
	}

	return anomalies
}

// riskScore sums anomaly weights, capped at maxRiskScore.
func riskScore(anomalies []models.Anomaly) int {
	score := 0
	for _, a := range anomalies {
		score += a.Severity.Weight()
	}
	return min(score, maxRiskScore)
}
