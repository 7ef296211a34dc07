package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
)

// Report thresholds.
const (
	reportTopSubjects            = 20
	reportFailedLoginThreshold   = 50
	reportActiveSubjectThreshold = 50
)

// Report output formats.
const (
	ReportFormatJSON = "json"
	ReportFormatYAML = "yaml"
)

func (s *forensicsService) GenerateReport(ctx context.Context, opts models.ReportOptions) (report *models.ForensicReport, err error) {
	defer s.observe("generate_report", time.Now())
	ctx, endSpan := startSpan(ctx, "forensics.generate_report")
	defer func() { endSpan(err) }()

	records, err := s.scan(ctx, "generate report", models.LogFilters{
		Since: opts.Since,
		Until: opts.Until,
	})
	if err != nil {
		return nil, err
	}

	report = &models.ForensicReport{
		ID:              uuid.New(),
		Since:           opts.Since,
		Until:           opts.Until,
		GeneratedAt:     s.now().UTC(),
		SecurityEvents:  map[models.Severity]int{},
		Recommendations: []models.Recommendation{},
	}

	subjects := make(map[uuid.UUID]*models.SubjectActivity)
	ips := make(map[string]struct{})
	eventCounts := make(map[string]int)

	for _, rec := range records {
		report.Summary.TotalEvents++
		eventCounts[rec.EventType]++

		if rec.ActorUserID != nil {
			a, ok := subjects[*rec.ActorUserID]
			if !ok {
				a = &models.SubjectActivity{SubjectID: *rec.ActorUserID}
				subjects[*rec.ActorUserID] = a
			}
			a.Actions++
			if rec.CreatedAt.After(a.LastSeen) {
				a.LastSeen = rec.CreatedAt
			}
		}
		if rec.IPAddress != nil && *rec.IPAddress != "" {
			ips[*rec.IPAddress] = struct{}{}
		}

		class := models.ClassifyEvent(rec.EventType)
		if class.FailedLogin {
			report.Summary.FailedLogins++
		}
		if class.Access {
			report.Compliance.DataAccessEvents++
		}
		if class.Modification() {
			report.Compliance.DataModificationEvents++
		}

		if rec.Severity != nil {
			report.Summary.SecurityEvents++
			report.SecurityEvents[*rec.Severity]++
			if *rec.Severity == models.SeverityCritical {
				report.Summary.CriticalEvents++
			}
		}
	}

	report.Summary.UniqueSubjects = len(subjects)
	report.Summary.UniqueIPs = len(ips)
	report.SystemEvents = sortedEventCounts(eventCounts)
	report.UserActivity = topSubjects(subjects, reportTopSubjects)

	if report.Summary.FailedLogins > reportFailedLoginThreshold {
		report.Recommendations = append(report.Recommendations, models.Recommendation{
			Category: "security",
			Priority: "high",
			Message: fmt.Sprintf("%d failed logins in the period; review authentication controls and consider lockout or MFA",
				report.Summary.FailedLogins),
		})
	}
	if report.Summary.UniqueSubjects > reportActiveSubjectThreshold {
		report.Recommendations = append(report.Recommendations, models.Recommendation{
			Category: "access_review",
			Priority: "medium",
			Message: fmt.Sprintf("%d distinct users were active; schedule a periodic access review",
				report.Summary.UniqueSubjects),
		})
	}

	return report, nil
}

func sortedEventCounts(counts map[string]int) []models.EventTypeCount {
	out := make([]models.EventTypeCount, 0, len(counts))
	for eventType, n := range counts {
		out = append(out, models.EventTypeCount{EventType: eventType, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].EventType < out[j].EventType
	})
	return out
}

func topSubjects(subjects map[uuid.UUID]*models.SubjectActivity, n int) []models.SubjectActivity {
	out := make([]models.SubjectActivity, 0, len(subjects))
	for _, a := range subjects {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Actions != out[j].Actions {
			return out[i].Actions > out[j].Actions
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].SubjectID.String() < out[j].SubjectID.String()
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// RenderReport serialises a report as JSON or YAML.
func RenderReport(report *models.ForensicReport, format string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", ReportFormatJSON:
		b, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to render report as json: %w", err)
		}
		return b, nil
	case ReportFormatYAML, "yml":
		b, err := yaml.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("failed to render report as yaml: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unsupported report format %q", apperrors.ErrInvalidInput, format)
}
