package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Anomaly types raised by behaviour analysis.
const (
	AnomalyHighLoginFailureRate = "high_login_failure_rate"
	AnomalyMultipleIPAddresses  = "multiple_ip_addresses"
	AnomalyHighActivityVolume   = "high_activity_volume"
	AnomalyOffHoursActivity     = "off_hours_activity"
)

// Finding categories raised by investigations.
const (
	FindingNetworkSecurity = "network_security"
	FindingUserBehavior    = "user_behavior"
	FindingEventFrequency  = "event_frequency"
	FindingInputValidation = "input_validation"
)

// Event types the forensics engine writes about its own work.
const (
	EventForensicsInvestigationRun = "forensics.investigation_run"
	EventForensicsIntegrityChecked = "forensics.integrity_verified"
)

// EventClass is the coarse classification of an event type used by analytics.
type EventClass struct {
	Login       bool
	FailedLogin bool
	Failure     bool
	Access      bool
	Create      bool
	Update      bool
	Delete      bool
}

// Modification reports whether the event changed data.
func (c EventClass) Modification() bool {
	return c.Create || c.Update || c.Delete
}

// SuccessfulLogin reports a login that did not fail.
func (c EventClass) SuccessfulLogin() bool {
	return c.Login && !c.FailedLogin
}

var accessFragments = []string{"view", "access", "read", "search", "export", "download"}

// ClassifyEvent derives the analytic classes of an event type from its name.
func ClassifyEvent(eventType string) EventClass {
	t := strings.ToLower(eventType)
	c := EventClass{
		Login:   strings.Contains(t, "login"),
		Failure: strings.Contains(t, "fail") || strings.Contains(t, "denied"),
		Create:  strings.Contains(t, "create"),
		Update:  strings.Contains(t, "update") || strings.Contains(t, "postpone"),
		Delete:  strings.Contains(t, "delete"),
	}
	c.FailedLogin = c.Login && strings.Contains(t, "fail")
	for _, f := range accessFragments {
		if strings.Contains(t, f) {
			c.Access = true
			break
		}
	}
	return c
}

// Anomaly is a triggered behaviour rule.
type Anomaly struct {
	Type        string   `json:"type" yaml:"type"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Description string   `json:"description" yaml:"description"`
	Value       float64  `json:"value" yaml:"value"`
	Threshold   float64  `json:"threshold" yaml:"threshold"`
}

// LoginPattern summarises authentication activity.
type LoginPattern struct {
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	UniqueIPs   int     `json:"unique_ips"`
	FailureRate float64 `json:"failure_rate"`
}

// AccessPattern summarises reads.
type AccessPattern struct {
	Total         int            `json:"total"`
	ByTargetType  map[string]int `json:"by_target_type"`
	HourHistogram [24]int        `json:"hour_histogram"`
}

// ModificationPattern summarises writes.
type ModificationPattern struct {
	Creates      int            `json:"creates"`
	Updates      int            `json:"updates"`
	Deletes      int            `json:"deletes"`
	ByTargetType map[string]int `json:"by_target_type"`
}

// BehaviorPatterns groups the pattern summaries of a subject.
type BehaviorPatterns struct {
	Login        LoginPattern        `json:"login"`
	Access       AccessPattern       `json:"access"`
	Modification ModificationPattern `json:"modification"`
}

// TimelineEntry is one record in a subject's activity timeline.
type TimelineEntry struct {
	RecordID   int64     `json:"record_id"`
	EventType  string    `json:"event_type"`
	TargetType *string   `json:"target_type,omitempty"`
	TargetID   *string   `json:"target_id,omitempty"`
	IPAddress  *string   `json:"ip_address,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// BehaviorAnalysis is the risk profile of one subject over a window.
type BehaviorAnalysis struct {
	SubjectID    uuid.UUID        `json:"subject_id"`
	WindowDays   int              `json:"window_days"`
	Since        time.Time        `json:"since"`
	Until        time.Time        `json:"until"`
	TotalActions int              `json:"total_actions"`
	RiskScore    int              `json:"risk_score"`
	Anomalies    []Anomaly        `json:"anomalies"`
	Patterns     BehaviorPatterns `json:"patterns"`
	Timeline     []TimelineEntry  `json:"timeline"`
}

// HasAnomaly reports whether an anomaly of the given type was raised.
func (b *BehaviorAnalysis) HasAnomaly(anomalyType string) bool {
	for _, a := range b.Anomalies {
		if a.Type == anomalyType {
			return true
		}
	}
	return false
}

// InvestigationCriteria selects the records an investigation looks at.
type InvestigationCriteria struct {
	Since         *time.Time
	Until         *time.Time
	EventTypes    []string
	IPAddress     string
	ActorID       *uuid.UUID
	RiskThreshold float64 // subjects at or above are flagged; 0 uses the configured default
}

// SuspiciousIP is an address flagged by an investigation.
type SuspiciousIP struct {
	IPAddress      string   `json:"ip_address"`
	Actions        int      `json:"actions"`
	DistinctActors int      `json:"distinct_actors"`
	FailedLogins   int      `json:"failed_logins"`
	RiskScore      float64  `json:"risk_score"`
	Reasons        []string `json:"reasons"`
}

// AnomalousEventType is an event type far more frequent than the average type.
type AnomalousEventType struct {
	EventType string  `json:"event_type"`
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
}

// SubjectRisk is the weighted risk of one acting subject.
type SubjectRisk struct {
	SubjectID     uuid.UUID `json:"subject_id"`
	Actions       int       `json:"actions"`
	Failures      int       `json:"failures"`
	DistinctIPs   int       `json:"distinct_ips"`
	OffHoursRatio float64   `json:"off_hours_ratio"`
	RiskScore     float64   `json:"risk_score"`
}

// InjectionHit is a metadata value that looks like an injection payload.
// Encrypted marks a hit found in a value that is encrypted at rest.
type InjectionHit struct {
	RecordID    int64  `json:"record_id"`
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
	Encrypted   bool   `json:"encrypted,omitempty"`
}

// Finding is a deterministic conclusion drawn from investigation flags.
type Finding struct {
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// InvestigationResult is the outcome of Investigate.
type InvestigationResult struct {
	ID                  uuid.UUID            `json:"id"`
	TotalEvents         int                  `json:"total_events"`
	SuspiciousIPs       []SuspiciousIP       `json:"suspicious_ips"`
	AnomalousEventTypes []AnomalousEventType `json:"anomalous_event_types"`
	HighRiskSubjects    []SubjectRisk        `json:"high_risk_subjects"`
	InjectionHits       []InjectionHit       `json:"injection_hits"`
	Findings            []Finding            `json:"findings"`
	Recommendations     []string             `json:"recommendations"`
	GeneratedAt         time.Time            `json:"generated_at"`
}

// ReportOptions bounds a forensic report. Nil bounds are open.
type ReportOptions struct {
	Since *time.Time
	Until *time.Time
}

// ReportSummary holds the headline counts of a report.
type ReportSummary struct {
	TotalEvents    int `json:"total_events" yaml:"total_events"`
	UniqueSubjects int `json:"unique_subjects" yaml:"unique_subjects"`
	UniqueIPs      int `json:"unique_ips" yaml:"unique_ips"`
	FailedLogins   int `json:"failed_logins" yaml:"failed_logins"`
	SecurityEvents int `json:"security_events" yaml:"security_events"`
	CriticalEvents int `json:"critical_events" yaml:"critical_events"`
}

// SubjectActivity is a subject's action count in a report.
type SubjectActivity struct {
	SubjectID uuid.UUID `json:"subject_id" yaml:"subject_id"`
	Actions   int       `json:"actions" yaml:"actions"`
	LastSeen  time.Time `json:"last_seen" yaml:"last_seen"`
}

// EventTypeCount is the number of records of one event type.
type EventTypeCount struct {
	EventType string `json:"event_type" yaml:"event_type"`
	Count     int    `json:"count" yaml:"count"`
}

// ComplianceMetrics counts data access against data modification.
type ComplianceMetrics struct {
	DataAccessEvents       int `json:"data_access_events" yaml:"data_access_events"`
	DataModificationEvents int `json:"data_modification_events" yaml:"data_modification_events"`
}

// Recommendation is an action suggested by a report.
type Recommendation struct {
	Category string `json:"category" yaml:"category"`
	Priority string `json:"priority" yaml:"priority"`
	Message  string `json:"message" yaml:"message"`
}

// ForensicReport aggregates ledger activity over a period.
type ForensicReport struct {
	ID              uuid.UUID         `json:"id" yaml:"id"`
	Since           *time.Time        `json:"since,omitempty" yaml:"since,omitempty"`
	Until           *time.Time        `json:"until,omitempty" yaml:"until,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at" yaml:"generated_at"`
	Summary         ReportSummary     `json:"summary" yaml:"summary"`
	UserActivity    []SubjectActivity `json:"user_activity" yaml:"user_activity"`
	SystemEvents    []EventTypeCount  `json:"system_events" yaml:"system_events"`
	SecurityEvents  map[Severity]int  `json:"security_events" yaml:"security_events"`
	Compliance      ComplianceMetrics `json:"compliance" yaml:"compliance"`
	Recommendations []Recommendation  `json:"recommendations" yaml:"recommendations"`
}

// RiskLevel grades a single security event.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// SecurityEventView is a recent security-relevant record with its risk level.
type SecurityEventView struct {
	RecordID    int64      `json:"record_id"`
	EventType   string     `json:"event_type"`
	ActorUserID *uuid.UUID `json:"actor_user_id,omitempty"`
	IPAddress   *string    `json:"ip_address,omitempty"`
	Severity    *Severity  `json:"severity,omitempty"`
	RiskLevel   RiskLevel  `json:"risk_level"`
	Metadata    Metadata   `json:"metadata,omitempty"` // encrypted values omitted
	CreatedAt   time.Time  `json:"created_at"`
}
