// Package audit provides the out-of-band channels of the ledger: a best-effort
// sink for events that could not be persisted, and critical-severity alert delivery.
// Everything here logs through a dedicated "security_audit" logger for SIEM consumption.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ledger/pkg/logging"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
)

// SecurityEventType categorizes out-of-band events for filtering and alerting.
type SecurityEventType string

const (
	// EventDegradedWrite is logged when a ledger append falls back to the sink.
	EventDegradedWrite SecurityEventType = "ledger_degraded_write"
	// EventCriticalAlert is logged for every critical-severity ledger event.
	EventCriticalAlert SecurityEventType = "ledger_critical_alert"
	// EventInjectionDetected is logged when libinjection flags a stored metadata value.
	EventInjectionDetected SecurityEventType = "injection_payload_detected"
)

// DegradedSink receives ledger records that could not be durably persisted.
// It is best-effort: there is no durability guarantee and no error to handle.
type DegradedSink interface {
	Record(ctx context.Context, rec *models.LogRecord, cause error)
}

// AlertNotifier delivers critical-severity events out of band.
type AlertNotifier interface {
	NotifyCritical(ctx context.Context, alert CriticalAlert) error
}

// CriticalAlert describes a critical-severity ledger event.
type CriticalAlert struct {
	Timestamp   time.Time       `json:"timestamp"`
	EventType   string          `json:"event_type"`
	RecordID    int64           `json:"record_id,omitempty"` // zero when the append degraded
	Persisted   bool            `json:"persisted"`
	ActorUserID *uuid.UUID      `json:"actor_user_id,omitempty"`
	IPAddress   *string         `json:"ip_address,omitempty"`
	TargetType  *string         `json:"target_type,omitempty"`
	TargetID    *string         `json:"target_id,omitempty"`
	Metadata    models.Metadata `json:"metadata,omitempty"` // encrypted values omitted
}

// NewCriticalAlert builds an alert from a (possibly unpersisted) record.
func NewCriticalAlert(rec *models.LogRecord, persisted bool) CriticalAlert {
	alert := CriticalAlert{
		Timestamp:   rec.CreatedAt,
		EventType:   rec.EventType,
		Persisted:   persisted,
		ActorUserID: rec.ActorUserID,
		IPAddress:   rec.IPAddress,
		TargetType:  rec.TargetType,
		TargetID:    rec.TargetID,
		Metadata:    rec.Metadata.Public(),
	}
	if persisted {
		alert.RecordID = rec.ID
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	return alert
}

// SecurityEvent is the JSON envelope written for SIEM ingestion.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SecurityAuditor writes out-of-band security events to a dedicated logger.
// It is both the stderr DegradedSink and the log-based AlertNotifier.
type SecurityAuditor struct {
	logger *zap.Logger
}

var (
	_ DegradedSink  = (*SecurityAuditor)(nil)
	_ AlertNotifier = (*SecurityAuditor)(nil)
)

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// Record writes a record the ledger failed to persist. The record never carries a
// chain hash; sensitive metadata is already in stored (encrypted) form.
func (a *SecurityAuditor) Record(ctx context.Context, rec *models.LogRecord, cause error) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventDegradedWrite,
		Details: map[string]any{
			"degraded": true,
			"record":   rec,
			"cause":    logging.SanitizeError(cause),
		},
		Severity: "warning",
	}

	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Ledger write degraded to fallback sink",
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", rec.EventType),
		zap.Bool("degraded", true),
		zap.String("error", logging.SanitizeError(cause)),
	)
}

// NotifyCritical logs a critical alert at ERROR level for immediate alerting.
func (a *SecurityAuditor) NotifyCritical(ctx context.Context, alert CriticalAlert) error {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventCriticalAlert,
		Details:   alert,
		Severity:  "critical",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Critical security event",
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", alert.EventType),
		zap.Int64("record_id", alert.RecordID),
		zap.Bool("persisted", alert.Persisted),
		zap.String("severity", "critical"),
	)
	return nil
}

// LogInjectionDetected records a metadata value that libinjection flagged.
func (a *SecurityAuditor) LogInjectionDetected(ctx context.Context, hit models.InjectionHit) {
	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventInjectionDetected,
		Details:   hit,
		Severity:  "warning",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Injection payload found in ledger metadata",
		zap.String("event_json", string(eventJSON)),
		zap.Int64("record_id", hit.RecordID),
		zap.String("key", hit.Key),
		zap.String("fingerprint", hit.Fingerprint),
	)
}

// NopSink discards degraded records. Used when the fallback sink is disabled.
type NopSink struct{}

func (NopSink) Record(context.Context, *models.LogRecord, error) {}

// MultiNotifier fans an alert out to several notifiers and returns the first error.
type MultiNotifier []AlertNotifier

func (m MultiNotifier) NotifyCritical(ctx context.Context, alert CriticalAlert) error {
	var firstErr error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyCritical(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
