package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
)

// setupTestLogger creates a test logger with an observer to capture log entries.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger, recorded
}

func strPtr(s string) *string { return &s }

func TestNewSecurityAuditor(t *testing.T) {
	logger, _ := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	assert.NotNil(t, auditor)
	assert.NotNil(t, auditor.logger)
}

func TestRecord_DegradedWrite(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	rec := &models.LogRecord{
		EventType: "auth.login_failed",
		IPAddress: strPtr("10.0.0.9"),
		Metadata:  models.Metadata{"username": "aa:bb", "username_encrypted": true},
	}

	auditor.Record(context.Background(), rec, errors.New("connection refused"))

	entries := recorded.All()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, "security_audit", entry.LoggerName)

	fields := entry.ContextMap()
	assert.Equal(t, "auth.login_failed", fields["event_type"])
	assert.Equal(t, true, fields["degraded"])

	var event SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(fields["event_json"].(string)), &event))
	assert.Equal(t, EventDegradedWrite, event.EventType)
	details := event.Details.(map[string]any)
	assert.Equal(t, "connection refused", details["cause"])
}

func TestRecord_SanitizesCause(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	cause := errors.New("failed to connect to `host=db user=ekaya password=hunter2`: dial error")
	auditor.Record(context.Background(), &models.LogRecord{EventType: "data.read"}, cause)

	entries := recorded.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.NotContains(t, fields["event_json"], "hunter2")
	assert.NotContains(t, fields["error"], "hunter2")
	assert.Contains(t, fields["error"], "password=[REDACTED]")
}

func TestNotifyCritical(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	actor := uuid.New()
	rec := &models.LogRecord{
		ID:          42,
		EventType:   "security.unauthorized_access",
		ActorUserID: &actor,
		CreatedAt:   time.Now().UTC(),
		Metadata:    models.Metadata{"email": "xx:yy", "email_encrypted": true, "path": "/admin"},
	}

	err := auditor.NotifyCritical(context.Background(), NewCriticalAlert(rec, true))
	require.NoError(t, err)

	entries := recorded.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(42), fields["record_id"])
	assert.Equal(t, "critical", fields["severity"])
	assert.NotContains(t, fields["event_json"], "xx:yy")
	assert.Contains(t, fields["event_json"], "/admin")
}

func TestNewCriticalAlert_Unpersisted(t *testing.T) {
	rec := &models.LogRecord{ID: 7, EventType: "security.breach"}

	alert := NewCriticalAlert(rec, false)

	assert.Zero(t, alert.RecordID)
	assert.False(t, alert.Persisted)
	assert.False(t, alert.Timestamp.IsZero())
}

func TestLogInjectionDetected(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	auditor.LogInjectionDetected(context.Background(), models.InjectionHit{RecordID: 3, Key: "q", Fingerprint: "s&1c"})

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "s&1c", entries[0].ContextMap()["fingerprint"])
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) NotifyCritical(context.Context, CriticalAlert) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiNotifier(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	failing := &failingNotifier{}
	m := MultiNotifier{failing, nil, NewSecurityAuditor(logger)}

	err := m.NotifyCritical(context.Background(), CriticalAlert{EventType: "x"})

	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, failing.calls)
	assert.Len(t, recorded.All(), 1, "later notifiers still run")
}

type fakePublisher struct {
	channel string
	message any
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.message = message
	return redis.NewIntResult(1, f.err)
}

func TestRedisAlertPublisher(t *testing.T) {
	pub := &fakePublisher{}
	p := NewRedisAlertPublisher(pub, "ledger:alerts:critical")

	err := p.NotifyCritical(context.Background(), CriticalAlert{EventType: "security.breach", RecordID: 9, Persisted: true})
	require.NoError(t, err)

	assert.Equal(t, "ledger:alerts:critical", pub.channel)
	var alert CriticalAlert
	require.NoError(t, json.Unmarshal(pub.message.([]byte), &alert))
	assert.Equal(t, "security.breach", alert.EventType)
	assert.Equal(t, int64(9), alert.RecordID)
}

func TestRedisAlertPublisher_Error(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	p := NewRedisAlertPublisher(pub, "alerts")

	err := p.NotifyCritical(context.Background(), CriticalAlert{EventType: "x"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestNopSink(t *testing.T) {
	assert.NotPanics(t, func() {
		NopSink{}.Record(context.Background(), &models.LogRecord{}, errors.New("x"))
	})
}
