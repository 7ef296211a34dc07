package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a security record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity returns true if s is a recognised severity level.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Weight is the contribution of an anomaly of this severity to a risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical, SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// SeverityPtr is a convenience for building events.
func SeverityPtr(s Severity) *Severity {
	return &s
}

// RecordKind distinguishes plain audit records from security records.
type RecordKind string

const (
	RecordKindAudit    RecordKind = "audit"
	RecordKindSecurity RecordKind = "security"
)

// Lifecycle events the server records about itself.
const (
	EventSystemStarted = "system.started"
	EventSystemStopped = "system.stopped"
)

// Metadata is the open key/value payload of a ledger record.
type Metadata map[string]any

// EncryptedFlagSuffix marks the companion flag stored next to an encrypted metadata value.
const EncryptedFlagSuffix = "_encrypted"

var sensitiveKeyFragments = []string{"name", "email", "phone", "secret", "token", "credential"}

// IsSensitiveKey reports whether a metadata key holds a value that must be encrypted at rest.
// Companion flag keys are never sensitive themselves.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasSuffix(lower, EncryptedFlagSuffix) {
		return false
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// EncryptedFlagKey returns the companion flag key for key.
func EncryptedFlagKey(key string) string {
	return key + EncryptedFlagSuffix
}

// IsEncrypted reports whether the stored value for key carries a true companion flag.
func (m Metadata) IsEncrypted(key string) bool {
	flag, ok := m[EncryptedFlagKey(key)].(bool)
	return ok && flag
}

// isCompanionFlag reports whether key is the companion flag of another key present in m.
func (m Metadata) isCompanionFlag(key string) bool {
	base, ok := strings.CutSuffix(key, EncryptedFlagSuffix)
	if !ok {
		return false
	}
	_, hasBase := m[base]
	return hasBase && m.IsEncrypted(base)
}

// Public returns a copy of m without encrypted values and their companion flags.
func (m Metadata) Public() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		if m.IsEncrypted(k) || m.isCompanionFlag(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// EncryptedKeys returns the keys whose stored values are ciphertext.
func (m Metadata) EncryptedKeys() []string {
	var keys []string
	for k := range m {
		if m.IsEncrypted(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// ValueText renders a metadata value as text for encryption.
func ValueText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

// DecodeMetadata decodes stored metadata JSON with numbers in canonical form.
// Empty input and JSON null decode to nil.
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return CanonicalNumbers(m).(Metadata), nil
}

// CanonicalNumbers rewrites every number in v, recursively, so that equal values
// have one representation however they were encoded: integral values that fit
// are int64, everything else is float64. Negative zero becomes 0.
// Integers beyond the int64 range fall back to float64 and lose precision.
func CanonicalNumbers(v any) any {
	switch val := v.(type) {
	case Metadata:
		out := make(Metadata, len(val))
		for k, x := range val {
			out[k] = CanonicalNumbers(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = CanonicalNumbers(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = CanonicalNumbers(x)
		}
		return out
	case json.Number:
		return canonicalNumber(string(val))
	case float64:
		return canonicalFloat(val)
	case float32:
		return canonicalFloat(float64(val))
	case int:
		return int64(val)
	case int32:
		return int64(val)
	}
	return v
}

func canonicalNumber(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return canonicalFloat(f)
}

func canonicalFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// Payload is a typed, event-specific metadata shape.
type Payload interface {
	Metadata() Metadata
}

// LoginPayload describes an authentication attempt.
type LoginPayload struct {
	Username string
	Success  bool
	Attempts int
	Reason   string
}

func (p LoginPayload) Metadata() Metadata {
	m := Metadata{"success": p.Success}
	if p.Username != "" {
		m["username"] = p.Username
	}
	if p.Attempts > 0 {
		m["attempts"] = p.Attempts
	}
	if p.Reason != "" {
		m["reason"] = p.Reason
	}
	return m
}

// AccessPayload describes a read of protected data.
type AccessPayload struct {
	Resource string
	Action   string
	RowCount int
}

func (p AccessPayload) Metadata() Metadata {
	m := Metadata{"resource": p.Resource, "action": p.Action}
	if p.RowCount > 0 {
		m["row_count"] = p.RowCount
	}
	return m
}

// FieldChange represents the old and new values for a changed field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangePayload describes a modification of an entity.
type ChangePayload struct {
	Action  string
	Changes map[string]FieldChange
}

func (p ChangePayload) Metadata() Metadata {
	m := Metadata{"action": p.Action}
	if len(p.Changes) > 0 {
		m["changes"] = p.Changes
	}
	return m
}

// LogEvent is what a collaborator hands to the ledger.
type LogEvent struct {
	EventType         string
	ActorUserID       *uuid.UUID
	TargetID          *string
	TargetType        *string
	IPAddress         *string
	DeviceFingerprint *string
	Severity          *Severity // non-nil makes this a security record

	Payload  Payload  // optional typed payload
	Metadata Metadata // free-form fallback; overrides payload keys
}

// MergedMetadata flattens the typed payload and the free-form map into one copy.
func (e LogEvent) MergedMetadata() Metadata {
	out := Metadata{}
	if e.Payload != nil {
		for k, v := range e.Payload.Metadata() {
			out[k] = v
		}
	}
	for k, v := range e.Metadata {
		out[k] = v
	}
	return out
}

// LogRecord is a persisted, hash-chained ledger entry. Stored in log_records table.
type LogRecord struct {
	ID                int64      `json:"id"`
	EventType         string     `json:"event_type"`
	ActorUserID       *uuid.UUID `json:"actor_user_id,omitempty"`
	TargetID          *string    `json:"target_id,omitempty"`
	TargetType        *string    `json:"target_type,omitempty"`
	IPAddress         *string    `json:"ip_address,omitempty"`
	DeviceFingerprint *string    `json:"device_fingerprint,omitempty"`
	Metadata          Metadata   `json:"metadata,omitempty"` // stored form: sensitive values are ciphertext
	Severity          *Severity  `json:"severity,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	RecordHash        string     `json:"record_hash"`
	PreviousHash      *string    `json:"previous_hash,omitempty"`
}

// Kind reports whether r is a security or a plain audit record.
func (r *LogRecord) Kind() RecordKind {
	if r.Severity != nil {
		return RecordKindSecurity
	}
	return RecordKindAudit
}

// LogFilters narrows ledger reads. Zero values mean "no filter".
type LogFilters struct {
	ActorUserID *uuid.UUID
	EventType   string
	EventTypes  []string
	Severity    *Severity
	IPAddress   string
	Since       *time.Time
	Until       *time.Time

	// SecurityRelevant keeps security records plus auth.* and security.* events.
	SecurityRelevant bool
}

// SecurityEventPrefixes are event type prefixes treated as security relevant.
var SecurityEventPrefixes = []string{"auth.", "security."}

// Matches reports whether r passes the filters.
func (f LogFilters) Matches(r *LogRecord) bool {
	if f.ActorUserID != nil && (r.ActorUserID == nil || *r.ActorUserID != *f.ActorUserID) {
		return false
	}
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, r.EventType) {
		return false
	}
	if f.Severity != nil && (r.Severity == nil || *r.Severity != *f.Severity) {
		return false
	}
	if f.IPAddress != "" && (r.IPAddress == nil || *r.IPAddress != f.IPAddress) {
		return false
	}
	if f.Since != nil && r.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !r.CreatedAt.Before(*f.Until) {
		return false
	}
	if f.SecurityRelevant && r.Severity == nil && !hasAnyPrefix(r.EventType, SecurityEventPrefixes) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// DecryptedField is the per-field outcome of decrypting a sensitive metadata value.
type DecryptedField struct {
	Plaintext string
	Err       error
}

// DecryptionFailedPlaceholder is shown in place of a value that could not be decrypted.
const DecryptionFailedPlaceholder = "[DECRYPTION_FAILED]"

// OK reports whether decryption succeeded.
func (f DecryptedField) OK() bool {
	return f.Err == nil
}

// Display renders the field for presentation.
func (f DecryptedField) Display() string {
	if f.Err != nil {
		return DecryptionFailedPlaceholder
	}
	return f.Plaintext
}

func (f DecryptedField) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Display())
}

// RecordView is a ledger record as returned to readers.
type RecordView struct {
	ID                int64                     `json:"id"`
	Kind              RecordKind                `json:"kind"`
	EventType         string                    `json:"event_type"`
	ActorUserID       *uuid.UUID                `json:"actor_user_id,omitempty"`
	TargetID          *string                   `json:"target_id,omitempty"`
	TargetType        *string                   `json:"target_type,omitempty"`
	IPAddress         *string                   `json:"ip_address,omitempty"`
	DeviceFingerprint *string                   `json:"device_fingerprint,omitempty"`
	Severity          *Severity                 `json:"severity,omitempty"`
	Metadata          Metadata                  `json:"metadata,omitempty"`
	Sensitive         map[string]DecryptedField `json:"sensitive,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	RecordHash        string                    `json:"record_hash"`
	PreviousHash      *string                   `json:"previous_hash,omitempty"`
}

// LogPage is one page of a ledger query.
type LogPage struct {
	Records    []*RecordView `json:"records"`
	Total      int64         `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}
