package sql

import (
	"errors"
	"strings"
	"testing"

	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
)

func TestCheckValueForInjection(t *testing.T) {
	tests := []struct {
		name            string
		key             string
		value           any
		expectInjection bool
	}{
		// Clean values
		{name: "clean username", key: "username", value: "kai.test", expectInjection: false},
		{name: "clean email address", key: "email", value: "user@example.com", expectInjection: false},
		{name: "clean UUID", key: "target", value: "550e8400-e29b-41d4-a716-446655440000", expectInjection: false},
		{name: "clean reason", key: "reason", value: "invalid password", expectInjection: false},
		{name: "legitimate apostrophe", key: "name", value: "O'Brien", expectInjection: false},
		{name: "empty string", key: "note", value: "", expectInjection: false},

		// Non-string values can't contain injection
		{name: "integer value", key: "attempts", value: 4, expectInjection: false},
		{name: "float value", key: "attempts", value: 4.0, expectInjection: false},
		{name: "boolean value", key: "success", value: false, expectInjection: false},
		{name: "nil value", key: "optional", value: nil, expectInjection: false},

		// Payloads seen in login forms and search boxes
		{name: "classic quote injection", key: "username", value: "' OR '1'='1", expectInjection: true},
		{name: "drop table injection", key: "search", value: "'; DROP TABLE users--", expectInjection: true},
		{name: "union select injection", key: "resource", value: "1 UNION SELECT * FROM passwords", expectInjection: true},
		{name: "comment injection", key: "username", value: "admin'--", expectInjection: true},
		{name: "time-based blind injection", key: "id", value: "1' AND SLEEP(5)--", expectInjection: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CheckValueForInjection(tt.key, tt.value)

			if tt.expectInjection {
				if result == nil {
					t.Fatalf("expected injection detection, got nil")
				}
				if !result.IsSQLi {
					t.Errorf("expected IsSQLi=true, got false")
				}
				if result.Key != tt.key {
					t.Errorf("expected Key=%q, got %q", tt.key, result.Key)
				}
				if result.Value != tt.value {
					t.Errorf("expected Value=%v, got %v", tt.value, result.Value)
				}
				if result.Fingerprint == "" {
					t.Errorf("expected non-empty fingerprint, got empty string")
				}
			} else if result != nil {
				t.Errorf("expected no injection detection (nil), got result: %+v", result)
			}
		})
	}
}

func TestScanMetadata(t *testing.T) {
	metadata := models.Metadata{
		"reason":   "invalid password",
		"search":   "'; DROP TABLE users--",
		"attempts": float64(3),
		"changes": map[string]any{
			"status": map[string]any{"old": "active", "new": "1' AND SLEEP(5)--"},
		},
		"tags": []any{"ok", "admin'--"},
	}

	hits := ScanMetadata(42, metadata, nil)

	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d: %+v", len(hits), hits)
	}

	wantKeys := []string{"changes.status.new", "search", "tags"}
	for i, want := range wantKeys {
		if hits[i].Key != want {
			t.Errorf("hit %d: expected key %q, got %q", i, want, hits[i].Key)
		}
		if hits[i].RecordID != 42 {
			t.Errorf("hit %d: expected record id 42, got %d", i, hits[i].RecordID)
		}
		if hits[i].Fingerprint == "" {
			t.Errorf("hit %d: expected fingerprint", i)
		}
	}
}

func TestScanMetadata_EncryptedValuesNeedDecrypter(t *testing.T) {
	metadata := models.Metadata{
		"username":           "enc:' OR '1'='1",
		"username_encrypted": true,
	}

	if hits := ScanMetadata(1, metadata, nil); len(hits) != 0 {
		t.Errorf("expected encrypted values to be skipped without a decrypter, got %+v", hits)
	}

	hits := ScanMetadata(1, metadata, prefixDecrypter{})
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit in decrypted value, got %+v", hits)
	}
	if hits[0].Key != "username" || !hits[0].Encrypted {
		t.Errorf("expected encrypted hit on username, got %+v", hits[0])
	}
}

func TestScanMetadata_UndecryptableValueSkipped(t *testing.T) {
	metadata := models.Metadata{
		"email":           "garbage",
		"email_encrypted": true,
		"search":          "'; DROP TABLE users--",
	}

	hits := ScanMetadata(7, metadata, prefixDecrypter{})
	if len(hits) != 1 || hits[0].Key != "search" || hits[0].Encrypted {
		t.Errorf("expected only the plaintext hit, got %+v", hits)
	}
}

// prefixDecrypter treats "enc:" as the ciphertext marker.
type prefixDecrypter struct{}

func (prefixDecrypter) Decrypt(token string) (string, error) {
	plaintext, ok := strings.CutPrefix(token, "enc:")
	if !ok {
		return "", errors.New("not a token")
	}
	return plaintext, nil
}

func TestScanMetadata_Empty(t *testing.T) {
	if hits := ScanMetadata(1, nil, nil); len(hits) != 0 {
		t.Errorf("expected no hits for nil metadata, got %+v", hits)
	}
}
