// Package sql detects SQL injection payloads in values recorded by the ledger.
package sql

import (
	"sort"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
)

// InjectionCheckResult contains the result of an injection check on a single value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Key         string // Dotted path of the value that failed the check
	Value       any    // The value that was checked
}

// CheckValueForInjection uses libinjection to detect SQL injection patterns
// in a value.
//
// Only string values are checked - numbers, booleans, and other types cannot
// contain SQL injection patterns and will return nil (no injection detected).
//
// Example:
//
//	result := CheckValueForInjection("username", "admin' OR '1'='1")
//	// result.IsSQLi == true
//	// result.Key == "username"
func CheckValueForInjection(key string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			Key:         key,
			Value:       value,
		}
	}

	return nil
}

// Decrypter recovers the plaintext of an encrypted metadata value.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// ScanMetadata checks every string in a record's metadata, including values nested
// in objects and arrays. Encrypted values are decrypted with dec and scanned too;
// with a nil dec, or when decryption fails, they are skipped.
// Hits never carry the scanned value and are returned sorted by key.
func ScanMetadata(recordID int64, metadata models.Metadata, dec Decrypter) []models.InjectionHit {
	var hits []models.InjectionHit
	add := func(results []*InjectionCheckResult, encrypted bool) {
		for _, r := range results {
			hits = append(hits, models.InjectionHit{
				RecordID:    recordID,
				Key:         r.Key,
				Fingerprint: r.Fingerprint,
				Encrypted:   encrypted,
			})
		}
	}

	for key, value := range metadata.Public() {
		add(checkNested(key, value), false)
	}

	if dec != nil {
		for _, key := range metadata.EncryptedKeys() {
			token, ok := metadata[key].(string)
			if !ok {
				continue
			}
			plaintext, err := dec.Decrypt(token)
			if err != nil {
				continue
			}
			if result := CheckValueForInjection(key, plaintext); result != nil {
				add([]*InjectionCheckResult{result}, true)
			}
		}
	}

	if hits == nil {
		return []models.InjectionHit{}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Key < hits[j].Key })
	return hits
}

func checkNested(key string, value any) []*InjectionCheckResult {
	switch v := value.(type) {
	case map[string]any:
		var results []*InjectionCheckResult
		for k, nested := range v {
			results = append(results, checkNested(key+"."+k, nested)...)
		}
		return results
	case models.Metadata:
		return checkNested(key, map[string]any(v))
	case []any:
		var results []*InjectionCheckResult
		for _, nested := range v {
			results = append(results, checkNested(key, nested)...)
		}
		return results
	}

	if result := CheckValueForInjection(key, value); result != nil {
		return []*InjectionCheckResult{result}
	}
	return nil
}
