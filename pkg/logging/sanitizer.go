package logging

import (
	"regexp"
)

const (
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
	// CiphertextText replaces sealed field values so they never reach logs
	CiphertextText = "[CIPHERTEXT]"
)

var (
	// Pattern to match potential passwords in connection strings
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Pattern to match key material passed as a parameter
	keyPattern = regexp.MustCompile(`(?i)(encryption[_-]?key|ledger_encryption_key|hash[_-]?key|key)=[A-Za-z0-9+/=_-]{16,}`)

	// Pattern to match connection string credentials (user:pass@host or :pass@host format)
	connStringPattern = regexp.MustCompile(`://[^:/\s]*:[^@\s]+@[^/\s]+`)

	// Pattern to match field ciphertext: hex(12-byte nonce) ":" base64(ciphertext)
	ciphertextPattern = regexp.MustCompile(`\b[0-9a-f]{24}:[A-Za-z0-9+/]{16,}={0,2}`)
)

// SanitizeConnectionString removes sensitive data from connection strings
// Use this before logging any connection string
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	// Replace password values
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)

	// Replace user:pass@host format
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeError sanitizes error messages that might contain sensitive data
// Use this before logging any error from storage or crypto operations
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// Remove potential passwords
	sanitized := passwordPattern.ReplaceAllString(errStr, "${1}="+RedactedText)

	// Remove key material
	sanitized = keyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)

	// Remove connection string details
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	// Remove sealed values echoed back by the database
	sanitized = ciphertextPattern.ReplaceAllString(sanitized, CiphertextText)

	return sanitized
}
