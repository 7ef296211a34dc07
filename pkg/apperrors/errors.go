package apperrors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")

	// Crypto failures surface to the immediate caller.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	ErrDecryptionFailed    = errors.New("decryption failed")

	// ErrChainBroken describes a content or link mismatch found during verification.
	// It is reported inside integrity results and never returned from a verification call.
	ErrChainBroken = errors.New("hash chain broken")

	ErrAnalysisFailed = errors.New("analysis failed")
	ErrDegradedWrite  = errors.New("ledger write degraded to fallback sink")
)
