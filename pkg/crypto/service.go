// Package crypto provides the symmetric encryption, deterministic hashing and
// random token primitives used by the ledger and the search index.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
)

const (
	// KeySize is the required length of the decoded secret key (AES-256).
	KeySize = 32

	// DefaultTokenBytes is used by GenerateToken when no positive length is given.
	DefaultTokenBytes = 32

	tokenSeparator = ":"
	hashKeyInfo    = "ekaya-ledger/search-hash/v1"
)

// Service provides AES-256-GCM encryption of opaque strings, deterministic
// hashing and random token generation. It is safe for concurrent use.
type Service struct {
	gcm      cipher.AEAD
	hashKey  []byte // nil when running on an ephemeral key
	degraded bool
}

// NewService builds a Service from the configured secret.
// The key can be:
//   - A base64 or hex encoded 32-byte key (e.g., from: openssl rand -base64 32)
//   - Any other non-empty passphrase (hashed to 32 bytes with SHA-256, logged as a warning)
//   - Empty (a random ephemeral key is generated, logged as a warning)
//
// A missing or malformed key never stops the process; the service runs degraded.
func NewService(keyInput string, logger *zap.Logger) (*Service, error) {
	logger = logger.Named("crypto")

	key, mode := parseKey(keyInput)
	switch mode {
	case keyModePassphrase:
		logger.Warn("Encryption key is not a 32-byte base64 or hex value; deriving key from passphrase",
			zap.Int("key_length", len(keyInput)))
	case keyModeEphemeral:
		logger.Warn("Encryption key is not configured; using an ephemeral key, encrypted values will not survive a restart")
		key = make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	s := &Service{gcm: gcm, degraded: mode == keyModeEphemeral}

	// Hashes must be stable across restarts, so an ephemeral key never feeds them.
	if mode != keyModeEphemeral {
		s.hashKey = make([]byte, KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(hashKeyInfo)), s.hashKey); err != nil {
			return nil, fmt.Errorf("failed to derive hash key: %w", err)
		}
	}

	return s, nil
}

type keyMode int

const (
	keyModeRaw keyMode = iota
	keyModePassphrase
	keyModeEphemeral
)

func parseKey(keyInput string) ([]byte, keyMode) {
	keyInput = strings.TrimSpace(keyInput)
	if keyInput == "" {
		return nil, keyModeEphemeral
	}

	if decoded, err := base64.StdEncoding.DecodeString(keyInput); err == nil && len(decoded) == KeySize {
		return decoded, keyModeRaw
	}
	if decoded, err := hex.DecodeString(keyInput); err == nil && len(decoded) == KeySize {
		return decoded, keyModeRaw
	}

	sum := sha256.Sum256([]byte(keyInput))
	return sum[:], keyModePassphrase
}

// Degraded reports whether the service runs on an ephemeral key.
func (s *Service) Degraded() bool {
	return s.degraded
}

// Encrypt encrypts plaintext and returns hex(nonce) + ":" + base64(ciphertext || tag).
// A fresh nonce is drawn for every call. Empty strings are returned as-is.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return hex.EncodeToString(nonce) + tokenSeparator + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Empty strings are returned as-is.
func (s *Service) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	parts := strings.Split(token, tokenSeparator)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: expected 2 parts, got %d", apperrors.ErrMalformedCiphertext, len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: nonce is not hex", apperrors.ErrMalformedCiphertext)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not base64", apperrors.ErrMalformedCiphertext)
	}

	if len(nonce) != s.gcm.NonceSize() {
		return "", fmt.Errorf("%w: invalid nonce size %d", apperrors.ErrDecryptionFailed, len(nonce))
	}
	if len(ciphertext) < s.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", apperrors.ErrDecryptionFailed)
	}

	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", apperrors.ErrDecryptionFailed)
	}

	return string(plaintext), nil
}

// Hash returns a deterministic hex digest of text. Empty input yields an empty string.
func (s *Service) Hash(text string) string {
	if text == "" {
		return ""
	}

	if s.hashKey == nil {
		sum := sha256.Sum256([]byte(text))
		return hex.EncodeToString(sum[:])
	}

	mac := hmac.New(sha256.New, s.hashKey)
	mac.Write([]byte(text))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateToken returns length random bytes as a hex string.
func (s *Service) GenerateToken(length int) (string, error) {
	if length <= 0 {
		length = DefaultTokenBytes
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
