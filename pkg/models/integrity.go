package models

import (
	"fmt"
	"time"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
)

// BrokenLinkKind names which chain invariant a record violates.
type BrokenLinkKind string

const (
	// BrokenLinkContent means the stored record hash no longer matches the record's fields.
	BrokenLinkContent BrokenLinkKind = "content"
	// BrokenLinkChain means previous_hash does not match the preceding record.
	BrokenLinkChain BrokenLinkKind = "chain"
)

// BrokenLink is a single integrity violation.
type BrokenLink struct {
	RecordID int64          `json:"record_id" yaml:"record_id"`
	Kind     BrokenLinkKind `json:"kind" yaml:"kind"`
	Expected string         `json:"expected" yaml:"expected"`
	Actual   string         `json:"actual" yaml:"actual"`
}

// Err describes the violation as an error wrapping apperrors.ErrChainBroken.
func (b BrokenLink) Err() error {
	return fmt.Errorf("%w: record %d (%s): expected %q, got %q", apperrors.ErrChainBroken, b.RecordID, b.Kind, b.Expected, b.Actual)
}

// IntegrityResult is the outcome of walking a range of the ledger.
type IntegrityResult struct {
	OK      bool         `json:"ok"`
	Checked int          `json:"checked"`
	Broken  []BrokenLink `json:"broken"`
}

// IntegrityStatus is the pass/fail verdict of a forensic integrity check.
type IntegrityStatus string

const (
	IntegrityPassed IntegrityStatus = "PASSED"
	IntegrityFailed IntegrityStatus = "FAILED"
)

// IntegrityOptions selects the id range to verify. Nil bounds are open.
type IntegrityOptions struct {
	FromID *int64
	ToID   *int64
}

// IntegrityReport is the forensic view of a ledger verification.
type IntegrityReport struct {
	Results    IntegrityStatus `json:"results" yaml:"results"`
	Checked    int             `json:"checked" yaml:"checked"`
	Broken     []BrokenLink    `json:"broken" yaml:"broken"`
	FromID     *int64          `json:"from_id,omitempty" yaml:"from_id,omitempty"`
	ToID       *int64          `json:"to_id,omitempty" yaml:"to_id,omitempty"`
	VerifiedAt time.Time       `json:"verified_at" yaml:"verified_at"`
}
