package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ledger/pkg/audit"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
	"github.com/ekaya-inc/ekaya-ledger/pkg/repositories"
)

// LedgerService is the append-only, hash-chained audit and security log.
type LedgerService interface {
	// Append records an event. It never fails the caller: when the record cannot be
	// persisted it goes to the degraded sink and Append returns false.
	Append(ctx context.Context, event models.LogEvent) bool

	// Query returns one page of records, newest first, with sensitive metadata decrypted per field.
	Query(ctx context.Context, filters models.LogFilters, page, pageSize int) (*models.LogPage, error)

	// VerifyIntegrity walks the id range [fromID, toID] and reports every broken link.
	// Tampering is reported in the result; only storage failures return an error.
	VerifyIntegrity(ctx context.Context, fromID, toID *int64) (*models.IntegrityResult, error)
}

// FieldCipher encrypts individual values at rest.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// LedgerOptions holds the ledger's paging limits.
type LedgerOptions struct {
	DefaultPageSize int
	MaxPageSize     int
}

const redactedValue = "[REDACTED]"

type ledgerService struct {
	repo     repositories.LedgerRepository
	cipher   FieldCipher
	sink     audit.DegradedSink
	notifier audit.AlertNotifier
	metrics  *Metrics
	opts     LedgerOptions
	logger   *zap.Logger

	// mu serialises appends within this process; the repository's advisory lock covers other processes.
	mu  sync.Mutex
	now func() time.Time
}

// NewLedgerService creates a new LedgerService. notifier and metrics may be nil.
func NewLedgerService(
	repo repositories.LedgerRepository,
	cipher FieldCipher,
	sink audit.DegradedSink,
	notifier audit.AlertNotifier,
	metrics *Metrics,
	opts LedgerOptions,
	logger *zap.Logger,
) LedgerService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 50
	}
	if opts.MaxPageSize < opts.DefaultPageSize {
		opts.MaxPageSize = max(200, opts.DefaultPageSize)
	}
	return &ledgerService{
		repo:     repo,
		cipher:   cipher,
		sink:     sink,
		notifier: notifier,
		metrics:  metrics,
		opts:     opts,
		logger:   logger.Named("ledger-service"),
		now:      time.Now,
	}
}

var _ LedgerService = (*ledgerService)(nil)

func (s *ledgerService) Append(ctx context.Context, event models.LogEvent) bool {
	rec := &models.LogRecord{
		EventType:         strings.TrimSpace(event.EventType),
		ActorUserID:       event.ActorUserID,
		TargetID:          event.TargetID,
		TargetType:        event.TargetType,
		IPAddress:         event.IPAddress,
		DeviceFingerprint: event.DeviceFingerprint,
		Severity:          event.Severity,
	}
	kind := string(rec.Kind())

	err := s.persist(ctx, rec, event.MergedMetadata())
	persisted := err == nil

	if persisted {
		s.metrics.incAppend(kind, StatusPersisted)
	} else {
		// A degraded record never carries chain fields.
		rec.ID = 0
		rec.RecordHash = ""
		rec.PreviousHash = nil
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now().UTC()
		}

		s.sink.Record(ctx, rec, fmt.Errorf("%w: %w", apperrors.ErrDegradedWrite, err))
		s.metrics.incAppend(kind, StatusDegraded)
		s.logger.Warn("Ledger append degraded",
			zap.String("event_type", rec.EventType),
			zap.Error(err))
	}

	if rec.Severity != nil && *rec.Severity == models.SeverityCritical {
		s.notifyCritical(ctx, rec, persisted)
	}

	return persisted
}

func (s *ledgerService) persist(ctx context.Context, rec *models.LogRecord, metadata models.Metadata) error {
	if rec.EventType == "" {
		rec.Metadata = redactSensitive(metadata)
		return fmt.Errorf("%w: event type is required", apperrors.ErrInvalidInput)
	}
	if rec.Severity != nil && !models.ValidSeverity(*rec.Severity) {
		rec.Metadata = redactSensitive(metadata)
		return fmt.Errorf("%w: unknown severity %q", apperrors.ErrInvalidInput, *rec.Severity)
	}

	stored, err := s.protectMetadata(metadata)
	if err != nil {
		rec.Metadata = redactSensitive(metadata)
		return err
	}
	rec.Metadata = stored

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.repo.Append(ctx, rec, s.seal)
}

// seal runs inside the append critical section, after the repository assigned ID and PreviousHash.
func (s *ledgerService) seal(rec *models.LogRecord) error {
	rec.CreatedAt = s.now().UTC().Truncate(time.Microsecond)
	hash, err := ComputeRecordHash(rec)
	if err != nil {
		return err
	}
	rec.RecordHash = hash
	return nil
}

func (s *ledgerService) notifyCritical(ctx context.Context, rec *models.LogRecord, persisted bool) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyCritical(ctx, audit.NewCriticalAlert(rec, persisted)); err != nil {
		s.metrics.incCriticalAlert(StatusFailed)
		s.logger.Error("Failed to deliver critical alert",
			zap.String("event_type", rec.EventType),
			zap.Int64("record_id", rec.ID),
			zap.Error(err))
		return
	}
	s.metrics.incCriticalAlert(StatusDelivered)
}

// protectMetadata encrypts sensitive values, adds their companion flags and
// normalises the map to the shape it will have after a JSONB round trip.
func (s *ledgerService) protectMetadata(metadata models.Metadata) (models.Metadata, error) {
	if len(metadata) == 0 {
		return nil, nil
	}

	out := make(models.Metadata, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}

	for k, v := range metadata {
		if !models.IsSensitiveKey(k) || v == nil {
			continue
		}
		ciphertext, err := s.cipher.Encrypt(models.ValueText(v))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt metadata key %q: %w", k, err)
		}
		out[k] = ciphertext
		out[models.EncryptedFlagKey(k)] = true
	}

	return normalizeMetadata(out)
}

// normalizeMetadata round-trips metadata through JSON so the sealed form is exactly
// what storage hands back, with numbers canonicalised the same way on both sides.
func normalizeMetadata(m models.Metadata) (models.Metadata, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	out, err := models.DecodeMetadata(b)
	if err != nil {
		return nil, fmt.Errorf("failed to normalise metadata: %w", err)
	}
	if out == nil {
		out = models.Metadata{}
	}
	return out, nil
}

// redactSensitive drops sensitive plaintext so it never reaches the degraded sink.
func redactSensitive(metadata models.Metadata) models.Metadata {
	if len(metadata) == 0 {
		return nil
	}
	out := make(models.Metadata, len(metadata))
	for k, v := range metadata {
		if models.IsSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = v
	}
	return out
}

func (s *ledgerService) Query(ctx context.Context, filters models.LogFilters, page, pageSize int) (*models.LogPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.opts.DefaultPageSize
	}
	if pageSize > s.opts.MaxPageSize {
		pageSize = s.opts.MaxPageSize
	}

	records, total, err := s.repo.List(ctx, filters, pageSize, (page-1)*pageSize)
	if err != nil {
		s.logger.Error("Failed to query ledger", zap.Error(err))
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	views := make([]*models.RecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.toView(rec))
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	return &models.LogPage{
		Records:    views,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

func (s *ledgerService) toView(rec *models.LogRecord) *models.RecordView {
	view := &models.RecordView{
		ID:                rec.ID,
		Kind:              rec.Kind(),
		EventType:         rec.EventType,
		ActorUserID:       rec.ActorUserID,
		TargetID:          rec.TargetID,
		TargetType:        rec.TargetType,
		IPAddress:         rec.IPAddress,
		DeviceFingerprint: rec.DeviceFingerprint,
		Severity:          rec.Severity,
		CreatedAt:         rec.CreatedAt,
		RecordHash:        rec.RecordHash,
		PreviousHash:      rec.PreviousHash,
	}

	if len(rec.Metadata) == 0 {
		return view
	}

	view.Metadata = rec.Metadata.Public()
	for _, key := range rec.Metadata.EncryptedKeys() {
		if view.Sensitive == nil {
			view.Sensitive = make(map[string]models.DecryptedField)
		}
		plaintext, err := s.cipher.Decrypt(models.ValueText(rec.Metadata[key]))
		if err != nil {
			s.logger.Warn("Failed to decrypt ledger metadata",
				zap.Int64("record_id", rec.ID),
				zap.String("key", key),
				zap.Error(err))
			view.Sensitive[key] = models.DecryptedField{Err: err}
			continue
		}
		view.Sensitive[key] = models.DecryptedField{Plaintext: plaintext}
	}

	return view
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, fromID, toID *int64) (*models.IntegrityResult, error) {
	if fromID != nil && toID != nil && *fromID > *toID {
		return nil, fmt.Errorf("%w: from id %d is after to id %d", apperrors.ErrInvalidInput, *fromID, *toID)
	}

	records, err := s.repo.Range(ctx, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("read ledger range: %w", err)
	}

	result := &models.IntegrityResult{OK: true, Broken: []models.BrokenLink{}}
	if len(records) == 0 {
		return result, nil
	}

	// The first record in range links to a record outside it, unless it is the genesis record.
	var expectedPrev *string
	pred, err := s.repo.GetBefore(ctx, records[0].ID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read predecessor of record %d: %w", records[0].ID, err)
	default:
		h, err := ComputeRecordHash(pred)
		if err != nil {
			return nil, fmt.Errorf("hash predecessor %d: %w", pred.ID, err)
		}
		expectedPrev = &h
	}

	for _, rec := range records {
		recomputed, err := ComputeRecordHash(rec)
		if err != nil {
			return nil, fmt.Errorf("hash record %d: %w", rec.ID, err)
		}

		if recomputed != rec.RecordHash {
			result.Broken = append(result.Broken, models.BrokenLink{
				RecordID: rec.ID,
				Kind:     models.BrokenLinkContent,
				Expected: recomputed,
				Actual:   rec.RecordHash,
			})
		}

		if !sameHash(expectedPrev, rec.PreviousHash) {
			result.Broken = append(result.Broken, models.BrokenLink{
				RecordID: rec.ID,
				Kind:     models.BrokenLinkChain,
				Expected: deref(expectedPrev),
				Actual:   deref(rec.PreviousHash),
			})
		}

		result.Checked++
		expectedPrev = &recomputed
	}

	result.OK = len(result.Broken) == 0
	for _, b := range result.Broken {
		s.metrics.addIntegrityViolation(string(b.Kind))
		s.logger.Warn("Ledger integrity violation",
			zap.Int64("record_id", b.RecordID),
			zap.String("kind", string(b.Kind)))
	}

	return result, nil
}

// ComputeRecordHash returns the hex SHA-256 of the record's canonical form.
// The canonical form is a JSON array of the previous hash and every immutable field,
// with metadata in stored form (numbers canonical) and timestamps in UTC at microsecond precision.
func ComputeRecordHash(rec *models.LogRecord) (string, error) {
	var actor *string
	if rec.ActorUserID != nil {
		a := rec.ActorUserID.String()
		actor = &a
	}
	var severity *string
	if rec.Severity != nil {
		sv := string(*rec.Severity)
		severity = &sv
	}
	metadata := models.CanonicalNumbers(rec.Metadata)

	canonical := []any{
		rec.PreviousHash,
		rec.ID,
		rec.EventType,
		actor,
		rec.TargetID,
		rec.TargetType,
		rec.IPAddress,
		rec.DeviceFingerprint,
		severity,
		rec.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		metadata,
	}

	b, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode record %d for hashing: %w", rec.ID, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
