package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ledger/pkg/database"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
)

// SealFunc completes a record inside the append critical section. It receives the
// record with ID and PreviousHash assigned and must set CreatedAt and RecordHash.
type SealFunc func(rec *models.LogRecord) error

// LedgerRepository provides data access for the hash-chained ledger.
type LedgerRepository interface {
	// Append reads the chain tail, assigns the next id, seals and inserts rec in one transaction.
	Append(ctx context.Context, rec *models.LogRecord, seal SealFunc) error
	// List returns one page of records newest first, plus the total match count.
	List(ctx context.Context, filters models.LogFilters, limit, offset int) ([]*models.LogRecord, int64, error)
	// Scan returns every matching record oldest first.
	Scan(ctx context.Context, filters models.LogFilters) ([]*models.LogRecord, error)
	// Range returns records with fromID <= id <= toID in ascending id order. Nil bounds are open.
	Range(ctx context.Context, fromID, toID *int64) ([]*models.LogRecord, error)
	// GetBefore returns the record with the greatest id lower than id, or apperrors.ErrNotFound.
	GetBefore(ctx context.Context, id int64) (*models.LogRecord, error)
}

type ledgerRepository struct {
	db *database.DB
}

func NewLedgerRepository(db *database.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

var _ LedgerRepository = (*ledgerRepository)(nil)

const logRecordColumns = `id, event_type, actor_user_id, target_id, target_type, ip_address,
		       device_fingerprint, metadata, severity, created_at, record_hash, previous_hash`

func (r *ledgerRepository) Append(ctx context.Context, rec *models.LogRecord, seal SealFunc) (err error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Serialises appenders across processes until commit/rollback.
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('log_records'))`); err != nil {
		return fmt.Errorf("failed to acquire ledger lock: %w", err)
	}

	var tail string
	err = tx.QueryRow(ctx, `SELECT record_hash FROM log_records ORDER BY id DESC LIMIT 1`).Scan(&tail)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		rec.PreviousHash = nil
	case err != nil:
		return fmt.Errorf("failed to read chain tail: %w", err)
	default:
		rec.PreviousHash = &tail
	}

	if err = tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('log_records', 'id'))`).Scan(&rec.ID); err != nil {
		return fmt.Errorf("failed to allocate record id: %w", err)
	}

	if err = seal(rec); err != nil {
		return fmt.Errorf("failed to seal record: %w", err)
	}

	metadataJSON, err := marshalJSONB(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO log_records (
			id, event_type, actor_user_id, target_id, target_type, ip_address,
			device_fingerprint, metadata, severity, created_at, record_hash, previous_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8::jsonb, '{}'::jsonb), $9, $10, $11, $12)`

	if _, err = tx.Exec(ctx, query,
		rec.ID,
		rec.EventType,
		rec.ActorUserID,
		rec.TargetID,
		rec.TargetType,
		rec.IPAddress,
		rec.DeviceFingerprint,
		metadataJSON,
		severityString(rec.Severity),
		rec.CreatedAt,
		rec.RecordHash,
		rec.PreviousHash,
	); err != nil {
		return fmt.Errorf("failed to insert log record: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit log record: %w", err)
	}
	return nil
}

func (r *ledgerRepository) List(ctx context.Context, filters models.LogFilters, limit, offset int) ([]*models.LogRecord, int64, error) {
	where, args := buildLogConditions(filters)
	argIdx := len(args) + 1

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM log_records WHERE %s`, where)
	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count log records: %w", err)
	}

	dataQuery := fmt.Sprintf(`
		SELECT %s
		FROM log_records
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, logRecordColumns, where, argIdx, argIdx+1)

	args = append(args, limit, offset)

	records, err := r.queryRecords(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (r *ledgerRepository) Scan(ctx context.Context, filters models.LogFilters) ([]*models.LogRecord, error) {
	where, args := buildLogConditions(filters)

	query := fmt.Sprintf(`
		SELECT %s
		FROM log_records
		WHERE %s
		ORDER BY created_at ASC, id ASC`, logRecordColumns, where)

	return r.queryRecords(ctx, query, args...)
}

func (r *ledgerRepository) Range(ctx context.Context, fromID, toID *int64) ([]*models.LogRecord, error) {
	conditions := []string{"TRUE"}
	var args []any

	if fromID != nil {
		args = append(args, *fromID)
		conditions = append(conditions, fmt.Sprintf("id >= $%d", len(args)))
	}
	if toID != nil {
		args = append(args, *toID)
		conditions = append(conditions, fmt.Sprintf("id <= $%d", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM log_records
		WHERE %s
		ORDER BY id ASC`, logRecordColumns, strings.Join(conditions, " AND "))

	return r.queryRecords(ctx, query, args...)
}

func (r *ledgerRepository) GetBefore(ctx context.Context, id int64) (*models.LogRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM log_records
		WHERE id < $1
		ORDER BY id DESC
		LIMIT 1`, logRecordColumns)

	rec, err := scanLogRecord(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *ledgerRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*models.LogRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log records: %w", err)
	}
	defer rows.Close()

	var records []*models.LogRecord
	for rows.Next() {
		rec, err := scanLogRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log records: %w", err)
	}

	return records, nil
}

// buildLogConditions turns filters into a WHERE clause; placeholders start at $1.
func buildLogConditions(filters models.LogFilters) (string, []any) {
	conditions := []string{"TRUE"}
	var args []any

	add := func(format string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(format, len(args)))
	}

	if filters.ActorUserID != nil {
		add("actor_user_id = $%d", *filters.ActorUserID)
	}
	if filters.EventType != "" {
		add("event_type = $%d", filters.EventType)
	}
	if len(filters.EventTypes) > 0 {
		add("event_type = ANY($%d)", filters.EventTypes)
	}
	if filters.Severity != nil {
		add("severity = $%d", string(*filters.Severity))
	}
	if filters.IPAddress != "" {
		add("ip_address = $%d", filters.IPAddress)
	}
	if filters.Since != nil {
		add("created_at >= $%d", *filters.Since)
	}
	if filters.Until != nil {
		add("created_at < $%d", *filters.Until)
	}
	if filters.SecurityRelevant {
		clauses := []string{"severity IS NOT NULL"}
		for _, prefix := range models.SecurityEventPrefixes {
			args = append(args, prefix+"%")
			clauses = append(clauses, fmt.Sprintf("event_type LIKE $%d", len(args)))
		}
		conditions = append(conditions, "("+strings.Join(clauses, " OR ")+")")
	}

	return strings.Join(conditions, " AND "), args
}

func scanLogRecord(row pgx.Row) (*models.LogRecord, error) {
	var rec models.LogRecord
	var metadataJSON []byte
	var severity *string

	err := row.Scan(
		&rec.ID,
		&rec.EventType,
		&rec.ActorUserID,
		&rec.TargetID,
		&rec.TargetType,
		&rec.IPAddress,
		&rec.DeviceFingerprint,
		&metadataJSON,
		&severity,
		&rec.CreatedAt,
		&rec.RecordHash,
		&rec.PreviousHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan log record: %w", err)
	}

	rec.CreatedAt = rec.CreatedAt.UTC()
	if severity != nil {
		s := models.Severity(*severity)
		rec.Severity = &s
	}

	metadata, err := models.DecodeMetadata(metadataJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata of log record %d: %w", rec.ID, err)
	}
	if len(metadata) > 0 {
		rec.Metadata = metadata
	}

	return &rec, nil
}

func severityString(s *models.Severity) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}
