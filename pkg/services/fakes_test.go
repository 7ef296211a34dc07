package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ledger/pkg/audit"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
	"github.com/ekaya-inc/ekaya-ledger/pkg/repositories"
)

// mockLedgerRepository is an in-memory LedgerRepository that keeps the chain like the real one.
type mockLedgerRepository struct {
	mu      sync.Mutex
	records []*models.LogRecord
	nextID  int64

	appendErr error
	readErr   error
}

var _ repositories.LedgerRepository = (*mockLedgerRepository)(nil)

func (m *mockLedgerRepository) Append(ctx context.Context, rec *models.LogRecord, seal repositories.SealFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}

	rec.PreviousHash = nil
	if n := len(m.records); n > 0 {
		prev := m.records[n-1].RecordHash
		rec.PreviousHash = &prev
	}
	m.nextID++
	rec.ID = m.nextID

	if err := seal(rec); err != nil {
		return err
	}

	stored := *rec
	m.records = append(m.records, &stored)
	return nil
}

func (m *mockLedgerRepository) List(ctx context.Context, filters models.LogFilters, limit, offset int) ([]*models.LogRecord, int64, error) {
	if m.readErr != nil {
		return nil, 0, m.readErr
	}
	matched := m.filter(filters)
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := min(offset+limit, len(matched))
	return matched[offset:end], total, nil
}

func (m *mockLedgerRepository) Scan(ctx context.Context, filters models.LogFilters) ([]*models.LogRecord, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	matched := m.filter(filters)
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

func (m *mockLedgerRepository) Range(ctx context.Context, fromID, toID *int64) ([]*models.LogRecord, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.LogRecord
	for _, r := range m.sortedByID() {
		if fromID != nil && r.ID < *fromID {
			continue
		}
		if toID != nil && r.ID > *toID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockLedgerRepository) GetBefore(ctx context.Context, id int64) (*models.LogRecord, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.LogRecord
	for _, r := range m.records {
		if r.ID < id && (best == nil || r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, apperrors.ErrNotFound
	}
	return best, nil
}

func (m *mockLedgerRepository) filter(filters models.LogFilters) []*models.LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.LogRecord
	for _, r := range m.records {
		if filters.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func (m *mockLedgerRepository) sortedByID() []*models.LogRecord {
	out := append([]*models.LogRecord(nil), m.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// byID returns the stored record for direct tampering in tests.
func (m *mockLedgerRepository) byID(id int64) *models.LogRecord {
	for _, r := range m.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// insertRaw stores a record as-is, bypassing the chain. Used to seed forensic datasets.
func (m *mockLedgerRepository) insertRaw(rec *models.LogRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if rec.ID == 0 {
		rec.ID = m.nextID
	}
	m.records = append(m.records, rec)
}

func (m *mockLedgerRepository) remove(id int64) {
	for i, r := range m.records {
		if r.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return
		}
	}
}

// mockSink records degraded writes.
type mockSink struct {
	records []*models.LogRecord
	causes  []error
}

func (m *mockSink) Record(ctx context.Context, rec *models.LogRecord, cause error) {
	m.records = append(m.records, rec)
	m.causes = append(m.causes, cause)
}

// mockNotifier records critical alerts.
type mockNotifier struct {
	alerts []audit.CriticalAlert
	err    error
}

func (m *mockNotifier) NotifyCritical(ctx context.Context, alert audit.CriticalAlert) error {
	m.alerts = append(m.alerts, alert)
	return m.err
}

// mockSearchRepository evaluates MatchCriteria in memory.
type mockSearchRepository struct {
	entities map[uuid.UUID]*models.SearchableEntity
	matchErr error
	calls    []models.MatchTier
	limits   []int
}

var _ repositories.SearchRepository = (*mockSearchRepository)(nil)

func newMockSearchRepository() *mockSearchRepository {
	return &mockSearchRepository{entities: make(map[uuid.UUID]*models.SearchableEntity)}
}

func (m *mockSearchRepository) Upsert(ctx context.Context, entity *models.SearchableEntity) error {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	if existing, ok := m.entities[entity.ID]; ok {
		entity.CreatedAt = existing.CreatedAt
	} else if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}
	entity.UpdatedAt = time.Now().UTC()
	stored := *entity
	m.entities[entity.ID] = &stored
	return nil
}

func (m *mockSearchRepository) Get(ctx context.Context, id uuid.UUID) (*models.SearchableEntity, error) {
	e, ok := m.entities[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return e, nil
}

func (m *mockSearchRepository) Match(ctx context.Context, criteria models.MatchCriteria, limit int) ([]*models.SearchableEntity, error) {
	m.calls = append(m.calls, criteria.Tier)
	m.limits = append(m.limits, limit)
	if m.matchErr != nil {
		return nil, m.matchErr
	}
	var out []*models.SearchableEntity
	for _, e := range m.entities {
		if criteria.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
