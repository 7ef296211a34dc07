//go:build integration

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
	"github.com/ekaya-inc/ekaya-ledger/pkg/testhelpers"
)

type searchTestContext struct {
	t    *testing.T
	db   *testhelpers.TestDB
	repo SearchRepository
}

func setupSearchTest(t *testing.T) *searchTestContext {
	db := testhelpers.GetTestDB(t)
	testhelpers.TruncateLedger(t, db.DB)
	return &searchTestContext{t: t, db: db, repo: NewSearchRepository(db.DB)}
}

// upsert stores an entity whose hashes are readable labels; the repository never interprets them.
func (tc *searchTestContext) upsert(full, first, rest string, prefixes []string, mutate func(*models.SearchableEntity)) *models.SearchableEntity {
	tc.t.Helper()
	e := &models.SearchableEntity{
		EntityType:    "patient",
		NameEncrypted: "ciphertext-" + full,
		Hashes: models.SearchHashes{
			FullHash:       "h:" + full,
			FirstTokenHash: "h:" + first,
			RestTokensHash: rest,
			PrefixHashes:   prefixes,
		},
		IsActive: true,
	}
	if rest != "" {
		e.Hashes.RestTokensHash = "h:" + rest
	}
	if mutate != nil {
		mutate(e)
	}
	require.NoError(tc.t, tc.repo.Upsert(context.Background(), e))
	// created_at is the recency tiebreak; keep rows distinguishable.
	time.Sleep(5 * time.Millisecond)
	return e
}

func ids(entities []*models.SearchableEntity) []uuid.UUID {
	out := make([]uuid.UUID, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

func TestSearchRepository_UpsertAndGet(t *testing.T) {
	tc := setupSearchTest(t)
	ctx := context.Background()

	nid := "ciphertext-nid"
	e := tc.upsert("maria lopez", "maria", "lopez", []string{"h:maria", "h:lopez", "h:ma"}, func(e *models.SearchableEntity) {
		e.NationalIDEncrypted = &nid
		e.Hashes.NationalIDHash = "h:nid"
		e.Associations = map[string]string{"doctor_id": "d-1"}
	})
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.False(t, e.CreatedAt.IsZero())

	got, err := tc.repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Hashes, got.Hashes)
	assert.Equal(t, "ciphertext-maria lopez", got.NameEncrypted)
	assert.Equal(t, nid, *got.NationalIDEncrypted)
	assert.Equal(t, map[string]string{"doctor_id": "d-1"}, got.Associations)

	// Replacing keeps created_at and rewrites every hash column.
	e.Hashes = models.SearchHashes{FullHash: "h:maria", FirstTokenHash: "h:maria", PrefixHashes: []string{"h:ma"}}
	e.NationalIDEncrypted = nil
	require.NoError(t, tc.repo.Upsert(ctx, e))

	got, err = tc.repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.Hashes.RestTokensHash)
	assert.Equal(t, "", got.Hashes.NationalIDHash)
	assert.Nil(t, got.NationalIDEncrypted)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))

	_, err = tc.repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSearchRepository_MatchTiers(t *testing.T) {
	tc := setupSearchTest(t)
	ctx := context.Background()

	jp := tc.upsert("jean paul dupont", "jean", "paul dupont",
		[]string{"h:jean", "h:paul", "h:dupont", "h:je", "h:pa", "h:du"}, nil)
	maria := tc.upsert("maria lopez garcia", "maria", "lopez garcia",
		[]string{"h:maria", "h:lopez", "h:garcia", "h:ma", "h:lo", "h:ga"}, nil)
	madonna := tc.upsert("madonna", "madonna", "", []string{"h:madonna", "h:ma"}, func(e *models.SearchableEntity) {
		e.Hashes.NationalIDHash = "h:nid-77"
	})

	tests := []struct {
		name     string
		criteria models.MatchCriteria
		want     []uuid.UUID
	}{
		{
			name:     "first and rest",
			criteria: models.MatchCriteria{Tier: models.TierFirstAndRest, FirstTokenHash: "h:jean", RestTokensHash: "h:paul dupont"},
			want:     []uuid.UUID{jp.ID},
		},
		{
			name:     "exact by name",
			criteria: models.MatchCriteria{Tier: models.TierExact, TermHash: "h:madonna"},
			want:     []uuid.UUID{madonna.ID},
		},
		{
			name:     "exact by national id",
			criteria: models.MatchCriteria{Tier: models.TierExact, TermHash: "h:nid-77"},
			want:     []uuid.UUID{madonna.ID},
		},
		{
			name: "sequential requires every hash of a set",
			criteria: models.MatchCriteria{Tier: models.TierSequential, TokenSets: [][]string{
				{"h:lopez", "h:garcia"},
				{"h:paul", "h:smith"},
			}},
			want: []uuid.UUID{maria.ID},
		},
		{
			name:     "combination on first or rest",
			criteria: models.MatchCriteria{Tier: models.TierCombination, Hashes: []string{"h:maria", "h:paul dupont"}},
			want:     []uuid.UUID{maria.ID, jp.ID},
		},
		{
			name:     "partial matches prefixes, newest first",
			criteria: models.MatchCriteria{Tier: models.TierPartial, Hashes: []string{"h:ma"}},
			want:     []uuid.UUID{madonna.ID, maria.ID},
		},
		{
			name:     "exclusions",
			criteria: models.MatchCriteria{Tier: models.TierPartial, Hashes: []string{"h:ma"}, ExcludeIDs: []uuid.UUID{madonna.ID}},
			want:     []uuid.UUID{maria.ID},
		},
		{
			name:     "tier with nothing to match",
			criteria: models.MatchCriteria{Tier: models.TierFirstAndRest, FirstTokenHash: "h:madonna"},
			want:     []uuid.UUID{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tc.repo.Match(ctx, tt.criteria, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestSearchRepository_MatchFilters(t *testing.T) {
	tc := setupSearchTest(t)
	ctx := context.Background()

	active := tc.upsert("ann lee", "ann", "lee", []string{"h:ann", "h:lee", "h:an"}, func(e *models.SearchableEntity) {
		e.Associations = map[string]string{"doctor_id": "d-1", "clinic": "north"}
	})
	tc.upsert("ann moss", "ann", "moss", []string{"h:ann", "h:moss", "h:an"}, func(e *models.SearchableEntity) {
		e.IsActive = false
		e.Associations = map[string]string{"doctor_id": "d-1"}
	})
	staff := tc.upsert("ann park", "ann", "park", []string{"h:ann", "h:park", "h:an"}, func(e *models.SearchableEntity) {
		e.EntityType = "staff"
	})

	base := models.MatchCriteria{Tier: models.TierCombination, Hashes: []string{"h:ann"}}

	got, err := tc.repo.Match(ctx, base, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	c := base
	c.ActiveOnly = true
	c.EntityType = "patient"
	got, err = tc.repo.Match(ctx, c, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{active.ID}, ids(got))

	c = base
	c.Associations = map[string]string{"doctor_id": "d-1"}
	got, err = tc.repo.Match(ctx, c, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NotContains(t, ids(got), staff.ID)

	got, err = tc.repo.Match(ctx, base, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{staff.ID}, ids(got), "limit keeps the newest")
}
