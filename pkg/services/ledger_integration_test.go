//go:build integration

package services

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
	"github.com/ekaya-inc/ekaya-ledger/pkg/repositories"
	"github.com/ekaya-inc/ekaya-ledger/pkg/testhelpers"
)

func setupLedgerIntegration(t *testing.T) (*testhelpers.TestDB, LedgerService) {
	t.Helper()
	db := testhelpers.GetTestDB(t)
	testhelpers.TruncateLedger(t, db.DB)

	svc := NewLedgerService(repositories.NewLedgerRepository(db.DB), newTestCipher(t),
		&mockSink{}, nil, NewMetrics(), LedgerOptions{}, zap.NewNop())
	return db, svc
}

func TestLedgerIntegration_ChainSurvivesStorage(t *testing.T) {
	db, svc := setupLedgerIntegration(t)
	ctx := context.Background()

	actor := uuid.New()
	ip := "10.0.0.5"
	high := models.SeverityHigh

	require.True(t, svc.Append(ctx, models.LogEvent{
		EventType:   "auth.login_failed",
		ActorUserID: &actor,
		IPAddress:   &ip,
		Payload:     models.LoginPayload{Username: "Jean-Paul Dupont", Attempts: 4},
	}))
	require.True(t, svc.Append(ctx, models.LogEvent{
		EventType: "data.read",
		Metadata:  models.Metadata{"rows": 3, "ratio": 0.25, "tags": []any{"a", "b"}},
	}))
	require.True(t, svc.Append(ctx, models.LogEvent{EventType: "data.delete", Severity: &high}))

	result, err := svc.VerifyIntegrity(ctx, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.OK, "broken: %+v", result.Broken)
	assert.Equal(t, 3, result.Checked)

	var stored string
	require.NoError(t, db.DB.QueryRow(ctx, "SELECT metadata->>'username' FROM log_records WHERE id = 1").Scan(&stored))
	assert.NotContains(t, stored, "Dupont", "sensitive values are encrypted at rest")

	page, err := svc.Query(ctx, models.LogFilters{ActorUserID: &actor}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Contains(t, page.Records[0].Sensitive, "username")
	assert.Equal(t, "Jean-Paul Dupont", page.Records[0].Sensitive["username"].Plaintext)
}

func TestLedgerIntegration_NumericMetadataVerifiesAfterStorage(t *testing.T) {
	db, svc := setupLedgerIntegration(t)
	ctx := context.Background()

	require.True(t, svc.Append(ctx, models.LogEvent{
		EventType: "inventory.update",
		Metadata: models.Metadata{
			"delta":  math.Copysign(0, -1),
			"big_id": int64(9007199254740993),
			"ratio":  1.5e-07,
			"huge":   1e21,
		},
	}))
	require.True(t, svc.Append(ctx, models.LogEvent{EventType: "inventory.read"}))

	var raw string
	require.NoError(t, db.DB.QueryRow(ctx, "SELECT metadata->>'big_id' FROM log_records WHERE id = 1").Scan(&raw))
	assert.Equal(t, "9007199254740993", raw)

	result, err := svc.VerifyIntegrity(ctx, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.OK, "broken: %+v", result.Broken)
	assert.Equal(t, 2, result.Checked)
}

func TestLedgerIntegration_DetectsTampering(t *testing.T) {
	db, svc := setupLedgerIntegration(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, svc.Append(ctx, models.LogEvent{
			EventType: "data.update",
			Metadata:  models.Metadata{"ip": "10.0.0.1"},
		}))
	}

	_, err := db.DB.Exec(ctx, `UPDATE log_records SET metadata = jsonb_set(metadata, '{ip}', '"6.6.6.6"') WHERE id = 3`)
	require.NoError(t, err)

	result, err := svc.VerifyIntegrity(ctx, nil, nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.Len(t, result.Broken, 2)
	assert.Equal(t, int64(3), result.Broken[0].RecordID)
	assert.Equal(t, models.BrokenLinkContent, result.Broken[0].Kind)
	assert.Equal(t, int64(4), result.Broken[1].RecordID)
	assert.Equal(t, models.BrokenLinkChain, result.Broken[1].Kind)
}

func TestLedgerIntegration_DetectsDeletion(t *testing.T) {
	db, svc := setupLedgerIntegration(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.True(t, svc.Append(ctx, models.LogEvent{EventType: "data.read"}))
	}

	_, err := db.DB.Exec(ctx, `DELETE FROM log_records WHERE id = 2`)
	require.NoError(t, err)

	result, err := svc.VerifyIntegrity(ctx, nil, nil)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.Len(t, result.Broken, 1)
	assert.Equal(t, int64(3), result.Broken[0].RecordID)
	assert.Equal(t, models.BrokenLinkChain, result.Broken[0].Kind)
}

func TestSearchIntegration_Cascade(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	testhelpers.TruncateLedger(t, db.DB)
	ctx := context.Background()

	svc := NewSearchService(repositories.NewSearchRepository(db.DB), newTestCipher(t), NewMetrics(),
		SearchServiceOptions{}, zap.NewNop())

	names := []string{"Jean Paul Dupont", "Maria Lopez Garcia", "Madonna"}
	indexed := make(map[string]uuid.UUID)
	for _, name := range names {
		e, err := svc.Index(ctx, models.IndexInput{EntityType: "patient", Name: name, IsActive: true})
		require.NoError(t, err)
		indexed[name] = e.ID
	}

	tests := []struct {
		term string
		want string
		tier models.MatchTier
	}{
		{"jean paul dupont", "Jean Paul Dupont", models.TierFirstAndRest},
		{"MADONNA", "Madonna", models.TierExact},
		{"lopez garcia", "Maria Lopez Garcia", models.TierSequential},
		{"dup", "Jean Paul Dupont", models.TierPartial},
	}

	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			candidates, err := svc.Query(ctx, tt.term, models.SearchOptions{})
			require.NoError(t, err)
			require.NotEmpty(t, candidates)
			assert.Equal(t, indexed[tt.want], candidates[0].Entity.ID)
			assert.Equal(t, tt.tier, candidates[0].Tier)
			assert.Equal(t, tt.want, candidates[0].Name.Plaintext)
		})
	}
}
