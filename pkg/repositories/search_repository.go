package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ledger/pkg/database"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
)

// SearchRepository provides data access for searchable entities and their hash columns.
type SearchRepository interface {
	// Upsert writes ciphertext and hash columns together.
	Upsert(ctx context.Context, entity *models.SearchableEntity) error
	Get(ctx context.Context, id uuid.UUID) (*models.SearchableEntity, error)
	// Match returns up to limit entities satisfying one tier of the search cascade, newest first.
	Match(ctx context.Context, criteria models.MatchCriteria, limit int) ([]*models.SearchableEntity, error)
}

type searchRepository struct {
	db *database.DB
}

func NewSearchRepository(db *database.DB) SearchRepository {
	return &searchRepository{db: db}
}

var _ SearchRepository = (*searchRepository)(nil)

const searchableEntityColumns = `id, entity_type, name_encrypted, national_id_encrypted,
		       full_hash, first_token_hash, rest_tokens_hash, prefix_hashes, national_id_hash,
		       is_active, associations, created_at, updated_at`

func (r *searchRepository) Upsert(ctx context.Context, entity *models.SearchableEntity) error {
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}

	prefixJSON, err := json.Marshal(nonNilStrings(entity.Hashes.PrefixHashes))
	if err != nil {
		return fmt.Errorf("failed to marshal prefix_hashes: %w", err)
	}
	associations := entity.Associations
	if associations == nil {
		associations = map[string]string{}
	}
	associationsJSON, err := json.Marshal(associations)
	if err != nil {
		return fmt.Errorf("failed to marshal associations: %w", err)
	}

	query := `
		INSERT INTO searchable_entities (
			id, entity_type, name_encrypted, national_id_encrypted,
			full_hash, first_token_hash, rest_tokens_hash, prefix_hashes, national_id_hash,
			is_active, associations
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			name_encrypted = EXCLUDED.name_encrypted,
			national_id_encrypted = EXCLUDED.national_id_encrypted,
			full_hash = EXCLUDED.full_hash,
			first_token_hash = EXCLUDED.first_token_hash,
			rest_tokens_hash = EXCLUDED.rest_tokens_hash,
			prefix_hashes = EXCLUDED.prefix_hashes,
			national_id_hash = EXCLUDED.national_id_hash,
			is_active = EXCLUDED.is_active,
			associations = EXCLUDED.associations,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		entity.ID,
		entity.EntityType,
		entity.NameEncrypted,
		entity.NationalIDEncrypted,
		entity.Hashes.FullHash,
		entity.Hashes.FirstTokenHash,
		nullIfEmpty(entity.Hashes.RestTokensHash),
		string(prefixJSON),
		nullIfEmpty(entity.Hashes.NationalIDHash),
		entity.IsActive,
		string(associationsJSON),
	).Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert searchable entity: %w", err)
	}

	return nil
}

func (r *searchRepository) Get(ctx context.Context, id uuid.UUID) (*models.SearchableEntity, error) {
	query := fmt.Sprintf(`SELECT %s FROM searchable_entities WHERE id = $1`, searchableEntityColumns)

	entity, err := scanSearchableEntity(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *searchRepository) Match(ctx context.Context, criteria models.MatchCriteria, limit int) ([]*models.SearchableEntity, error) {
	where, args, ok := buildMatchConditions(criteria)
	if !ok {
		return nil, nil
	}

	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM searchable_entities
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d`, searchableEntityColumns, where, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to match searchable entities (tier %s): %w", criteria.Tier, err)
	}
	defer rows.Close()

	var entities []*models.SearchableEntity
	for rows.Next() {
		entity, err := scanSearchableEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating searchable entities: %w", err)
	}

	return entities, nil
}

// buildMatchConditions renders a tier as SQL. ok is false when the tier cannot match anything.
func buildMatchConditions(c models.MatchCriteria) (where string, args []any, ok bool) {
	var conditions []string

	next := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	switch c.Tier {
	case models.TierFirstAndRest:
		if c.FirstTokenHash == "" || c.RestTokensHash == "" {
			return "", nil, false
		}
		conditions = append(conditions, fmt.Sprintf("first_token_hash = %s AND rest_tokens_hash = %s",
			next(c.FirstTokenHash), next(c.RestTokensHash)))
	case models.TierExact:
		if c.TermHash == "" {
			return "", nil, false
		}
		p := next(c.TermHash)
		conditions = append(conditions, fmt.Sprintf("(full_hash = %s OR national_id_hash = %s)", p, p))
	case models.TierSequential:
		var sets []string
		for _, set := range c.TokenSets {
			if len(set) == 0 {
				continue
			}
			sets = append(sets, fmt.Sprintf("prefix_hashes ?& %s::text[]", next(set)))
		}
		if len(sets) == 0 {
			return "", nil, false
		}
		conditions = append(conditions, "("+strings.Join(sets, " OR ")+")")
	case models.TierCombination:
		if len(c.Hashes) == 0 {
			return "", nil, false
		}
		p := next(c.Hashes)
		conditions = append(conditions, fmt.Sprintf("(first_token_hash = ANY(%s) OR rest_tokens_hash = ANY(%s))", p, p))
	case models.TierPartial:
		if len(c.Hashes) == 0 {
			return "", nil, false
		}
		p := next(c.Hashes)
		conditions = append(conditions, fmt.Sprintf(
			"(first_token_hash = ANY(%s) OR rest_tokens_hash = ANY(%s) OR prefix_hashes ?| %s::text[])", p, p, p))
	default:
		return "", nil, false
	}

	if c.ActiveOnly {
		conditions = append(conditions, "is_active = TRUE")
	}
	if c.EntityType != "" {
		conditions = append(conditions, "entity_type = "+next(c.EntityType))
	}
	if len(c.Associations) > 0 {
		assoc, _ := json.Marshal(c.Associations)
		conditions = append(conditions, "associations @> "+next(string(assoc))+"::jsonb")
	}
	if len(c.ExcludeIDs) > 0 {
		ids := make([]string, len(c.ExcludeIDs))
		for i, id := range c.ExcludeIDs {
			ids[i] = id.String()
		}
		conditions = append(conditions, "id <> ALL("+next(ids)+"::uuid[])")
	}

	return strings.Join(conditions, " AND "), args, true
}

func scanSearchableEntity(row pgx.Row) (*models.SearchableEntity, error) {
	var e models.SearchableEntity
	var restTokensHash, nationalIDHash *string
	var prefixJSON, associationsJSON []byte

	err := row.Scan(
		&e.ID,
		&e.EntityType,
		&e.NameEncrypted,
		&e.NationalIDEncrypted,
		&e.Hashes.FullHash,
		&e.Hashes.FirstTokenHash,
		&restTokensHash,
		&prefixJSON,
		&nationalIDHash,
		&e.IsActive,
		&associationsJSON,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan searchable entity: %w", err)
	}

	if restTokensHash != nil {
		e.Hashes.RestTokensHash = *restTokensHash
	}
	if nationalIDHash != nil {
		e.Hashes.NationalIDHash = *nationalIDHash
	}
	unmarshalJSONB(prefixJSON, &e.Hashes.PrefixHashes)
	unmarshalJSONB(associationsJSON, &e.Associations)

	return &e, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
