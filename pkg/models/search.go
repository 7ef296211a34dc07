package models

import (
	"time"

	"github.com/google/uuid"
)

// SearchFields are the plaintext values an entity is searchable by.
type SearchFields struct {
	Name       string
	NationalID string
}

// SearchHashes are the deterministic hash columns derived from SearchFields.
type SearchHashes struct {
	FullHash       string   `json:"full_hash"`
	FirstTokenHash string   `json:"first_token_hash"`
	RestTokensHash string   `json:"rest_tokens_hash,omitempty"` // empty for single-token names
	PrefixHashes   []string `json:"prefix_hashes"`              // every token and every prefix of length >= 2
	NationalIDHash string   `json:"national_id_hash,omitempty"`
}

// SearchableEntity is a record with encrypted PII and the hashes that make it searchable.
// Stored in searchable_entities table.
type SearchableEntity struct {
	ID                  uuid.UUID         `json:"id"`
	EntityType          string            `json:"entity_type"`
	NameEncrypted       string            `json:"name_encrypted"`
	NationalIDEncrypted *string           `json:"national_id_encrypted,omitempty"`
	Hashes              SearchHashes      `json:"hashes"`
	IsActive            bool              `json:"is_active"`
	Associations        map[string]string `json:"associations,omitempty"` // e.g. {"doctor_id": "..."}
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// IndexInput creates or replaces a searchable entity.
type IndexInput struct {
	ID           *uuid.UUID // nil creates a new entity
	EntityType   string
	Name         string
	NationalID   string
	IsActive     bool
	Associations map[string]string
}

// SearchOptions controls a search query.
type SearchOptions struct {
	Limit        int
	Offset       int
	ActiveOnly   bool
	EntityType   string
	Associations map[string]string
}

// MatchTier is the priority of the hash strategy that found a candidate. Lower is better.
type MatchTier int

const (
	TierFirstAndRest MatchTier = iota + 1
	TierExact
	TierSequential
	TierCombination
	TierPartial
)

func (t MatchTier) String() string {
	switch t {
	case TierFirstAndRest:
		return "first_and_rest"
	case TierExact:
		return "exact"
	case TierSequential:
		return "sequential"
	case TierCombination:
		return "combination"
	case TierPartial:
		return "partial"
	}
	return "unknown"
}

// SearchCandidate is a ranked search result.
type SearchCandidate struct {
	Entity *SearchableEntity `json:"entity"`
	Name   DecryptedField    `json:"name"`
	Tier   MatchTier         `json:"tier"`
	Score  int               `json:"score"`
}

// MatchCriteria is a single tier of the search cascade expressed over hash columns.
// Only the fields relevant to Tier are set.
type MatchCriteria struct {
	Tier MatchTier

	// TierFirstAndRest
	FirstTokenHash string
	RestTokensHash string

	// TierExact: full_hash = TermHash OR national_id_hash = TermHash
	TermHash string

	// TierSequential: some set is fully contained in prefix_hashes
	TokenSets [][]string

	// TierCombination: first_token_hash or rest_tokens_hash in Hashes.
	// TierPartial: additionally any of Hashes in prefix_hashes.
	Hashes []string

	ActiveOnly   bool
	EntityType   string
	Associations map[string]string
	ExcludeIDs   []uuid.UUID
}

// Matches evaluates the criteria against an entity in memory.
func (c MatchCriteria) Matches(e *SearchableEntity) bool {
	if !c.filtersMatch(e) {
		return false
	}

	h := e.Hashes
	switch c.Tier {
	case TierFirstAndRest:
		return c.FirstTokenHash != "" && c.RestTokensHash != "" &&
			h.FirstTokenHash == c.FirstTokenHash && h.RestTokensHash == c.RestTokensHash
	case TierExact:
		return c.TermHash != "" && (h.FullHash == c.TermHash || h.NationalIDHash == c.TermHash)
	case TierSequential:
		prefixes := toSet(h.PrefixHashes)
		for _, set := range c.TokenSets {
			if len(set) > 0 && containsAll(prefixes, set) {
				return true
			}
		}
		return false
	case TierCombination:
		for _, x := range c.Hashes {
			if x != "" && (x == h.FirstTokenHash || x == h.RestTokensHash) {
				return true
			}
		}
		return false
	case TierPartial:
		prefixes := toSet(h.PrefixHashes)
		for _, x := range c.Hashes {
			if x == "" {
				continue
			}
			if x == h.FirstTokenHash || x == h.RestTokensHash {
				return true
			}
			if _, ok := prefixes[x]; ok {
				return true
			}
		}
		return false
	}
	return false
}

func (c MatchCriteria) filtersMatch(e *SearchableEntity) bool {
	if c.ActiveOnly && !e.IsActive {
		return false
	}
	if c.EntityType != "" && e.EntityType != c.EntityType {
		return false
	}
	for k, v := range c.Associations {
		if e.Associations[k] != v {
			return false
		}
	}
	for _, id := range c.ExcludeIDs {
		if e.ID == id {
			return false
		}
	}
	return true
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func containsAll(set map[string]struct{}, values []string) bool {
	for _, v := range values {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
