package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ledger/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ledger/pkg/models"
	"github.com/ekaya-inc/ekaya-ledger/pkg/repositories"
)

// SearchService indexes encrypted personal fields and searches them by hash without decrypting the corpus.
type SearchService interface {
	// BuildHashes derives every hash column for the given plaintext fields.
	BuildHashes(fields models.SearchFields) models.SearchHashes

	// Index encrypts the entity's fields and writes ciphertext and hashes together.
	Index(ctx context.Context, input models.IndexInput) (*models.SearchableEntity, error)

	// Query runs the match-tier cascade and returns ranked candidates.
	Query(ctx context.Context, term string, opts models.SearchOptions) ([]*models.SearchCandidate, error)
}

// SearchCipher encrypts values and produces deterministic hashes for lookup.
type SearchCipher interface {
	FieldCipher
	Hash(text string) string
}

// SearchServiceOptions holds search limits and the minimum indexed prefix length.
type SearchServiceOptions struct {
	DefaultLimit    int
	MaxLimit        int
	MinPrefixLength int
	// TierScanLimit caps how many matches a single tier may return. Each tier is
	// ranked in full up to this cap before the page is cut.
	TierScanLimit int
}

const defaultTierScanLimit = 1000

// Score weights applied to the decrypted name of each candidate.
const (
	scorePerWord        = 2
	scoreContiguousRun  = 10
	scoreStartsWith     = 5
	scoreContainsPhrase = 2
)

type searchService struct {
	repo    repositories.SearchRepository
	cipher  SearchCipher
	metrics *Metrics
	opts    SearchServiceOptions
	logger  *zap.Logger
}

// NewSearchService creates a new SearchService. metrics may be nil.
func NewSearchService(
	repo repositories.SearchRepository,
	cipher SearchCipher,
	metrics *Metrics,
	opts SearchServiceOptions,
	logger *zap.Logger,
) SearchService {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 20
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = max(100, opts.DefaultLimit)
	}
	if opts.MinPrefixLength < 1 {
		opts.MinPrefixLength = 2
	}
	if opts.TierScanLimit < opts.MaxLimit {
		opts.TierScanLimit = max(defaultTierScanLimit, opts.MaxLimit)
	}
	return &searchService{
		repo:    repo,
		cipher:  cipher,
		metrics: metrics,
		opts:    opts,
		logger:  logger.Named("search-service"),
	}
}

var _ SearchService = (*searchService)(nil)

// tokenize lowercases, trims and splits on whitespace.
func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(strings.TrimSpace(s)))
}

func (s *searchService) BuildHashes(fields models.SearchFields) models.SearchHashes {
	var h models.SearchHashes

	tokens := tokenize(fields.Name)
	if len(tokens) > 0 {
		h.FullHash = s.cipher.Hash(strings.Join(tokens, " "))
		h.FirstTokenHash = s.cipher.Hash(tokens[0])
		if len(tokens) > 1 {
			h.RestTokensHash = s.cipher.Hash(strings.Join(tokens[1:], " "))
		}
		h.PrefixHashes = s.prefixHashes(tokens)
	}

	if id := strings.ToLower(strings.TrimSpace(fields.NationalID)); id != "" {
		h.NationalIDHash = s.cipher.Hash(id)
	}

	return h
}

// prefixHashes hashes every token and every left-anchored prefix of at least MinPrefixLength runes.
func (s *searchService) prefixHashes(tokens []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(text string) {
		h := s.cipher.Hash(text)
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}

	for _, tok := range tokens {
		add(tok)
		for _, p := range runePrefixes(tok, s.opts.MinPrefixLength) {
			add(p)
		}
	}
	return out
}

// runePrefixes returns the proper prefixes of tok with at least minLen runes, shortest first.
func runePrefixes(tok string, minLen int) []string {
	runes := []rune(tok)
	var out []string
	for n := minLen; n < len(runes); n++ {
		out = append(out, string(runes[:n]))
	}
	return out
}

func (s *searchService) Index(ctx context.Context, input models.IndexInput) (*models.SearchableEntity, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", apperrors.ErrInvalidInput)
	}
	if strings.TrimSpace(input.EntityType) == "" {
		return nil, fmt.Errorf("%w: entity type is required", apperrors.ErrInvalidInput)
	}

	nameEncrypted, err := s.cipher.Encrypt(input.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt name: %w", err)
	}

	entity := &models.SearchableEntity{
		EntityType:    strings.TrimSpace(input.EntityType),
		NameEncrypted: nameEncrypted,
		Hashes:        s.BuildHashes(models.SearchFields{Name: input.Name, NationalID: input.NationalID}),
		IsActive:      input.IsActive,
		Associations:  input.Associations,
	}
	if input.ID != nil {
		entity.ID = *input.ID
	} else {
		entity.ID = uuid.New()
	}

	if strings.TrimSpace(input.NationalID) != "" {
		nationalID, err := s.cipher.Encrypt(input.NationalID)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt national id: %w", err)
		}
		entity.NationalIDEncrypted = &nationalID
	}

	if err := s.repo.Upsert(ctx, entity); err != nil {
		s.logger.Error("Failed to index entity",
			zap.String("entity_id", entity.ID.String()),
			zap.String("entity_type", entity.EntityType),
			zap.Error(err))
		return nil, fmt.Errorf("index entity: %w", err)
	}

	return entity, nil
}

func (s *searchService) Query(ctx context.Context, term string, opts models.SearchOptions) (candidates []*models.SearchCandidate, err error) {
	tokens := tokenize(term)
	if len(tokens) == 0 {
		return []*models.SearchCandidate{}, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}
	offset := max(opts.Offset, 0)
	want := offset + limit

	ctx, endSpan := startSpan(ctx, "search.query",
		attribute.Int("search.tokens", len(tokens)),
		attribute.Int("search.limit", limit))
	defer func() { endSpan(err) }()

	seen := make(map[uuid.UUID]struct{})
	var excluded []uuid.UUID

	// Tiers stop early once the page is covered, but a tier that runs is read in
	// full so the score ordering inside it does not depend on the page size.
	for _, criteria := range s.cascade(tokens) {
		if len(candidates) >= want {
			break
		}

		criteria.ActiveOnly = opts.ActiveOnly
		criteria.EntityType = opts.EntityType
		criteria.Associations = opts.Associations
		criteria.ExcludeIDs = excluded

		found, err := s.repo.Match(ctx, criteria, s.opts.TierScanLimit)
		if err != nil {
			s.logger.Error("Search tier failed",
				zap.String("tier", criteria.Tier.String()),
				zap.Error(err))
			return nil, fmt.Errorf("search tier %s: %w", criteria.Tier, err)
		}

		added := 0
		for _, e := range found {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			excluded = append(excluded, e.ID)
			candidates = append(candidates, s.score(e, criteria.Tier, tokens))
			added++
		}
		s.metrics.addTierMatches(criteria.Tier.String(), added)
		if len(found) >= s.opts.TierScanLimit {
			s.logger.Warn("Search tier hit scan limit; lower-ranked matches dropped",
				zap.String("tier", criteria.Tier.String()),
				zap.Int("tier_scan_limit", s.opts.TierScanLimit))
		}
	}

	rank(candidates)

	if offset >= len(candidates) {
		return []*models.SearchCandidate{}, nil
	}
	return candidates[offset:min(want, len(candidates))], nil
}

// cascade builds the match tiers applicable to tokens, in priority order.
func (s *searchService) cascade(tokens []string) []models.MatchCriteria {
	var tiers []models.MatchCriteria

	phrase := strings.Join(tokens, " ")
	multi := len(tokens) > 1

	if multi {
		tiers = append(tiers, models.MatchCriteria{
			Tier:           models.TierFirstAndRest,
			FirstTokenHash: s.cipher.Hash(tokens[0]),
			RestTokensHash: s.cipher.Hash(strings.Join(tokens[1:], " ")),
		})
	}

	tiers = append(tiers, models.MatchCriteria{
		Tier:     models.TierExact,
		TermHash: s.cipher.Hash(phrase),
	})

	if multi {
		var sets [][]string
		for _, run := range contiguousRuns(tokens, 2) {
			set := make([]string, len(run))
			for i, tok := range run {
				set[i] = s.cipher.Hash(tok)
			}
			sets = append(sets, set)
		}
		tiers = append(tiers, models.MatchCriteria{
			Tier:      models.TierSequential,
			TokenSets: sets,
		})
	}

	var combos []string
	for _, run := range contiguousRuns(tokens, 1) {
		combos = append(combos, s.cipher.Hash(strings.Join(run, " ")))
	}
	tiers = append(tiers, models.MatchCriteria{
		Tier:   models.TierCombination,
		Hashes: dedupe(combos),
	})

	var partial []string
	for _, tok := range tokens {
		partial = append(partial, s.cipher.Hash(tok))
		for _, p := range runePrefixes(tok, s.opts.MinPrefixLength) {
			partial = append(partial, s.cipher.Hash(p))
		}
	}
	tiers = append(tiers, models.MatchCriteria{
		Tier:   models.TierPartial,
		Hashes: dedupe(partial),
	})

	return tiers
}

// contiguousRuns returns every contiguous sub-sequence of tokens with at least minLen elements,
// longest first.
func contiguousRuns(tokens []string, minLen int) [][]string {
	var runs [][]string
	for size := len(tokens); size >= minLen; size-- {
		for start := 0; start+size <= len(tokens); start++ {
			runs = append(runs, tokens[start:start+size])
		}
	}
	return runs
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// score decrypts the candidate's name and weighs it against the search tokens.
// An undecryptable name scores zero but stays in the result set.
func (s *searchService) score(e *models.SearchableEntity, tier models.MatchTier, tokens []string) *models.SearchCandidate {
	c := &models.SearchCandidate{Entity: e, Tier: tier}

	plaintext, err := s.cipher.Decrypt(e.NameEncrypted)
	if err != nil {
		s.logger.Warn("Failed to decrypt candidate name",
			zap.String("entity_id", e.ID.String()),
			zap.Error(err))
		c.Name = models.DecryptedField{Err: err}
		return c
	}
	c.Name = models.DecryptedField{Plaintext: plaintext}
	c.Score = matchScore(tokenize(plaintext), tokens)
	return c
}

func matchScore(nameTokens, searchTokens []string) int {
	score := 0

	present := make(map[string]struct{}, len(nameTokens))
	for _, t := range nameTokens {
		present[t] = struct{}{}
	}
	for _, t := range searchTokens {
		if _, ok := present[t]; ok {
			score += scorePerWord
		}
	}

	if containsRun(nameTokens, searchTokens) {
		score += scoreContiguousRun
	}

	name := strings.Join(nameTokens, " ")
	phrase := strings.Join(searchTokens, " ")
	if strings.HasPrefix(name, phrase) {
		score += scoreStartsWith
	}
	if strings.Contains(name, phrase) {
		score += scoreContainsPhrase
	}

	return score
}

func containsRun(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
outer:
	for start := 0; start+len(needle) <= len(haystack); start++ {
		for i, tok := range needle {
			if haystack[start+i] != tok {
				continue outer
			}
		}
		return true
	}
	return false
}

// rank orders by tier, then score, then recency, then ID.
func rank(candidates []*models.SearchCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Entity.CreatedAt.Equal(b.Entity.CreatedAt) {
			return a.Entity.CreatedAt.After(b.Entity.CreatedAt)
		}
		return a.Entity.ID.String() < b.Entity.ID.String()
	})
}
