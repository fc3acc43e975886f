package anagraphics

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"invoice-reconciliation-engine/pkg/logger"
)

var (
	// Italian VAT numbers are exactly 11 digits; personal codici fiscali are
	// 16 alphanumerics with a fixed letter/digit layout.
	vatPattern     = regexp.MustCompile(`\b\d{11}\b`)
	taxCodePattern = regexp.MustCompile(`\b[A-Z]{6}\d{2}[A-Z]\d{2}[A-Z]\d{3}[A-Z]\b`)
)

// minResolveScore is the floor below which a fuzzy name match is treated as
// noise rather than a resolution.
const minResolveScore = 0.3

// Resolution is the outcome of matching a free-text description to a
// counterparty.
type Resolution struct {
	CounterpartyID int64
	Denomination   string
	Score          float64
	// Method is "fiscal_code" for exact identifier hits, "name_match" for
	// token scoring.
	Method string
}

// Resolver maps bank transaction descriptions to counterparties, trying exact
// fiscal identifiers first and falling back to token similarity against the
// cached denominations.
type Resolver struct {
	cache *Cache
	log   logger.Logger

	mu   sync.Mutex
	memo map[string]*Resolution
}

// NewResolver wires a resolver to the cache; memoized results are dropped
// whenever the cache refreshes so renames are picked up.
func NewResolver(cache *Cache, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	r := &Resolver{
		cache: cache,
		log:   log.WithComponent("resolver"),
		memo:  make(map[string]*Resolution),
	}
	cache.OnRefresh(r.flush)
	return r
}

func (r *Resolver) flush() {
	r.mu.Lock()
	r.memo = make(map[string]*Resolution)
	r.mu.Unlock()
}

// Resolve returns the best counterparty for a description, or nil when no
// candidate clears the score floor.
func (r *Resolver) Resolve(ctx context.Context, description string) *Resolution {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil
	}
	key := strings.ToUpper(description)

	r.mu.Lock()
	if cached, ok := r.memo[key]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	res := r.resolve(ctx, key)

	r.mu.Lock()
	r.memo[key] = res
	r.mu.Unlock()
	return res
}

func (r *Resolver) resolve(ctx context.Context, upper string) *Resolution {
	if res := r.resolveByFiscal(ctx, upper); res != nil {
		return res
	}
	return r.resolveByName(ctx, upper)
}

// resolveByFiscal scans the description for VAT numbers and codici fiscali
// and returns the first one present in the fiscal index.
func (r *Resolver) resolveByFiscal(ctx context.Context, upper string) *Resolution {
	codes := vatPattern.FindAllString(upper, -1)
	codes = append(codes, taxCodePattern.FindAllString(upper, -1)...)

	for _, code := range codes {
		id, ok := r.cache.FindByFiscal(ctx, code)
		if !ok {
			continue
		}
		rec, ok := r.cache.Get(ctx, id)
		if !ok {
			continue
		}
		return &Resolution{
			CounterpartyID: rec.ID,
			Denomination:   rec.Denomination,
			Score:          1.0,
			Method:         "fiscal_code",
		}
	}
	return nil
}

// resolveByName scores every counterparty sharing at least one token with the
// description. The score mixes Jaccard similarity with how much of the
// candidate's own name is covered, so "ROSSI" resolving to "ROSSI COSTRUZIONI"
// beats it resolving to "ROSSI BIANCHI VERDI ASSOCIATI".
func (r *Resolver) resolveByName(ctx context.Context, upper string) *Resolution {
	descTokens := Tokenize(upper)
	if len(descTokens) == 0 {
		return nil
	}
	descSet := make(map[string]struct{}, len(descTokens))
	for _, t := range descTokens {
		descSet[t] = struct{}{}
	}

	var best *Resolution
	for id := range r.cache.SearchByAnyToken(ctx, descTokens) {
		rec, ok := r.cache.Get(ctx, id)
		if !ok || len(rec.Tokens) == 0 {
			continue
		}

		shared := 0
		for _, t := range rec.Tokens {
			if _, ok := descSet[t]; ok {
				shared++
			}
		}
		if shared == 0 {
			continue
		}

		union := len(descSet) + len(rec.Tokens) - shared
		jaccard := float64(shared) / float64(union)
		coverage := float64(shared) / float64(len(rec.Tokens))
		score := 0.4*jaccard + 0.6*coverage

		// Full denomination appearing verbatim in the description is the
		// strongest name signal available.
		if strings.Contains(upper, strings.ToUpper(rec.Denomination)) {
			score += 0.15
			if score > 1.0 {
				score = 1.0
			}
		}

		if score < minResolveScore {
			continue
		}
		if best == nil || score > best.Score {
			best = &Resolution{
				CounterpartyID: rec.ID,
				Denomination:   rec.Denomination,
				Score:          score,
				Method:         "name_match",
			}
		}
	}
	return best
}
