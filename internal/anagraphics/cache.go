// Package anagraphics maintains the in-memory counterparty index used to
// resolve bank transaction descriptions to known customers and suppliers.
package anagraphics

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/models"
)

// stopWords are legal-form suffixes and generic corporate terms that carry no
// identity: indexing them would make every company match every other.
var stopWords = map[string]struct{}{
	"SRL": {}, "S.R.L": {}, "S.R.L.": {}, "SRLS": {},
	"SPA": {}, "S.P.A": {}, "S.P.A.": {},
	"SNC": {}, "S.N.C": {}, "SAS": {}, "S.A.S": {},
	"SOC": {}, "SOCIETA": {}, "SOCIETA'": {}, "COOP": {}, "COOPERATIVA": {},
	"DITTA": {}, "IMPRESA": {}, "STUDIO": {}, "GRUPPO": {},
	"THE": {}, "AND": {}, "DEI": {}, "DEL": {}, "DELLA": {}, "DELLE": {},
	"ITALIA": {}, "ITALIANA": {}, "ITALIANO": {},
	"SERVIZI": {}, "SERVICE": {}, "SERVICES": {}, "GENERALI": {},
}

// Tokenize splits a denomination or description into index tokens: uppercase
// words of at least three characters, stop words removed.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToUpper(text), func(r rune) bool {
		return !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '\'')
	})

	tokens := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".'")
		if len(f) < 3 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// Record is the immutable cached view of a counterparty.
type Record struct {
	ID           int64
	Kind         models.CounterpartyKind
	Denomination string
	FiscalID     string
	TaxCode      string
	Tokens       []string
}

// Source supplies the rows the cache indexes; the SQL store satisfies it.
type Source interface {
	AllCounterparties(ctx context.Context) ([]*models.Counterparty, error)
}

// Config holds the cache tuning knobs.
type Config struct {
	TTL           time.Duration
	MaxSize       int
	EvictionPct   float64
	MemoryLimitMB int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           15 * time.Minute,
		MaxSize:       10000,
		EvictionPct:   0.2,
		MemoryLimitMB: 500,
	}
}

type entry struct {
	record     Record
	lastAccess time.Time
}

// Cache is the process-wide counterparty index. One mutex protects both the
// fiscal map and the token inverted index so readers always observe the two
// in lockstep.
type Cache struct {
	mu           sync.Mutex
	cfg          Config
	source       Source
	log          logger.Logger
	entries      map[int64]*entry
	fiscalIndex  map[string]int64
	tokenIndex   map[string]map[int64]struct{}
	lastRefresh  time.Time
	refreshHooks []func()
}

// NewCache creates an empty cache; the first access triggers a refresh.
func NewCache(cfg Config, source Source, log logger.Logger) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.EvictionPct <= 0 || cfg.EvictionPct >= 1 {
		cfg.EvictionPct = DefaultConfig().EvictionPct
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Cache{
		cfg:         cfg,
		source:      source,
		log:         log.WithComponent("anagraphics"),
		entries:     make(map[int64]*entry),
		fiscalIndex: make(map[string]int64),
		tokenIndex:  make(map[string]map[int64]struct{}),
	}
}

// OnRefresh registers a hook invoked after every full refresh; the resolver
// uses it to drop its memoized lookups.
func (c *Cache) OnRefresh(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshHooks = append(c.refreshHooks, fn)
}

// Get returns a copy of the cached record for id.
func (c *Cache) Get(ctx context.Context, id int64) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureFreshLocked(ctx)

	e, ok := c.entries[id]
	if !ok {
		return Record{}, false
	}
	e.lastAccess = time.Now()
	return copyRecord(e.record), true
}

// FindByFiscal looks up a counterparty id by normalized fiscal code.
func (c *Cache) FindByFiscal(ctx context.Context, code string) (int64, bool) {
	code = models.NormalizeFiscalCode(code)
	if code == "" {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureFreshLocked(ctx)

	id, ok := c.fiscalIndex[code]
	if ok {
		if e, present := c.entries[id]; present {
			e.lastAccess = time.Now()
		}
	}
	return id, ok
}

// SearchByTokens returns the ids whose denomination contains every token
// (intersection of postings lists).
func (c *Cache) SearchByTokens(ctx context.Context, tokens []string) map[int64]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureFreshLocked(ctx)

	var result map[int64]struct{}
	for _, token := range tokens {
		postings, ok := c.tokenIndex[strings.ToUpper(token)]
		if !ok {
			return map[int64]struct{}{}
		}
		if result == nil {
			result = make(map[int64]struct{}, len(postings))
			for id := range postings {
				result[id] = struct{}{}
			}
			continue
		}
		for id := range result {
			if _, ok := postings[id]; !ok {
				delete(result, id)
			}
		}
		if len(result) == 0 {
			break
		}
	}
	if result == nil {
		result = map[int64]struct{}{}
	}
	for id := range result {
		if e, ok := c.entries[id]; ok {
			e.lastAccess = time.Now()
		}
	}
	return result
}

// SearchByAnyToken returns the union of postings lists: every id that shares
// at least one token with the query. The resolver ranks these candidates.
func (c *Cache) SearchByAnyToken(ctx context.Context, tokens []string) map[int64]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureFreshLocked(ctx)

	result := make(map[int64]struct{})
	for _, token := range tokens {
		for id := range c.tokenIndex[strings.ToUpper(token)] {
			result[id] = struct{}{}
		}
	}
	return result
}

// Size returns the number of cached records.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Refresh forces a full rebuild from the source.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

// ensureFreshLocked rebuilds the cache when the TTL has elapsed, unless the
// process is already over its memory ceiling; the stale index is still more
// useful than an allocation spike on a constrained host.
func (c *Cache) ensureFreshLocked(ctx context.Context) {
	if !c.lastRefresh.IsZero() && time.Since(c.lastRefresh) < c.cfg.TTL {
		return
	}
	if c.overMemoryLimit() && !c.lastRefresh.IsZero() {
		c.log.Warn("skipping cache refresh: memory ceiling reached")
		c.lastRefresh = time.Now()
		return
	}
	if err := c.refreshLocked(ctx); err != nil {
		c.log.WithError(err).Error("cache refresh failed, keeping previous snapshot")
	}
}

func (c *Cache) refreshLocked(ctx context.Context) error {
	rows, err := c.source.AllCounterparties(ctx)
	if err != nil {
		return err
	}

	c.entries = make(map[int64]*entry, len(rows))
	c.fiscalIndex = make(map[string]int64, len(rows))
	c.tokenIndex = make(map[string]map[int64]struct{})

	now := time.Now()
	for _, row := range rows {
		c.insertLocked(row, now)
	}
	c.lastRefresh = now

	if len(c.entries) > c.cfg.MaxSize {
		c.evictLocked()
	}

	c.log.Debugf("cache refreshed: %d counterparties indexed", len(c.entries))
	for _, hook := range c.refreshHooks {
		hook()
	}
	return nil
}

func (c *Cache) insertLocked(row *models.Counterparty, now time.Time) {
	rec := Record{
		ID:           row.ID,
		Kind:         row.Kind,
		Denomination: row.Denomination,
		FiscalID:     models.NormalizeFiscalCode(row.FiscalID),
		TaxCode:      models.NormalizeFiscalCode(row.TaxCode),
		Tokens:       Tokenize(row.Denomination),
	}
	c.entries[rec.ID] = &entry{record: rec, lastAccess: now}

	if rec.FiscalID != "" {
		c.fiscalIndex[rec.FiscalID] = rec.ID
	}
	if rec.TaxCode != "" {
		c.fiscalIndex[rec.TaxCode] = rec.ID
	}
	for _, token := range rec.Tokens {
		postings, ok := c.tokenIndex[token]
		if !ok {
			postings = make(map[int64]struct{})
			c.tokenIndex[token] = postings
		}
		postings[rec.ID] = struct{}{}
	}
}

// evictLocked drops the configured fraction of entries, oldest access first,
// keeping both indexes consistent with the surviving records.
func (c *Cache) evictLocked() {
	type aged struct {
		id         int64
		lastAccess time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for id, e := range c.entries {
		all = append(all, aged{id: id, lastAccess: e.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastAccess.Before(all[j].lastAccess)
	})

	evictCount := int(float64(len(all)) * c.cfg.EvictionPct)
	if evictCount < 1 {
		evictCount = 1
	}
	for _, a := range all[:evictCount] {
		c.removeLocked(a.id)
	}
	c.log.Debugf("evicted %d cache entries", evictCount)
}

func (c *Cache) removeLocked(id int64) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	delete(c.entries, id)
	if e.record.FiscalID != "" && c.fiscalIndex[e.record.FiscalID] == id {
		delete(c.fiscalIndex, e.record.FiscalID)
	}
	if e.record.TaxCode != "" && c.fiscalIndex[e.record.TaxCode] == id {
		delete(c.fiscalIndex, e.record.TaxCode)
	}
	for _, token := range e.record.Tokens {
		if postings, ok := c.tokenIndex[token]; ok {
			delete(postings, id)
			if len(postings) == 0 {
				delete(c.tokenIndex, token)
			}
		}
	}
}

func (c *Cache) overMemoryLimit() bool {
	if c.cfg.MemoryLimitMB <= 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc/(1024*1024) > uint64(c.cfg.MemoryLimitMB)
}

func copyRecord(r Record) Record {
	out := r
	out.Tokens = append([]string(nil), r.Tokens...)
	return out
}
