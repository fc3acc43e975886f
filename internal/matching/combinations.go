package matching

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/pkg/logger"
)

// CombinationCandidate is one invoice residual available to subset search.
type CombinationCandidate struct {
	InvoiceID int64
	Residual  decimal.Decimal
	DocNumber string
	DocDate   time.Time
}

// Combination is a subset of candidates whose residuals sum to the target
// within tolerance.
type Combination struct {
	Candidates []CombinationCandidate
	Sum        decimal.Decimal
}

// GeneratorConfig bounds the subset search.
type GeneratorConfig struct {
	MaxSize              int
	MaxWallClock         time.Duration
	MaxIterationsPerSize int64
	Workers              int
}

// DefaultGeneratorConfig returns the documented search bounds.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxSize:              5,
		MaxWallClock:         30 * time.Second,
		MaxIterationsPerSize: 250000,
		Workers:              4,
	}
}

// eagerTarget is how many combinations the eager sizes must produce before
// larger subset sizes are skipped.
const eagerTarget = 5

// parallelMinCandidates gates worker partitioning: below this the
// goroutine overhead exceeds the search cost.
const parallelMinCandidates = 10

// Generator enumerates invoice subsets matching a target amount. Amounts are
// searched in integer cents so bound arithmetic stays exact.
type Generator struct {
	cfg GeneratorConfig
	log logger.Logger
}

// NewGenerator builds a generator with the given bounds.
func NewGenerator(cfg GeneratorConfig, log logger.Logger) *Generator {
	def := DefaultGeneratorConfig()
	if cfg.MaxSize < 2 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxWallClock <= 0 {
		cfg.MaxWallClock = def.MaxWallClock
	}
	if cfg.MaxIterationsPerSize <= 0 {
		cfg.MaxIterationsPerSize = def.MaxIterationsPerSize
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Generator{cfg: cfg, log: log.WithComponent("combinations")}
}

// Config returns the generator's effective bounds.
func (g *Generator) Config() GeneratorConfig {
	return g.cfg
}

type searchState struct {
	values   []int64 // cents, ascending
	prefix   []int64 // prefix[i] = sum of values[:i]
	target   int64
	epsCents int64
	deadline time.Time
	ctx      context.Context
}

// Combinations returns subsets of size 2..MaxSize summing to target within
// one cent per member. Sizes 2 and 3 are searched eagerly; larger sizes only
// when the eager pass found too little and budget remains.
func (g *Generator) Combinations(ctx context.Context, candidates []CombinationCandidate, target decimal.Decimal) []Combination {
	if len(candidates) < 2 || target.Sign() <= 0 {
		return nil
	}

	sorted := make([]CombinationCandidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Residual.LessThan(sorted[j].Residual)
	})

	st := &searchState{
		values:   make([]int64, len(sorted)),
		prefix:   make([]int64, len(sorted)+1),
		target:   target.Shift(2).Round(0).IntPart(),
		epsCents: 1,
		deadline: time.Now().Add(g.cfg.MaxWallClock),
		ctx:      ctx,
	}
	for i, c := range sorted {
		st.values[i] = c.Residual.Shift(2).Round(0).IntPart()
		st.prefix[i+1] = st.prefix[i] + st.values[i]
	}

	var results []Combination
	seen := make(map[string]struct{})

	maxSize := g.cfg.MaxSize
	if maxSize > len(sorted) {
		maxSize = len(sorted)
	}
	for size := 2; size <= maxSize; size++ {
		if size > 3 && len(results) >= eagerTarget {
			break
		}
		if time.Now().After(st.deadline) || ctx.Err() != nil {
			g.log.Debug("combination search budget exhausted")
			break
		}
		for _, picks := range g.searchSize(st, sorted, size) {
			key := comboKey(picks, sorted)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			results = append(results, buildCombination(picks, sorted))
		}
	}
	return results
}

// searchSize enumerates all index subsets of the given size. Large searches
// are partitioned by first index across workers.
func (g *Generator) searchSize(st *searchState, sorted []CombinationCandidate, size int) [][]int {
	iterations := new(int64)

	if size >= 3 && len(sorted) >= parallelMinCandidates && g.cfg.Workers > 1 {
		return g.searchSizeParallel(st, size, iterations)
	}

	var out [][]int
	g.recurse(st, 0, size, 0, nil, &out, iterations)
	return out
}

func (g *Generator) searchSizeParallel(st *searchState, size int, iterations *int64) [][]int {
	n := len(st.values)
	partial := make([][][]int, g.cfg.Workers)
	var wg sync.WaitGroup

	for w := 0; w < g.cfg.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var local [][]int
			for first := w; first <= n-size; first += g.cfg.Workers {
				if g.exhausted(st, iterations) {
					break
				}
				g.recurse(st, first+1, size-1, st.values[first], []int{first}, &local, iterations)
			}
			partial[w] = local
		}(w)
	}
	wg.Wait()

	var out [][]int
	for _, p := range partial {
		out = append(out, p...)
	}
	return out
}

// recurse extends chosen with picks from index i onward. Prefix and suffix
// sums bound what any completion can reach; branches whose bound interval
// misses the tolerance band are cut, and a binary search caps the scan at
// the first value that alone overshoots.
func (g *Generator) recurse(st *searchState, i, remaining int, currentSum int64, chosen []int, out *[][]int, iterations *int64) {
	if remaining == 0 {
		if abs64(currentSum-st.target) <= st.epsCents {
			picks := make([]int, len(chosen))
			copy(picks, chosen)
			*out = append(*out, picks)
		}
		return
	}
	n := len(st.values)
	if n-i < remaining {
		return
	}
	if g.exhausted(st, iterations) {
		return
	}

	tolerance := st.epsCents * int64(remaining)
	lower := currentSum + st.prefix[i+remaining] - st.prefix[i]
	upper := currentSum + st.prefix[n] - st.prefix[n-remaining]
	if lower > st.target+tolerance || upper < st.target-tolerance {
		return
	}

	// First index whose value alone pushes the sum past the band; everything
	// from there on is larger still.
	limit := sort.Search(n-i, func(k int) bool {
		return currentSum+st.values[i+k] > st.target+tolerance
	}) + i

	for j := i; j < limit; j++ {
		g.recurse(st, j+1, remaining-1, currentSum+st.values[j], append(chosen, j), out, iterations)
	}
}

func (g *Generator) exhausted(st *searchState, iterations *int64) bool {
	if atomic.AddInt64(iterations, 1) > g.cfg.MaxIterationsPerSize {
		return true
	}
	// Checking the clock on every node would dominate small searches.
	if atomic.LoadInt64(iterations)%1024 == 0 {
		if time.Now().After(st.deadline) || st.ctx.Err() != nil {
			return true
		}
	}
	return false
}

// comboKey identifies a combination by its sorted amount multiset, so two
// subsets that only swap invoices with identical residuals collapse to one.
func comboKey(picks []int, sorted []CombinationCandidate) string {
	parts := make([]string, len(picks))
	for i, idx := range picks {
		parts[i] = sorted[idx].Residual.StringFixed(2)
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

func buildCombination(picks []int, sorted []CombinationCandidate) Combination {
	combo := Combination{Candidates: make([]CombinationCandidate, 0, len(picks))}
	sum := decimal.Zero
	for _, idx := range picks {
		combo.Candidates = append(combo.Candidates, sorted[idx])
		sum = sum.Add(sorted[idx].Residual)
	}
	combo.Sum = sum
	return combo
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
