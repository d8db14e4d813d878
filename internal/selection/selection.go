// Package selection reduces a test corpus to a small subset that keeps
// the coverage of the whole corpus.
//
// The default Additional strategy is the greedy set-cover
// approximation: at every step it takes the test covering the most
// still-uncovered units, breaking ties on the lowest test id. Exact
// minimum set cover is NP-hard; greedy is within a ln(n) factor of it.
package selection

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/unbound-force/winnow/internal/coverage"
)

// ErrNoCoverage is returned when no test in the model covers any unit
// counted by the selected metric.
var ErrNoCoverage = errors.New("no coverage achievable")

// ErrNotFrozen is returned when selection is asked to read a model
// that is still being populated.
var ErrNotFrozen = errors.New("coverage model is not frozen")

// Strategy names a test-ordering strategy.
type Strategy string

// Supported strategies.
const (
	// Additional repeatedly picks the test adding the most uncovered
	// units (greedy set cover).
	Additional Strategy = "additional"

	// Total orders tests by their own coverage size, largest first,
	// and keeps each test that still adds coverage.
	Total Strategy = "total"

	// Random visits tests in a seeded pseudo-random order and keeps
	// each test that still adds coverage.
	Random Strategy = "random"
)

// Strategies lists the supported strategies.
var Strategies = []Strategy{Additional, Total, Random}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown selection strategy %q: must be 'additional', 'total', or 'random'", s)
}

// Metric names which coverage units count toward selection.
type Metric string

// Supported metrics.
const (
	Statements Metric = "statements"
	Branches   Metric = "branches"
	All        Metric = "all"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case Statements, Branches, All:
		return m, nil
	}
	return "", fmt.Errorf("unknown coverage metric %q: must be 'statements', 'branches', or 'all'", s)
}

// Weights returns the statement and branch weights for the metric.
func (m Metric) Weights() (statement, branch int) {
	switch m {
	case Branches:
		return 0, 1
	case All:
		return 1, 1
	default:
		return 1, 0
	}
}

// Options configures Select.
type Options struct {
	// Strategy defaults to Additional when empty.
	Strategy Strategy

	// StatementWeight and BranchWeight scale the gain of newly covered
	// statement lines and branch edges. A unit kind with weight zero
	// is ignored entirely.
	StatementWeight int
	BranchWeight    int

	// Limit caps the number of selected tests. Zero means no cap.
	Limit int

	// Seed drives the Random strategy.
	Seed uint64
}

// DefaultOptions selects on statement coverage with the greedy
// strategy and no cap.
func DefaultOptions() Options {
	return Options{
		Strategy:        Additional,
		StatementWeight: 1,
		BranchWeight:    0,
		Seed:            1,
	}
}

// WithMetric returns a copy of o whose weights follow m.
func (o Options) WithMetric(m Metric) Options {
	o.StatementWeight, o.BranchWeight = m.Weights()
	return o
}

// Step records one selected test.
type Step struct {
	// Iteration is the 1-based position of the step.
	Iteration int `json:"iteration"`

	// TestID is the selected test.
	TestID int `json:"test_id"`

	// Gain is the weighted number of units this test newly covered.
	Gain int `json:"gain"`

	// NewUnits is the unweighted number of newly covered units.
	NewUnits int `json:"new_units"`

	// Cumulative is the number of units covered after this step.
	Cumulative int `json:"cumulative"`

	// Remaining is the number of achievable units still uncovered.
	Remaining int `json:"remaining"`
}

// Result is the outcome of a selection run.
type Result struct {
	Strategy Strategy `json:"strategy"`

	// Selected holds the chosen test ids in selection order.
	Selected []int `json:"selected"`

	// Steps is the per-selection audit trail, parallel to Selected.
	Steps []Step `json:"steps"`

	// Covered is the set of units the selection covers, sorted.
	Covered []coverage.Unit `json:"covered"`

	// Candidates is the number of tests considered.
	Candidates int `json:"candidates"`

	// Achievable is the number of units covered by the whole corpus.
	Achievable int `json:"achievable"`

	// Complete reports whether the selection covers every
	// achievable unit (false when Limit stopped it early).
	Complete bool `json:"complete"`
}

// candidate is a test with the units it covers under the active weights.
type candidate struct {
	id    int
	units []coverage.Unit
	total int
}

// Select picks an ordered subset of the tests in m. The model must be
// frozen. Selection stops when every achievable unit is covered, when
// no remaining test adds coverage, or when Limit tests are chosen.
func Select(m *coverage.Model, opts Options) (*Result, error) {
	if !m.Frozen() {
		return nil, ErrNotFrozen
	}
	if opts.Strategy == "" {
		opts.Strategy = Additional
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.StatementWeight < 0 || opts.BranchWeight < 0 {
		return nil, errors.New("coverage weights must not be negative")
	}
	if opts.StatementWeight == 0 && opts.BranchWeight == 0 {
		return nil, errors.New("at least one coverage weight must be positive")
	}
	if opts.Limit < 0 {
		return nil, fmt.Errorf("invalid selection limit %d", opts.Limit)
	}

	s := newSelector(m, opts)
	if s.achievable == 0 {
		return nil, ErrNoCoverage
	}

	switch opts.Strategy {
	case Total:
		s.runOrdered(s.totalOrder())
	case Random:
		s.runOrdered(s.randomOrder(opts.Seed))
	default:
		s.runGreedy()
	}

	return s.result(), nil
}

type selector struct {
	opts       Options
	cands      []candidate
	remaining  map[coverage.Unit]struct{}
	achievable int
	chosen     []bool
	res        Result
}

func newSelector(m *coverage.Model, opts Options) *selector {
	s := &selector{
		opts:      opts,
		remaining: make(map[coverage.Unit]struct{}),
	}
	for _, rec := range m.Records() {
		c := candidate{id: rec.TestID}
		for _, u := range rec.CoveredUnits() {
			w := s.weight(u)
			if w == 0 {
				continue
			}
			c.units = append(c.units, u)
			c.total += w
			s.remaining[u] = struct{}{}
		}
		s.cands = append(s.cands, c)
	}
	// Ascending ids make "first strictly better" the lowest-id tie-break.
	sort.Slice(s.cands, func(i, j int) bool { return s.cands[i].id < s.cands[j].id })

	s.achievable = len(s.remaining)
	s.chosen = make([]bool, len(s.cands))
	s.res = Result{
		Strategy:   opts.Strategy,
		Selected:   []int{},
		Steps:      []Step{},
		Candidates: len(s.cands),
		Achievable: s.achievable,
	}
	return s
}

func (s *selector) weight(u coverage.Unit) int {
	if u.Kind == coverage.Branch {
		return s.opts.BranchWeight
	}
	return s.opts.StatementWeight
}

// gain returns the weighted and unweighted count of c's units that
// are still uncovered.
func (s *selector) gain(c candidate) (weighted, units int) {
	for _, u := range c.units {
		if _, ok := s.remaining[u]; ok {
			weighted += s.weight(u)
			units++
		}
	}
	return weighted, units
}

func (s *selector) done() bool {
	if len(s.remaining) == 0 {
		return true
	}
	return s.opts.Limit > 0 && len(s.res.Selected) >= s.opts.Limit
}

func (s *selector) take(i, gain, units int) {
	c := s.cands[i]
	s.chosen[i] = true
	for _, u := range c.units {
		delete(s.remaining, u)
	}
	s.res.Selected = append(s.res.Selected, c.id)
	s.res.Steps = append(s.res.Steps, Step{
		Iteration:  len(s.res.Steps) + 1,
		TestID:     c.id,
		Gain:       gain,
		NewUnits:   units,
		Cumulative: s.achievable - len(s.remaining),
		Remaining:  len(s.remaining),
	})
}

// runGreedy is the Additional strategy.
func (s *selector) runGreedy() {
	for !s.done() {
		best, bestGain, bestUnits := -1, 0, 0
		for i, c := range s.cands {
			if s.chosen[i] {
				continue
			}
			if g, u := s.gain(c); g > bestGain {
				best, bestGain, bestUnits = i, g, u
			}
		}
		if best < 0 {
			return
		}
		s.take(best, bestGain, bestUnits)
	}
}

// runOrdered visits candidates in a fixed order and keeps each one that
// still adds coverage.
func (s *selector) runOrdered(order []int) {
	for _, i := range order {
		if s.done() {
			return
		}
		if g, u := s.gain(s.cands[i]); g > 0 {
			s.take(i, g, u)
		}
	}
}

// totalOrder sorts candidates by their own weighted coverage, largest
// first, lowest id on ties.
func (s *selector) totalOrder() []int {
	order := make([]int, len(s.cands))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return s.cands[order[a]].total > s.cands[order[b]].total
	})
	return order
}

// randomOrder is a seeded permutation of the candidates.
func (s *selector) randomOrder(seed uint64) []int {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return r.Perm(len(s.cands))
}

func (s *selector) result() *Result {
	seen := make(map[coverage.Unit]struct{}, s.achievable-len(s.remaining))
	covered := make([]coverage.Unit, 0, s.achievable-len(s.remaining))
	for i, c := range s.cands {
		if !s.chosen[i] {
			continue
		}
		for _, u := range c.units {
			if _, dup := seen[u]; !dup {
				seen[u] = struct{}{}
				covered = append(covered, u)
			}
		}
	}
	coverage.SortUnits(covered)
	s.res.Covered = covered
	s.res.Complete = len(s.remaining) == 0
	return &s.res
}
