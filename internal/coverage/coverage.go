// Package coverage defines the per-test coverage records produced by a
// sweep and the insertion-ordered model that test selection reads.
package coverage

import (
	"fmt"
	"sort"
)

// Kind distinguishes statement units from branch-edge units.
type Kind string

// Unit kinds.
const (
	Statement Kind = "statement"
	Branch    Kind = "branch"
)

// Unit is one coverable element: a source line for statements, or one
// outgoing edge of the conditional at a source line for branches.
type Unit struct {
	Kind Kind `json:"kind"`
	Line int  `json:"line"`

	// Edge is the branch index at Line. Always 0 for statements.
	Edge int `json:"edge"`
}

// String renders the unit as "12" for statements and "12.1" for
// branch edges.
func (u Unit) String() string {
	if u.Kind == Branch {
		return fmt.Sprintf("%d.%d", u.Line, u.Edge)
	}
	return fmt.Sprintf("%d", u.Line)
}

// Less orders units by line, then kind (statements first), then edge.
func (u Unit) Less(o Unit) bool {
	if u.Line != o.Line {
		return u.Line < o.Line
	}
	if u.Kind != o.Kind {
		return u.Kind == Statement
	}
	return u.Edge < o.Edge
}

// SortUnits sorts units in place using Unit.Less.
func SortUnits(units []Unit) {
	sort.Slice(units, func(i, j int) bool { return units[i].Less(units[j]) })
}

// Record is the coverage observed for a single test execution. A
// Record is built once by the report parser and never mutated after.
type Record struct {
	// TestID is the zero-based position of the test in its corpus.
	TestID int `json:"test_id"`

	// Statements maps every annotated executable line to whether it
	// ran at least once.
	Statements map[int]bool `json:"statements"`

	// StatementsCovered and StatementsUncovered partition the keys
	// of Statements, in ascending line order.
	StatementsCovered   []int `json:"statements_covered"`
	StatementsUncovered []int `json:"statements_uncovered"`

	// Branches maps a line to the taken/not-taken state of each of
	// its outgoing edges, in report order. Never holds an empty slice.
	Branches map[int][]bool `json:"branches"`

	// BranchesCovered and BranchesUncovered hold the owning line once
	// per covered or uncovered edge, so a line may repeat.
	BranchesCovered   []int `json:"branches_covered"`
	BranchesUncovered []int `json:"branches_uncovered"`
}

// NewRecord returns an empty record for the given test.
func NewRecord(testID int) *Record {
	return &Record{
		TestID:              testID,
		Statements:          make(map[int]bool),
		StatementsCovered:   []int{},
		StatementsUncovered: []int{},
		Branches:            make(map[int][]bool),
		BranchesCovered:     []int{},
		BranchesUncovered:   []int{},
	}
}

// Summary holds the derived counts for a record.
type Summary struct {
	StatementsCovered   int `json:"statements_covered"`
	StatementsUncovered int `json:"statements_uncovered"`
	BranchesCovered     int `json:"branches_covered"`
	BranchesUncovered   int `json:"branches_uncovered"`
}

// Summary computes the covered and uncovered counts from the record's
// actual sets.
func (r *Record) Summary() Summary {
	return Summary{
		StatementsCovered:   len(r.StatementsCovered),
		StatementsUncovered: len(r.StatementsUncovered),
		BranchesCovered:     len(r.BranchesCovered),
		BranchesUncovered:   len(r.BranchesUncovered),
	}
}

// CoveredUnits returns the statement lines and branch edges the test
// exercised, in ascending order.
func (r *Record) CoveredUnits() []Unit {
	units := make([]Unit, 0, len(r.StatementsCovered)+len(r.BranchesCovered))
	for _, line := range r.StatementsCovered {
		units = append(units, Unit{Kind: Statement, Line: line})
	}
	for line, edges := range r.Branches {
		for i, taken := range edges {
			if taken {
				units = append(units, Unit{Kind: Branch, Line: line, Edge: i})
			}
		}
	}
	SortUnits(units)
	return units
}

// Validate checks the record's structural invariants: the covered and
// uncovered statement sets partition the Statements keys, and every
// branch line has at least one edge and appears in the branch summaries
// exactly once per edge in the matching state.
func (r *Record) Validate() error {
	if r.TestID < 0 {
		return fmt.Errorf("test %d: negative test id", r.TestID)
	}
	for line := range r.Statements {
		if line <= 0 {
			return fmt.Errorf("test %d: invalid statement line %d", r.TestID, line)
		}
	}
	seen := make(map[int]bool, len(r.Statements))
	for _, line := range r.StatementsCovered {
		covered, ok := r.Statements[line]
		if !ok || !covered || seen[line] {
			return fmt.Errorf("test %d: line %d misplaced in covered statements", r.TestID, line)
		}
		seen[line] = true
	}
	for _, line := range r.StatementsUncovered {
		covered, ok := r.Statements[line]
		if !ok || covered || seen[line] {
			return fmt.Errorf("test %d: line %d misplaced in uncovered statements", r.TestID, line)
		}
		seen[line] = true
	}
	if len(seen) != len(r.Statements) {
		return fmt.Errorf("test %d: %d statements but %d classified",
			r.TestID, len(r.Statements), len(seen))
	}

	// Per line, the summaries must hold the line once per edge in
	// that state.
	taken := make(map[int]int, len(r.Branches))
	notTaken := make(map[int]int, len(r.Branches))
	for line, edges := range r.Branches {
		if line <= 0 {
			return fmt.Errorf("test %d: invalid branch line %d", r.TestID, line)
		}
		if len(edges) == 0 {
			return fmt.Errorf("test %d: branch line %d has no edges", r.TestID, line)
		}
		for _, e := range edges {
			if e {
				taken[line]++
			} else {
				notTaken[line]++
			}
		}
	}
	if err := matchLines(r.BranchesCovered, taken); err != nil {
		return fmt.Errorf("test %d: covered branches: %w", r.TestID, err)
	}
	if err := matchLines(r.BranchesUncovered, notTaken); err != nil {
		return fmt.Errorf("test %d: uncovered branches: %w", r.TestID, err)
	}
	return nil
}

// matchLines checks that lines holds each key of want exactly want[key]
// times and nothing else.
func matchLines(lines []int, want map[int]int) error {
	got := make(map[int]int, len(want))
	for _, line := range lines {
		got[line]++
		if got[line] > want[line] {
			return fmt.Errorf("line %d listed %d times, expected %d", line, got[line], want[line])
		}
	}
	for line, n := range want {
		if got[line] != n {
			return fmt.Errorf("line %d listed %d times, expected %d", line, got[line], n)
		}
	}
	return nil
}
