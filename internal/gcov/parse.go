// Package gcov parses the annotated-source text reports written by gcov
// into per-test coverage records.
//
// A report interleaves source annotations of the form
//
//	<mark>:<line>:<source text>
//
// with branch annotations that belong to the preceding source line:
//
//	branch  0 taken 3 (fallthrough)
//	branch  1 never executed
//
// The mark is "-" for non-executable lines, "#####" (or "=====" for
// exception-only paths) for lines that never ran, and an execution
// count otherwise.
package gcov

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/unbound-force/winnow/internal/coverage"
)

// ErrMalformedReport is wrapped by every error caused by report content
// rather than by I/O. A test whose report is malformed is dropped.
var ErrMalformedReport = errors.New("malformed coverage report")

// Execution marks.
const (
	markNonExecutable    = "-"
	markNeverExecuted    = "#####"
	markNeverExceptional = "====="
	markUnexecutedBlock  = "$$$$$"
)

// maxLineSize bounds a single report line; generated sources can carry
// very long lines.
const maxLineSize = 4 * 1024 * 1024

// countMark matches execution counts, including the "*" suffix gcov adds
// when a line has unexecuted blocks and the human-readable form ("1.2k").
var countMark = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[kMGTPEZY]?\*?$`)

// Parse reads one gcov report and returns the coverage record for the
// given test. Parsing is pure: the same input always yields an equal
// record.
func Parse(r io.Reader, testID int) (*coverage.Record, error) {
	p := &parser{rec: coverage.NewRecord(testID)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for n := 1; sc.Scan(); n++ {
		if err := p.parseLine(sc.Text()); err != nil {
			return nil, fmt.Errorf("report line %d: %w", n, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading coverage report: %w", err)
	}
	p.seal()

	return p.rec, nil
}

// ParseFile parses the report at path.
func ParseFile(path string, testID int) (*coverage.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec, err := Parse(f, testID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// parser accumulates one record. line is the most recent executable
// source line (0 before the first one); pending holds the branch edges
// seen since then.
type parser struct {
	rec     *coverage.Record
	line    int
	pending []bool
}

func (p *parser) parseLine(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "branch":
		return p.branch(fields)
	case "function", "call", "unconditional":
		// Per-function and per-call summaries carry nothing we model.
		return nil
	}
	return p.source(trimmed)
}

// source handles a "<mark>:<line>:<text>" annotation.
func (p *parser) source(trimmed string) error {
	parts := strings.SplitN(trimmed, ":", 3)
	if len(parts) < 2 {
		return fmt.Errorf("%w: unrecognized line %q", ErrMalformedReport, abbreviate(trimmed))
	}
	mark := strings.TrimSpace(parts[0])
	num := strings.TrimSpace(parts[1])

	// Per-block detail from "gcov -a" and exception-only block marks
	// are not line annotations.
	if mark == markNonExecutable || mark == markUnexecutedBlock || strings.Contains(num, "-block") {
		return nil
	}
	if len(parts) < 3 {
		return fmt.Errorf("%w: unrecognized line %q", ErrMalformedReport, abbreviate(trimmed))
	}

	never := mark == markNeverExecuted || mark == markNeverExceptional
	if !never && !countMark.MatchString(mark) {
		return fmt.Errorf("%w: unrecognized execution mark %q", ErrMalformedReport, mark)
	}

	line, err := strconv.Atoi(num)
	if err != nil || line <= 0 {
		return fmt.Errorf("%w: invalid line number %q", ErrMalformedReport, num)
	}
	if line <= p.line {
		return fmt.Errorf("%w: line %d follows line %d", ErrMalformedReport, line, p.line)
	}

	p.seal()
	p.line = line
	p.rec.Statements[line] = !never
	if never {
		p.rec.StatementsUncovered = append(p.rec.StatementsUncovered, line)
	} else {
		p.rec.StatementsCovered = append(p.rec.StatementsCovered, line)
	}
	return nil
}

// branch handles "branch <idx>[:] taken N ..." and
// "branch <idx>[:] never executed".
func (p *parser) branch(fields []string) error {
	if p.line == 0 {
		return fmt.Errorf("%w: branch annotation before any source line", ErrMalformedReport)
	}
	if len(fields) < 4 {
		return fmt.Errorf("%w: truncated branch annotation %q",
			ErrMalformedReport, strings.Join(fields, " "))
	}
	if _, err := strconv.Atoi(strings.TrimSuffix(fields[1], ":")); err != nil {
		return fmt.Errorf("%w: invalid branch index %q", ErrMalformedReport, fields[1])
	}

	var taken bool
	switch {
	case fields[2] == "never" && fields[3] == "executed":
		taken = false
	case fields[2] == "taken":
		n, err := parseTaken(fields[3])
		if err != nil {
			return fmt.Errorf("%w: invalid taken count %q", ErrMalformedReport, fields[3])
		}
		taken = n > 0
	default:
		return fmt.Errorf("%w: unrecognized branch status %q",
			ErrMalformedReport, strings.Join(fields[2:], " "))
	}

	p.pending = append(p.pending, taken)
	if taken {
		p.rec.BranchesCovered = append(p.rec.BranchesCovered, p.line)
	} else {
		p.rec.BranchesUncovered = append(p.rec.BranchesUncovered, p.line)
	}
	return nil
}

// seal stores the pending branch edges under the current line.
func (p *parser) seal() {
	if len(p.pending) == 0 {
		return
	}
	p.rec.Branches[p.line] = p.pending
	p.pending = nil
}

// parseTaken accepts an absolute count ("gcov -c") or a percentage.
func parseTaken(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
}

func abbreviate(s string) string {
	const limit = 60
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}
