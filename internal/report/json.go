// Package report provides output formatters for winnow results in
// JSON and human-readable text formats.
package report

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"github.com/unbound-force/winnow/internal/mutants"
	"github.com/unbound-force/winnow/internal/selection"
	"github.com/unbound-force/winnow/internal/suite"
	"github.com/unbound-force/winnow/internal/sweep"
)

// Version is the JSON report format version.
const Version = "1"

// JSONReport is the top-level JSON output structure.
type JSONReport struct {
	Version  string          `json:"version"`
	RunID    string          `json:"run_id"`
	Programs []ProgramReport `json:"programs"`
}

// ProgramReport is the outcome for one program.
type ProgramReport struct {
	Program suite.Program `json:"program"`

	// Sweep is nil when selection ran on a saved model.
	Sweep *SweepSummary `json:"sweep,omitempty"`

	// Selection is nil when the program failed before selection.
	Selection *selection.Result `json:"selection,omitempty"`

	// Error explains why the program has no selection.
	Error string `json:"error,omitempty"`
}

// SweepSummary is the JSON form of sweep.Stats.
type SweepSummary struct {
	Attempted int            `json:"attempted"`
	Recorded  int            `json:"recorded"`
	Failures  []FailureEntry `json:"failures"`
}

// FailureEntry is one dropped test.
type FailureEntry struct {
	TestID int    `json:"test_id"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// Summarize converts sweep statistics for reporting.
func Summarize(st sweep.Stats) *SweepSummary {
	s := &SweepSummary{
		Attempted: st.Attempted,
		Recorded:  st.Recorded,
		Failures:  make([]FailureEntry, 0, len(st.Failures)),
	}
	for _, f := range st.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		s.Failures = append(s.Failures, FailureEntry{TestID: f.TestID, Kind: string(f.Kind), Error: msg})
	}
	return s
}

// NewRunID returns a fresh identifier for one invocation.
func NewRunID() string {
	return uuid.NewString()
}

// WriteJSON writes program reports as formatted JSON to the writer.
func WriteJSON(w io.Writer, runID string, programs []ProgramReport) error {
	if programs == nil {
		programs = []ProgramReport{}
	}
	report := JSONReport{
		Version:  Version,
		RunID:    runID,
		Programs: programs,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// MutantsReport is the JSON output of mutant discovery.
type MutantsReport struct {
	Version  string            `json:"version"`
	Root     string            `json:"root"`
	Variants []mutants.Variant `json:"variants"`
}

// WriteMutantsJSON writes discovered variants as formatted JSON.
func WriteMutantsJSON(w io.Writer, root string, variants []mutants.Variant) error {
	if variants == nil {
		variants = []mutants.Variant{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(MutantsReport{Version: Version, Root: root, Variants: variants})
}
