package coverage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrFrozen is returned when adding to a model after Freeze.
var ErrFrozen = errors.New("coverage model is frozen")

// Model maps test ids to their coverage records in execution order.
// A sweep is its only writer; once frozen the model is read-only and
// may be handed to selection.
type Model struct {
	order   []int
	records map[int]*Record
	frozen  bool
}

// NewModel returns an empty, writable model.
func NewModel() *Model {
	return &Model{records: make(map[int]*Record)}
}

// Add appends a record. Test ids must be unique.
func (m *Model) Add(r *Record) error {
	if m.frozen {
		return ErrFrozen
	}
	if r == nil {
		return errors.New("nil coverage record")
	}
	if _, dup := m.records[r.TestID]; dup {
		return fmt.Errorf("duplicate test id %d", r.TestID)
	}
	m.order = append(m.order, r.TestID)
	m.records[r.TestID] = r
	return nil
}

// Freeze makes the model read-only.
func (m *Model) Freeze() { m.frozen = true }

// Frozen reports whether Freeze has been called.
func (m *Model) Frozen() bool { return m.frozen }

// Len returns the number of records.
func (m *Model) Len() int { return len(m.order) }

// Get returns the record for a test id.
func (m *Model) Get(testID int) (*Record, bool) {
	r, ok := m.records[testID]
	return r, ok
}

// IDs returns the test ids in insertion order.
func (m *Model) IDs() []int {
	ids := make([]int, len(m.order))
	copy(ids, m.order)
	return ids
}

// Records returns the records in insertion order.
func (m *Model) Records() []*Record {
	out := make([]*Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out
}

// modelFile is the on-disk form of a model.
type modelFile struct {
	Version string    `json:"version"`
	Records []*Record `json:"records"`
}

// modelVersion is bumped whenever the on-disk layout changes.
const modelVersion = "1"

// WriteJSON writes the model as indented JSON.
func (m *Model) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(modelFile{Version: modelVersion, Records: m.Records()})
}

// ReadJSON decodes a model written by WriteJSON. Every record is
// validated and the returned model is frozen.
func ReadJSON(r io.Reader) (*Model, error) {
	var f modelFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding coverage model: %w", err)
	}
	if f.Version != modelVersion {
		return nil, fmt.Errorf("unsupported coverage model version %q", f.Version)
	}
	m := NewModel()
	for _, rec := range f.Records {
		if rec == nil {
			return nil, errors.New("coverage model contains a null record")
		}
		normalize(rec)
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid coverage model: %w", err)
		}
		if err := m.Add(rec); err != nil {
			return nil, fmt.Errorf("invalid coverage model: %w", err)
		}
	}
	m.Freeze()
	return m, nil
}

// normalize replaces nil collections from sparse JSON with empty ones.
func normalize(r *Record) {
	if r.Statements == nil {
		r.Statements = make(map[int]bool)
	}
	if r.Branches == nil {
		r.Branches = make(map[int][]bool)
	}
	if r.StatementsCovered == nil {
		r.StatementsCovered = []int{}
	}
	if r.StatementsUncovered == nil {
		r.StatementsUncovered = []int{}
	}
	if r.BranchesCovered == nil {
		r.BranchesCovered = []int{}
	}
	if r.BranchesUncovered == nil {
		r.BranchesUncovered = []int{}
	}
}
