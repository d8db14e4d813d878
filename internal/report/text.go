package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"

	"github.com/unbound-force/winnow/internal/mutants"
)

// maxListedFailures bounds the dropped tests listed per program.
const maxListedFailures = 10

// maxErrorText bounds the display width of one failure message.
const maxErrorText = 56

// WriteText writes program reports as human-readable styled text
// to the writer. Output uses lipgloss for color and formatting when
// the output is a TTY; degrades gracefully for pipes and CI.
func WriteText(w io.Writer, programs []ProgramReport) error {
	s := DefaultStyles()

	selected := 0
	for i, p := range programs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		writeOneProgram(w, p, s)
		if p.Selection != nil {
			selected += len(p.Selection.Selected)
		}
	}

	fmt.Fprintf(w, "\n%s\n",
		s.Header.Render(fmt.Sprintf(
			"%d program(s) processed, %d test(s) selected",
			len(programs), selected)))
	return nil
}

func writeOneProgram(w io.Writer, p ProgramReport, s Styles) {
	fmt.Fprintln(w, s.Header.Render(fmt.Sprintf("=== %s ===", p.Program.Name)))
	if p.Program.Source != "" {
		fmt.Fprintln(w, s.SubHeader.Render("    "+p.Program.Source))
	}

	if p.Sweep != nil {
		writeSweep(w, p.Sweep, s)
	}
	if p.Error != "" {
		fmt.Fprintf(w, "    %s %s\n", s.Fail.Render("FAILED"), p.Error)
	}

	sel := p.Selection
	if sel == nil {
		return
	}
	fmt.Fprintln(w)
	if len(sel.Steps) == 0 {
		fmt.Fprintln(w, s.Muted.Render("    No tests selected."))
		return
	}

	rows := make([][]string, 0, len(sel.Steps))
	for _, st := range sel.Steps {
		rows = append(rows, []string{
			strconv.Itoa(st.Iteration),
			strconv.Itoa(st.TestID),
			strconv.Itoa(st.Gain),
			strconv.Itoa(st.Cumulative),
			strconv.Itoa(st.Remaining),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.Border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.TableHeader
			}
			if col == 2 {
				return s.Gain
			}
			return s.TableCell
		}).
		Headers("STEP", "TEST", "GAIN", "COVERED", "REMAINING").
		Rows(rows...)

	fmt.Fprintln(w, t)

	status := s.Pass.Render("complete")
	if !sel.Complete {
		status = s.Fail.Render("incomplete")
	}
	covered := sel.Achievable
	if n := len(sel.Steps); n > 0 {
		covered = sel.Steps[n-1].Cumulative
	}
	fmt.Fprintf(w, "    %s %d of %d tests (%s), %d/%d units covered, %s\n",
		s.SummaryLabel.Render("Selected:"), len(sel.Selected), sel.Candidates,
		sel.Strategy, covered, sel.Achievable, status)
}

func writeSweep(w io.Writer, sw *SweepSummary, s Styles) {
	dropped := strconv.Itoa(len(sw.Failures))
	if len(sw.Failures) > 0 {
		dropped = s.Fail.Render(dropped)
	}
	fmt.Fprintf(w, "    %s %d attempted, %d recorded, %s dropped\n",
		s.SummaryLabel.Render("Tests:"), sw.Attempted, sw.Recorded, dropped)

	for i, f := range sw.Failures {
		if i == maxListedFailures {
			fmt.Fprintln(w, s.Muted.Render(fmt.Sprintf(
				"      ... and %d more", len(sw.Failures)-maxListedFailures)))
			break
		}
		msg := runewidth.Truncate(f.Error, maxErrorText, "...")
		fmt.Fprintf(w, "      %s %-9s %s\n",
			s.Muted.Render(fmt.Sprintf("#%-5d", f.TestID)), f.Kind, msg)
	}
}

// WriteMutantsText lists discovered variants as a styled table.
func WriteMutantsText(w io.Writer, root string, variants []mutants.Variant) error {
	s := DefaultStyles()

	fmt.Fprintln(w, s.Header.Render(fmt.Sprintf("=== %s ===", root)))
	if len(variants) == 0 {
		fmt.Fprintln(w, s.Muted.Render("    No mutant variants found."))
		return nil
	}

	rows := make([][]string, 0, len(variants))
	missing := 0
	for _, v := range variants {
		src := "yes"
		if !v.HasSource {
			src = "no"
			missing++
		}
		rows = append(rows, []string{v.Name, src, v.Dir})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.Border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.TableHeader
			}
			if col == 1 && row >= 0 && row < len(rows) && rows[row][1] == "no" {
				return s.Fail
			}
			return s.TableCell
		}).
		Headers("VARIANT", "SOURCE", "DIR").
		Rows(rows...)

	fmt.Fprintln(w, t)
	fmt.Fprintf(w, "\n%s\n", s.Header.Render(fmt.Sprintf(
		"%d variant(s), %d without source", len(variants), missing)))
	return nil
}
