// Package sweep runs every corpus test against an instrumented build and
// collects one coverage record per test.
//
// Each test runs inside a run-state scope: coverage counters left by a
// previous run are removed before the program starts and again after the
// report has been read, whatever the outcome, so every record reflects
// exactly one execution.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/unbound-force/winnow/internal/coverage"
	"github.com/unbound-force/winnow/internal/gcov"
	"github.com/unbound-force/winnow/internal/procrun"
)

// FailureKind classifies why a test produced no record.
type FailureKind string

// Failure kinds.
const (
	// Execution: the program could not start, was killed by a
	// signal, or timed out.
	Execution FailureKind = "execution"

	// Report: the report generator failed or wrote no report.
	Report FailureKind = "report"

	// Malformed: the report could not be parsed.
	Malformed FailureKind = "malformed"
)

// Failure is a dropped test.
type Failure struct {
	TestID int
	Kind   FailureKind
	Err    error
}

// Stats summarizes a sweep.
type Stats struct {
	// Attempted counts tests that were started.
	Attempted int

	// Recorded counts tests that produced a record.
	Recorded int

	// Failures lists the dropped tests in corpus order.
	Failures []Failure
}

// Runner executes a corpus against an instrumented executable.
type Runner struct {
	Proc procrun.Runner

	// ReportCommand and ReportArgs invoke the coverage report
	// generator in the work dir.
	ReportCommand string
	ReportArgs    []string

	// Timeout bounds each program execution. Zero disables it.
	Timeout time.Duration

	// Artifacts are glob patterns, relative to the work dir, matching
	// the run-state files to delete around each test.
	Artifacts []string

	// MaxTests caps the number of tests run. Zero runs all.
	MaxTests int

	// Logger receives progress messages. Nil discards them.
	Logger *charmlog.Logger
}

// ReportPath returns where the report generator writes the report for
// source: <basename(source)>.gcov in the work dir.
func ReportPath(workdir, source string) string {
	return filepath.Join(workdir, filepath.Base(source)+".gcov")
}

// Run executes tests in order and returns the frozen coverage model.
// Per-test failures are recorded in Stats and do not stop the sweep.
// When ctx is cancelled the sweep stops and returns the partial model
// together with the context error.
func (r *Runner) Run(ctx context.Context, tests []Test, exe, source, workdir string) (*coverage.Model, Stats, error) {
	logger := r.Logger
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	if r.MaxTests > 0 && len(tests) > r.MaxTests {
		logger.Info("capping sweep", "tests", len(tests), "max", r.MaxTests)
		tests = tests[:r.MaxTests]
	}

	model := coverage.NewModel()
	var stats Stats
	report := ReportPath(workdir, source)

	for _, t := range tests {
		if err := ctx.Err(); err != nil {
			model.Freeze()
			return model, stats, err
		}
		stats.Attempted++

		rec, kind, err := r.runOne(ctx, logger, t, exe, workdir, report)
		if ctxErr := ctx.Err(); ctxErr != nil {
			model.Freeze()
			return model, stats, ctxErr
		}
		if err != nil {
			logger.Warn("dropping test", "id", t.ID, "kind", kind, "err", err)
			stats.Failures = append(stats.Failures, Failure{TestID: t.ID, Kind: kind, Err: err})
			continue
		}
		if err := model.Add(rec); err != nil {
			model.Freeze()
			return model, stats, fmt.Errorf("test %d: %w", t.ID, err)
		}
		stats.Recorded++
		sum := rec.Summary()
		logger.Debug("recorded test", "id", t.ID,
			"statements", sum.StatementsCovered, "branches", sum.BranchesCovered)
	}

	model.Freeze()
	logger.Info("sweep complete", "attempted", stats.Attempted, "recorded", stats.Recorded,
		"dropped", len(stats.Failures))
	return model, stats, nil
}

// runOne executes a single test inside its run-state scope.
func (r *Runner) runOne(ctx context.Context, logger *charmlog.Logger, t Test, exe, workdir, report string) (*coverage.Record, FailureKind, error) {
	release := r.acquire(logger, workdir, report)
	defer release()

	prog := procrun.Command{
		Name:    exe,
		Args:    t.Args,
		Dir:     workdir,
		Stdin:   t.Stdin,
		Timeout: r.Timeout,
	}
	logger.Debug("running test", "id", t.ID, "cmd", prog.String())
	res, err := r.Proc.Run(ctx, prog)
	if err != nil {
		return nil, Execution, err
	}
	logger.Debug("test finished", "id", t.ID, "exit", res.ExitCode,
		"stdout", strings.TrimSpace(string(res.Stdout)),
		"stderr", strings.TrimSpace(string(res.Stderr)))

	gen := procrun.Command{
		Name:    r.ReportCommand,
		Args:    r.ReportArgs,
		Dir:     workdir,
		Timeout: r.Timeout,
	}
	res, err = r.Proc.Run(ctx, gen)
	if err != nil {
		return nil, Report, err
	}
	if res.ExitCode != 0 {
		return nil, Report, fmt.Errorf("%s exited with status %d: %s",
			r.ReportCommand, res.ExitCode, strings.TrimSpace(res.Output()))
	}

	rec, err := gcov.ParseFile(report, t.ID)
	switch {
	case err == nil:
		return rec, "", nil
	case errors.Is(err, gcov.ErrMalformedReport):
		return nil, Malformed, err
	case errors.Is(err, os.ErrNotExist):
		return nil, Report, fmt.Errorf("no report produced at %s", report)
	default:
		return nil, Report, err
	}
}

// acquire clears the run state and returns the matching release.
func (r *Runner) acquire(logger *charmlog.Logger, workdir, report string) func() {
	clean := func() {
		for _, p := range r.stateFiles(logger, workdir, report) {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("removing run state", "path", p, "err", err)
			}
		}
	}
	clean()
	return clean
}

// stateFiles lists the existing run-state files and the report path.
func (r *Runner) stateFiles(logger *charmlog.Logger, workdir, report string) []string {
	files := []string{report}
	for _, pat := range r.Artifacts {
		matches, err := filepath.Glob(filepath.Join(workdir, pat))
		if err != nil {
			logger.Warn("bad artifact pattern", "pattern", pat, "err", err)
			continue
		}
		files = append(files, matches...)
	}
	return files
}
