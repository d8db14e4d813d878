package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/unbound-force/winnow/internal/build"
	"github.com/unbound-force/winnow/internal/procrun"
	"github.com/unbound-force/winnow/internal/report"
	"github.com/unbound-force/winnow/internal/selection"
)

// fakeToolchain plays gcc, the instrumented program and gcov. A test's
// first argument lists the source lines it covers, comma-separated.
type fakeToolchain struct {
	failBuild  bool
	last       []string
	runs       int
	reportArgs []string
}

func (f *fakeToolchain) Run(_ context.Context, c procrun.Command) (procrun.Result, error) {
	switch {
	case c.Name == "gcc":
		if f.failBuild {
			return procrun.Result{ExitCode: 1, Stderr: []byte("tcas.c:1: syntax error")}, nil
		}
		for i, a := range c.Args {
			if a == "-o" {
				return procrun.Result{}, os.WriteFile(c.Args[i+1], []byte("ELF"), 0o755)
			}
		}
		return procrun.Result{ExitCode: 1}, nil
	case c.Name == "gcov":
		f.reportArgs = c.Args
		return procrun.Result{}, f.writeReport(c)
	default:
		f.runs++
		f.last = c.Args
		return procrun.Result{}, os.WriteFile(filepath.Join(c.Dir, "out.gcda"), nil, 0o644)
	}
}

func (f *fakeToolchain) writeReport(c procrun.Command) error {
	covered := map[string]bool{}
	if len(f.last) > 0 {
		for _, l := range strings.Split(f.last[0], ",") {
			covered[l] = true
		}
	}
	var b strings.Builder
	b.WriteString("        -:    0:Source:tcas.c\n")
	for l := 1; l <= 5; l++ {
		mark := "#####"
		if covered[fmt.Sprint(l)] {
			mark = "1"
		}
		fmt.Fprintf(&b, "%9s:%5d:line %d\n", mark, l, l)
	}
	source := c.Args[len(c.Args)-1]
	return os.WriteFile(filepath.Join(c.Dir, filepath.Base(source)+".gcov"), []byte(b.String()), 0o644)
}

// makeProgram creates <root>/<name>/<name>.c and its corpus.
func makeProgram(t *testing.T, root, name string, corpus ...string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".c"), []byte("int main(void) { return 0; }\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	body := strings.Join(corpus, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "universe.txt"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func clearWinnowEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"WINNOW_CC", "WINNOW_GCOV", "WINNOW_TIMEOUT", "WINNOW_MAX_TESTS"} {
		t.Setenv(k, "")
	}
}

func baseRunParams(dir string, stdout, stderr *bytes.Buffer) runParams {
	return runParams{
		programDir: dir,
		sel:        selectionFlags{limit: -1},
		maxTests:   -1,
		format:     "json",
		runner:     &fakeToolchain{},
		stdout:     stdout,
		stderr:     stderr,
	}
}

func decodeReport(t *testing.T, b []byte) report.JSONReport {
	t.Helper()
	var rpt report.JSONReport
	if err := json.Unmarshal(b, &rpt); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, b)
	}
	return rpt
}

// ---------------------------------------------------------------------------
// runRun tests
// ---------------------------------------------------------------------------

func TestRunRun_InvalidFormat(t *testing.T) {
	err := runRun(runParams{
		programDir: "tcas",
		format:     "yaml",
		stdout:     &bytes.Buffer{},
		stderr:     &bytes.Buffer{},
	})
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
	if !strings.Contains(err.Error(), `invalid format "yaml"`) {
		t.Errorf("unexpected error message: %s", err)
	}
}

func TestRunRun_NeedsExactlyOneTarget(t *testing.T) {
	for _, p := range []runParams{
		{format: "text"},
		{format: "text", programDir: "tcas", manifest: "m.txt"},
	} {
		if err := runRun(p); err == nil {
			t.Errorf("expected error for %+v", p)
		}
	}
}

func TestRunRun_JSONEndToEnd(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1,2,3", "3,4", "5", "1")
	var stdout, stderr bytes.Buffer

	if err := runRun(baseRunParams(dir, &stdout, &stderr)); err != nil {
		t.Fatalf("runRun() error: %v", err)
	}

	rpt := decodeReport(t, stdout.Bytes())
	if len(rpt.Programs) != 1 {
		t.Fatalf("expected 1 program, got %d", len(rpt.Programs))
	}
	prog := rpt.Programs[0]
	if prog.Program.Name != "tcas" {
		t.Errorf("program name = %q", prog.Program.Name)
	}
	if prog.Sweep == nil || prog.Sweep.Attempted != 4 || prog.Sweep.Recorded != 4 {
		t.Errorf("sweep = %+v", prog.Sweep)
	}
	if prog.Selection == nil || !reflect.DeepEqual(prog.Selection.Selected, []int{0, 1, 2}) {
		t.Fatalf("selection = %+v", prog.Selection)
	}
	if !prog.Selection.Complete || prog.Selection.Achievable != 5 {
		t.Errorf("selection not complete: %+v", prog.Selection)
	}
	if !strings.Contains(stderr.String(), "4 test(s) attempted, 4 yielded records") {
		t.Errorf("stderr summary missing, got %q", stderr.String())
	}

	// Run state is cleaned up; the executable stays.
	if left, _ := filepath.Glob(filepath.Join(dir, "*.gcda")); len(left) != 0 {
		t.Errorf("counters left behind: %v", left)
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); err != nil {
		t.Errorf("executable missing: %v", err)
	}
}

func TestRunRun_ReporterReadsBuildObject(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1")
	tc := &fakeToolchain{}
	p := baseRunParams(dir, &bytes.Buffer{}, &bytes.Buffer{})
	p.runner = tc

	if err := runRun(p); err != nil {
		t.Fatalf("runRun() error: %v", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"-b", "-c", "--object-file",
		filepath.Join(abs, "out.o"), filepath.Join(abs, "tcas.c")}
	if !reflect.DeepEqual(tc.reportArgs, want) {
		t.Errorf("gcov args = %v, want %v", tc.reportArgs, want)
	}
}

// realProgram branches on its first argument so that each corpus line
// reaches a different set of statements.
const realProgram = `int main(int argc, char **argv)
{
	int n = 0;
	if (argc > 1)
		n = argv[1][0] - '0';
	if (n > 0)
		n = n * 2;
	else
		n = -n;
	return n > 10;
}
`

func TestRunRun_RealToolchain(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real compiler run in short mode")
	}
	for _, tool := range []string{"gcc", "gcov"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "5", "", "7")
	if err := os.WriteFile(filepath.Join(dir, "tcas.c"), []byte(realProgram), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	p := baseRunParams(dir, &stdout, &stderr)
	p.runner = nil
	if err := runRun(p); err != nil {
		t.Fatalf("runRun() error: %v\nstderr: %s", err, stderr.String())
	}

	prog := decodeReport(t, stdout.Bytes()).Programs[0]
	if prog.Sweep.Recorded != 3 || len(prog.Sweep.Failures) != 0 {
		t.Fatalf("sweep = %+v", prog.Sweep)
	}
	// Tests 0 and 2 cover the same lines, so the lower id wins and
	// test 2 adds nothing; test 1 alone reaches the else arm.
	if !reflect.DeepEqual(prog.Selection.Selected, []int{0, 1}) {
		t.Errorf("selected = %v, want [0 1]", prog.Selection.Selected)
	}
	if !prog.Selection.Complete {
		t.Errorf("selection incomplete: %+v", prog.Selection)
	}
	if left, _ := filepath.Glob(filepath.Join(dir, "*.gcda")); len(left) != 0 {
		t.Errorf("counters left behind: %v", left)
	}
}

func TestRunRun_TextFormat(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1,2", "3")
	var stdout, stderr bytes.Buffer
	p := baseRunParams(dir, &stdout, &stderr)
	p.format = "text"

	if err := runRun(p); err != nil {
		t.Fatalf("runRun() error: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"=== tcas ===", "STEP", "2 test(s) selected"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunRun_BuildFailureIsFatal(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1")
	var stdout, stderr bytes.Buffer
	p := baseRunParams(dir, &stdout, &stderr)
	tc := &fakeToolchain{failBuild: true}
	p.runner = tc

	err := runRun(p)
	if !errors.Is(err, build.ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
	if tc.runs != 0 {
		t.Errorf("no test may run after a failed build, ran %d", tc.runs)
	}
	if stdout.Len() != 0 {
		t.Errorf("no report expected, got %s", stdout.String())
	}
}

func TestRunRun_NoCoverage(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "none", "none")
	var stdout, stderr bytes.Buffer

	err := runRun(baseRunParams(dir, &stdout, &stderr))
	if !errors.Is(err, selection.ErrNoCoverage) {
		t.Fatalf("expected ErrNoCoverage, got %v", err)
	}
	if !strings.Contains(err.Error(), "2 of 2 tests yielded coverage records") {
		t.Errorf("error should report attempted vs recorded: %v", err)
	}
}

func TestRunRun_FlagOverrides(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1,2,3", "3,4", "5", "1")
	var stdout, stderr bytes.Buffer
	p := baseRunParams(dir, &stdout, &stderr)
	p.sel.limit = 1
	p.maxTests = 3
	p.timeout = "2s"

	if err := runRun(p); err != nil {
		t.Fatalf("runRun() error: %v", err)
	}
	prog := decodeReport(t, stdout.Bytes()).Programs[0]
	if prog.Sweep.Attempted != 3 {
		t.Errorf("attempted = %d, want 3", prog.Sweep.Attempted)
	}
	if !reflect.DeepEqual(prog.Selection.Selected, []int{0}) || prog.Selection.Complete {
		t.Errorf("selection = %+v", prog.Selection)
	}
}

func TestRunRun_InvalidFlags(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1")

	p := baseRunParams(dir, &bytes.Buffer{}, &bytes.Buffer{})
	p.timeout = "soon"
	if err := runRun(p); err == nil || !strings.Contains(err.Error(), "--timeout") {
		t.Errorf("expected timeout error, got %v", err)
	}

	p = baseRunParams(dir, &bytes.Buffer{}, &bytes.Buffer{})
	p.sel.strategy = "greedy"
	if err := runRun(p); err == nil || !strings.Contains(err.Error(), "selection.strategy") {
		t.Errorf("expected strategy error, got %v", err)
	}
}

func TestRunRun_SaveModelThenSelect(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1,2", "1,2,3", "3,4,5", "6")
	modelPath := filepath.Join(t.TempDir(), "model.json")
	var stdout, stderr bytes.Buffer
	p := baseRunParams(dir, &stdout, &stderr)
	p.saveModel = modelPath

	if err := runRun(p); err != nil {
		t.Fatalf("runRun() error: %v", err)
	}

	var sel bytes.Buffer
	err := runSelect(selectParams{
		modelPath: modelPath,
		sel:       selectionFlags{strategy: "total", limit: -1},
		format:    "json",
		stdout:    &sel,
	})
	if err != nil {
		t.Fatalf("runSelect() error: %v", err)
	}
	prog := decodeReport(t, sel.Bytes()).Programs[0]
	if prog.Sweep != nil {
		t.Error("select output should carry no sweep")
	}
	if prog.Selection.Strategy != selection.Total {
		t.Errorf("strategy = %s", prog.Selection.Strategy)
	}
	// Tests 1 and 2 both cover three lines; test 0 adds nothing after 1.
	// Line 6 is outside the five-line report, so test 3 covers nothing.
	if !reflect.DeepEqual(prog.Selection.Selected, []int{1, 2}) {
		t.Errorf("selected = %v, want [1 2]", prog.Selection.Selected)
	}
}

func TestRunSelect_MissingModel(t *testing.T) {
	clearWinnowEnv(t)
	err := runSelect(selectParams{
		modelPath: filepath.Join(t.TempDir(), "none.json"),
		sel:       selectionFlags{limit: -1},
		format:    "text",
		stdout:    &bytes.Buffer{},
	})
	if err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestRunRun_ManifestKeepGoing(t *testing.T) {
	clearWinnowEnv(t)
	root := t.TempDir()
	makeProgram(t, root, "tcas", "1,2", "3")
	manifest := filepath.Join(root, "benchmarks.txt")
	body := "tcas~gcc tcas.c~./tcas 1~inputs~universe\nghost~gcc ghost.c~./ghost~inputs~universe\n"
	if err := os.WriteFile(manifest, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	p := baseRunParams("", &stdout, &stderr)
	p.manifest = manifest
	p.keepGoing = true
	if err := runRun(p); err != nil {
		t.Fatalf("runRun() error: %v", err)
	}
	rpt := decodeReport(t, stdout.Bytes())
	if len(rpt.Programs) != 2 {
		t.Fatalf("expected 2 programs, got %d", len(rpt.Programs))
	}
	if rpt.Programs[0].Selection == nil || rpt.Programs[0].Program.Example != "./tcas 1" {
		t.Errorf("tcas = %+v", rpt.Programs[0])
	}
	if rpt.Programs[1].Error == "" || rpt.Programs[1].Selection != nil {
		t.Errorf("ghost = %+v", rpt.Programs[1])
	}
	if !strings.Contains(stderr.String(), "2 program(s), 1 failed") {
		t.Errorf("stderr summary = %q", stderr.String())
	}

	// Without --keep-going the first failure is fatal.
	p = baseRunParams("", &bytes.Buffer{}, &bytes.Buffer{})
	p.manifest = manifest
	if err := runRun(p); err == nil {
		t.Error("expected error without --keep-going")
	}
}

func TestRunRun_ManifestRejectsSingleProgramFlags(t *testing.T) {
	p := baseRunParams("", &bytes.Buffer{}, &bytes.Buffer{})
	p.manifest = "benchmarks.txt"
	p.saveModel = "model.json"
	if err := runRun(p); err == nil {
		t.Fatal("expected error for --save-model with --manifest")
	}
}

// ---------------------------------------------------------------------------
// runMutants tests
// ---------------------------------------------------------------------------

func TestRunMutants_JSON(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1")
	for _, v := range []string{"versions.alt/v1", "versions.alt/v2", "inputs"} {
		if err := os.MkdirAll(filepath.Join(dir, v), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "versions.alt/v1/tcas.c"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	if err := runMutants(mutantsParams{programDir: dir, format: "json", stdout: &stdout}); err != nil {
		t.Fatalf("runMutants() error: %v", err)
	}
	var got report.MutantsReport
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	// "versions.alt" itself starts with the prefix.
	names := make([]string, 0, len(got.Variants))
	for _, v := range got.Variants {
		names = append(names, v.Name)
	}
	if !reflect.DeepEqual(names, []string{"versions.alt", "v1", "v2"}) {
		t.Errorf("variants = %v", names)
	}
	if !got.Variants[1].HasSource || got.Variants[2].HasSource {
		t.Errorf("source detection wrong: %+v", got.Variants)
	}
}

func TestRunMutants_PrefixFlag(t *testing.T) {
	clearWinnowEnv(t)
	dir := makeProgram(t, t.TempDir(), "tcas", "1")
	if err := os.MkdirAll(filepath.Join(dir, "mut1"), 0o755); err != nil {
		t.Fatal(err)
	}
	var stdout bytes.Buffer
	if err := runMutants(mutantsParams{programDir: dir, prefix: "mut", format: "text", stdout: &stdout}); err != nil {
		t.Fatalf("runMutants() error: %v", err)
	}
	if !strings.Contains(stdout.String(), "mut1") {
		t.Errorf("output missing mut1:\n%s", stdout.String())
	}
}

// ---------------------------------------------------------------------------
// schema and root command tests
// ---------------------------------------------------------------------------

func TestSchemaCmd_OutputsValidJSON(t *testing.T) {
	for _, args := range [][]string{{}, {"--mutants"}} {
		cmd := newSchemaCmd()
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err != nil {
			t.Fatalf("schema command failed: %v", err)
		}

		var parsed map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
			t.Errorf("schema output %v is not valid JSON: %v", args, err)
		}
	}
}

func TestSchemaCmd_ContainsSchemaFields(t *testing.T) {
	cmd := newSchemaCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	output := buf.String()
	for _, field := range []string{
		`"$schema"`, `"title"`, `"ProgramReport"`,
		`"SweepSummary"`, `"Selection"`, `"Step"`,
	} {
		if !strings.Contains(output, field) {
			t.Errorf("schema output missing %s", field)
		}
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "select", "mutants", "schema"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestRunCmd_RejectsExtraArgs(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "a", "b"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for two program directories")
	}
}
