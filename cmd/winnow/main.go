package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/unbound-force/winnow/internal/build"
	"github.com/unbound-force/winnow/internal/config"
	"github.com/unbound-force/winnow/internal/coverage"
	"github.com/unbound-force/winnow/internal/mutants"
	"github.com/unbound-force/winnow/internal/procrun"
	"github.com/unbound-force/winnow/internal/report"
	"github.com/unbound-force/winnow/internal/selection"
	"github.com/unbound-force/winnow/internal/suite"
	"github.com/unbound-force/winnow/internal/sweep"
)

// logger is the application-wide structured logger (writes to stderr).
var logger = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
	ReportTimestamp: false,
})

// Set by build flags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "winnow",
		Short: "Winnow: coverage-driven test-suite reduction",
		Long: `Winnow compiles a C program with gcov instrumentation, runs every
test in its corpus, records the statements and branches each test
covers, and selects a small subset of tests that keeps the coverage
of the whole corpus.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetLevel(charmlog.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log every test execution")

	root.AddCommand(newRunCmd())
	root.AddCommand(newSelectCmd())
	root.AddCommand(newMutantsCmd())
	root.AddCommand(newSchemaCmd())
	return root
}

// validateFormat checks an output format flag.
func validateFormat(format string) error {
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid format %q: must be 'text' or 'json'", format)
	}
	return nil
}

// selectionFlags are the selection overrides shared by run and select.
// Unset values keep the configured defaults.
type selectionFlags struct {
	strategy string
	metric   string
	limit    int
	seed     uint64
	seedSet  bool
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.strategy, "strategy", "",
		"selection strategy: additional, total, or random (default from config: additional)")
	cmd.Flags().StringVar(&f.metric, "metric", "",
		"coverage metric: statements, branches, or all (default from config: statements)")
	cmd.Flags().IntVar(&f.limit, "limit", -1,
		"maximum number of tests to select (0 = no limit)")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0,
		"seed for the random strategy")
}

func (f *selectionFlags) apply(cfg *config.WinnowConfig) {
	if f.strategy != "" {
		cfg.Selection.Strategy = f.strategy
	}
	if f.metric != "" {
		cfg.Selection.Metric = f.metric
	}
	if f.limit >= 0 {
		cfg.Selection.Limit = f.limit
	}
	if f.seedSet {
		cfg.Selection.Seed = f.seed
	}
}

// loadConfig reads the config file and layers flag overrides on top.
func loadConfig(path string, apply func(*config.WinnowConfig)) (*config.WinnowConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// runParams holds the parsed flags for the run command.
type runParams struct {
	ctx        context.Context
	programDir string
	manifest   string
	root       string
	configPath string
	source     string
	corpus     string
	sel        selectionFlags
	maxTests   int
	timeout    string
	saveModel  string
	format     string
	keepGoing  bool
	runner     procrun.Runner
	stdout     io.Writer
	stderr     io.Writer
}

// runRun is the extracted, testable body of the run command.
func runRun(p runParams) error {
	if err := validateFormat(p.format); err != nil {
		return err
	}
	if (p.programDir == "") == (p.manifest == "") {
		return errors.New("specify exactly one of a program directory or --manifest")
	}
	if p.manifest != "" && (p.saveModel != "" || p.source != "") {
		return errors.New("--save-model and --source apply to a single program, not --manifest")
	}
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if p.runner == nil {
		p.runner = procrun.Exec{}
	}

	var timeout time.Duration
	if p.timeout != "" {
		d, err := time.ParseDuration(p.timeout)
		if err != nil {
			return fmt.Errorf("invalid --timeout %q: %w", p.timeout, err)
		}
		timeout = d
	}

	cfg, err := loadConfig(p.configPath, func(cfg *config.WinnowConfig) {
		p.sel.apply(cfg)
		if p.maxTests >= 0 {
			cfg.Sweep.MaxTests = p.maxTests
		}
		if p.corpus != "" {
			cfg.Sweep.Corpus = p.corpus
		}
		if p.timeout != "" {
			cfg.Sweep.Timeout = timeout
		}
	})
	if err != nil {
		return err
	}

	var programs []suite.Program
	if p.manifest != "" {
		root := p.root
		if root == "" {
			root = filepath.Dir(p.manifest)
		}
		programs, err = suite.LoadManifest(p.manifest, root, cfg.Sweep.Corpus)
		if err != nil {
			return err
		}
		if len(programs) == 0 {
			return fmt.Errorf("manifest %s lists no programs", p.manifest)
		}
	} else {
		prog := suite.FromDir(p.programDir, cfg.Sweep.Corpus)
		if p.source != "" {
			prog.Source = p.source
		}
		programs = []suite.Program{prog}
	}

	reports := make([]report.ProgramReport, 0, len(programs))
	for _, prog := range programs {
		rep, err := processProgram(p, cfg, prog)
		if err != nil {
			if p.ctx.Err() != nil || !p.keepGoing || p.manifest == "" {
				return err
			}
			logger.Error("program failed", "program", prog.Name, "err", err)
			rep.Error = err.Error()
		}
		reports = append(reports, rep)
	}

	if err := writeRunReport(p.stdout, p.format, reports); err != nil {
		return err
	}
	printSummary(p.stderr, reports)
	return nil
}

// printSummary prints a one-line run summary to stderr.
func printSummary(w io.Writer, reports []report.ProgramReport) {
	var attempted, recorded, failed int
	for _, r := range reports {
		if r.Sweep != nil {
			attempted += r.Sweep.Attempted
			recorded += r.Sweep.Recorded
		}
		if r.Error != "" {
			failed++
		}
	}
	fmt.Fprintf(w, "winnow: %d program(s), %d failed; %d test(s) attempted, %d yielded records\n",
		len(reports), failed, attempted, recorded)
}

// processProgram builds, sweeps and selects one program. The returned
// report carries whatever stages completed, even on error.
func processProgram(p runParams, cfg *config.WinnowConfig, prog suite.Program) (report.ProgramReport, error) {
	rep := report.ProgramReport{Program: prog}
	prog, err := absolute(prog)
	if err != nil {
		return rep, err
	}
	rep.Program = prog
	if err := prog.Validate(); err != nil {
		return rep, err
	}

	exe := filepath.Join(prog.Dir, cfg.Build.Output)
	builder := &build.Builder{
		Runner:   p.runner,
		Compiler: cfg.Build.Compiler,
		Flags:    cfg.Build.Flags,
		Logger:   logger,
	}
	if err := builder.Compile(p.ctx, prog.Source, exe); err != nil {
		return rep, err
	}

	tests, err := sweep.ReadCorpus(prog.Corpus)
	if err != nil {
		return rep, err
	}
	logger.Info("running corpus", "program", prog.Name, "tests", len(tests))

	runner := &sweep.Runner{
		Proc:          p.runner,
		ReportCommand: cfg.Report.Command,
		ReportArgs:    cfg.ReportArgs(exe, build.ObjectPath(exe), prog.Source),
		Timeout:       cfg.Sweep.Timeout,
		Artifacts:     cfg.Sweep.Artifacts,
		MaxTests:      cfg.Sweep.MaxTests,
		Logger:        logger,
	}
	model, stats, err := runner.Run(p.ctx, tests, exe, prog.Source, prog.Dir)
	rep.Sweep = report.Summarize(stats)
	if err != nil {
		return rep, err
	}
	logger.Info("coverage collected", "program", prog.Name,
		"attempted", stats.Attempted, "recorded", stats.Recorded)

	if p.saveModel != "" {
		if err := saveModel(p.saveModel, model); err != nil {
			return rep, err
		}
		logger.Info("model saved", "path", p.saveModel)
	}

	res, err := selection.Select(model, cfg.SelectionOptions())
	if err != nil {
		if errors.Is(err, selection.ErrNoCoverage) {
			return rep, fmt.Errorf("%s: %w: %d of %d tests yielded coverage records",
				prog.Name, err, stats.Recorded, stats.Attempted)
		}
		return rep, err
	}
	rep.Selection = res
	logger.Info("selection complete", "program", prog.Name,
		"selected", len(res.Selected), "candidates", res.Candidates)
	return rep, nil
}

// absolute resolves the program's paths, since the program under test
// runs with its directory as the working directory.
func absolute(prog suite.Program) (suite.Program, error) {
	for _, path := range []*string{&prog.Dir, &prog.Source, &prog.Corpus} {
		abs, err := filepath.Abs(*path)
		if err != nil {
			return prog, fmt.Errorf("resolving %s: %w", *path, err)
		}
		*path = abs
	}
	return prog, nil
}

func saveModel(path string, m *coverage.Model) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	if err := m.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("saving model: %w", err)
	}
	return f.Close()
}

// writeRunReport outputs program reports in the requested format.
func writeRunReport(w io.Writer, format string, reports []report.ProgramReport) error {
	switch format {
	case "json":
		return report.WriteJSON(w, report.NewRunID(), reports)
	default:
		return report.WriteText(w, reports)
	}
}

func newRunCmd() *cobra.Command {
	var p runParams

	cmd := &cobra.Command{
		Use:   "run [program-dir]",
		Short: "Build, sweep and reduce a program's test corpus",
		Long: `Compile <program-dir>/<name>.c with coverage instrumentation, run
every test in its corpus file, and select a reduced test set that
keeps the corpus coverage. With --manifest, every program listed in
a benchmark manifest is processed in turn.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				p.programDir = args[0]
			}
			p.sel.seedSet = cmd.Flags().Changed("seed")
			p.ctx = cmd.Context()
			p.stdout = cmd.OutOrStdout()
			p.stderr = cmd.ErrOrStderr()
			return runRun(p)
		},
	}

	p.sel.register(cmd)
	cmd.Flags().StringVar(&p.manifest, "manifest", "",
		"benchmark manifest (name~compile~example~dir~tests per line)")
	cmd.Flags().StringVar(&p.root, "root", "",
		"directory holding the manifest's programs (default: the manifest's directory)")
	cmd.Flags().StringVar(&p.configPath, "config", "",
		"path to config file (default: .winnow.yaml in the current directory)")
	cmd.Flags().StringVar(&p.source, "source", "",
		"program source file (default: <program-dir>/<name>.c)")
	cmd.Flags().StringVar(&p.corpus, "corpus", "",
		"corpus file name inside the program directory (default from config: universe.txt)")
	cmd.Flags().IntVar(&p.maxTests, "max-tests", -1,
		"run at most this many corpus tests (0 = all)")
	cmd.Flags().StringVar(&p.timeout, "timeout", "",
		"per-test timeout, e.g. 10s (default from config)")
	cmd.Flags().StringVar(&p.saveModel, "save-model", "",
		"write the coverage model to this JSON file")
	cmd.Flags().StringVar(&p.format, "format", "text",
		"output format: text or json")
	cmd.Flags().BoolVar(&p.keepGoing, "keep-going", false,
		"with --manifest, continue past programs that fail")

	return cmd
}

// selectParams holds the parsed flags for the select command.
type selectParams struct {
	modelPath  string
	configPath string
	sel        selectionFlags
	format     string
	stdout     io.Writer
}

// runSelect is the extracted, testable body of the select command.
func runSelect(p selectParams) error {
	if err := validateFormat(p.format); err != nil {
		return err
	}
	cfg, err := loadConfig(p.configPath, p.sel.apply)
	if err != nil {
		return err
	}

	f, err := os.Open(p.modelPath)
	if err != nil {
		return fmt.Errorf("opening model: %w", err)
	}
	defer f.Close()
	model, err := coverage.ReadJSON(f)
	if err != nil {
		return fmt.Errorf("reading model %s: %w", p.modelPath, err)
	}
	logger.Info("model loaded", "path", p.modelPath, "records", model.Len())

	res, err := selection.Select(model, cfg.SelectionOptions())
	if err != nil {
		return fmt.Errorf("%s: %w", p.modelPath, err)
	}

	name := filepath.Base(p.modelPath)
	rep := report.ProgramReport{
		Program:   suite.Program{Name: name, Source: p.modelPath},
		Selection: res,
	}
	return writeRunReport(p.stdout, p.format, []report.ProgramReport{rep})
}

func newSelectCmd() *cobra.Command {
	var p selectParams

	cmd := &cobra.Command{
		Use:   "select <model.json>",
		Short: "Select a reduced test set from a saved coverage model",
		Long: `Re-run test selection on a coverage model written by
"winnow run --save-model", without rebuilding or re-running tests.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.modelPath = args[0]
			p.sel.seedSet = cmd.Flags().Changed("seed")
			p.stdout = cmd.OutOrStdout()
			return runSelect(p)
		},
	}

	p.sel.register(cmd)
	cmd.Flags().StringVar(&p.configPath, "config", "",
		"path to config file (default: .winnow.yaml in the current directory)")
	cmd.Flags().StringVar(&p.format, "format", "text",
		"output format: text or json")

	return cmd
}

// mutantsParams holds the parsed flags for the mutants command.
type mutantsParams struct {
	programDir string
	configPath string
	prefix     string
	format     string
	stdout     io.Writer
}

// runMutants is the extracted, testable body of the mutants command.
func runMutants(p mutantsParams) error {
	if err := validateFormat(p.format); err != nil {
		return err
	}
	cfg, err := loadConfig(p.configPath, func(cfg *config.WinnowConfig) {
		if p.prefix != "" {
			cfg.Mutants.Prefix = p.prefix
		}
	})
	if err != nil {
		return err
	}

	prog := suite.FromDir(p.programDir, cfg.Sweep.Corpus)
	variants, err := mutants.Variants(prog.Dir, cfg.Mutants.Prefix, filepath.Base(prog.Source))
	if err != nil {
		return err
	}
	logger.Info("mutants located", "program", prog.Name, "variants", len(variants))

	if p.format == "json" {
		return report.WriteMutantsJSON(p.stdout, prog.Dir, variants)
	}
	return report.WriteMutantsText(p.stdout, prog.Dir, variants)
}

func newMutantsCmd() *cobra.Command {
	var p mutantsParams

	cmd := &cobra.Command{
		Use:   "mutants <program-dir>",
		Short: "List the mutant variants of a program",
		Long: `Walk <program-dir> and list every directory whose name starts
with the mutant prefix (default "v"), with whether it holds a copy
of the program source.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.programDir = args[0]
			p.stdout = cmd.OutOrStdout()
			return runMutants(p)
		},
	}

	cmd.Flags().StringVar(&p.configPath, "config", "",
		"path to config file (default: .winnow.yaml in the current directory)")
	cmd.Flags().StringVar(&p.prefix, "prefix", "",
		"mutant directory prefix (default from config: v)")
	cmd.Flags().StringVar(&p.format, "format", "text",
		"output format: text or json")

	return cmd
}

func newSchemaCmd() *cobra.Command {
	var mutantsSchema bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for winnow output",
		Long: `Print the JSON Schema (Draft 2020-12) that documents the
structure of winnow run --format=json output. With --mutants, print
the schema of winnow mutants --format=json instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema := report.Schema
			if mutantsSchema {
				schema = report.MutantsSchema
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), schema)
			return err
		},
	}
	cmd.Flags().BoolVar(&mutantsSchema, "mutants", false,
		"print the mutant listing schema")
	return cmd
}
