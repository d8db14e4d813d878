// Package config loads winnow's configuration from .winnow.yaml.
//
// Values start from DefaultConfig; a config file overrides only the keys
// it sets, environment variables override the file, and the CLI applies
// its flags last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unbound-force/winnow/internal/mutants"
	"github.com/unbound-force/winnow/internal/selection"
	"github.com/unbound-force/winnow/internal/suite"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = ".winnow.yaml"

// Placeholders expanded in ReportConfig.Args.
const (
	ExePlaceholder    = "{exe}"
	ObjectPlaceholder = "{object}"
	SourcePlaceholder = "{source}"
)

// WinnowConfig is the full configuration.
type WinnowConfig struct {
	Build     BuildConfig     `yaml:"build"`
	Report    ReportConfig    `yaml:"report"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Selection SelectionConfig `yaml:"selection"`
	Mutants   MutantsConfig   `yaml:"mutants"`
}

// BuildConfig controls the instrumented compile.
type BuildConfig struct {
	Compiler string   `yaml:"compiler"`
	Flags    []string `yaml:"flags"`

	// Output is the executable name, created in the program directory.
	Output string `yaml:"output"`
}

// ReportConfig controls the coverage report generator.
type ReportConfig struct {
	Command string `yaml:"command"`

	// Args may reference {exe}, {object} and {source}. {object} is the
	// object file the build compiled, whose base names the .gcno and
	// .gcda files.
	Args []string `yaml:"args"`
}

// SweepConfig controls per-test execution.
type SweepConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// Artifacts are glob patterns, relative to the work dir, removed
	// after every test.
	Artifacts []string `yaml:"artifacts"`

	// MaxTests caps the number of corpus entries run. Zero runs all.
	MaxTests int `yaml:"max_tests"`

	// Corpus is the corpus file name inside a program directory.
	Corpus string `yaml:"corpus"`
}

// SelectionConfig holds selection defaults.
type SelectionConfig struct {
	Strategy string `yaml:"strategy"`
	Metric   string `yaml:"metric"`
	Limit    int    `yaml:"limit"`
	Seed     uint64 `yaml:"seed"`
}

// MutantsConfig controls mutant discovery.
type MutantsConfig struct {
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *WinnowConfig {
	return &WinnowConfig{
		Build: BuildConfig{
			Compiler: "gcc",
			Flags:    []string{"--coverage", "-fprofile-arcs", "-ftest-coverage", "-fPIC"},
			Output:   "out",
		},
		Report: ReportConfig{
			Command: "gcov",
			Args:    []string{"-b", "-c", "--object-file", ObjectPlaceholder, SourcePlaceholder},
		},
		Sweep: SweepConfig{
			Timeout:   10 * time.Second,
			Artifacts: []string{"*.gcda"},
			Corpus:    suite.DefaultCorpus,
		},
		Selection: SelectionConfig{
			Strategy: string(selection.Additional),
			Metric:   string(selection.Statements),
			Seed:     1,
		},
		Mutants: MutantsConfig{
			Prefix: mutants.DefaultPrefix,
		},
	}
}

// Load reads the config at path over the defaults. An empty path tries
// DefaultFile and falls back to the defaults when it does not exist; an
// explicit path must exist.
func Load(path string) (*WinnowConfig, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	loaded := false
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		loaded = true
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		if loaded {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		return nil, err
	}
	return cfg, nil
}

// applyEnvironmentOverrides lets CI pick a toolchain without a file.
func applyEnvironmentOverrides(cfg *WinnowConfig) error {
	if v := os.Getenv("WINNOW_CC"); v != "" {
		cfg.Build.Compiler = v
	}
	if v := os.Getenv("WINNOW_GCOV"); v != "" {
		cfg.Report.Command = v
	}
	if v := os.Getenv("WINNOW_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("WINNOW_TIMEOUT: %w", err)
		}
		cfg.Sweep.Timeout = d
	}
	if v := os.Getenv("WINNOW_MAX_TESTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WINNOW_MAX_TESTS: %w", err)
		}
		cfg.Sweep.MaxTests = n
	}
	return nil
}

// Validate checks the configuration for values the pipeline cannot use.
func (c *WinnowConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Build.Compiler) == "" {
		errs = append(errs, errors.New("build.compiler must not be empty"))
	}
	if strings.TrimSpace(c.Build.Output) == "" || strings.ContainsAny(c.Build.Output, `/\`) {
		errs = append(errs, fmt.Errorf("build.output %q must be a plain file name", c.Build.Output))
	}
	if strings.TrimSpace(c.Report.Command) == "" {
		errs = append(errs, errors.New("report.command must not be empty"))
	}
	if c.Sweep.Timeout < 0 {
		errs = append(errs, fmt.Errorf("sweep.timeout %s must not be negative", c.Sweep.Timeout))
	}
	if c.Sweep.MaxTests < 0 {
		errs = append(errs, fmt.Errorf("sweep.max_tests %d must not be negative", c.Sweep.MaxTests))
	}
	for _, pat := range c.Sweep.Artifacts {
		if _, err := filepath.Match(pat, ""); err != nil || strings.ContainsAny(pat, `/\`) {
			errs = append(errs, fmt.Errorf("sweep.artifacts: invalid pattern %q", pat))
		}
	}
	if c.Sweep.Corpus == "" {
		errs = append(errs, errors.New("sweep.corpus must not be empty"))
	}
	if _, err := selection.ParseStrategy(c.Selection.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("selection.strategy: %w", err))
	}
	if _, err := selection.ParseMetric(c.Selection.Metric); err != nil {
		errs = append(errs, fmt.Errorf("selection.metric: %w", err))
	}
	if c.Selection.Limit < 0 {
		errs = append(errs, fmt.Errorf("selection.limit %d must not be negative", c.Selection.Limit))
	}
	if c.Mutants.Prefix == "" {
		errs = append(errs, errors.New("mutants.prefix must not be empty"))
	}
	return errors.Join(errs...)
}

// ReportArgs expands the report argument template for one build.
func (c *WinnowConfig) ReportArgs(exe, object, source string) []string {
	r := strings.NewReplacer(
		ExePlaceholder, exe,
		ObjectPlaceholder, object,
		SourcePlaceholder, source,
	)
	args := make([]string, len(c.Report.Args))
	for i, a := range c.Report.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// SelectionOptions converts the selection section into selector
// options. The config must be valid.
func (c *WinnowConfig) SelectionOptions() selection.Options {
	m, _ := selection.ParseMetric(c.Selection.Metric)
	opts := selection.DefaultOptions().WithMetric(m)
	opts.Strategy = selection.Strategy(c.Selection.Strategy)
	opts.Limit = c.Selection.Limit
	opts.Seed = c.Selection.Seed
	return opts
}
