// Package build compiles a program under test with coverage
// instrumentation.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"github.com/mattn/go-runewidth"

	"github.com/unbound-force/winnow/internal/procrun"
)

// ErrBuildFailed is returned when the instrumented executable could not
// be produced. Nothing downstream can run without it.
var ErrBuildFailed = errors.New("instrumented build failed")

// maxOutput bounds the width of compiler output quoted in an error.
const maxOutput = 4096

// Builder compiles sources with a coverage-instrumenting compiler.
type Builder struct {
	Runner   procrun.Runner
	Compiler string
	Flags    []string

	// Logger receives progress messages. Nil discards them.
	Logger *charmlog.Logger
}

// ObjectPath returns the object file Compile writes for exe. The
// compiler names the notes file after it (<exe>.gcno) and the program
// writes its counters beside it (<exe>.gcda), so this is the path the
// report generator needs as its object file.
func ObjectPath(exe string) string {
	return exe + ".o"
}

// Compile builds exe from source in two steps, both run in the
// executable's directory:
//
//	<compiler> <flags...> -c <source> -o <exe>.o
//	<compiler> <flags...> -o <exe> <exe>.o
//
// Compiling to an explicit object pins the coverage notes to
// <exe>.gcno whatever the compiler's naming rules for one-step builds.
func (b *Builder) Compile(ctx context.Context, source, exe string) error {
	logger := b.Logger
	if logger == nil {
		logger = charmlog.New(io.Discard)
	}
	object := ObjectPath(exe)
	logger.Info("compiling", "source", source, "exe", exe)

	// Remove stale outputs so a silent compiler cannot pass the
	// existence checks below.
	for _, path := range []string{exe, object} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: removing stale %s: %v", ErrBuildFailed, path, err)
		}
	}

	compile := make([]string, 0, len(b.Flags)+4)
	compile = append(compile, b.Flags...)
	compile = append(compile, "-c", source, "-o", object)
	if err := b.run(ctx, logger, compile, object); err != nil {
		return err
	}

	link := make([]string, 0, len(b.Flags)+3)
	link = append(link, b.Flags...)
	link = append(link, "-o", exe, object)
	return b.run(ctx, logger, link, exe)
}

// run invokes the compiler once and checks that output exists
// afterwards.
func (b *Builder) run(ctx context.Context, logger *charmlog.Logger, args []string, output string) error {
	cmd := procrun.Command{
		Name: b.Compiler,
		Args: args,
		Dir:  filepath.Dir(output),
	}
	logger.Debug("compiler command", "cmd", cmd.String())

	res, err := b.Runner.Run(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited with status %d:\n%s",
			ErrBuildFailed, b.Compiler, res.ExitCode, truncate(res.Output()))
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("%w: %s produced no %s: %v", ErrBuildFailed, b.Compiler, filepath.Base(output), err)
	}
	return nil
}

func truncate(s string) string {
	return runewidth.Truncate(strings.TrimSpace(s), maxOutput, "\n...")
}
