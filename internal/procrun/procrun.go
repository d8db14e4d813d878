// Package procrun runs external commands with captured output and a
// bounded run time. Everything winnow launches (the compiler, the
// instrumented program and the coverage report generator) goes through
// the Runner interface so that the pipeline can be exercised with fakes.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrTimeout is returned when a command exceeds its Timeout and is killed.
var ErrTimeout = errors.New("command timed out")

// ErrSignaled is returned when a command is terminated by a signal
// (for example a segmentation fault in the program under test).
var ErrSignaled = errors.New("command terminated by signal")

// waitDelay bounds how long Run waits for output pipes to drain after
// the process has been killed.
const waitDelay = 2 * time.Second

// Command describes one external process invocation.
type Command struct {
	// Name is the executable name or path.
	Name string

	// Args are passed verbatim, without shell interpretation.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Stdin is the path of a file fed to the process on standard
	// input. Empty means no input.
	Stdin string

	// Timeout bounds the run time. Zero disables the watchdog.
	Timeout time.Duration
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	s := strings.Join(parts, " ")
	if c.Stdin != "" {
		s += " < " + c.Stdin
	}
	return s
}

// Result holds the outcome of a command that ran to completion.
type Result struct {
	// ExitCode is the process exit status. A non-zero value is not
	// an error by itself; callers decide what it means.
	ExitCode int

	// Stdout and Stderr are the captured output streams.
	Stdout []byte
	Stderr []byte
}

// Output returns stdout followed by stderr, for diagnostics.
func (r Result) Output() string {
	return string(r.Stdout) + string(r.Stderr)
}

// Runner executes commands. Implementations return a non-nil error
// only when the command could not be started, timed out, was killed
// by a signal, or the context was cancelled. A normal exit with a
// non-zero status is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec is the Runner backed by os/exec.
type Exec struct{}

// Run implements Runner.
func (Exec) Run(ctx context.Context, c Command) (Result, error) {
	parent := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if c.Stdin != "" {
		f, err := os.Open(c.Stdin)
		if err != nil {
			return Result{}, fmt.Errorf("opening stdin for %s: %w", c.Name, err)
		}
		defer f.Close()
		cmd.Stdin = f
	}

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	// The parent context wins over our own watchdog so that a user
	// interrupt is not misreported as a per-test timeout.
	if perr := parent.Err(); perr != nil {
		return res, perr
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, fmt.Errorf("%q: %w after %s", c.String(), ErrTimeout, c.Timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == -1 {
			return res, fmt.Errorf("%q: %w: %v", c.String(), ErrSignaled, err)
		}
		return res, nil
	}

	res.ExitCode = -1
	return res, fmt.Errorf("starting %q: %w", c.String(), err)
}
