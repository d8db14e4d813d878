package sweep

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxCorpusLine bounds a single corpus line.
const maxCorpusLine = 1024 * 1024

// Test is one corpus entry.
type Test struct {
	// ID is the zero-based position of the entry in the corpus.
	ID int

	// Args are the program arguments, split on whitespace.
	Args []string

	// Stdin is the file fed to the program, or empty.
	Stdin string

	// Line is the corpus line as written.
	Line string
}

// ReadCorpus reads a corpus file. Relative stdin redirects resolve
// against the file's directory.
func ReadCorpus(path string) ([]Test, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	defer f.Close()
	return ParseCorpus(f, filepath.Dir(path))
}

// ParseCorpus reads one test per line. Every line is a test, blank
// ones included, so a test's id is always its line index. Arguments
// are passed verbatim, except that a standalone "<" token followed by
// a final path becomes the stdin redirect, resolved against dir when
// relative. Tokens such as "<tag>" or "<in" are ordinary arguments.
func ParseCorpus(r io.Reader, dir string) ([]Test, error) {
	var tests []Test
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxCorpusLine)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		t := Test{ID: len(tests), Line: line}

		args := strings.Fields(line)
		switch n := len(args); {
		case n >= 2 && args[n-2] == "<":
			t.Stdin = args[n-1]
			args = args[:n-2]
		case n >= 1 && args[n-1] == "<":
			return nil, fmt.Errorf("corpus line %d: redirect without a file", t.ID+1)
		}
		if t.Stdin != "" && !filepath.IsAbs(t.Stdin) {
			t.Stdin = filepath.Join(dir, t.Stdin)
		}
		t.Args = args
		tests = append(tests, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading corpus: %w", err)
	}
	return tests, nil
}
