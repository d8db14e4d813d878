// Package suite describes the benchmark programs winnow works on. A
// program lives in its own directory named after it, holding the source
// file <name>.c, a test corpus file, and optionally mutant variants.
package suite

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCorpus is the corpus file name looked up in a program directory.
const DefaultCorpus = "universe.txt"

// manifestFields is the number of '~'-separated fields per manifest line.
const manifestFields = 5

// Program is one benchmark program.
type Program struct {
	// Name is the program name; its source is <Name>.c.
	Name string `json:"name"`

	// Dir is the program directory.
	Dir string `json:"dir"`

	// Source is the program source file.
	Source string `json:"source"`

	// Corpus is the newline-delimited test corpus file.
	Corpus string `json:"corpus"`

	// Compile, Example, InputsDir and TestCases carry the descriptive
	// manifest fields: a sample compile line, a sample invocation, the
	// inputs directory and the test-case description.
	Compile   string `json:"compile,omitempty"`
	Example   string `json:"example,omitempty"`
	InputsDir string `json:"inputs_dir,omitempty"`
	TestCases string `json:"test_cases,omitempty"`
}

// FromDir describes the program rooted at dir. An empty corpus name
// means DefaultCorpus.
func FromDir(dir, corpus string) Program {
	dir = filepath.Clean(dir)
	name := filepath.Base(dir)
	if corpus == "" {
		corpus = DefaultCorpus
	}
	if !filepath.IsAbs(corpus) {
		corpus = filepath.Join(dir, corpus)
	}
	return Program{
		Name:   name,
		Dir:    dir,
		Source: filepath.Join(dir, name+".c"),
		Corpus: corpus,
	}
}

// Validate checks that the source and corpus files exist.
func (p Program) Validate() error {
	for _, f := range []struct{ what, path string }{
		{"source", p.Source},
		{"corpus", p.Corpus},
	} {
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("program %s: %s: %w", p.Name, f.what, err)
		}
		if info.IsDir() {
			return fmt.Errorf("program %s: %s %q is a directory", p.Name, f.what, f.path)
		}
	}
	return nil
}

// ParseManifest reads a benchmark manifest. Each non-blank line that
// does not start with '#' describes one program as
//
//	name~compile~example~inputs-dir~test-cases
//
// and the program directory is <root>/<name>.
func ParseManifest(r io.Reader, root, corpus string) ([]Program, error) {
	var progs []Program
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "~")
		if len(fields) < manifestFields {
			return nil, fmt.Errorf("manifest line %d: expected %d '~'-separated fields, got %d",
				n, manifestFields, len(fields))
		}
		name := strings.TrimSpace(fields[0])
		if name == "" || strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("manifest line %d: invalid program name %q", n, fields[0])
		}
		p := FromDir(filepath.Join(root, name), corpus)
		p.Compile = strings.TrimSpace(fields[1])
		p.Example = strings.TrimSpace(fields[2])
		p.InputsDir = strings.TrimSpace(fields[3])
		p.TestCases = strings.TrimSpace(fields[4])
		progs = append(progs, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return progs, nil
}

// LoadManifest parses the manifest file at path.
func LoadManifest(path, root, corpus string) ([]Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseManifest(f, root, corpus)
}
