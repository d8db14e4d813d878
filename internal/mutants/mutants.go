// Package mutants discovers the mutant variants stored beneath a
// program's directory. Each variant is a directory whose name starts
// with a sentinel prefix and which holds its own compilable copy of the
// program source.
package mutants

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/unbound-force/winnow/internal/coverage"
)

// DefaultPrefix is the leaf-name prefix that marks a mutant directory.
const DefaultPrefix = "v"

// Variant is one mutant of a program.
type Variant struct {
	// Name is the leaf directory name (e.g. "v12").
	Name string `json:"name"`

	// Dir is the variant directory.
	Dir string `json:"dir"`

	// Source is the path of the variant's program source. It may not
	// exist; HasSource reports whether it does.
	Source string `json:"source"`

	// HasSource reports whether Source exists.
	HasSource bool `json:"has_source"`
}

// Locate walks root and returns every directory below it whose leaf
// name starts with prefix. The root itself is never a variant. Hidden
// directories are skipped. Results follow the lexical walk order, so
// repeated calls over an unchanged tree return the same slice.
func Locate(root, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, errors.New("mutant prefix must not be empty")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("mutant root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mutant root %q is not a directory", root)
	}

	var dirs []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() || path == root {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if strings.HasPrefix(name, prefix) {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return dirs, nil
}

// Variants locates the mutants under root and resolves the expected
// source file (sourceName, e.g. "tcas.c") inside each.
func Variants(root, prefix, sourceName string) ([]Variant, error) {
	dirs, err := Locate(root, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Variant, 0, len(dirs))
	for _, dir := range dirs {
		src := filepath.Join(dir, sourceName)
		_, statErr := os.Stat(src)
		out = append(out, Variant{
			Name:      filepath.Base(dir),
			Dir:       dir,
			Source:    src,
			HasSource: statErr == nil,
		})
	}
	return out, nil
}

// Scorer measures how well a selected test set detects a mutant by
// comparing the mutant's behaviour with the original program's coverage
// model. No implementation is provided: the scoring rule for comparing
// random, total and additional selections is an open extension point.
type Scorer interface {
	Score(ctx context.Context, v Variant, original *coverage.Model, selected []int) (detected bool, err error)
}
