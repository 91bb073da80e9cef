package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/goflume/pkg/value"
	"github.com/3leaps/goflume/pkg/workflow"
)

// maxPrimitiveOutput bounds files read as String/Int/Float/Boolean outputs.
const maxPrimitiveOutput = 1024 * 1024

// collectOutputs resolves task's declared outputs after it completed.
// Globs are matched against workDir; returned paths are relative to runDir.
func collectOutputs(task workflow.Task, runDir, workDir string) (value.Object, error) {
	names := make([]string, 0, len(task.Outputs))
	for name := range task.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(value.Object, len(names))
	for _, name := range names {
		decl := task.Outputs[name]
		v, err := collectOne(decl, runDir, workDir)
		if err != nil {
			return nil, &OutputError{Task: task.Name, Output: name, Err: err}
		}
		out[name] = v
	}
	return out, nil
}

func collectOne(decl workflow.Output, runDir, workDir string) (value.Value, error) {
	typ, err := workflow.ParseType(decl.Type)
	if err != nil {
		return value.Value{}, err
	}
	matches, err := glob(workDir, decl.Glob)
	if err != nil {
		return value.Value{}, err
	}

	if typ.Kind == value.KindArray {
		items := make([]value.Value, 0, len(matches))
		for _, m := range matches {
			item, err := resolveMatch(*typ.Elem, m, runDir, workDir)
			if err != nil {
				return value.Value{}, err
			}
			items = append(items, item)
		}
		return value.Array(items...), nil
	}

	switch len(matches) {
	case 0:
		return value.Value{}, fmt.Errorf("glob %q matched nothing", decl.Glob)
	case 1:
		return resolveMatch(typ, matches[0], runDir, workDir)
	default:
		return value.Value{}, fmt.Errorf("glob %q matched %d paths; declare an Array type to collect several", decl.Glob, len(matches))
	}
}

func glob(workDir, pattern string) ([]string, error) {
	pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(workDir), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// resolveMatch turns one slash-separated match under workDir into a value
// of type t.
func resolveMatch(t workflow.Type, match, runDir, workDir string) (value.Value, error) {
	abs := filepath.Join(workDir, filepath.FromSlash(match))
	st, err := os.Stat(abs)
	if err != nil {
		return value.Value{}, err
	}

	switch t.Kind {
	case value.KindFile, value.KindDirectory:
		if wantDir := t.Kind == value.KindDirectory; st.IsDir() != wantDir {
			return value.Value{}, fmt.Errorf("%s is not a %s", match, strings.ToLower(string(t.Kind)))
		}
		rel, err := filepath.Rel(runDir, abs)
		if err != nil {
			return value.Value{}, err
		}
		rel = filepath.ToSlash(rel)
		if t.Kind == value.KindDirectory {
			return value.Directory(rel), nil
		}
		return value.File(rel), nil
	}

	if st.IsDir() {
		return value.Value{}, fmt.Errorf("%s is a directory", match)
	}
	if st.Size() > maxPrimitiveOutput {
		return value.Value{}, fmt.Errorf("%s is too large for a %s output", match, t)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return value.Value{}, err
	}
	return workflow.Coerce(t, strings.TrimSpace(string(b)))
}
