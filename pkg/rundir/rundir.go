// Package rundir manages per-run directories on disk.
package rundir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/goflume/pkg/value"
)

// ManifestName is the file every run directory carries once the run
// completes. The output indexer always publishes it.
const ManifestName = "outputs.json"

// Manifest is the content of outputs.json. Output paths are relative to the
// run directory so the directory can be moved as a unit.
type Manifest struct {
	RunID       string         `json:"run_id"`
	Name        string         `json:"name"`
	Target      string         `json:"target"`
	Outputs     map[string]any `json:"outputs"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Layout resolves run directories under a root.
//
// Directory layout:
//
//	<root>/<run_id>/work/          task workspace
//	<root>/<run_id>/work/inputs/   localized remote inputs
//	<root>/<run_id>/outputs.json
type Layout struct {
	root string
}

func New(root string) *Layout {
	return &Layout{root: strings.TrimSpace(root)}
}

func (l *Layout) Root() string { return l.root }

func (l *Layout) RunDir(runID string) string {
	return filepath.Join(l.root, runID)
}

func (l *Layout) WorkDir(runID string) string {
	return filepath.Join(l.RunDir(runID), "work")
}

func (l *Layout) InputsDir(runID string) string {
	return filepath.Join(l.WorkDir(runID), "inputs")
}

func (l *Layout) ManifestPath(runID string) string {
	return filepath.Join(l.RunDir(runID), ManifestName)
}

// Create makes the run and work directories for runID.
func (l *Layout) Create(runID string) (string, error) {
	if l.root == "" {
		return "", errors.New("runs root dir is empty")
	}
	if strings.TrimSpace(runID) == "" {
		return "", errors.New("run id is required")
	}
	// #nosec G301 -- run directories are shared with task processes
	if err := os.MkdirAll(l.WorkDir(runID), 0755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return l.RunDir(runID), nil
}

// WriteManifest atomically writes outputs.json for m.RunID.
func (l *Layout) WriteManifest(m *Manifest) error {
	if m == nil {
		return errors.New("manifest is nil")
	}
	runDir := l.RunDir(m.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, ManifestName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, l.ManifestPath(m.RunID)); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// ReadManifest loads outputs.json for runID.
func (l *Layout) ReadManifest(runID string) (*Manifest, error) {
	b, err := os.ReadFile(l.ManifestPath(runID))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, fmt.Errorf("%s is empty", ManifestName)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	return &m, nil
}

// Resolve returns outputs with every relative File/Directory path joined to
// runDir.
func Resolve(runDir string, outputs value.Object) value.Object {
	return outputs.Map(func(v value.Value) value.Value {
		if !filepath.IsAbs(v.Str) {
			v.Str = filepath.Join(runDir, filepath.FromSlash(v.Str))
		}
		return v
	})
}
