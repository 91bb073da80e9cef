// Package engine evaluates a workflow target against a run directory and
// reports task lifecycle events on a hub.
package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/3leaps/goflume/pkg/events"
	"github.com/3leaps/goflume/pkg/value"
	"github.com/3leaps/goflume/pkg/workflow"
)

// Request describes one evaluation.
type Request struct {
	RunID    string
	Document *workflow.Document
	Target   string

	// Inputs are bound and localized; File and Directory values are
	// absolute paths.
	Inputs value.Object

	// RunDir is the run directory; tasks execute in WorkDir beneath it.
	RunDir  string
	WorkDir string
}

// Engine runs a request. Events for every task go to hub; the caller owns
// the hub and closes it after Run returns. File and Directory values in the
// returned object are paths relative to RunDir.
type Engine interface {
	Run(ctx context.Context, req Request, hub *events.Hub) (value.Object, error)
}

// TaskError reports a task that exited unsuccessfully.
type TaskError struct {
	Task       string
	ExitStatus int
	Err        error
}

func (e *TaskError) Error() string {
	if e.ExitStatus != 0 {
		return fmt.Sprintf("task %s: exit status %d", e.Task, e.ExitStatus)
	}
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// OutputError reports a declared output that could not be collected.
type OutputError struct {
	Task   string
	Output string
	Err    error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("task %s output %s: %v", e.Task, e.Output, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

func (r Request) validate() error {
	switch {
	case r.Document == nil:
		return fmt.Errorf("engine request: document is required")
	case r.RunDir == "" || r.WorkDir == "":
		return fmt.Errorf("engine request: run and work directories are required")
	case !filepath.IsAbs(r.RunDir) || !filepath.IsAbs(r.WorkDir):
		return fmt.Errorf("engine request: run and work directories must be absolute")
	}
	return nil
}
