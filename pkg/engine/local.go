package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/goflume/pkg/events"
	"github.com/3leaps/goflume/pkg/value"
	"github.com/3leaps/goflume/pkg/workflow"
)

const (
	// DefaultShell runs task commands.
	DefaultShell = "/bin/sh"

	// DefaultKillGrace is how long a canceled task's process group has to
	// exit after SIGTERM before it is sent SIGKILL and its pipes are closed.
	DefaultKillGrace = 5 * time.Second

	maxLogLine = 1024 * 1024
)

// LocalOptions configures a Local engine.
type LocalOptions struct {
	Logger *zap.Logger

	// Shell defaults to DefaultShell.
	Shell string

	// Env is the base environment for tasks; nil inherits the process
	// environment.
	Env []string

	KillGrace time.Duration
}

// Local runs each task as a shell process in the run's work directory.
// Tasks run sequentially in plan order; task ids are 1-based plan
// positions.
type Local struct {
	logger    *zap.Logger
	shell     string
	env       []string
	killGrace time.Duration
}

var _ Engine = (*Local)(nil)

func NewLocal(opts LocalOptions) *Local {
	l := &Local{
		logger:    opts.Logger,
		shell:     opts.Shell,
		env:       opts.Env,
		killGrace: opts.KillGrace,
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.shell == "" {
		l.shell = DefaultShell
	}
	if l.env == nil {
		l.env = os.Environ()
	}
	if l.killGrace <= 0 {
		l.killGrace = DefaultKillGrace
	}
	return l
}

// Run executes the plan for req.Target. It stops at the first failing task;
// tasks after it are never created.
func (l *Local) Run(ctx context.Context, req Request, hub *events.Hub) (value.Object, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	plan, err := req.Document.Plan(req.Target)
	if err != nil {
		return nil, err
	}

	env := append(append([]string{}, l.env...), inputEnv(req.Inputs)...)
	env = append(env, "GOFLUME_RUN_ID="+req.RunID, "GOFLUME_RUN_DIR="+req.RunDir)

	results := make(map[string]value.Object, len(plan.Tasks))
	for i, task := range plan.Tasks {
		id := int64(i + 1)
		log := l.logger.With(zap.String("run_id", req.RunID), zap.String("task", task.Name), zap.Int64("task_id", id))

		hub.Publish(events.Created(id, task.Name))
		if err := ctx.Err(); err != nil {
			hub.Publish(events.Canceled(id))
			return nil, err
		}

		log.Debug("Starting task")
		if err := l.runTask(ctx, id, task, req.WorkDir, env, hub); err != nil {
			log.Info("Task did not complete", zap.Error(err))
			return nil, err
		}

		outs, err := collectOutputs(task, req.RunDir, req.WorkDir)
		if err != nil {
			return nil, err
		}
		results[task.Name] = outs
	}

	out := value.Object{}
	for _, b := range plan.Outputs {
		v, ok := results[b.Task][b.Output]
		if !ok {
			return nil, &OutputError{Task: b.Task, Output: b.Output, Err: errors.New("not produced")}
		}
		out[b.Name] = v
	}
	return out, nil
}

func (l *Local) runTask(ctx context.Context, id int64, task workflow.Task, workDir string, env []string, hub *events.Hub) error {
	cmd := exec.CommandContext(ctx, l.shell, "-c", task.Command)
	cmd.Dir = workDir
	cmd.Env = append(append([]string{}, env...), taskEnv(task.Env)...)
	cmd.WaitDelay = l.killGrace
	killProcessGroup(cmd, l.killGrace)

	stdout := &lineWriter{emit: func(line string) { hub.Publish(events.Stdout(id, line)) }}
	stderr := &lineWriter{emit: func(line string) { hub.Publish(events.Stderr(id, line)) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Started goes out first so no output line can precede it.
	hub.Publish(events.Started(id))
	if err := cmd.Start(); err != nil {
		hub.Publish(events.Failed(id, err.Error()))
		return &TaskError{Task: task.Name, Err: err}
	}

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		hub.Publish(events.Canceled(id))
		return ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			code := exitErr.ExitCode()
			hub.Publish(events.Failed(id, fmt.Sprintf("exit status %d", code)))
			return &TaskError{Task: task.Name, ExitStatus: code, Err: err}
		}
		hub.Publish(events.Failed(id, err.Error()))
		return &TaskError{Task: task.Name, Err: err}
	}
	hub.Publish(events.Completed(id, cmd.ProcessState.ExitCode()))
	return nil
}

// lineWriter splits a process stream into lines. exec drives each writer
// from a single goroutine.
type lineWriter struct {
	emit func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimSuffix(w.buf[:i], []byte("\r"))))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLogLine {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing unterminated line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// inputEnv exports inputs as NAME=value. Arrays are space-separated;
// objects are JSON.
func inputEnv(inputs value.Object) []string {
	out := make([]string, 0, len(inputs))
	for _, name := range inputs.Keys() {
		out = append(out, name+"="+envString(inputs[name]))
	}
	return out
}

func envString(v value.Value) string {
	switch v.Kind {
	case value.KindString, value.KindFile, value.KindDirectory:
		return v.Str
	case value.KindInt:
		return strconv.FormatInt(v.Int, 10)
	case value.KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case value.KindBoolean:
		return strconv.FormatBool(v.Bool)
	case value.KindArray:
		parts := make([]string, len(v.Items))
		for i, item := range v.Items {
			parts[i] = envString(item)
		}
		return strings.Join(parts, " ")
	case value.KindObject:
		b, err := json.Marshal(v.Fields.Plain())
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

func taskEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
