package store

import "fmt"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceling RunStatus = "canceling"
	RunCanceled  RunStatus = "canceled"
)

// queued -> failed covers runs that fail before admission (bad inputs that
// only surface while localizing or digesting).
var allowedRunTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunQueued: {
		RunRunning:   {},
		RunFailed:    {},
		RunCanceling: {},
	},
	RunRunning: {
		RunCompleted: {},
		RunFailed:    {},
		RunCanceling: {},
	},
	RunCanceling: {
		RunCanceled: {},
	},
	RunCompleted: {},
	RunFailed:    {},
	RunCanceled:  {},
}

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// Active reports whether a run in state s still owns resources.
func (s RunStatus) Active() bool {
	return s == RunQueued || s == RunRunning || s == RunCanceling
}

func ValidateRunStatus(s RunStatus) error {
	if _, ok := allowedRunTransitions[s]; !ok {
		return fmt.Errorf("invalid run status: %q", s)
	}
	return nil
}

// ValidateRunTransition reports whether a run may move from one state to
// another. Terminal states admit no transitions.
func ValidateRunTransition(from, to RunStatus) error {
	if err := ValidateRunStatus(from); err != nil {
		return err
	}
	if err := ValidateRunStatus(to); err != nil {
		return err
	}
	if _, ok := allowedRunTransitions[from][to]; !ok {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	From RunStatus
	To   RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid run transition: %s -> %s", e.From, e.To)
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
	TaskPreempted TaskStatus = "preempted"
)

// Stream tags a task log line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// ParseStream validates a stream name. An empty name is allowed and means
// both streams.
func ParseStream(s string) (Stream, error) {
	switch Stream(s) {
	case "", StreamStdout, StreamStderr:
		return Stream(s), nil
	default:
		return "", fmt.Errorf("invalid stream %q (expected stdout or stderr)", s)
	}
}
