// Package workflow loads and validates workflow documents and resolves a
// target into an executable plan.
package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Document is a parsed workflow document.
type Document struct {
	Schema      string    `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Version     int       `json:"version" yaml:"version"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []Input   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Tasks       []Task    `json:"tasks" yaml:"tasks"`
	Workflow    *Workflow `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// Input declares a named, typed document input. Inputs are exported to every
// task as environment variables of the same name.
type Input struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Task is a shell command run in the run's work directory.
type Task struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Outputs map[string]Output `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Output collects a task result by glob, relative to the work directory.
// File and Directory outputs are the matched paths; primitive outputs are
// parsed from the trimmed content of the single matched file.
type Output struct {
	Type string `json:"type" yaml:"type"`
	Glob string `json:"glob" yaml:"glob"`
}

// Workflow runs tasks in step order and names the outputs it exposes.
type Workflow struct {
	Name  string   `json:"name" yaml:"name"`
	Steps []string `json:"steps" yaml:"steps"`

	// Outputs maps an exposed name to "task.output".
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Task returns the task named name.
func (d *Document) Task(name string) (*Task, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].Name == name {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// Check validates cross references the schema cannot express: unique
// names, step and output references, and parseable types.
func (d *Document) Check() error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	seenInputs := map[string]bool{}
	for i, in := range d.Inputs {
		p := fmt.Sprintf("/inputs/%d", i)
		if seenInputs[in.Name] {
			add(p+"/name", "duplicate input %q", in.Name)
		}
		seenInputs[in.Name] = true
		typ, err := ParseType(in.Type)
		if err != nil {
			add(p+"/type", "%v", err)
			continue
		}
		if in.Default != nil {
			if _, err := Coerce(typ, in.Default); err != nil {
				add(p+"/default", "%v", err)
			}
		}
	}

	seenTasks := map[string]bool{}
	for i, t := range d.Tasks {
		p := fmt.Sprintf("/tasks/%d", i)
		if seenTasks[t.Name] {
			add(p+"/name", "duplicate task %q", t.Name)
		}
		seenTasks[t.Name] = true
		for _, name := range sortedKeys(t.Outputs) {
			if _, err := ParseType(t.Outputs[name].Type); err != nil {
				add(p+"/outputs/"+name+"/type", "%v", err)
			}
		}
	}

	if wf := d.Workflow; wf != nil {
		if seenTasks[wf.Name] {
			add("/workflow/name", "workflow name %q collides with a task name", wf.Name)
		}
		for i, step := range wf.Steps {
			if !seenTasks[step] {
				add(fmt.Sprintf("/workflow/steps/%d", i), "unknown task %q", step)
			}
		}
		for _, name := range sortedKeys(wf.Outputs) {
			ref := wf.Outputs[name]
			taskName, outName, _ := strings.Cut(ref, ".")
			t, ok := d.Task(taskName)
			if !ok {
				add("/workflow/outputs/"+name, "unknown task %q", taskName)
				continue
			}
			if _, ok := t.Outputs[outName]; !ok {
				add("/workflow/outputs/"+name, "task %q has no output %q", taskName, outName)
			}
			if !contains(wf.Steps, taskName) {
				add("/workflow/outputs/"+name, "task %q is not a workflow step", taskName)
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Binding connects an exposed output name to a task output.
type Binding struct {
	Name   string
	Task   string
	Output string
}

// Plan is the resolved form of a target: the tasks to run in order and the
// outputs to expose.
type Plan struct {
	Name    string
	Tasks   []Task
	Outputs []Binding
}

// Plan resolves target. An empty target, or the workflow's name, selects
// the workflow; any other target must name a task. A document without a
// workflow section and an empty target runs its only task.
func (d *Document) Plan(target string) (*Plan, error) {
	wf := d.Workflow
	if wf != nil && (target == "" || target == wf.Name) {
		plan := &Plan{Name: wf.Name}
		for _, step := range wf.Steps {
			t, ok := d.Task(step)
			if !ok {
				return nil, fmt.Errorf("workflow step %q: unknown task", step)
			}
			plan.Tasks = append(plan.Tasks, *t)
		}
		if len(wf.Outputs) == 0 {
			for _, t := range plan.Tasks {
				for _, out := range sortedKeys(t.Outputs) {
					plan.Outputs = append(plan.Outputs, Binding{Name: t.Name + "." + out, Task: t.Name, Output: out})
				}
			}
			return plan, nil
		}
		for _, name := range sortedKeys(wf.Outputs) {
			taskName, outName, _ := strings.Cut(wf.Outputs[name], ".")
			plan.Outputs = append(plan.Outputs, Binding{Name: name, Task: taskName, Output: outName})
		}
		return plan, nil
	}

	if target == "" {
		if len(d.Tasks) != 1 {
			return nil, fmt.Errorf("document has %d tasks and no workflow; a target is required", len(d.Tasks))
		}
		target = d.Tasks[0].Name
	}
	t, ok := d.Task(target)
	if !ok {
		return nil, fmt.Errorf("target %q not found", target)
	}
	plan := &Plan{Name: t.Name, Tasks: []Task{*t}}
	for _, out := range sortedKeys(t.Outputs) {
		plan.Outputs = append(plan.Outputs, Binding{Name: out, Task: t.Name, Output: out})
	}
	return plan, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
