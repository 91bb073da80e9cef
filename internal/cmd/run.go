package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goflume/internal/observability"
	"github.com/3leaps/goflume/pkg/events"
	"github.com/3leaps/goflume/pkg/manager"
	"github.com/3leaps/goflume/pkg/output"
	"github.com/3leaps/goflume/pkg/store"
	"github.com/3leaps/goflume/pkg/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow document and wait for it to finish",
	Long: `Run a workflow document in this process and print its outputs.

Inputs come from --inputs (a YAML or JSON object) and are overridden by
repeated --input name=value flags. Values given on the command line are
parsed according to the declared input type.

When the call cache is enabled and an identical run (same document, inputs
and input file contents) has completed before, its outputs are reused
without executing any task.

Examples:
  # Run with a default input set
  goflume run hello.yaml

  # Override an input and publish outputs under index/latest/
  goflume run hello.yaml --input who=world --index-on latest

  # Stream task events as JSONL
  goflume run pipeline.yaml --inputs inputs.yaml --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringArray("input", nil, "Input as name=value (repeatable)")
	runCmd.Flags().String("inputs", "", "YAML or JSON file of inputs")
	runCmd.Flags().String("target", "", "Run a single task instead of the workflow")
	runCmd.Flags().String("index-on", "", "Publish outputs under this index path")
	runCmd.Flags().Bool("follow", false, "Stream task events as JSONL to stdout")
	runCmd.Flags().Bool("json", false, "Print the result as JSONL records")
}

// cancelWait bounds how long `run` waits for a canceled run to stop.
const cancelWait = 30 * time.Second

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	logger := observability.CLILogger

	inputs, err := collectInputs(cmd)
	if err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")
	indexOn, _ := cmd.Flags().GetString("index-on")
	follow, _ := cmd.Flags().GetBool("follow")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	svc, err := newServices(ctx, cfg, "run", logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cancelWait)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
	}()

	sub, err := svc.manager.Submit(ctx, manager.SubmitRequest{
		Source:  args[0],
		Inputs:  inputs,
		Target:  target,
		IndexOn: indexOn,
	})
	if err != nil {
		if manager.KindOf(err) == manager.KindInvalidArgument {
			return exitError(exitInvalidArgument, "Invalid run request", err)
		}
		return exitError(exitExternalServiceUnavailable, "Failed to submit run", err)
	}
	runID := sub.Run.ID
	logger.Debug("Run submitted", zap.String("run_id", runID), zap.String("name", sub.Run.Name))

	var w *output.JSONLWriter
	if follow || jsonOutput {
		w = output.NewJSONLWriter(os.Stdout, runID)
		defer func() { _ = w.Close() }()
	}

	stream := sub.Events.Subscribe()
	defer stream.Close()

	tasks, waitErr := waitForRun(ctx, w, follow, stream)
	if waitErr != nil && ctx.Err() != nil {
		logger.Info("Canceling run", zap.String("run_id", runID))
		if _, err := svc.manager.Cancel(context.Background(), runID); err != nil && manager.KindOf(err) != manager.KindConflict {
			logger.Warn("Cancel failed", zap.String("run_id", runID), zap.Error(err))
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), cancelWait)
		_, _ = waitForRun(drainCtx, nil, false, stream)
		cancel()
	} else if waitErr != nil {
		return exitError(exitFileWriteError, "Failed to write events", waitErr)
	}

	statusCtx, cancel := context.WithTimeout(context.Background(), cancelWait)
	defer cancel()
	run, err := awaitTerminal(statusCtx, svc.manager, runID)
	if err != nil {
		return exitError(exitExternalServiceUnavailable, "Failed to read run status", err)
	}

	if w != nil {
		if err := writeRunSummary(w, run, tasks); err != nil {
			return exitError(exitFileWriteError, "Failed to write summary", err)
		}
	} else {
		printRunResult(run)
	}

	switch run.Status {
	case store.RunCompleted:
		return nil
	case store.RunCanceled, store.RunCanceling:
		return exitError(exitSignalInt, "Run canceled", nil)
	default:
		var cause error
		if run.Error != "" {
			cause = errors.New(run.Error)
		}
		return exitError(exitRunFailed, "Run failed", cause)
	}
}

// waitForRun blocks until the run's event stream closes, writing events to
// w when follow is set.
func waitForRun(ctx context.Context, w output.Writer, follow bool, sub *events.Subscription) (int, error) {
	if follow && w != nil {
		return output.Follow(ctx, w, sub)
	}
	tasks := make(map[int64]struct{})
	for {
		select {
		case <-ctx.Done():
			return len(tasks), ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return len(tasks), nil
			}
			tasks[ev.TaskID] = struct{}{}
		}
	}
}

// awaitTerminal polls the run until it reaches a terminal status. The event
// stream closes before the manager records the outcome.
func awaitTerminal(ctx context.Context, m *manager.Manager, runID string) (*store.Run, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := m.GetStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, nil
		case <-ticker.C:
		}
	}
}

// collectInputs merges --inputs and --input, with flags taking precedence.
func collectInputs(cmd *cobra.Command) (map[string]any, error) {
	inputs := map[string]any{}
	if path, _ := cmd.Flags().GetString("inputs"); path != "" {
		loaded, err := workflow.LoadInputs(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, exitError(exitFileNotFound, "Inputs file not found", err)
			}
			return nil, exitError(exitFileReadError, "Failed to read inputs file", err)
		}
		for k, v := range loaded {
			inputs[k] = v
		}
	}

	pairs, _ := cmd.Flags().GetStringArray("input")
	for _, pair := range pairs {
		name, val, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, exitError(exitInvalidArgument, "Invalid --input", fmt.Errorf("expected name=value, got %q", pair))
		}
		inputs[name] = val
	}
	return inputs, nil
}

func runDuration(run *store.Run) time.Duration {
	if run.CompletedAt == nil {
		return 0
	}
	return run.CompletedAt.Sub(run.CreatedAt)
}

func writeRunSummary(w output.Writer, run *store.Run, tasks int) error {
	ctx := context.Background()
	if err := w.WriteRun(ctx, &output.RunRecord{
		Name:   run.Name,
		Status: string(run.Status),
		Cached: run.Cached,
		Error:  run.Error,
	}); err != nil {
		return err
	}
	d := runDuration(run)
	return w.WriteSummary(ctx, &output.SummaryRecord{
		Status:        string(run.Status),
		Cached:        run.Cached,
		Outputs:       run.Outputs,
		Duration:      d,
		DurationHuman: d.Round(time.Millisecond).String(),
		Tasks:         tasks,
	})
}

func printRunResult(run *store.Run) {
	cached := ""
	if run.Cached {
		cached = " (cached)"
	}
	_, _ = fmt.Fprintf(os.Stderr, "run %s %s%s in %s\n", run.ID, run.Status, cached, runDuration(run).Round(time.Millisecond))
	if run.Error != "" {
		_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", run.Error)
	}
	if run.IndexDir != "" {
		_, _ = fmt.Fprintf(os.Stderr, "index: %s\n", run.IndexDir)
	}
	if len(run.Outputs) == 0 {
		return
	}
	var pretty any
	if err := json.Unmarshal(run.Outputs, &pretty); err != nil {
		_, _ = fmt.Fprintln(os.Stdout, string(run.Outputs))
		return
	}
	b, _ := json.MarshalIndent(pretty, "", "  ")
	_, _ = fmt.Fprintln(os.Stdout, string(b))
}
