package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/goflume/pkg/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the tasks of a run",
}

var tasksListCmd = &cobra.Command{
	Use:   "list <run-id>",
	Short: "List the tasks of a run in creation order",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksList,
}

var tasksLogsCmd = &cobra.Command{
	Use:   "logs <run-id> <task>",
	Short: "Print the captured output lines of a task",
	Long: `Print the stdout and stderr lines captured while a task ran, in the
order they were written.

Examples:
  goflume tasks logs 7c1d... greet
  goflume tasks logs 7c1d... greet --stream stderr`,
	Args: cobra.ExactArgs(2),
	RunE: runTasksLogs,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd, tasksLogsCmd)

	tasksListCmd.Flags().String("status", "", "Only tasks in this status")
	addPageFlags(tasksListCmd)
	tasksListCmd.Flags().Bool("json", false, "Output as JSON")

	tasksLogsCmd.Flags().String("stream", "", "stdout or stderr (default: both)")
	addPageFlags(tasksLogsCmd)
	tasksLogsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runTasksList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusArg, _ := cmd.Flags().GetString("status")
	page, err := pageFlags(cmd)
	if err != nil {
		return err
	}
	status := store.TaskStatus(strings.ToLower(strings.TrimSpace(statusArg)))

	return withDB(ctx, func(db *sql.DB) error {
		if _, err := store.GetRun(ctx, db, args[0]); err != nil {
			return notFoundOr(err, "Run")
		}
		tasks, total, err := store.ListTasks(ctx, db, store.TaskFilter{RunID: args[0], Status: status, Page: page})
		if err != nil {
			return notFoundOr(err, "Tasks")
		}
		if jsonOutput {
			return printJSON(map[string]any{"items": tasks, "total": total})
		}
		if len(tasks) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "No tasks found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tEXIT\tDURATION\tERROR")
		for _, t := range tasks {
			exit := "-"
			if t.ExitStatus != nil {
				exit = fmt.Sprint(*t.ExitStatus)
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Name, t.Status, exit, formatSpan(t.StartedAt, t.CompletedAt), orDash(t.Error))
		}
		return nil
	})
}

func runTasksLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	streamArg, _ := cmd.Flags().GetString("stream")
	page, err := pageFlags(cmd)
	if err != nil {
		return err
	}
	stream, err := store.ParseStream(strings.ToLower(strings.TrimSpace(streamArg)))
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid --stream", err)
	}

	return withDB(ctx, func(db *sql.DB) error {
		task, err := store.GetTask(ctx, db, args[0], args[1])
		if err != nil {
			return notFoundOr(err, "Task")
		}
		logs, total, err := store.ListTaskLogs(ctx, db, store.LogFilter{TaskID: task.ID, Stream: stream, Page: page})
		if err != nil {
			return notFoundOr(err, "Task logs")
		}
		if jsonOutput {
			return printJSON(map[string]any{"items": logs, "total": total})
		}
		for _, l := range logs {
			_, _ = fmt.Fprintf(os.Stdout, "%s %-6s %s\n", l.CreatedAt.Format(time.RFC3339), l.Stream, l.Message)
		}
		return nil
	})
}
