package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/3leaps/goflume/internal/errors"
	"github.com/3leaps/goflume/pkg/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and cancel recorded runs",
	Long: `Inspect runs recorded in the run database.

list, status and outputs read the database directly. cancel asks a running
"goflume serve" to stop a run, since only the process executing a run can
cancel it.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Long: `List runs, newest first.

Examples:
  goflume runs list
  goflume runs list --status failed --limit 20
  goflume runs list --session 2f6c... --json`,
	Args: cobra.NoArgs,
	RunE: runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsOutputsCmd = &cobra.Command{
	Use:   "outputs <run-id>",
	Short: "Print the outputs of a completed run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsOutputs,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run executing under goflume serve",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsStatusCmd, runsOutputsCmd, runsCancelCmd)

	runsListCmd.Flags().String("status", "", "Only runs in this status")
	runsListCmd.Flags().String("session", "", "Only runs from this session")
	addPageFlags(runsListCmd)
	runsListCmd.Flags().Bool("json", false, "Output as JSON")

	runsStatusCmd.Flags().Bool("json", false, "Output as JSON")

	runsCancelCmd.Flags().String("server", "", "Server base URL (default: http://<server.host>:<server.port>)")
}

func addPageFlags(cmd *cobra.Command) {
	cmd.Flags().Int("limit", 50, "Maximum rows to return (0 for all)")
	cmd.Flags().Int("offset", 0, "Rows to skip")
}

func pageFlags(cmd *cobra.Command) (store.Page, error) {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	if limit < 0 || offset < 0 {
		return store.Page{}, exitError(exitInvalidArgument, "Invalid paging", fmt.Errorf("limit and offset must not be negative"))
	}
	return store.Page{Limit: limit, Offset: offset}, nil
}

// withDB opens the configured database for the duration of fn.
func withDB(ctx context.Context, fn func(db *sql.DB) error) error {
	db, err := openDB(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return exitError(exitFileNotFound, what+" not found", err)
	}
	return exitError(exitExternalServiceUnavailable, "Query failed", err)
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusArg, _ := cmd.Flags().GetString("status")
	session, _ := cmd.Flags().GetString("session")
	page, err := pageFlags(cmd)
	if err != nil {
		return err
	}

	status := store.RunStatus(strings.ToLower(strings.TrimSpace(statusArg)))
	if status != "" {
		if err := store.ValidateRunStatus(status); err != nil {
			return exitError(exitInvalidArgument, "Invalid --status", err)
		}
	}

	return withDB(ctx, func(db *sql.DB) error {
		runs, total, err := store.ListRuns(ctx, db, store.RunFilter{Status: status, SessionID: session, Page: page})
		if err != nil {
			return notFoundOr(err, "Runs")
		}
		if jsonOutput {
			return printJSON(map[string]any{"items": runs, "total": total})
		}
		if len(runs) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "No runs found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCACHED\tCREATED\tDURATION")
		for _, r := range runs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				r.ID, r.Name, r.Status, r.Cached,
				formatRelativeTime(r.CreatedAt), formatSpan(&r.CreatedAt, r.CompletedAt))
		}
		if total > len(runs) {
			_, _ = fmt.Fprintf(os.Stderr, "showing %d of %d runs\n", len(runs), total)
		}
		return nil
	})
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return withDB(ctx, func(db *sql.DB) error {
		run, err := store.GetRun(ctx, db, args[0])
		if err != nil {
			return notFoundOr(err, "Run")
		}
		if jsonOutput {
			return printJSON(run)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintf(w, "id\t%s\n", run.ID)
		_, _ = fmt.Fprintf(w, "name\t%s\n", run.Name)
		_, _ = fmt.Fprintf(w, "status\t%s\n", run.Status)
		_, _ = fmt.Fprintf(w, "cached\t%t\n", run.Cached)
		_, _ = fmt.Fprintf(w, "source\t%s\n", run.Source)
		_, _ = fmt.Fprintf(w, "target\t%s\n", orDash(run.Target))
		_, _ = fmt.Fprintf(w, "session\t%s\n", run.SessionID)
		_, _ = fmt.Fprintf(w, "work_dir\t%s\n", run.WorkDir)
		_, _ = fmt.Fprintf(w, "index_dir\t%s\n", orDash(run.IndexDir))
		_, _ = fmt.Fprintf(w, "created\t%s\n", run.CreatedAt.Format(time.RFC3339))
		_, _ = fmt.Fprintf(w, "duration\t%s\n", formatSpan(&run.CreatedAt, run.CompletedAt))
		if run.Error != "" {
			_, _ = fmt.Fprintf(w, "error\t%s\n", run.Error)
		}
		return nil
	})
}

func runRunsOutputs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withDB(ctx, func(db *sql.DB) error {
		run, err := store.GetRun(ctx, db, args[0])
		if err != nil {
			return notFoundOr(err, "Run")
		}
		if run.Status != store.RunCompleted {
			return exitError(exitInvalidArgument, "Run has no outputs", fmt.Errorf("run %s is %s", run.ID, run.Status))
		}
		var outputs map[string]any
		if len(run.Outputs) > 0 {
			if err := json.Unmarshal(run.Outputs, &outputs); err != nil {
				return exitError(exitFileReadError, "Stored outputs are not valid JSON", err)
			}
		}
		if outputs == nil {
			outputs = map[string]any{}
		}
		return printJSON(outputs)
	})
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		base = "http://" + appConfig.Server.Addr()
	}
	endpoint, err := url.JoinPath(base, "api/v1/runs", url.PathEscape(args[0]), "cancel")
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid --server", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return exitError(exitExternalServiceUnavailable, "Server unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		var body apperrors.HTTPErrorResponse
		msg := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
			msg = body.Error.Message
		}
		code := exitExternalServiceUnavailable
		switch resp.StatusCode {
		case http.StatusNotFound:
			code = exitFileNotFound
		case http.StatusConflict, http.StatusBadRequest:
			code = exitInvalidArgument
		}
		return exitError(code, "Cancel rejected", errors.New(msg))
	}

	var run store.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return exitError(exitExternalServiceUnavailable, "Invalid server response", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "run %s %s\n", run.ID, run.Status)
	return nil
}
