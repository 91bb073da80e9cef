package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/goflume/pkg/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect manager sessions",
	Long: `Each goflume run or goflume serve process records one session; its runs
carry the session id.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	addPageFlags(sessionsListCmd)
	sessionsListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	page, err := pageFlags(cmd)
	if err != nil {
		return err
	}

	return withDB(ctx, func(db *sql.DB) error {
		sessions, total, err := store.ListSessions(ctx, db, page)
		if err != nil {
			return notFoundOr(err, "Sessions")
		}
		if jsonOutput {
			return printJSON(map[string]any{"items": sessions, "total": total})
		}
		if len(sessions) == 0 {
			_, _ = fmt.Fprintln(os.Stderr, "No sessions found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "ID\tSUBCOMMAND\tCREATED BY\tCREATED")
		for _, s := range sessions {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Subcommand, orDash(s.CreatedBy), formatRelativeTime(s.CreatedAt))
		}
		return nil
	})
}
