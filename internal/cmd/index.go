package cmd

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goflume/internal/observability"
	"github.com/3leaps/goflume/pkg/index"
	"github.com/3leaps/goflume/pkg/rundir"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the output index",
	Long: `Manage the output index.

Runs submitted with an index path publish their outputs as symlinks under
{output_dir}/index/<path>/. Every link is also recorded in the run
database, so the tree can be recreated after it is deleted or moved.`,
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recreate index links from the database",
	Long: `Recreate every index link recorded in the database. Existing links are
replaced; links whose run directory is gone are skipped.

Examples:
  # Rebuild the whole index
  goflume index rebuild

  # Rebuild the links of one run
  goflume index rebuild --run 7c1d...`,
	Args: cobra.NoArgs,
	RunE: runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexRebuildCmd)
	indexRebuildCmd.Flags().String("run", "", "Only rebuild links of this run")
}

func runIndexRebuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	runID, _ := cmd.Flags().GetString("run")
	cfg := appConfig

	if err := os.MkdirAll(cfg.Paths.IndexDir(), 0o755); err != nil {
		return exitError(exitFileWriteError, "Failed to create index directory", err)
	}

	return withDB(ctx, func(db *sql.DB) error {
		layout := rundir.New(cfg.Paths.RunsDir)
		ix := index.New(db, cfg.Paths.IndexDir(), layout.RunDir, observability.CLILogger.Named("index"))

		var (
			n   int
			err error
		)
		if runID != "" {
			n, err = ix.RebuildRun(ctx, runID)
		} else {
			n, err = ix.RebuildIndex(ctx)
		}
		if err != nil {
			return exitError(exitFileWriteError, "Index rebuild failed", err)
		}

		observability.CLILogger.Debug("Index rebuilt", zap.Int("links", n), zap.String("run_id", runID))
		_, _ = fmt.Fprintln(os.Stdout, "Index rebuilt")
		_, _ = fmt.Fprintf(os.Stdout, "dir=%s\n", ix.Root())
		_, _ = fmt.Fprintf(os.Stdout, "links=%d\n", n)
		return nil
	})
}
