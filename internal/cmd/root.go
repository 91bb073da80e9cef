// Package cmd implements the goflume command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goflume/internal/config"
	"github.com/3leaps/goflume/internal/observability"
	"github.com/3leaps/goflume/internal/server/handlers"
)

// VersionInfo is stamped at build time.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build information for `version` and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
	handlers.SetVersionInfo(version, commit, buildDate)
}

// AppIdentity names the binary and its configuration surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity set up by the root command, or nil
// before it runs.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var (
	cfgFile   string
	verbose   bool
	outputDir string
	dbPath    string
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Run workflows with call caching and indexed outputs",
	Long: `goflume runs workflow documents as local tasks.

Runs are recorded in a database, identical runs are served from the call
cache, and outputs can be published under a stable index path.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./goflume.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output-dir", "", "Override paths.output_dir")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Override database.path")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.AppName,
	}
	observability.InitCLILogger(config.AppName, verbose)

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides())
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to load configuration", err)
	}
	appConfig = cfg
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("output_dir", cfg.Paths.OutputDir),
		zap.String("database", cfg.Database.Path))
	return nil
}

// flagOverrides maps persistent flags onto config keys.
func flagOverrides() map[string]any {
	o := map[string]any{}
	if outputDir != "" {
		o["paths"] = map[string]any{"output_dir": outputDir}
	}
	if dbPath != "" {
		o["database"] = map[string]any{"path": dbPath}
	}
	return o
}

// Execute runs the root command and exits with the mapped exit code.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}

	var ee *exitCodeError
	if errors.As(err, &ee) {
		ExitWithCode(observability.CLILogger, ee.code, ee.message, ee.err)
		return
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	cancel()
	os.Exit(1)
}
