package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goflume/internal/observability"
	"github.com/3leaps/goflume/internal/server"
	"github.com/3leaps/goflume/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run API over HTTP",
	Long: `Start the HTTP server. Runs submitted through /api/v1/runs execute in
this process and are recorded under one session.

Endpoints:
  /api/v1/runs       submit and inspect runs
  /api/v1/sessions   list sessions
  /health            liveness, readiness and startup probes
  /metrics           Prometheus metrics (when metrics.enabled)
  /version           build information`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger, err := observability.NewServerLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(exitInvalidArgument, "Failed to create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := observability.InitMetrics()

	ctx := cmd.Context()
	svc, err := newServices(ctx, cfg, "server", logger, reg)
	if err != nil {
		return err
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("manager", handlers.HealthCheckerFunc(svc.manager.Ping))
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	hm.RegisterChecker("signals", signalHealthChecker{})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithRuns(svc.manager),
		server.WithLogger(logger.Named("http")),
		server.WithMetrics(cfg.Metrics.Enabled),
		server.WithHealth(cfg.Health.Enabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = svc.Close(closeCtx)
		return exitError(exitExternalServiceUnavailable, "Failed to listen", err)
	}

	logger.Info("Starting server",
		zap.String("addr", ln.Addr().String()),
		zap.String("session_id", svc.manager.SessionID()),
		zap.String("output_dir", cfg.Paths.OutputDir),
		zap.Int("max_concurrent_runs", cfg.Execution.MaxConcurrentRuns))

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	{
		g.Add(func() error {
			hm.SetStarted(true)
			return srv.Serve(ln)
		}, func(error) {
			hm.SetStarted(false)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown incomplete", zap.Error(err))
			}
		})
	}
	{
		g.Add(func() error {
			<-svc.manager.Done()
			return errors.New("run manager stopped")
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := svc.Close(shutdownCtx); err != nil {
				logger.Warn("Run manager shutdown incomplete", zap.Error(err))
			}
		})
	}

	err = g.Run()
	if err == nil || errors.Is(err, run.ErrSignal) || errors.Is(err, context.Canceled) {
		logger.Info("Server stopped", zap.NamedError("reason", err))
		return nil
	}
	return exitError(exitExternalServiceUnavailable, "Server failed", err)
}

// identityHealthChecker reports unhealthy when the app identity is
// incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("app identity: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("app identity: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("app identity: missing config name")
	}
	return nil
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.Registry == nil {
		return fmt.Errorf("telemetry system not initialized")
	}
	return nil
}

// signalHealthChecker is always healthy once the server is running; the
// run group owns signal handling.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }
