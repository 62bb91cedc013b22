/*
main.go - Application entry point

PURPOSE:
  Starts the farmer credit ledger server and hosts the operator commands.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve (default)       HTTP API plus the settlement scheduler
  settle [farmer-id...] One settlement sweep, or settle the named farmers
  migrate [up|down]     Apply or revert the PostgreSQL schema
  scenario <id>         Reset the SQLite database and load a demo scenario

STARTUP SEQUENCE:
  1. Load configuration (--config file, .env, CREDIT_* variables)
  2. Build the logger
  3. Open the store (sqlite or postgres), optionally redis
  4. Wire engine, history service, scheduler and handler
  5. Start server and scheduler with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the settlement scheduler (waits for an in-flight sweep)
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close redis and the database

EXAMPLES:
  # Run with the defaults (SQLite file credit.db on :8080)
  ./server

  # Run against PostgreSQL
  CREDIT_DB_DRIVER=postgres CREDIT_DB_DSN=postgres://... ./server

  # Settle two farmers now
  ./server settle F001 F002

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dairycoop/credit-engine/api"
	"github.com/dairycoop/credit-engine/config"
	"github.com/dairycoop/credit-engine/credit"
	"github.com/dairycoop/credit-engine/store/postgres"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.AddCommand(serveCmd, settleCmd, migrateCmd, scenarioCmd)
}

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Farmer credit ledger and settlement engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the settlement scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var settleCmd = &cobra.Command{
	Use:   "settle [farmer-id...]",
	Short: "Run one settlement sweep now",
	Long: `Without arguments, settles every farmer whose settlement date has come.
With farmer ids, settles exactly those farmers whether or not they are due.`,
	RunE: runSettle,
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or revert the PostgreSQL schema",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario SCENARIO_ID",
	Short: "Reset the SQLite database and load a demo scenario",
	Args:  cobra.ExactArgs(1),
	RunE:  runScenario,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var auth *api.ActorAuth
	if cfg.Server.JWTSecret != "" {
		auth = api.NewActorAuth(cfg.Server.JWTSecret)
	} else {
		logger.Warn("no jwt_secret configured, approvers are taken from X-Actor-ID")
	}

	router := api.NewRouter(a.handler, api.RouterOptions{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Auth:            auth,
		EnableScenarios: cfg.Server.EnableScenarios && a.sqlite != nil,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":   cfg.Server.Port,
			"driver": cfg.Database.Driver,
			"redis":  cfg.Redis.Enabled,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		a.scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// =============================================================================
// OPERATOR COMMANDS
// =============================================================================

func runSettle(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var result *api.SweepResult
	if len(args) > 0 {
		ids := make([]credit.FarmerID, len(args))
		for i, id := range args {
			ids[i] = credit.FarmerID(id)
		}
		result = a.scheduler.SettleFarmers(cmd.Context(), ids)
	} else {
		result, err = a.scheduler.RunNow(cmd.Context())
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	for _, run := range result.Runs {
		if run.Status == credit.RunFailed {
			fmt.Fprintf(out, "%-12s %-9s %s\n", run.FarmerID, run.Status, run.Error)
			continue
		}
		fmt.Fprintf(out, "%-12s %-9s %s\n", run.FarmerID, run.Status, run.TransactionID)
	}
	fmt.Fprintf(out, "due=%d completed=%d failed=%d\n", result.Due, result.Completed, result.Failed)

	if result.Failed > 0 {
		return fmt.Errorf("%d settlement(s) failed", result.Failed)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate needs the postgres driver; sqlite migrates itself on open")
	}

	direction := "up"
	if len(args) == 1 {
		direction = args[0]
	}
	if direction == "down" {
		err = postgres.MigrateDown(cfg.Database.DSN)
	} else {
		err = postgres.Migrate(cfg.Database.DSN)
	}
	if err != nil {
		return err
	}
	logger.WithField("direction", direction).Info("migrations applied")
	return nil
}

func runScenario(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.sqlite == nil {
		return fmt.Errorf("scenarios require the sqlite driver")
	}
	if err := a.handler.LoadScenarioByID(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loaded scenario %s\n", args[0])
	return nil
}
