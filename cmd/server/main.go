/*
main.go - Application entry point

PURPOSE:
  Command-line entry point for the billing engine: runs the HTTP server and
  the operational one-shots (migrations, reconciliation, overdue sweep,
  demo seeding) against the configured backend.

COMMANDS:
  serve       HTTP API + overdue scheduler (default)
  migrate     Apply/rollback PostgreSQL migrations (up, down, status, reset)
  reconcile   Print the billing view of one or more jobs
  sweep       Mark past-due invoices overdue once
  seed        Reset the store and load a demo scenario

STARTUP SEQUENCE (serve):
  1. Load configuration (config.yaml, .env, BILLING_* env)
  2. Initialize logger
  3. Open backend (store, sequencer, emitters) and engine
  4. Start overdue scheduler
  5. Start HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database and Redis connections

EXAMPLES:
  billing-server serve --port 3000
  BILLING_DATABASE_DRIVER=postgres billing-server migrate up
  billing-server reconcile J1 J2
  billing-server sweep --as-of 2025-04-30
  billing-server seed job-lifecycle --driver memory

SEE ALSO:
  - config/config.go: settings and defaults
  - factory/factory.go: backend wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/logger"
)

var version = "1.0.0"

// flags shared by every command
var (
	configDir string
	driver    string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "billing-server",
		Short:        "Billing and invoice reconciliation engine",
		Version:      version,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "", "directory containing config.yaml")
	root.PersistentFlags().StringVar(&driver, "driver", "", "override database.driver (memory, sqlite, postgres)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and overdue scheduler",
		RunE:  runServe,
	}
	serve.Flags().Int("port", 0, "override server.port")
	root.Flags().AddFlagSet(serve.Flags())

	migrate := &cobra.Command{
		Use:       "migrate [up|down|status|reset]",
		Short:     "Run PostgreSQL schema migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status", "reset"},
		RunE:      runMigrate,
	}

	reconcile := &cobra.Command{
		Use:   "reconcile JOB_ID...",
		Short: "Print the derived billing view of jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runReconcile,
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Mark unpaid invoices past their due date as overdue",
		RunE:  runSweep,
	}
	sweep.Flags().String("as-of", "", "sweep as of this date (default now)")

	seed := &cobra.Command{
		Use:       "seed SCENARIO",
		Short:     "Reset the store and load a demo scenario",
		Args:      cobra.ExactArgs(1),
		ValidArgs: scenarioIDs(),
		RunE:      runSeed,
	}

	root.AddCommand(serve, migrate, reconcile, sweep, seed)
	return root
}

// =============================================================================
// SETUP
// =============================================================================

func loadConfig() (*config.Config, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, err
	}
	if driver != "" {
		cfg.Database.Driver = driver
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if _, err := logger.Setup(cfg.Log.Logger()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func openEngine(ctx context.Context) (*config.Config, *factory.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	eng, err := factory.Open(ctx, cfg, logger.WithComponent("engine"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, eng, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	httpLog := logger.WithComponent("http")
	handler := api.NewHandler(eng, httpLog)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.CORS.AllowedOrigins})

	scheduler := api.NewOverdueScheduler(eng.Lifecycle, logger.WithComponent("scheduler"))
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("driver", eng.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		log.Info().Str("driver", cfg.Database.Driver).Msg("schema is created on open, nothing to migrate")
		return nil
	}

	// Migrations run explicitly below, not on connect.
	cfg.Database.Migrate = false
	cfg.Redis.Enabled = false
	b, err := factory.OpenBackend(cmd.Context(), cfg, logger.WithComponent("migrate"))
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Postgres.Migrate(cmd.Context(), command); err != nil {
		return err
	}
	log.Info().Str("command", command).Msg("migration complete")
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	_, eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	ids := make([]billing.JobID, len(args))
	for i, a := range args {
		ids[i] = billing.JobID(a)
	}
	views, err := eng.Reconciler.JobBillings(cmd.Context(), ids)
	if err != nil {
		return err
	}

	out := make([]map[string]any, len(views))
	for i, v := range views {
		out[i] = map[string]any{
			"job_id":                    v.JobID,
			"billing_status":            v.BillingStatus,
			"has_invoice":               v.HasInvoice,
			"invoice_count":             v.InvoiceCount,
			"total_expenses":            v.TotalExpenses.StringFixed(2),
			"total_chargeable_expenses": v.TotalChargeableExpenses.StringFixed(2),
			"total_invoiced":            v.TotalInvoiced.StringFixed(2),
			"last_billed":               billing.FormatDate(v.LastBilledDate),
			"unbilled_expense_ids":      v.UnbilledChargeableExpenseIDs,
		}
	}
	return printJSON(cmd, out)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	_, eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	asOf := eng.Lifecycle.Clock()
	if s, _ := cmd.Flags().GetString("as-of"); s != "" {
		t, ok := billing.ToTime(s)
		if !ok {
			return fmt.Errorf("--as-of %q is not a recognised date", s)
		}
		asOf = t
	}

	n, err := eng.Lifecycle.MarkOverdue(cmd.Context(), asOf, "cli")
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"as_of": billing.FormatDate(asOf), "updated": n})
}

func runSeed(cmd *cobra.Command, args []string) error {
	_, eng, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	result, err := api.RunScenario(cmd.Context(), eng, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

// =============================================================================
// HELPERS
// =============================================================================

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scenarioIDs() []string {
	ids := make([]string, len(api.Scenarios))
	for i, s := range api.Scenarios {
		ids[i] = s.ID
	}
	return ids
}
