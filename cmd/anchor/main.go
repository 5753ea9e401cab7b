package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/herbtrace/anchor/pkg/api"
	"github.com/herbtrace/anchor/pkg/config"
	"github.com/herbtrace/anchor/pkg/log"
	"github.com/herbtrace/anchor/pkg/manager"
	"github.com/herbtrace/anchor/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anchor",
	Short: "anchor - anchors field collection events on a permissioned ledger",
	Long: `anchor records herb collection events locally and synchronizes each one
to the ledger exactly once, retrying failures and keeping an audit trail.

Run "anchor serve" to start the sync engine and its HTTP API. The other
commands talk to a running server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"anchor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", envOr("ANCHOR_SERVER", "http://127.0.0.1:8080"), "anchor API address")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout for remote commands")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and the HTTP API",
	Long: `Start the worker pool, retry sweep, stall detection and the HTTP API.

Configuration is read from --config (YAML), then ANCHOR_* environment
variables, then the flags below.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to a YAML config file")
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides http.addr)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides data_dir)")
	serveCmd.Flags().Int("concurrency", 0, "Worker concurrency (overrides worker.concurrency)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	serveCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := manager.Open(ctx, cfg)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		_ = mgr.Shutdown(context.Background())
		return err
	}

	server := api.NewServer(mgr, Version)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Logger.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("version", Version).
		Msg("anchor is running")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error("API server stopped", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("API server shutdown incomplete")
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}

	log.Info("shutdown complete")
	return serveErr
}

// applyServeFlags lets explicitly set flags win over file and environment
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("data-dir") {
		oldDir := cfg.DataDir
		cfg.DataDir, _ = flags.GetString("data-dir")
		// re-derive paths that were defaulted from the old data dir
		if cfg.Queue.Path == filepath.Join(oldDir, "queue.db") {
			cfg.Queue.Path = ""
		}
		if cfg.Database.DSN == filepath.Join(oldDir, "events.db") {
			cfg.Database.DSN = ""
		}
		cfg.Resolve()
	}
	if flags.Changed("concurrency") {
		cfg.Worker.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	return cfg.Validate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
