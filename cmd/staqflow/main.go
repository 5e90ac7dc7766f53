// staqflow is the automation engine daemon: it watches the upstream item
// service for trigger events and runs the configured rule programs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"staqflow/internal/action"
	"staqflow/internal/condition"
	"staqflow/internal/config"
	"staqflow/internal/engine"
	"staqflow/internal/logging"
	"staqflow/internal/metrics"
	"staqflow/internal/onstaq"
	"staqflow/internal/server"
	"staqflow/internal/store"
	"staqflow/internal/template"
)

var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:     "staqflow",
		Short:   "Automation engine for the Onstaq item service",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (defaults to environment variables)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newMigrateCommand(&configFile))

	return rootCmd
}

func newMigrateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			db, err := store.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.EnsureSchema(ctx)
		},
	}
}

func runServe(configFile string) error {
	logger := logging.NewComponentLogger("Main")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger.Info("Starting staqflow (port=%d, upstream=%s, maxConcurrent=%d)",
		cfg.Port, cfg.OnstaqAPIURL, cfg.MaxConcurrentExecutions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	api := onstaq.NewClient(cfg.OnstaqAPIURL, cfg.OnstaqServiceEmail, cfg.OnstaqServicePassword)
	if cfg.OnstaqServiceEmail != "" {
		if err := api.Login(ctx); err != nil {
			// The client re-authenticates lazily, so startup proceeds.
			logger.Warn("Initial upstream login failed: %v", err)
		}
	}

	m := metrics.Default()
	resolver := template.NewResolver(api)
	conditions := condition.NewEvaluator(api, resolver)
	actions := action.NewRunner(api, resolver)
	executor := engine.NewExecutor(db, api, resolver, conditions, actions, cfg.MaxConcurrentExecutions, m)
	manager := engine.NewManager(db, api, executor, resolver,
		cfg.PollInterval(), time.Duration(cfg.MinPollIntervalMs)*time.Millisecond, m)

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start trigger manager: %w", err)
	}

	httpServer := server.New(db, api, executor, manager, server.Options{
		Port:        cfg.Port,
		RequireAuth: cfg.OnstaqServiceEmail != "",
	})

	err = httpServer.Run(ctx)

	logger.Info("Shutting down")
	manager.StopAll()
	executor.Stop()
	return err
}
