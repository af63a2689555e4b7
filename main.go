package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/bridge"
	"github.com/lotas/tabgruppen/internal/cache"
	"github.com/lotas/tabgruppen/internal/config"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/inference"
	"github.com/lotas/tabgruppen/internal/ledger"
	"github.com/lotas/tabgruppen/internal/server"
	"github.com/lotas/tabgruppen/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "tabgruppen",
		Short:         "Tab grouping and duplicate cleanup for Firefox",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/tabgruppen/config.yaml)")

	load := func() (config.Config, error) { return config.Load(configPath) }

	root.AddCommand(newServeCmd(load))
	root.AddCommand(newSuggestCmd(load))
	root.AddCommand(newDupesCmd())
	root.AddCommand(newProfilesCmd())
	root.AddCommand(newConfigCmd(&configPath, load))
	return root
}

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	var port int
	var verbose bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the grouping engine for the browser extension",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg, verbose)
		},
	}
	cmd.Flags().IntVar(&port, "port", 19191, "WebSocket port the extension connects to")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Mirror the log to stderr")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, verbose bool) error {
	if err := applog.Init(cfg.LogDir); err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer applog.Close()
	if verbose {
		applog.Tee(os.Stderr)
	}

	db, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	// A broken provider setting is not fatal: the engine reports it per
	// window until the config is fixed.
	provider, err := inference.NewProvider(cfg.ProviderConfig())
	if err != nil {
		applog.Error("serve.provider", err, "provider", cfg.Provider)
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	orch := inference.New(provider, cfg.InferenceOptions())
	orch.SetRules(inference.LoadRules(cfg.RulesFile))

	srv := server.New(cfg.Port)
	br := bridge.New(srv, bridge.DefaultTimeout)
	eng := engine.New(engine.Deps{
		Host:      br,
		Generator: orch,
		Cache:     cache.New(db),
		Ledger:    ledger.New(db, ledger.DefaultCapacity),
		DB:        db,
	}, cfg.EngineOptions())

	stopMaintenance, err := eng.StartMaintenance(ctx, cfg.MaintenanceSchedule)
	if err != nil {
		return err
	}
	defer stopMaintenance()

	applog.Info("serve.start", "port", cfg.Port, "provider", cfg.Provider, "model", cfg.Model)
	fmt.Fprintf(os.Stderr, "Waiting for Firefox extension on port %d...\n", cfg.Port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, server.NewAPI(eng)) })
	g.Go(func() error { return br.Run(ctx, eng) })
	if cfg.RulesFile != "" {
		g.Go(func() error {
			return inference.WatchRules(ctx, cfg.RulesFile, func(rules string) {
				applog.Info("serve.rules_changed", "path", cfg.RulesFile)
				eng.OnRulesChanged(ctx, rules)
			})
		})
	}
	err = g.Wait()
	applog.Info("serve.stop")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newConfigCmd(configPath *string, load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			data, err := cfg.Masked().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
