package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"autoall/internal/api"
	"autoall/internal/config"
	"autoall/internal/logbus"
	"autoall/internal/session"
	"autoall/internal/store/sqlite"
	"autoall/internal/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "autoall",
		Short:         "Create and follow automation tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "./config.yaml", "path to config.yaml")
	rootCmd.PersistentFlags().String("plugin", "", "automation plugin (overrides config)")

	setupAuth(rootCmd)
	setupTasks(rootCmd)
	setupServe(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// app is the wiring shared by every command.
type app struct {
	cfg      config.Config
	bus      *logbus.Bus
	logger   *logrus.Logger
	stopPipe func()
	store    *sqlite.Store
	client   *transport.Client
	tasks    *api.Tasks
	auth     *api.Auth
}

func openApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if plugin, _ := cmd.Flags().GetString("plugin"); plugin != "" {
		cfg.API.Plugin = plugin
	}

	logger := logbus.NewLogger(os.Stderr)
	bus := logbus.New(500)
	a := &app{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		stopPipe: logbus.Pipe(bus, logger),
	}

	ctx := cmd.Context()
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	a.store = store

	sess := session.New(store)
	if err := sess.Restore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if !sess.Get().Present() && cfg.BootstrapToken != "" {
		if err := sess.Set(ctx, cfg.BootstrapToken); err != nil {
			a.Close()
			return nil, fmt.Errorf("store bootstrap token: %w", err)
		}
		bus.Info("credential seeded from environment", nil)
	}

	a.client = transport.New(transport.Options{
		BaseURL:   cfg.API.BaseURL,
		UserAgent: cfg.API.UserAgent,
		Timeout:   cfg.API.Timeout(),
		QPS:       cfg.Limits.QPS,
		Burst:     cfg.Limits.Burst,
		Session:   sess,
		Feedback:  transport.BusFeedback{Bus: bus},
		Bus:       bus,
	})
	a.tasks = api.NewTasks(a.client, cfg.API.Plugin)
	a.auth = api.NewAuth(a.client)
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.bus.Close()
	if a.stopPipe != nil {
		a.stopPipe()
	}
}

// run opens the app, runs fn and closes the app again.
func run(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}
