package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"autoall/internal/api"
	"autoall/internal/httpapi"
	"autoall/internal/notify"
	"autoall/internal/watch"
)

func setupServe(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local console: watches, snapshots and the event stream",
		RunE:  run(serve),
	}
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
	var notifier notify.Notifier = notify.Nop{}
	var email *notify.EmailNotifier
	if a.cfg.Notify.Email.Enabled {
		email = notify.NewEmailNotifier(a.cfg.Notify.Email, a.bus)
		notifier = email
	}

	watches := watch.New(watch.Options{
		Plugin:   a.cfg.API.Plugin,
		Tasks:    a.tasks,
		Poll:     a.tasks.Quiet(),
		Interval: a.cfg.Poll.DetailInterval(),
		Logs:     &api.LogQuery{Tail: a.cfg.Poll.LogTail},
		Store:    a.store,
		Notifier: notifier,
		Bus:      a.bus,
	})

	console := httpapi.New(httpapi.Options{
		Cfg:       a.cfg,
		Bus:       a.bus,
		Watches:   watches,
		Snapshots: a.store,
	})
	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           console.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()
	a.bus.Info("console listening", map[string]any{"addr": a.cfg.Server.Addr, "plugin": a.cfg.API.Plugin})

	var runErr error
	select {
	case <-ctx.Done():
		a.bus.Info("shutdown signal received", nil)
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.bus.Error("http server error", map[string]any{"error": err.Error()})
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = watches.StopAll(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
	if email != nil {
		_ = email.Close(shutdownCtx)
	}
	a.bus.Info("console stopped", nil)
	return runErr
}
