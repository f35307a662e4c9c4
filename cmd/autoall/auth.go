package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func setupAuth(rootCmd *cobra.Command) {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the credential",
		RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv("AUTOALL_PASSWORD")
			}
			if username == "" || password == "" {
				return errors.New("--username and --password (or AUTOALL_PASSWORD) are required")
			}
			if err := a.auth.Login(ctx, username, password); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Fprintf(os.Stdout, "Signed in as %s\n", username)
			return nil
		}),
	}
	loginCmd.Flags().String("username", "", "account name")
	loginCmd.Flags().String("password", "", "password")

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Swap the stored credential for a fresh one",
		RunE: run(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
			if err := a.auth.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh: %w", err)
			}
			fmt.Fprintln(os.Stdout, "Credential refreshed")
			return nil
		}),
	}

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the credential",
		RunE: run(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
			err := a.auth.Logout(ctx)
			fmt.Fprintln(os.Stdout, "Signed out")
			if err != nil {
				a.bus.Warn("server logout failed, local credential cleared", map[string]any{"error": err.Error()})
			}
			return nil
		}),
	}

	rootCmd.AddCommand(loginCmd, refreshCmd, logoutCmd)
}
