package main

import (
	"context"
	"fmt"

	"github.com/atinyakov/FlashKeeper/internal/client/shell"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.authenticate(cmd, func(ctx context.Context, creds models.Credentials) (models.AuthResponse, error) {
				return a.gw.Register(ctx, creds)
			})
		},
	}
}

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.authenticate(cmd, func(ctx context.Context, creds models.Credentials) (models.AuthResponse, error) {
				return a.gw.Login(ctx, creds)
			})
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and drop local data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if n := a.coord.Status().Pending; n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Discarding %d unsynced change(s)\n", n)
			}
			if err := a.gw.Logout(ctx); err != nil {
				// local tokens are cleared even when the server is unreachable
				a.log.Log.Info("remote logout failed", zap.Error(err))
			}
			if err := a.coord.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

// authenticate prompts for credentials, calls fn and brings the local
// state up to date with the account.
func (a *app) authenticate(cmd *cobra.Command, fn func(context.Context, models.Credentials) (models.AuthResponse, error)) error {
	ctx := cmd.Context()
	p := shell.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
	creds, err := p.PromptCredentials()
	if err != nil {
		return err
	}
	if err := validator.New().Struct(creds); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}

	resp, err := fn(ctx, creds)
	if err != nil {
		return err
	}

	snap := a.coord.Snapshot()
	if snap.User.ID != 0 && snap.User.ID != resp.User.ID {
		// another account's data must not be synced into this one
		if err := a.coord.Reset(ctx); err != nil {
			return err
		}
	}
	a.coord.Authenticated()
	if err := a.coord.SetOnline(ctx, true); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", resp.User.Username)
	return nil
}
