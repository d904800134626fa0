package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/client/shell"
	"github.com/spf13/cobra"
)

func newShellCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Start the interactive shell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if a.connect(ctx) {
				fmt.Fprintln(out, "Connected to", a.cfg.ServerURL)
			} else {
				fmt.Fprintln(out, "Working offline, changes are queued")
			}

			go a.coord.AutoSync(ctx, interval)

			var dict shell.Dictionary
			if a.sqlite != nil {
				dict = a.sqlite
			}
			fmt.Fprintln(out, "Type help for the list of commands")
			err := shell.New(a.coord, dict, cmd.InOrStdin(), out, a.log.Log).Run(ctx)
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "sync-interval", 30*time.Second, "how often queued changes are sent")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh from the server and send queued changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.coord.SetOnline(cmd.Context(), true)
			printStatus(cmd, a)
			return err
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local data and queued changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			printStatus(cmd, a)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, a *app) {
	out := cmd.OutOrStdout()
	snap := a.coord.Snapshot()
	st := a.coord.Status()

	user := snap.User.Username
	if user == "" {
		user = "(not logged in)"
	}
	fmt.Fprintf(out, "User: %s\n", user)
	fmt.Fprintf(out, "Cards: %d, collections: %d, reviews: %d\n", len(snap.Cards), len(snap.Collections), len(snap.StudyLogs))
	fmt.Fprintf(out, "Pending changes: %d\n", st.Pending)
	if !st.LastSync.IsZero() {
		fmt.Fprintf(out, "Last sync: %s\n", st.LastSync.Local().Format(time.DateTime))
	}
	if st.AuthRequired {
		fmt.Fprintln(out, "Session expired: run login")
	}
	if st.Message != "" {
		fmt.Fprintln(out, st.Message)
	}
}
