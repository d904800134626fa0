package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/client/gateway"
	"github.com/atinyakov/FlashKeeper/internal/client/shell"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/spf13/cobra"
)

func newImportCmd(a *app) *cobra.Command {
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "import <cards.json>",
		Short: "Bulk import cards through the server",
		Long: "Uploads a JSON array of cards, as written by the shell's export command, " +
			"waits for the server to create them and refreshes the local copy.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cards, err := shell.ReadCardsFile(args[0])
			if err != nil {
				return err
			}
			if !a.connect(ctx) {
				return errors.New("server unreachable or not logged in: run login first")
			}

			job, err := a.gw.StartImport(ctx, cards)
			if errors.Is(err, gateway.ErrUnauthorized) {
				return errors.New("session expired: run login")
			}
			if err != nil {
				return fmt.Errorf("start import: %w", err)
			}
			fmt.Fprintf(out, "Import job %s queued for %d cards\n", job.JobID, len(cards))

			job, err = a.gw.WaitForJob(ctx, job.JobID, poll)
			if err != nil {
				return fmt.Errorf("wait for import: %w", err)
			}
			if job.Status != models.JobDone {
				return fmt.Errorf("import job %s failed at %d%%", job.JobID, job.Progress)
			}
			if err := a.coord.Refresh(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "Imported %d cards\n", len(cards))
			return nil
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "how often the job status is checked")
	return cmd
}
