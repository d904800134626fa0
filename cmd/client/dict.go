package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/client/datasets"
	"github.com/atinyakov/FlashKeeper/internal/models"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var errNoDatabase = errors.New("dictionaries need the local database")

func newDictCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dict",
		Short: "Manage offline dictionaries",
	}
	cmd.AddCommand(newDictInstallCmd(a), newDictListCmd(a), newDictLookupCmd(a))
	return cmd
}

func newDictInstallCmd(a *app) *cobra.Command {
	var (
		pageSize int
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "install <dataset>...",
		Short: "Download datasets for offline lookup",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.sqlite == nil {
				return errNoDatabase
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			in := datasets.NewInstaller(a.gw, a.sqlite, a.log.Log, pageSize)
			for _, id := range args {
				meta, err := in.Install(ctx, id, force, func(m models.DatasetMeta) {
					fmt.Fprintf(out, "\r%s: %d/%d", m.DatasetID, m.Downloaded, m.Total)
				})
				fmt.Fprintln(out)
				if err != nil {
					return fmt.Errorf("install %s: %w", id, err)
				}
				fmt.Fprintf(out, "%s: %d entries installed\n", id, meta.Downloaded)
			}
			// the server learns which datasets this user works with
			selected := selectedDatasets(a.coord.Snapshot(), args)
			_, err := a.coord.SelectDatasets(ctx, selected)
			return err
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", datasets.DefaultPageSize, "entries per request")
	cmd.Flags().BoolVar(&force, "force", false, "download again from the start")
	return cmd
}

func newDictListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed datasets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.sqlite == nil {
				return errNoDatabase
			}
			metas, err := a.sqlite.ListDatasetMeta(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATASET\tENTRIES\tCOMPLETE\tUPDATED")
			for _, m := range metas {
				fmt.Fprintf(tw, "%s\t%d/%d\t%t\t%s\n", m.DatasetID, m.Downloaded, m.Total, m.Complete(), m.DownloadedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newDictLookupCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "lookup <word>",
		Short: "Search installed datasets by hanzi or pinyin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.sqlite == nil {
				return errNoDatabase
			}
			entries, err := a.sqlite.LookupEntries(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) %s: %s\n", e.Simplified, e.Traditional, e.Pinyin, strings.Join(e.Meanings, "; "))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results")
	return cmd
}

// selectedDatasets merges newly installed datasets into the current
// selection.
func selectedDatasets(snap models.UserSnapshot, installed []string) []string {
	var current []string
	if sel := snap.User.Settings.Datasets; sel != nil {
		current = sel.Selected
	}
	return lo.Uniq(append(slices.Clone(current), installed...))
}
