package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/threadline/internal/classification"
	"github.com/Veraticus/threadline/internal/cli"
	"github.com/Veraticus/threadline/internal/model"
)

func statusCmd() *cobra.Command {
	var groupStatus string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show classification progress and group export state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, cleanup, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			h, err := a.history.Load()
			if err != nil {
				return err
			}
			counts, err := a.ledger.CountGroups(ctx)
			if err != nil {
				return fmt.Errorf("failed to count groups: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.RenderBox(cli.ChartIcon+" Status", cli.RenderStats(classification.StatsOf(h), counts)))

			if groupStatus == "" {
				return nil
			}
			groups, err := a.ledger.ListGroups(ctx, model.ExportStatus(groupStatus))
			if err != nil {
				return fmt.Errorf("failed to list groups: %w", err)
			}
			fmt.Fprintln(out, cli.RenderGroups(groups))
			return nil
		},
	}

	cmd.Flags().StringVar(&groupStatus, "groups", "", "also list groups with this export status (pending, exported)")
	return cmd
}
