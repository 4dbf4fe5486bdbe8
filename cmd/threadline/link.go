package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/threadline/internal/cli"
	"github.com/Veraticus/threadline/internal/common"
)

func linkCmd() *cobra.Command {
	var externalID, url, identifier string

	cmd := &cobra.Command{
		Use:   "link <group-id>",
		Short: "Record the tracker issue a group was exported as",
		Long: `Link marks a group exported and stores the tracker issue it became. Exported
groups keep this linkage and their status when grouping runs again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cleanup, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.ledger.MarkExported(ctx, args[0], externalID, url, identifier); err != nil {
				if errors.Is(err, common.ErrGroupNotFound) {
					return common.NewUserError(fmt.Sprintf("no group with id %s", args[0]), err)
				}
				return fmt.Errorf("failed to link group: %w", err)
			}

			label := identifier
			if label == "" {
				label = externalID
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Linked group %s to %s", args[0], label)))
			return nil
		},
	}

	cmd.Flags().StringVar(&externalID, "external-id", "", "tracker issue id (required)")
	cmd.Flags().StringVar(&url, "url", "", "tracker issue URL")
	cmd.Flags().StringVar(&identifier, "identifier", "", "human-readable issue identifier, such as ENG-123")
	_ = cmd.MarkFlagRequired("external-id")
	return cmd
}
