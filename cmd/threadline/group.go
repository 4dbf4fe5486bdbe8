package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Veraticus/threadline/internal/cli"
	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/engine"
	"github.com/Veraticus/threadline/internal/model"
	"github.com/Veraticus/threadline/internal/storage"
)

func groupCmd() *cobra.Command {
	var (
		mode   string
		output string
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "group",
		Short: "Group classified threads into deduplicated units",
		Long: `Group unions classified threads into groups, either around the work item they
matched (--mode issue) or by embedding similarity between threads (--mode semantic).
Groups are saved to the ledger; groups already linked to an exported issue keep
their export status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, cleanup, err := newApp(ctx, quiet)
			if err != nil {
				return err
			}
			defer cleanup()

			units, err := a.units()
			if err != nil {
				return err
			}
			targets, err := a.targets()
			if err != nil {
				return err
			}
			eng, err := a.engine()
			if err != nil {
				return err
			}

			groups, err := eng.Group(ctx, units, targets, engine.GroupOptions{
				Mode:          model.GroupMode(mode),
				MinSimilarity: a.cfg.Grouping.MinSimilarity,
				Threshold:     a.cfg.Grouping.SemanticThreshold,
			})
			if err != nil {
				return err
			}

			if output != "" {
				if err := writeGroups(cmd.OutOrStdout(), output, groups); err != nil {
					return err
				}
				if output == "-" {
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Wrote %d groups to %s", len(groups), output)))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatTitle(fmt.Sprintf("%d %s groups", len(groups), mode)))
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderGroups(groups))
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(model.GroupModeIssue), "grouping mode (issue, semantic)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write groups as JSON to this file (- for stdout)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide progress bars")
	return cmd
}

func writeGroups(w io.Writer, path string, groups []model.Group) error {
	if groups == nil {
		groups = []model.Group{}
	}
	if path == "-" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}
	if err := storage.WriteJSONFile(path, groups); err != nil {
		return common.NewUserError("could not write groups", err)
	}
	return nil
}
