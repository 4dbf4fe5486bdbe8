package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Veraticus/threadline/internal/cli"
	"github.com/Veraticus/threadline/internal/engine"
)

func classifyCmd() *cobra.Command {
	var (
		opts   engine.RunOptions
		quiet  bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Match unclassified chat threads against cached work items",
		Long: `Classify scores every thread that has not been classified yet against the cached
work items and records the ranked matches. The first run works through the oldest
threads up to classification.first_run_cap; later runs take the newest threads up
to --limit. Failed threads are retried on the next run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			handler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "threadline classify")
			ctx, stop := handler.HandleInterrupts(cmd.Context())
			defer stop()

			a, cleanup, err := newApp(ctx, quiet)
			if err != nil {
				return err
			}
			defer cleanup()

			if !cmd.Flags().Changed("limit") {
				opts.Limit = a.cfg.Classification.Limit
			}

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

			summary, err := eng.Run(ctx, units, candidates(targets), opts)
			if err != nil && !(errors.Is(err, ctx.Err()) && handler.WasInterrupted()) {
				return fmt.Errorf("classification failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				fmt.Fprintln(out, summary.GetDisplay())
				return nil
			}
			if summary.Planned == 0 {
				fmt.Fprintln(out, cli.FormatInfo("No units to classify"))
				return nil
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Classified %d of %d units (%d matched, %d failed) in %d batches",
				summary.Completed+summary.Failed, summary.Planned, summary.Matched, summary.Failed, summary.Batches)))
			if remaining := summary.Stats.Pending; remaining > 0 {
				fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("%d units still pending; run classify again to continue", remaining)))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "l", 0, "maximum units to classify after the first run (0 means all)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "classify every pending unit, ignoring --limit")
	cmd.Flags().BoolVar(&opts.ReClassify, "reclassify", false, "classify completed and failed units again")
	cmd.Flags().Float64Var(&opts.MinScore, "min-score", 0, "minimum match score (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run summary as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide progress bars")
	return cmd
}
