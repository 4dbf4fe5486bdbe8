package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/threadline/internal/cli"
	"github.com/Veraticus/threadline/internal/common"
	"github.com/Veraticus/threadline/internal/source"
)

func syncCmd() *cobra.Command {
	var (
		sources []string
		full    bool
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch new chat messages and work items into the local cache",
		Long: `Sync lists everything changed since the newest cached item and fetches what is
new or stale. The cache file is rewritten after every batch, so an interrupted or
rate-limited sync keeps what it fetched and the next run resumes from there.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			handler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "threadline sync")
			ctx, stop := handler.HandleInterrupts(cmd.Context())
			defer stop()

			a, cleanup, err := newApp(ctx, quiet)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			for _, name := range sources {
				var syncer *source.Syncer
				switch name {
				case "github":
					syncer, err = a.githubSyncer(ctx)
				case "discord":
					syncer, err = a.discordSyncer(ctx)
				default:
					return common.NewUserError(fmt.Sprintf("unknown source %q", name), common.ErrInvalidConfig)
				}
				if err != nil {
					return err
				}

				report, err := syncer.Sync(ctx, source.SyncOptions{Full: full})
				if err != nil {
					return fmt.Errorf("%s sync failed: %w", name, err)
				}
				printSyncReport(cmd, name, report)
			}
			if handler.WasInterrupted() {
				fmt.Fprintln(out, cli.FormatWarning("Sync interrupted"))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&sources, "source", []string{"github", "discord"}, "sources to sync (github, discord)")
	cmd.Flags().BoolVar(&full, "full", false, "ignore the sync mark and list everything")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide progress bars")
	return cmd
}

func printSyncReport(cmd *cobra.Command, name string, report *source.SyncReport) {
	out := cmd.OutOrStdout()
	msg := fmt.Sprintf("%s: listed %d, fetched %d, skipped %d, %d cached",
		name, report.Listed, report.Fetched, report.Skipped, report.Total)
	if report.Pending > 0 {
		msg += fmt.Sprintf(", %d pending for the next run", report.Pending)
	}
	if report.Stopped == nil {
		fmt.Fprintln(out, cli.FormatSuccess(msg))
		return
	}

	fmt.Fprintln(out, cli.FormatWarning(msg))
	var exhausted *common.ExhaustedError
	if errors.As(report.Stopped, &exhausted) && !exhausted.ResetAt.IsZero() {
		fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Credentials exhausted; quota resets in %s",
			time.Until(exhausted.ResetAt).Round(time.Second))))
	} else {
		fmt.Fprintln(out, cli.FormatInfo("Stopped early: "+report.Stopped.Error()))
	}
}
