package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/threadline/internal/classification"
	"github.com/Veraticus/threadline/internal/cli"
)

func resetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset [unit-id...]",
		Short: "Return classified units to pending",
		Long: `Reset clears the matches of the given units, or of every completed and failed
unit when no ids are given, so the next classify run scores them again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			if len(args) == 0 && !force {
				fmt.Fprint(out, "This resets every classified unit. Continue? [y/N]: ")
				response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if r := strings.ToLower(strings.TrimSpace(response)); r != "y" && r != "yes" {
					fmt.Fprintln(out, cli.FormatInfo("Reset canceled"))
					return nil
				}
			}

			sm, err := classification.Open(a.history)
			if err != nil {
				return err
			}
			n := sm.Reset(args...)
			if n == 0 {
				fmt.Fprintln(out, cli.FormatInfo("Nothing to reset"))
				return nil
			}
			if err := sm.Save(); err != nil {
				return err
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Reset %d units", n)))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	return cmd
}
