package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay wakes the scheduler gave up on",
	}
	cmd.AddCommand(deadLettersListCmd(), deadLettersReplayCmd())
	return cmd
}

func deadLettersListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered wakes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				engine, err := rt.newEngine(crm.NewMemoryContactStore(), nil)
				if err != nil {
					return err
				}
				wakes, err := engine.ListDeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					if wakes == nil {
						wakes = []types.ScheduledWake{}
					}
					return printJSON(wakes)
				}
				renderDeadLetters(wakes)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of wakes to list")
	return cmd
}

func deadLettersReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <wake-id>",
		Short: "Rearm a dead-lettered wake and reopen its enrollment",
		Long: `replay resets the attempts of a dead-lettered wake, makes it due now and
returns its failed enrollment to waiting. A running scheduler picks it up on
its next sweep.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid wake id %q", args[0])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				engine, err := rt.newEngine(crm.NewMemoryContactStore(), nil)
				if err != nil {
					return err
				}
				wake, enr, err := engine.ReplayDeadLetter(ctx, id)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"wake": wake, "enrollment": enr})
				}
				fmt.Printf("wake %d rearmed at step %q, enrollment %d is %s\n", wake.ID, wake.StepID, enr.ID, enr.Status)
				return nil
			})
		},
	}
}

func renderDeadLetters(wakes []types.ScheduledWake) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Wake", "Enrollment", "Step", "Attempts", "Due", "Last error"})
	for _, w := range wakes {
		tw.AppendRow(table.Row{w.ID, w.EnrollmentID, w.StepID, w.Attempts, formatMillis(w.DueAt), w.LastError})
	}
	tw.Render()
}
