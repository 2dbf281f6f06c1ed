package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <enrollment-id>",
		Short: "Show the step execution log of an enrollment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid enrollment id %q", args[0])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				engine, err := rt.newEngine(crm.NewMemoryContactStore(), nil)
				if err != nil {
					return err
				}
				enr, err := engine.GetEnrollment(ctx, id)
				if err != nil {
					return err
				}
				logs, err := engine.EnrollmentHistory(ctx, id)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"enrollment": enr, "logs": logs})
				}
				fmt.Printf("enrollment %d: contact %s, definition %d v%d, %s",
					enr.ID, enr.ContactID, enr.DefinitionID, enr.DefinitionVersion, enr.Status)
				if enr.ExitReason != "" {
					fmt.Printf(" (%s)", enr.ExitReason)
				}
				fmt.Println()
				renderLogs(logs)
				return nil
			})
		},
	}
	return cmd
}

func renderLogs(logs []types.StepExecutionLog) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Type", "Attempt", "Status", "Started", "Took", "Error"})
	for _, l := range logs {
		took := ""
		if l.FinishedAt != 0 {
			took = (time.Duration(l.FinishedAt-l.StartedAt) * time.Millisecond).String()
		}
		tw.AppendRow(table.Row{l.StepID, l.StepType, l.Attempt, l.Status, formatMillis(l.StartedAt), took, l.Error})
	}
	tw.Render()
}
