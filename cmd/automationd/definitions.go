package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/definition"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

// readDefinitionFile parses and validates a JSON or YAML definition.
func readDefinitionFile(path string, strict bool) (types.WorkflowDefinition, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	def, err := definition.Parse(doc)
	if err != nil {
		return def, err
	}
	if strict {
		if err := definition.ValidateTokens(def); err != nil {
			return types.WorkflowDefinition{}, err
		}
	}
	return def, nil
}

// printProblems renders validation errors one per row.
func printProblems(err error) {
	var verrs definition.ValidationErrors
	if !errors.As(err, &verrs) {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stderr)
	tw.AppendHeader(table.Row{"#", "Problem"})
	for i, e := range verrs {
		tw.AppendRow(table.Row{i + 1, e.Error()})
	}
	tw.Render()
}

func validateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinitionFile(args[0], strict)
			if err != nil {
				printProblems(err)
				return err
			}
			if jsonOutput {
				return printJSON(map[string]interface{}{"valid": true, "name": def.Name, "steps": len(def.Steps)})
			}
			fmt.Printf("%s: valid (%d steps, trigger %s)\n", def.Name, len(def.Steps), def.Trigger.Type)
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "also reject unresolvable {{tokens}}")
	return cmd
}

func publishCmd() *cobra.Command {
	var update uint64
	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Store a definition document and publish it as the next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := definition.Decode(doc)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				engine, err := rt.newEngine(crm.NewMemoryContactStore(), nil)
				if err != nil {
					return err
				}
				var draft types.WorkflowDefinition
				if update != 0 {
					draft, err = engine.UpdateDraft(ctx, update, def)
				} else {
					draft, err = engine.CreateDefinition(ctx, def)
				}
				if err != nil {
					return err
				}
				published, err := engine.PublishDefinition(ctx, draft.ID)
				if err != nil {
					printProblems(err)
					return err
				}
				if jsonOutput {
					return printJSON(published)
				}
				fmt.Printf("published %s as definition %d version %d\n", published.Name, published.ID, published.Version)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&update, "update", 0, "publish a new version of an existing definition")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		version int
		format  string
	)
	cmd := &cobra.Command{
		Use:   "export <definition-id>",
		Short: "Print a stored definition as JSON or YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid definition id %q", args[0])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				engine, err := rt.newEngine(crm.NewMemoryContactStore(), nil)
				if err != nil {
					return err
				}
				doc, err := engine.ExportDefinition(ctx, id, version, definition.Format(format))
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(doc)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", -1, "version to export; 0 is the draft, negative the latest")
	cmd.Flags().StringVar(&format, "format", string(definition.FormatYAML), "json or yaml")
	return cmd
}
