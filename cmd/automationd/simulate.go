package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/logger"
	"github.com/jeremylerwick-max/omni-channel-crm/simulate"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

func simulateCmd() *cobra.Command {
	var (
		contactFile string
		replies     map[string]string
		webhooks    map[string]int
		event       map[string]string
		deliver     bool
		maxWakes    int
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "simulate <file>",
		Short: "Dry-run a definition for one contact on a virtual clock",
		Long: `simulate runs a definition against an in-memory engine. Waits are skipped by
moving a virtual clock, messages and webhooks are recorded instead of sent,
and replies can be scripted per send_message step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinitionFile(args[0], false)
			if err != nil {
				printProblems(err)
				return err
			}
			contact, err := readContact(contactFile)
			if err != nil {
				return err
			}

			log := zap.NewNop()
			if verbose {
				cfg := logger.DefaultConfig()
				cfg.Debug = true
				if log, err = logger.New(cfg); err != nil {
					return err
				}
				defer log.Sync() //nolint:errcheck
			}

			script := simulate.Script{Replies: replies, Deliver: deliver, MaxWakes: maxWakes}
			if len(webhooks) > 0 {
				script.Webhooks = make(map[string]crm.WebhookResponse, len(webhooks))
				for url, status := range webhooks {
					script.Webhooks[url] = crm.WebhookResponse{Status: status}
				}
			}
			if len(event) > 0 {
				script.Event = make(map[string]interface{}, len(event))
				for k, v := range event {
					script.Event[k] = v
				}
			}

			h, err := simulate.New(script, log)
			if err != nil {
				return err
			}
			res, runErr := h.Run(cmd.Context(), def, contact)
			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
				return runErr
			}
			renderSimulation(res)
			return runErr
		},
	}
	cmd.Flags().StringVar(&contactFile, "contact", "", "JSON file with the contact to enroll")
	cmd.Flags().StringToStringVar(&replies, "reply", nil, "scripted reply per send_message step (step=text)")
	cmd.Flags().StringToIntVar(&webhooks, "webhook", nil, "canned webhook status per URL (url=status)")
	cmd.Flags().StringToStringVar(&event, "event", nil, "trigger event payload (key=value)")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "mark every message as delivered")
	cmd.Flags().IntVar(&maxWakes, "max-wakes", 100, "stop after this many wakes")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity")
	return cmd
}

func readContact(path string) (types.Contact, error) {
	if path == "" {
		return types.Contact{ID: "sim-contact", FirstName: "Sam", Email: "sam@example.com", Phone: "+15550100"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Contact{}, err
	}
	var c types.Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode %s: %w", path, err)
	}
	if c.ID == "" {
		c.ID = "sim-contact"
	}
	return c, nil
}

func renderSimulation(res simulate.Result) {
	enr := res.Enrollment
	fmt.Printf("status: %s", enr.Status)
	if enr.ExitReason != "" {
		fmt.Printf(" (%s)", enr.ExitReason)
	}
	fmt.Printf(" after %s of virtual time, %d wakes\n", res.Elapsed, res.Wakes)

	renderLogs(res.Log)

	if len(res.Messages) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Messages")
		tw.AppendHeader(table.Row{"Channel", "To", "Body"})
		for _, m := range res.Messages {
			tw.AppendRow(table.Row{m.Channel, m.Recipient, m.Body})
		}
		tw.Render()
	}
	if len(res.Webhooks) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Webhooks")
		tw.AppendHeader(table.Row{"Method", "URL", "Body"})
		for _, w := range res.Webhooks {
			tw.AppendRow(table.Row{w.Method, w.URL, w.Body})
		}
		tw.Render()
	}
}
