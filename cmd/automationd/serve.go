package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/server"
	"github.com/jeremylerwick-max/omni-channel-crm/trigger"
	"github.com/jeremylerwick-max/omni-channel-crm/types"
)

func serveCmd() *cobra.Command {
	var addr, contactsFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withRuntime(ctx, func(ctx context.Context, rt *runtime) error {
				contacts, err := loadContacts(contactsFile)
				if err != nil {
					return err
				}

				bus := events.NewEventBus(events.WithLogger(rt.log.Named("events")), events.WithBufferSize(1024))
				defer bus.Stop()

				engine, err := rt.newEngine(contacts, bus)
				if err != nil {
					return err
				}
				trigger.NewMatcher(engine, rt.log).Subscribe(bus)

				if err := engine.Start(ctx); err != nil {
					return err
				}
				defer engine.Stop(context.Background()) //nolint:errcheck

				if addr == "" {
					addr = rt.cfg.HTTP.Addr
				}
				srv := server.New(engine, bus, rt.log, server.WithContacts(contacts))
				errCh := make(chan error, 1)
				go func() { errCh <- srv.Start(addr) }()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				rt.log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.HTTP.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().StringVar(&contactsFile, "contacts", "", "JSON file with contacts to preload")
	return cmd
}

// loadContacts seeds the in-process contact directory from a JSON array.
func loadContacts(path string) (*crm.MemoryContactStore, error) {
	store := crm.NewMemoryContactStore()
	if path == "" {
		return store, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var contacts []types.Contact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for _, c := range contacts {
		if c.ID == "" {
			return nil, errors.New("contact without id in " + path)
		}
		store.PutContact(c)
	}
	return store, nil
}

