// Command automationd runs and operates the marketing automation engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeremylerwick-max/omni-channel-crm/config"
	"github.com/jeremylerwick-max/omni-channel-crm/crm"
	"github.com/jeremylerwick-max/omni-channel-crm/events"
	"github.com/jeremylerwick-max/omni-channel-crm/logger"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/workflow"
)

var (
	configFile string
	envFile    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "automationd",
	Short: "Marketing automation workflow engine",
	Long: `automationd enrolls CRM contacts into published workflow definitions and
advances them step by step: messages, contact updates, webhooks, waits,
conditions, splits and goals. Waiting enrollments are persisted and resumed
by the scheduler, so they survive restarts.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./automation.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(deadLettersCmd())
	rootCmd.AddCommand(simulateCmd())
}

// runtime is what every storage-backed command needs.
type runtime struct {
	cfg   *config.Config
	log   *zap.Logger
	store storage.Storage
	close func() error
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStorage(ctx, cfg)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return &runtime{
		cfg:   cfg,
		log:   log,
		store: store,
		close: func() error {
			defer log.Sync() //nolint:errcheck
			return closeStore()
		},
	}, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *runtime) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close() //nolint:errcheck
	return fn(ctx, rt)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, func() error, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStorage(), func() error { return nil }, nil
	case config.DriverSQLite:
		s, err := storage.NewSQLiteStorage(ctx, cfg.SQLiteOptions())
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverRedis:
		s, err := storage.NewRedisStorage(cfg.RedisOptions())
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// newEngine builds an engine from the loaded configuration. bus may be nil.
func (rt *runtime) newEngine(contacts crm.ContactStore, bus *events.EventBus) (*workflow.Engine, error) {
	cfg := rt.cfg
	opts := []workflow.Option{
		workflow.WithLogger(rt.log),
		workflow.WithRetryPolicy(cfg.RetryPolicy()),
		workflow.WithMaxStepsPerRun(cfg.Engine.MaxStepsPerRun),
		workflow.WithStrictTokens(cfg.Engine.StrictTokens),
		workflow.WithSchedulerConfig(cfg.SchedulerConfig()),
		workflow.WithWebhookClient(crm.NewHTTPWebhookClient(cfg.Webhooks.DefaultTimeout, cfg.Webhooks.MaxTimeout)),
	}
	if cfg.Messaging.Endpoint != "" {
		opts = append(opts, workflow.WithMessenger(crm.NewHTTPMessenger(cfg.Messaging.Endpoint, cfg.Messaging.APIKey, cfg.Messaging.Timeout)))
	} else {
		rt.log.Warn("messaging.endpoint is not set; send_message steps will fail")
	}
	if bus != nil {
		opts = append(opts, workflow.WithEventBus(bus))
	}
	return workflow.NewEngine(generator.NewSnowflake(time.Now().Add(-time.Second), 1), rt.store, contacts, opts...)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
