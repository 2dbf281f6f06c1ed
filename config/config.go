// Package config loads automationd settings from defaults, an optional
// YAML file, a .env file and AUTOMATION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jeremylerwick-max/omni-channel-crm/logger"
	"github.com/jeremylerwick-max/omni-channel-crm/scheduler"
	"github.com/jeremylerwick-max/omni-channel-crm/storage"
	"github.com/jeremylerwick-max/omni-channel-crm/workflow"
)

const (
	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "AUTOMATION"

	// ConfigName is the file name (without extension) searched for when no
	// explicit config file is given.
	ConfigName = "automation"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config holds the application configuration
type Config struct {
	Log struct {
		Debug  bool   `mapstructure:"debug"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"log"`

	Storage struct {
		Driver string `mapstructure:"driver"` // memory, sqlite or redis
		SQLite struct {
			Path        string        `mapstructure:"path"`
			BusyTimeout time.Duration `mapstructure:"busy_timeout"`
		} `mapstructure:"sqlite"`
		Redis struct {
			Addr         string        `mapstructure:"addr"`
			Password     string        `mapstructure:"password"`
			DB           int           `mapstructure:"db"`
			PoolSize     int           `mapstructure:"pool_size"`
			MinIdleConns int           `mapstructure:"min_idle_conns"`
			IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
			KeyPrefix    string        `mapstructure:"key_prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"storage"`

	Engine struct {
		MaxStepsPerRun int  `mapstructure:"max_steps_per_run"`
		StrictTokens   bool `mapstructure:"strict_tokens"`
		Retry          struct {
			MaxAttempts     int           `mapstructure:"max_attempts"`
			InitialInterval time.Duration `mapstructure:"initial_interval"`
			MaxInterval     time.Duration `mapstructure:"max_interval"`
			Multiplier      float64       `mapstructure:"multiplier"`
		} `mapstructure:"retry"`
	} `mapstructure:"engine"`

	Scheduler struct {
		Owner         string          `mapstructure:"owner"`
		PollInterval  time.Duration   `mapstructure:"poll_interval"`
		BatchSize     int             `mapstructure:"batch_size"`
		Workers       int             `mapstructure:"workers"`
		LeaseDuration time.Duration   `mapstructure:"lease_duration"`
		MaxAttempts   int             `mapstructure:"max_attempts"`
		Backoff       []time.Duration `mapstructure:"backoff"`
	} `mapstructure:"scheduler"`

	HTTP struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`

	Messaging struct {
		Endpoint string        `mapstructure:"endpoint"`
		APIKey   string        `mapstructure:"api_key"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"messaging"`

	Webhooks struct {
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
		MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	} `mapstructure:"webhooks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.debug", false)
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite.path", "automation.db")
	v.SetDefault("storage.sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.redis.key_prefix", "automation")

	retry := workflow.DefaultRetryPolicy()
	v.SetDefault("engine.max_steps_per_run", workflow.DefaultMaxStepsPerRun)
	v.SetDefault("engine.strict_tokens", false)
	v.SetDefault("engine.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("engine.retry.initial_interval", retry.InitialInterval)
	v.SetDefault("engine.retry.max_interval", retry.MaxInterval)
	v.SetDefault("engine.retry.multiplier", retry.Multiplier)

	v.SetDefault("scheduler.owner", "")
	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.lease_duration", 5*time.Minute)
	v.SetDefault("scheduler.max_attempts", 5)
	v.SetDefault("scheduler.backoff", scheduler.DefaultBackoff)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("messaging.endpoint", "")
	v.SetDefault("messaging.api_key", "")
	v.SetDefault("messaging.timeout", 10*time.Second)

	v.SetDefault("webhooks.default_timeout", 10*time.Second)
	v.SetDefault("webhooks.max_timeout", 2*time.Minute)
}

// Load reads the configuration. configFile may be empty, in which case
// automation.yaml is looked up in the working directory and ./config and
// its absence is not an error. envFile names a dotenv file whose variables
// are loaded first; a missing envFile is ignored.
func Load(configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Engine.MaxStepsPerRun < 0 {
		errs = append(errs, errors.New("engine.max_steps_per_run must not be negative"))
	}
	for _, d := range c.Scheduler.Backoff {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.backoff entries must be positive, got %s", d))
			break
		}
	}
	return errors.Join(errs...)
}

// LoggerConfig returns the logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{Debug: c.Log.Debug, Format: c.Log.Format, File: c.Log.File}
}

// RetryPolicy returns the step retry policy.
func (c *Config) RetryPolicy() workflow.RetryPolicy {
	r := c.Engine.Retry
	return workflow.RetryPolicy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
	}
}

// SchedulerConfig returns the scheduler settings.
func (c *Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		Owner:         s.Owner,
		PollInterval:  s.PollInterval,
		BatchSize:     s.BatchSize,
		Workers:       s.Workers,
		LeaseDuration: s.LeaseDuration,
		MaxAttempts:   s.MaxAttempts,
		Backoff:       s.Backoff,
	}
}

// SQLiteOptions returns the SQLite backend settings.
func (c *Config) SQLiteOptions() storage.SQLiteOptions {
	return storage.SQLiteOptions{Path: c.Storage.SQLite.Path, BusyTimeout: c.Storage.SQLite.BusyTimeout}
}

// RedisOptions returns the Redis backend settings.
func (c *Config) RedisOptions() storage.RedisOptions {
	r := c.Storage.Redis
	return storage.RedisOptions{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
		IdleTimeout:  r.IdleTimeout,
		KeyPrefix:    r.KeyPrefix,
	}
}
