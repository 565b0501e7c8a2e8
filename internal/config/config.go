package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Execution modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "BLOCKFLOW"

// Config is the complete runtime configuration.
type Config struct {
	// DataDir holds the queue database.
	DataDir string `yaml:"data_dir" split_words:"true"`

	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Transport TransportConfig `yaml:"transport"`
	Worker    WorkerConfig    `yaml:"worker"`
	Execution ExecutionConfig `yaml:"execution"`
	Redis     RedisConfig     `yaml:"redis"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	// Port of the health and progress server. Zero disables it.
	Port int `yaml:"port"`
}

type SchedulerConfig struct {
	// Concurrency bounds node executions across all jobs. Zero is unbounded.
	Concurrency int           `yaml:"concurrency"`
	Retention   time.Duration `yaml:"retention"`
}

type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
	// Prefetch is how many result messages the transport handles at once.
	Prefetch int `yaml:"prefetch"`
}

type TransportConfig struct {
	ShardID           string            `yaml:"shard_id" split_words:"true"`
	TaskExchange      string            `yaml:"task_exchange" split_words:"true"`
	ResultExchange    string            `yaml:"result_exchange" split_words:"true"`
	DefaultRoutingKey string            `yaml:"default_routing_key" split_words:"true"`
	PinnedConsumers   map[string]string `yaml:"pinned_consumers" split_words:"true"`
	FixedQueueSuffix  string            `yaml:"fixed_queue_suffix" split_words:"true"`
}

type WorkerConfig struct {
	Queues      []string      `yaml:"queues"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"max_retries" split_words:"true"`
	RetryDelay  time.Duration `yaml:"retry_delay" split_words:"true"`
}

type ExecutionConfig struct {
	// Mode is ModeLocal or ModeRemote.
	Mode string `yaml:"mode"`
	// RemoteBlocks limits remote mode to these blocks; the rest run in
	// process. Empty sends every block to workers.
	RemoteBlocks []string `yaml:"remote_blocks" split_words:"true"`
}

type RedisConfig struct {
	// URL enables the Redis event sink when set.
	URL         string        `yaml:"url"`
	Prefix      string        `yaml:"prefix"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" split_words:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: ".blockflow",
		Log:     LogConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			Concurrency: 10,
			Retention:   5 * time.Minute,
		},
		Queue: QueueConfig{
			PollInterval: time.Second,
			Prefetch:     16,
		},
		Transport: TransportConfig{
			TaskExchange:      "tasks",
			ResultExchange:    "results",
			DefaultRoutingKey: "tasks",
		},
		Worker: WorkerConfig{
			Queues:      []string{"tasks"},
			Concurrency: 4,
			MaxRetries:  3,
			RetryDelay:  time.Second,
		},
		Execution: ExecutionConfig{Mode: ModeLocal},
		Redis: RedisConfig{
			Prefix:      "blockflow",
			SnapshotTTL: time.Hour,
		},
	}
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DataDir == "" {
		add("data_dir must not be empty")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("invalid log format %q: must be 'text' or 'json'", c.Log.Format)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		add("http port %d is out of range", c.HTTP.Port)
	}
	if c.Scheduler.Concurrency < 0 {
		add("scheduler concurrency must not be negative")
	}
	if c.Scheduler.Retention <= 0 {
		add("scheduler retention must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		add("queue poll interval must be positive")
	}
	if c.Queue.Prefetch < 1 {
		add("queue prefetch must be at least 1")
	}
	if len(c.Worker.Queues) == 0 {
		add("worker needs at least one queue")
	}
	if c.Worker.Concurrency < 1 {
		add("worker concurrency must be at least 1")
	}
	if c.Worker.MaxRetries < 0 {
		add("worker max retries must not be negative")
	}
	if c.Worker.RetryDelay <= 0 {
		add("worker retry delay must be positive")
	}
	if c.Execution.Mode != ModeLocal && c.Execution.Mode != ModeRemote {
		add("invalid execution mode %q: must be %q or %q", c.Execution.Mode, ModeLocal, ModeRemote)
	}
	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			add("invalid redis url: %v", err)
		}
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print: credentials in URLs are masked.
func (c Config) Redacted() Config {
	if c.Redis.URL != "" {
		if u, err := url.Parse(c.Redis.URL); err == nil && u.User != nil {
			c.Redis.URL = u.Redacted()
		}
	}
	return c
}
