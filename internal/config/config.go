// Package config loads and validates the full application
// configuration: defaults, YAML file, then environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"netdefend/internal/agent"
	"netdefend/internal/audit"
	"netdefend/internal/buffer"
	"netdefend/internal/checkpoint"
	"netdefend/internal/engine"
	"netdefend/internal/executor"
	"netdefend/internal/reward"
	"netdefend/internal/state"
	"netdefend/internal/stream"
	"netdefend/internal/tracker"
	"netdefend/internal/trainer"
)

// Config holds the complete application configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	State      state.Config     `yaml:"state"`
	Reward     reward.Config    `yaml:"reward"`
	Tracker    tracker.Config   `yaml:"tracker"`
	Buffer     buffer.Config    `yaml:"buffer"`
	Agent      agent.Config     `yaml:"agent"`
	Trainer    trainer.Config   `yaml:"trainer"`
	Engine     engine.Config    `yaml:"engine"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Stream     StreamConfig     `yaml:"stream"`
	Audit      AuditConfig      `yaml:"audit"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// ServerConfig holds the diagnostics HTTP server settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ExecutorConfig groups enforcement settings.
type ExecutorConfig struct {
	executor.Config `yaml:",inline"`

	// Mode selects the enforcement backend: firewall or memory.
	Mode     string                  `yaml:"mode" validate:"oneof=firewall memory"`
	Firewall executor.FirewallConfig `yaml:"firewall"`

	// Redis mirrors block state for peer nodes.
	RedisEnabled bool                 `yaml:"redis_enabled"`
	Redis        executor.RedisConfig `yaml:"redis"`
}

// StreamConfig wraps the Kafka pipeline settings with an enable flag
// so the engine can run library-only.
type StreamConfig struct {
	Enabled       bool `yaml:"enabled"`
	stream.Config `yaml:",inline"`
}

// AuditConfig groups the decision trail settings.
type AuditConfig struct {
	Enabled    bool                   `yaml:"enabled"`
	ClickHouse audit.ClickHouseConfig `yaml:"clickhouse"`
	Writer     audit.WriterConfig     `yaml:"writer"`
}

// CheckpointConfig groups policy persistence settings.
type CheckpointConfig struct {
	checkpoint.Config `yaml:",inline"`
	S3                checkpoint.S3Config `yaml:"s3"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Enabled: true,
			Address: ":9190",
		},
		State:   state.DefaultConfig(),
		Reward:  reward.DefaultConfig(),
		Tracker: tracker.DefaultConfig(),
		Buffer:  buffer.DefaultConfig(),
		Agent:   agent.DefaultConfig(),
		Trainer: trainer.DefaultConfig(),
		Engine:  engine.DefaultConfig(),
		Executor: ExecutorConfig{
			Config:   executor.DefaultConfig(),
			Mode:     "memory",
			Firewall: executor.DefaultFirewallConfig(),
			Redis:    executor.DefaultRedisConfig(),
		},
		Stream: StreamConfig{
			Enabled: false,
			Config:  stream.DefaultConfig(),
		},
		Audit: AuditConfig{
			Enabled:    false,
			ClickHouse: audit.DefaultClickHouseConfig(),
			Writer:     audit.DefaultWriterConfig(),
		},
		Checkpoint: CheckpointConfig{
			Config: checkpoint.DefaultConfig(),
			S3:     checkpoint.DefaultS3Config(),
		},
	}
}

// Load reads the configuration file named by NETDEFEND_CONFIG_PATH
// (default configs/config.yaml) over the defaults, applies environment
// overrides, and validates the result. A missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("NETDEFEND_CONFIG_PATH")
	if path == "" {
		path = "configs/config.yaml"
	}
	return LoadFile(path)
}

// LoadFile loads the configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps NETDEFEND_* variables onto the configuration.
// Secrets and deploy-specific endpoints are the intended use.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NETDEFEND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NETDEFEND_BROKERS"); v != "" {
		c.Stream.Brokers = splitAndTrim(v)
		c.Stream.Enabled = true
	}
	if v := os.Getenv("NETDEFEND_KAFKA_PASSWORD"); v != "" {
		c.Stream.SASLPassword = v
	}
	if v := os.Getenv("NETDEFEND_CLICKHOUSE_HOST"); v != "" {
		c.Audit.ClickHouse.Hosts = []string{v}
		c.Audit.Enabled = true
	}
	if v := os.Getenv("NETDEFEND_CLICKHOUSE_PASSWORD"); v != "" {
		c.Audit.ClickHouse.Password = v
	}
	if v := os.Getenv("NETDEFEND_REDIS_ADDR"); v != "" {
		c.Executor.Redis.Addr = v
		c.Executor.RedisEnabled = true
	}
	if v := os.Getenv("NETDEFEND_REDIS_PASSWORD"); v != "" {
		c.Executor.Redis.Password = v
	}
	if v := os.Getenv("NETDEFEND_S3_BUCKET"); v != "" {
		c.Checkpoint.S3.Bucket = v
		c.Checkpoint.RemoteEnabled = true
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.Checkpoint.S3.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.Checkpoint.S3.SecretAccessKey = v
	}
	if v := os.Getenv("NETDEFEND_EXECUTOR_MODE"); v != "" {
		c.Executor.Mode = v
	}
	if v := os.Getenv("NETDEFEND_CHECKPOINT_PATH"); v != "" {
		c.Checkpoint.LocalPath = v
	}
	if v := os.Getenv("NETDEFEND_SERVER_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("NETDEFEND_MAX_PENDING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxPending = n
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks struct tags plus cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}

	if c.Stream.Enabled {
		if err := c.Stream.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Trainer.BatchSize > c.Buffer.Capacity {
		return fmt.Errorf("config: trainer batch size %d exceeds buffer capacity %d",
			c.Trainer.BatchSize, c.Buffer.Capacity)
	}
	if c.Engine.HighThreshold < c.Agent.EpsilonMin {
		return fmt.Errorf("config: high threshold %.2f below exploration floor", c.Engine.HighThreshold)
	}
	return nil
}

// Tunables is the subset of settings that can change at runtime:
// escalation windows and thresholds, protected ranges, engine limits,
// reward cost coefficients, the buffer's malicious retention floor,
// and the training schedule.
type Tunables struct {
	Tracker tracker.Config
	Engine  engine.Config
	Reward  reward.Config
	Buffer  buffer.Config
	Trainer trainer.Config
}

// watchPollInterval is how often the file's modification time is
// checked between signals.
const watchPollInterval = 30 * time.Second

// WatchReload re-reads the configuration on SIGHUP or when the file's
// modification time changes, and hands the tunable subset to apply.
// Structural settings (brokers, storage, backends) require a restart
// and are ignored on reload.
func WatchReload(path string, logger *slog.Logger, apply func(Tunables)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	done := make(chan struct{})

	var lastMod time.Time
	if fi, err := os.Stat(path); err == nil {
		lastMod = fi.ModTime()
	}

	reload := func() {
		cfg, err := LoadFile(path)
		if err != nil {
			logger.Error("config reload failed", "path", path, "error", err)
			return
		}
		apply(Tunables{
			Tracker: cfg.Tracker,
			Engine:  cfg.Engine,
			Reward:  cfg.Reward,
			Buffer:  cfg.Buffer,
			Trainer: cfg.Trainer,
		})
		logger.Info("configuration reloaded", "path", path)
	}

	go func() {
		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ch:
				reload()
			case <-ticker.C:
				fi, err := os.Stat(path)
				if err != nil || !fi.ModTime().After(lastMod) {
					continue
				}
				lastMod = fi.ModTime()
				reload()
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
