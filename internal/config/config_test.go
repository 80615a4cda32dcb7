package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q, want default", cfg.Logging.Level)
	}
	if cfg.Engine.MaxPending != 1000 {
		t.Errorf("max pending = %d, want default 1000", cfg.Engine.MaxPending)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
logging:
  level: debug
engine:
  high_threshold: 0.85
  max_pending: 500
tracker:
  medium_threshold: 5
trainer:
  batch_size: 64
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Engine.HighThreshold != 0.85 {
		t.Errorf("high threshold = %f", cfg.Engine.HighThreshold)
	}
	if cfg.Engine.MaxPending != 500 {
		t.Errorf("max pending = %d", cfg.Engine.MaxPending)
	}
	if cfg.Tracker.MediumThreshold != 5 {
		t.Errorf("medium threshold = %d", cfg.Tracker.MediumThreshold)
	}
	if cfg.Trainer.BatchSize != 64 {
		t.Errorf("trainer batch size = %d", cfg.Trainer.BatchSize)
	}
	// Untouched sections keep defaults.
	if cfg.Buffer.Capacity != 10000 {
		t.Errorf("buffer capacity = %d, want default", cfg.Buffer.Capacity)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestValidateCrossFieldConstraints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trainer.BatchSize = cfg.Buffer.Capacity + 1
	if err := cfg.Validate(); err == nil {
		t.Error("batch size above buffer capacity accepted")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown log level accepted")
	}

	cfg = DefaultConfig()
	cfg.Engine.MaxPending = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero pending cap accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NETDEFEND_LOG_LEVEL", "warn")
	t.Setenv("NETDEFEND_BROKERS", "k1:9092, k2:9092")
	t.Setenv("NETDEFEND_MAX_PENDING", "250")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if !cfg.Stream.Enabled {
		t.Error("brokers override did not enable streaming")
	}
	if len(cfg.Stream.Brokers) != 2 || cfg.Stream.Brokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Stream.Brokers)
	}
	if cfg.Engine.MaxPending != 250 {
		t.Errorf("max pending = %d", cfg.Engine.MaxPending)
	}
}
