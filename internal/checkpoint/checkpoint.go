// Package checkpoint persists the learned policy: atomically to local
// disk every save, and optionally as a compressed, digest-verified
// object in S3 for recovery on fresh hosts.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	metaDigest  = "policy-digest"
	metaSavedAt = "saved-at"

	latestKey = "policy/latest.json.gz"
)

// Policy is the agent surface the manager persists.
type Policy interface {
	Export() ([]byte, error)
	Import(data []byte) error
}

// ObjectStore is the remote side of checkpointing.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
}

// Config holds checkpoint settings.
type Config struct {
	// LocalPath is the on-disk checkpoint location.
	LocalPath string `yaml:"local_path" validate:"required"`

	// RemoteEnabled mirrors checkpoints to the object store.
	RemoteEnabled bool `yaml:"remote_enabled"`

	// KeepHistory also writes each remote checkpoint under a
	// timestamped key in addition to the latest pointer.
	KeepHistory bool `yaml:"keep_history"`
}

// DefaultConfig returns the default checkpoint settings.
func DefaultConfig() Config {
	return Config{
		LocalPath:     "/var/lib/netdefend/policy.json",
		RemoteEnabled: false,
		KeepHistory:   true,
	}
}

// Manager saves and restores policy checkpoints.
type Manager struct {
	cfg    Config
	policy Policy
	store  ObjectStore // nil when remote is disabled
	logger *slog.Logger

	saves    atomic.Uint64
	restores atomic.Uint64
	failures atomic.Uint64
}

// NewManager creates a checkpoint manager. The store may be nil when
// remote mirroring is disabled.
func NewManager(cfg Config, policy Policy, store ObjectStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		policy: policy,
		store:  store,
		logger: logger,
	}
}

// Save exports the policy, writes it locally, and mirrors it to the
// object store when enabled. A remote failure does not fail the save;
// the local copy is authoritative.
func (m *Manager) Save(ctx context.Context) error {
	data, err := m.policy.Export()
	if err != nil {
		m.failures.Add(1)
		return fmt.Errorf("checkpoint: export failed: %w", err)
	}

	if err := m.writeLocal(data); err != nil {
		m.failures.Add(1)
		return err
	}
	m.saves.Add(1)

	if m.cfg.RemoteEnabled && m.store != nil {
		if err := m.writeRemote(ctx, data); err != nil {
			m.logger.Warn("remote checkpoint mirror failed", "error", err)
		}
	}

	m.logger.Debug("checkpoint saved", "path", m.cfg.LocalPath, "bytes", len(data))
	return nil
}

// Restore loads the newest available checkpoint: local first, then the
// remote latest. A missing checkpoint everywhere is not an error; the
// policy keeps its fresh initialization.
func (m *Manager) Restore(ctx context.Context) error {
	data, err := os.ReadFile(m.cfg.LocalPath)
	switch {
	case err == nil:
		if err := m.policy.Import(data); err != nil {
			return fmt.Errorf("checkpoint: local restore failed: %w", err)
		}
		m.restores.Add(1)
		m.logger.Info("policy restored from local checkpoint", "path", m.cfg.LocalPath)
		return nil
	case !os.IsNotExist(err):
		return fmt.Errorf("checkpoint: failed to read %s: %w", m.cfg.LocalPath, err)
	}

	if !m.cfg.RemoteEnabled || m.store == nil {
		return nil
	}

	data, err = m.readRemote(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if err := m.policy.Import(data); err != nil {
		return fmt.Errorf("checkpoint: remote restore failed: %w", err)
	}
	// Reseed the local copy so the next restart avoids the download.
	if err := m.writeLocal(data); err != nil {
		m.logger.Warn("failed to reseed local checkpoint", "error", err)
	}
	m.restores.Add(1)
	m.logger.Info("policy restored from remote checkpoint")
	return nil
}

func (m *Manager) writeLocal(data []byte) error {
	dir := filepath.Dir(m.cfg.LocalPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("checkpoint: failed to create %s: %w", dir, err)
	}

	tmp := m.cfg.LocalPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("checkpoint: failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.cfg.LocalPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: failed to finalize %s: %w", m.cfg.LocalPath, err)
	}
	return nil
}

func (m *Manager) writeRemote(ctx context.Context, data []byte) error {
	compressed, err := gzipBytes(data)
	if err != nil {
		return err
	}

	digest := blake2b.Sum256(data)
	metadata := map[string]string{
		metaDigest:  hex.EncodeToString(digest[:]),
		metaSavedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if err := m.store.Put(ctx, latestKey, compressed, metadata); err != nil {
		return fmt.Errorf("checkpoint: failed to upload latest: %w", err)
	}
	if m.cfg.KeepHistory {
		key := fmt.Sprintf("policy/%s.json.gz", time.Now().UTC().Format("20060102T150405Z"))
		if err := m.store.Put(ctx, key, compressed, metadata); err != nil {
			return fmt.Errorf("checkpoint: failed to upload history entry: %w", err)
		}
	}
	return nil
}

// readRemote fetches and verifies the latest remote checkpoint.
// Returns nil data when no remote checkpoint exists.
func (m *Manager) readRemote(ctx context.Context) ([]byte, error) {
	compressed, metadata, err := m.store.Get(ctx, latestKey)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: failed to fetch remote: %w", err)
	}

	data, err := gunzipBytes(compressed)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: corrupt remote checkpoint: %w", err)
	}

	if want := metadata[metaDigest]; want != "" {
		digest := blake2b.Sum256(data)
		if hex.EncodeToString(digest[:]) != want {
			return nil, fmt.Errorf("checkpoint: digest mismatch on remote checkpoint")
		}
	}
	return data, nil
}

// Metrics returns checkpoint counters.
func (m *Manager) Metrics() Metrics {
	return Metrics{
		Saves:    m.saves.Load(),
		Restores: m.restores.Load(),
		Failures: m.failures.Load(),
	}
}

// Metrics holds checkpoint statistics.
type Metrics struct {
	Saves    uint64 `json:"saves"`
	Restores uint64 `json:"restores"`
	Failures uint64 `json:"failures"`
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("checkpoint: compression failed: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("checkpoint: compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
