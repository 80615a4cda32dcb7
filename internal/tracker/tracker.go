// Package tracker implements per-source accumulation of sub-threshold
// threat observations and their escalation into stronger responses.
package tracker

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yl2chen/cidranger"

	"netdefend/internal/schema"
)

const shardCount = 64

// Config holds escalation windows, thresholds and protected ranges.
type Config struct {
	// MediumWindow / MediumThreshold control the medium-tier track.
	MediumWindow    time.Duration `yaml:"medium_window" validate:"gt=0"`
	MediumThreshold int           `yaml:"medium_threshold" validate:"gt=0"`

	// LowWindow / LowThreshold control the low-tier track.
	LowWindow    time.Duration `yaml:"low_window" validate:"gt=0"`
	LowThreshold int           `yaml:"low_threshold" validate:"gt=0"`

	// ProtectedRanges are CIDRs that are tracked but never escalate.
	ProtectedRanges []string `yaml:"protected_ranges"`

	// SweepInterval controls how often stale records are purged.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// DefaultConfig returns the default escalation configuration. The
// protected ranges cover RFC1918 space and loopback.
func DefaultConfig() Config {
	return Config{
		MediumWindow:    60 * time.Second,
		MediumThreshold: 3,
		LowWindow:       300 * time.Second,
		LowThreshold:    10,
		ProtectedRanges: []string{
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
			"127.0.0.0/8",
		},
		SweepInterval: 60 * time.Second,
	}
}

// Tier is the accumulation track an observation falls into.
type Tier int

const (
	TierNone Tier = iota
	TierLow
	TierMedium
)

// TierForProbability maps a maliciousness probability to its
// accumulation tier. Probabilities at or above 0.9 are handled
// directly and do not accumulate.
func TierForProbability(p float64) Tier {
	switch {
	case p >= 0.9:
		return TierNone
	case p >= 0.7:
		return TierMedium
	case p >= 0.5:
		return TierLow
	default:
		return TierNone
	}
}

// Result describes the tracker's verdict for one observation.
type Result struct {
	Escalate  bool
	Action    schema.Action
	Reason    string
	Protected bool
	Count     int // observations in the window after this one
}

// record holds the two independent timestamp windows for one source.
type record struct {
	medium   []time.Time
	low      []time.Time
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	records map[string]*record
}

// Tracker accumulates observations per source and decides escalation.
// Safe for concurrent use; per-source updates are linearized by shard
// locks.
type Tracker struct {
	mu     sync.RWMutex // guards cfg and ranger
	cfg    Config
	ranger cidranger.Ranger

	shards [shardCount]*shard
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	escalations      atomic.Uint64
	policyViolations atomic.Uint64
	trackedProtected atomic.Uint64
}

// New creates a tracker. Invalid protected CIDRs are rejected.
func New(cfg Config, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ranger, err := buildRanger(cfg.ProtectedRanges)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:    cfg,
		ranger: ranger,
		logger: logger,
	}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[string]*record)}
	}
	return t, nil
}

func buildRanger(cidrs []string) (cidranger.Ranger, error) {
	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("tracker: invalid protected range %q: %w", cidr, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, fmt.Errorf("tracker: failed to insert range %q: %w", cidr, err)
		}
	}
	return ranger, nil
}

// Start launches the periodic sweep of stale records.
func (t *Tracker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.sweepLoop(ctx)
}

// Stop halts the sweep loop, waiting up to the context deadline.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track records one observation for source and reports whether it
// triggers escalation. Protected sources are counted for visibility
// but never escalate.
func (t *Tracker) Track(source string, tier Tier, now time.Time) Result {
	if tier == TierNone {
		return Result{}
	}

	t.mu.RLock()
	cfg := t.cfg
	t.mu.RUnlock()

	protected := t.IsProtected(source)
	if protected {
		t.trackedProtected.Add(1)
	}

	sh := t.shardFor(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[source]
	if !ok {
		rec = &record{}
		sh.records[source] = rec
	}
	rec.lastSeen = now

	switch tier {
	case TierMedium:
		rec.medium = pruneAppend(rec.medium, now, cfg.MediumWindow)
		count := len(rec.medium)
		if count >= cfg.MediumThreshold {
			rec.medium = rec.medium[:0]
			if protected {
				return Result{Protected: true, Count: count}
			}
			t.escalations.Add(1)
			t.logger.Warn("medium-tier escalation triggered",
				"source", source,
				"count", count,
				"window", cfg.MediumWindow,
			)
			return Result{
				Escalate: true,
				Action:   schema.PermanentBlock(),
				Reason:   fmt.Sprintf("%d medium-confidence observations within %s", count, cfg.MediumWindow),
				Count:    count,
			}
		}
		return Result{Protected: protected, Count: count}

	case TierLow:
		rec.low = pruneAppend(rec.low, now, cfg.LowWindow)
		count := len(rec.low)
		if count >= cfg.LowThreshold {
			rec.low = rec.low[:0]
			if protected {
				return Result{Protected: true, Count: count}
			}
			t.escalations.Add(1)
			t.logger.Warn("low-tier escalation triggered",
				"source", source,
				"count", count,
				"window", cfg.LowWindow,
			)
			return Result{
				Escalate: true,
				Action:   schema.WarningBlock(),
				Reason:   fmt.Sprintf("%d low-confidence observations within %s", count, cfg.LowWindow),
				Count:    count,
			}
		}
		return Result{Protected: protected, Count: count}
	}

	return Result{Protected: protected}
}

// pruneAppend drops timestamps older than window, then appends now.
func pruneAppend(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return append(kept, now)
}

// IsProtected reports whether the source address falls in a protected
// range. Unparseable addresses are treated as protected so malformed
// input can never be blocked.
func (t *Tracker) IsProtected(source string) bool {
	ip := net.ParseIP(source)
	if ip == nil {
		return true
	}

	t.mu.RLock()
	ranger := t.ranger
	t.mu.RUnlock()

	contains, err := ranger.Contains(ip)
	if err != nil {
		return true
	}
	return contains
}

// RecordViolation counts an attempted blocking action against a
// protected address. The attempt is rejected by the caller.
func (t *Tracker) RecordViolation(source string, action schema.Action) {
	t.policyViolations.Add(1)
	t.logger.Error("policy violation: blocking action for protected address rejected",
		"source", source,
		"action", action.String(),
	)
}

// UpdateConfig applies a new escalation configuration. Called on hot
// reload; in-flight windows are preserved.
func (t *Tracker) UpdateConfig(cfg Config) error {
	ranger, err := buildRanger(cfg.ProtectedRanges)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.cfg = cfg
	t.ranger = ranger
	t.mu.Unlock()

	t.logger.Info("tracker configuration updated",
		"medium_threshold", cfg.MediumThreshold,
		"medium_window", cfg.MediumWindow,
		"low_threshold", cfg.LowThreshold,
		"low_window", cfg.LowWindow,
		"protected_ranges", len(cfg.ProtectedRanges),
	)
	return nil
}

func (t *Tracker) shardFor(source string) *shard {
	h := fnv.New32a()
	h.Write([]byte(source))
	return t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer close(t.done)

	t.mu.RLock()
	interval := t.cfg.SweepInterval
	t.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := t.sweep(time.Now())
			if removed > 0 {
				t.logger.Debug("swept stale accumulation records", "removed", removed)
			}
		}
	}
}

// sweep removes records idle past the larger window.
func (t *Tracker) sweep(now time.Time) int {
	t.mu.RLock()
	idle := t.cfg.LowWindow
	if t.cfg.MediumWindow > idle {
		idle = t.cfg.MediumWindow
	}
	t.mu.RUnlock()

	cutoff := now.Add(-idle)
	removed := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		for source, rec := range sh.records {
			if rec.lastSeen.Before(cutoff) {
				delete(sh.records, source)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// TrackedSources returns the number of sources currently tracked.
func (t *Tracker) TrackedSources() int {
	total := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		total += len(sh.records)
		sh.mu.Unlock()
	}
	return total
}

// Metrics returns tracker counters.
func (t *Tracker) Metrics() TrackerMetrics {
	return TrackerMetrics{
		Escalations:      t.escalations.Load(),
		PolicyViolations: t.policyViolations.Load(),
		TrackedProtected: t.trackedProtected.Load(),
		TrackedSources:   t.TrackedSources(),
	}
}

// TrackerMetrics holds tracker statistics.
type TrackerMetrics struct {
	Escalations      uint64 `json:"escalations"`
	PolicyViolations uint64 `json:"policy_violations"`
	TrackedProtected uint64 `json:"tracked_protected"`
	TrackedSources   int    `json:"tracked_sources"`
}
