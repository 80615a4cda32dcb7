// Package trainer runs the background learning loop: on a fixed
// interval it drains a batch from the experience buffer and invokes
// the agent's training step, fully off the decision path.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"netdefend/internal/agent"
	"netdefend/internal/buffer"
)

// Config holds training scheduler settings.
type Config struct {
	// Interval between training cycles.
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// MinBatch is the buffer fill below which a cycle is skipped.
	MinBatch int `yaml:"min_batch" validate:"gt=0"`

	// BatchSize is the number of experiences sampled per cycle.
	BatchSize int `yaml:"batch_size" validate:"gt=0"`

	// CheckpointEvery saves the policy every N successful cycles;
	// zero disables periodic checkpointing.
	CheckpointEvery int `yaml:"checkpoint_every" validate:"gte=0"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		MinBatch:        32,
		BatchSize:       32,
		CheckpointEvery: 30,
	}
}

// Sampler is the experience source.
type Sampler interface {
	Len() int
	Sample(n int) (buffer.Batch, error)
	UpdatePriorities(indices []int, tdErrors []float64) error
}

// Learner consumes sampled batches.
type Learner interface {
	Train(batch buffer.Batch) (agent.TrainingStats, error)
}

// Checkpointer persists the policy after training progress.
type Checkpointer interface {
	Save(ctx context.Context) error
}

// Trainer is the background training scheduler. One instance runs per
// process.
type Trainer struct {
	mu      sync.Mutex
	cfg     Config
	sampler Sampler
	learner Learner
	ckpt    Checkpointer // optional
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	cycles    atomic.Uint64
	skipped   atomic.Uint64
	failures  atomic.Uint64
	lastLoss  atomic.Value // float64
	successes uint64       // loop-local, guarded by single-goroutine access
}

// New creates a trainer. The checkpointer may be nil.
func New(cfg Config, sampler Sampler, learner Learner, ckpt Checkpointer, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		cfg:     cfg,
		sampler: sampler,
		learner: learner,
		ckpt:    ckpt,
		logger:  logger,
	}
}

// UpdateConfig replaces the schedule. An interval change takes effect
// after the next tick.
func (t *Trainer) UpdateConfig(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()

	t.logger.Info("training schedule updated",
		"interval", cfg.Interval,
		"min_batch", cfg.MinBatch,
		"batch_size", cfg.BatchSize,
	)
}

func (t *Trainer) snapshot() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Start launches the training loop.
func (t *Trainer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	cfg := t.snapshot()
	go t.loop(ctx)
	t.logger.Info("online trainer started",
		"interval", cfg.Interval,
		"min_batch", cfg.MinBatch,
		"batch_size", cfg.BatchSize,
	)
}

// Stop halts the loop, waiting for any in-flight cycle up to the
// context deadline.
func (t *Trainer) Stop(ctx context.Context) error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("trainer: shutdown timed out: %w", ctx.Err())
	}
}

func (t *Trainer) loop(ctx context.Context) {
	defer close(t.done)

	interval := t.snapshot().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runCycle(ctx)
			if cur := t.snapshot().Interval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// runCycle performs one training cycle. Failures are logged and
// swallowed so the scheduler always proceeds to the next cycle.
func (t *Trainer) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.logger.Error("training cycle panicked", "panic", r)
		}
	}()

	t.cycles.Add(1)
	cfg := t.snapshot()

	if t.sampler.Len() < cfg.MinBatch {
		t.skipped.Add(1)
		return
	}

	start := time.Now()
	batch, err := t.sampler.Sample(cfg.BatchSize)
	if err != nil {
		t.failures.Add(1)
		t.logger.Error("failed to sample training batch", "error", err)
		return
	}
	if len(batch.Experiences) == 0 {
		t.skipped.Add(1)
		return
	}

	stats, err := t.learner.Train(batch)
	if err != nil {
		t.failures.Add(1)
		t.logger.Error("training step failed",
			"error", err,
			"batch_size", len(batch.Experiences),
			"duration", time.Since(start),
		)
		return
	}

	if err := t.sampler.UpdatePriorities(batch.Indices, stats.TDErrors); err != nil {
		t.logger.Warn("failed to update sample priorities", "error", err)
	}

	t.lastLoss.Store(stats.Loss)
	t.successes++

	t.logger.Debug("training cycle complete",
		"step", stats.Step,
		"loss", stats.Loss,
		"td_loss", stats.TDLoss,
		"conservative_penalty", stats.ConservativePenalty,
		"epsilon", stats.Epsilon,
		"batch_size", stats.BatchSize,
		"duration", stats.Duration,
	)

	if t.ckpt != nil && cfg.CheckpointEvery > 0 && t.successes%uint64(cfg.CheckpointEvery) == 0 {
		if err := t.ckpt.Save(ctx); err != nil {
			t.logger.Error("periodic checkpoint failed", "error", err)
		}
	}
}

// Metrics returns scheduler counters.
func (t *Trainer) Metrics() TrainerMetrics {
	m := TrainerMetrics{
		Cycles:   t.cycles.Load(),
		Skipped:  t.skipped.Load(),
		Failures: t.failures.Load(),
	}
	if v := t.lastLoss.Load(); v != nil {
		m.LastLoss = v.(float64)
	}
	return m
}

// TrainerMetrics holds training loop statistics.
type TrainerMetrics struct {
	Cycles   uint64  `json:"cycles"`
	Skipped  uint64  `json:"skipped"`
	Failures uint64  `json:"failures"`
	LastLoss float64 `json:"last_loss"`
}
