// Package executor applies policy decisions to the network: firewall
// blocks, per-source rate limits, isolation, and their expiry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"netdefend/internal/schema"
)

var (
	// ErrProtectedAddress is returned when a blocking action targets a
	// protected address. The guard runs again here because the
	// protected set may change between decision and enforcement.
	ErrProtectedAddress = errors.New("blocking action for protected address")

	// ErrRetryExhausted is returned when enforcement keeps failing
	// after all retries.
	ErrRetryExhausted = errors.New("enforcement retries exhausted")

	// ErrInvalidAddress is returned for unparseable source addresses.
	ErrInvalidAddress = errors.New("invalid source address")
)

// Guard reports whether an address must never be blocked.
type Guard func(ip string) bool

// Config holds executor settings.
type Config struct {
	// MaxRetries bounds enforcement attempts per action.
	MaxRetries int `yaml:"max_retries" validate:"gte=1"`

	// RetryBackoff is the initial delay between attempts; it doubles
	// per retry.
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gt=0"`

	// SweepInterval controls expiry of temporary blocks.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		RetryBackoff:  100 * time.Millisecond,
		SweepInterval: 10 * time.Second,
	}
}

// blockEntry tracks one active block. A zero expiry means permanent.
type blockEntry struct {
	expires   time.Time
	isolated  bool
	appliedAt time.Time
}

// Executor turns decisions into enforcement calls. Safe for concurrent
// use.
type Executor struct {
	cfg      Config
	enforcer Enforcer
	guard    Guard
	logger   *slog.Logger

	mu       sync.Mutex
	blocks   map[string]*blockEntry
	limiters map[string]*rate.Limiter
	inspect  map[string]bool

	cancel context.CancelFunc
	done   chan struct{}

	executed  atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	expired   atomic.Uint64
	rejected  atomic.Uint64 // protected-address rejections
	dedupHits atomic.Uint64
}

// New creates an executor. The guard may be nil, disabling the
// enforcement-time protected check.
func New(cfg Config, enforcer Enforcer, guard Guard, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		enforcer: enforcer,
		guard:    guard,
		logger:   logger,
		blocks:   make(map[string]*blockEntry),
		limiters: make(map[string]*rate.Limiter),
		inspect:  make(map[string]bool),
	}
}

// Start launches the temporary-block expiry sweep.
func (x *Executor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	x.done = make(chan struct{})
	go x.sweepLoop(ctx)
}

// Stop halts the sweep loop within the context deadline.
func (x *Executor) Stop(ctx context.Context) error {
	if x.cancel == nil {
		return nil
	}
	x.cancel()
	select {
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute applies one decision. Allow and deep-inspect never touch the
// enforcer; blocking actions are idempotent per address.
func (x *Executor) Execute(ctx context.Context, d schema.Decision) error {
	source := d.Observation.SourceIP

	switch d.Action.Kind {
	case schema.ActionAllow:
		x.executed.Add(1)
		return nil

	case schema.ActionDeepInspect:
		x.mu.Lock()
		x.inspect[source] = true
		x.mu.Unlock()
		x.executed.Add(1)
		return nil

	case schema.ActionRateLimit:
		x.mu.Lock()
		x.limiters[source] = rate.NewLimiter(rate.Limit(d.Action.Rate), d.Action.Burst)
		x.mu.Unlock()
		x.executed.Add(1)
		x.logger.Info("rate limit applied",
			"source", source,
			"rate", d.Action.Rate,
			"burst", d.Action.Burst,
		)
		return nil

	case schema.ActionTemporaryBlock, schema.ActionPermanentBlock, schema.ActionIsolate:
		return x.executeBlock(ctx, d)

	default:
		x.failed.Add(1)
		return fmt.Errorf("executor: unknown action kind %d", d.Action.Kind)
	}
}

func (x *Executor) executeBlock(ctx context.Context, d schema.Decision) error {
	source := d.Observation.SourceIP

	ip := net.ParseIP(source)
	if ip == nil {
		x.failed.Add(1)
		return fmt.Errorf("%w: %q", ErrInvalidAddress, source)
	}
	if x.guard != nil && x.guard(source) {
		x.rejected.Add(1)
		x.logger.Error("blocking action rejected at enforcement time",
			"source", source,
			"action", d.Action.String(),
			"correlation_id", d.CorrelationID,
		)
		return fmt.Errorf("%w: %s", ErrProtectedAddress, source)
	}

	isolate := d.Action.Kind == schema.ActionIsolate
	duration := time.Duration(0)
	if d.Action.Kind == schema.ActionTemporaryBlock {
		duration = d.Action.Duration
		if duration <= 0 {
			duration = schema.DefaultBlockDuration
		}
	}

	now := time.Now()
	var expires time.Time
	if duration > 0 {
		expires = now.Add(duration)
	}

	x.mu.Lock()
	if cur, ok := x.blocks[source]; ok {
		// Already enforced. Only widen: extend the expiry or upgrade a
		// temporary block to permanent or isolation.
		if !isolate || cur.isolated {
			if cur.expires.IsZero() || (!expires.IsZero() && expires.Before(cur.expires)) {
				x.mu.Unlock()
				x.dedupHits.Add(1)
				return nil
			}
			cur.expires = expires
			x.mu.Unlock()
			x.dedupHits.Add(1)
			return nil
		}
	}
	x.mu.Unlock()

	apply := func(c context.Context) error {
		if isolate {
			return x.enforcer.Isolate(c, ip)
		}
		return x.enforcer.Block(c, ip, duration)
	}
	if err := x.withRetry(ctx, apply); err != nil {
		x.failed.Add(1)
		return err
	}

	x.mu.Lock()
	x.blocks[source] = &blockEntry{expires: expires, isolated: isolate, appliedAt: now}
	x.mu.Unlock()

	x.executed.Add(1)
	x.logger.Warn("source blocked",
		"source", source,
		"action", d.Action.String(),
		"duration", duration,
		"correlation_id", d.CorrelationID,
	)
	return nil
}

// withRetry runs fn with exponential backoff between attempts.
func (x *Executor) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := x.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt < x.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			x.retried.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		x.logger.Warn("enforcement attempt failed",
			"attempt", attempt+1,
			"error", lastErr,
		)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, x.cfg.MaxRetries, lastErr)
}

// Unblock removes an active block.
func (x *Executor) Unblock(ctx context.Context, source string) error {
	ip := net.ParseIP(source)
	if ip == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, source)
	}

	if err := x.enforcer.Unblock(ctx, ip); err != nil {
		return err
	}
	x.mu.Lock()
	delete(x.blocks, source)
	x.mu.Unlock()
	return nil
}

// AllowRate consults the source's rate limiter. Sources without an
// active limit are always allowed.
func (x *Executor) AllowRate(source string) bool {
	x.mu.Lock()
	lim, ok := x.limiters[source]
	x.mu.Unlock()
	if !ok {
		return true
	}
	return lim.Allow()
}

// Inspecting reports whether a source is flagged for deep inspection.
func (x *Executor) Inspecting(source string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inspect[source]
}

// Blocked reports whether a source has an active block.
func (x *Executor) Blocked(source string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.blocks[source]
	return ok
}

func (x *Executor) sweepLoop(ctx context.Context) {
	defer close(x.done)

	ticker := time.NewTicker(x.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x.sweep(ctx, time.Now())
		}
	}
}

// sweep lifts expired temporary blocks.
func (x *Executor) sweep(ctx context.Context, now time.Time) {
	var lift []string
	x.mu.Lock()
	for source, entry := range x.blocks {
		if !entry.expires.IsZero() && entry.expires.Before(now) {
			lift = append(lift, source)
		}
	}
	x.mu.Unlock()

	for _, source := range lift {
		if err := x.Unblock(ctx, source); err != nil {
			x.logger.Warn("failed to lift expired block", "source", source, "error", err)
			continue
		}
		x.expired.Add(1)
		x.logger.Info("temporary block expired", "source", source)
	}
}

// Metrics returns executor counters.
func (x *Executor) Metrics() ExecutorMetrics {
	x.mu.Lock()
	active := len(x.blocks)
	limited := len(x.limiters)
	x.mu.Unlock()

	return ExecutorMetrics{
		Executed:     x.executed.Load(),
		Failed:       x.failed.Load(),
		Retried:      x.retried.Load(),
		Expired:      x.expired.Load(),
		Rejected:     x.rejected.Load(),
		DedupHits:    x.dedupHits.Load(),
		ActiveBlocks: active,
		RateLimited:  limited,
	}
}

// ExecutorMetrics holds enforcement statistics.
type ExecutorMetrics struct {
	Executed     uint64 `json:"executed"`
	Failed       uint64 `json:"failed"`
	Retried      uint64 `json:"retried"`
	Expired      uint64 `json:"expired"`
	Rejected     uint64 `json:"rejected"`
	DedupHits    uint64 `json:"dedup_hits"`
	ActiveBlocks int    `json:"active_blocks"`
	RateLimited  int    `json:"rate_limited"`
}
