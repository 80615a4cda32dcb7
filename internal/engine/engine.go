// Package engine orchestrates the per-observation decision path:
// state extraction, accumulation checks, policy selection, and the
// pending-experience lifecycle that feeds the learning loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"netdefend/internal/buffer"
	"netdefend/internal/reward"
	"netdefend/internal/schema"
	"netdefend/internal/state"
	"netdefend/internal/tracker"
)

var (
	// ErrUnknownCorrelation is returned for outcome reports whose
	// correlation id has no pending decision.
	ErrUnknownCorrelation = errors.New("unknown correlation id")
)

// Config holds decision engine settings.
type Config struct {
	// HighThreshold forces an immediate permanent block at or above
	// this probability, bypassing the policy agent.
	HighThreshold float64 `yaml:"high_threshold" validate:"gte=0,lte=1"`

	// OutcomeTimeout expires pending decisions with Outcome=Unknown
	// and zero reward.
	OutcomeTimeout time.Duration `yaml:"outcome_timeout" validate:"gt=0"`

	// MaxPending caps the pending decision table; the oldest entry is
	// resolved early when the cap is reached.
	MaxPending int `yaml:"max_pending" validate:"gt=0"`

	// JanitorInterval controls how often expired entries are swept.
	JanitorInterval time.Duration `yaml:"janitor_interval" validate:"gt=0"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		HighThreshold:   0.9,
		OutcomeTimeout:  30 * time.Second,
		MaxPending:      1000,
		JanitorInterval: time.Second,
	}
}

// Selector is the policy agent surface the engine needs.
type Selector interface {
	SelectAction(state schema.StateVector) (schema.Action, error)
	ModelVersion() uint64
}

// pending is a decision awaiting its outcome.
type pending struct {
	id          string
	source      string
	state       schema.StateVector
	nextState   schema.StateVector // nil until the source is seen again
	action      schema.Action
	probability float64
	cpuLoad     float64
	createdAt   time.Time
}

// Engine is the decision orchestrator. Observe is safe for concurrent
// callers and never blocks on training.
type Engine struct {
	cfg       Config
	extractor *state.Extractor
	tracker   *tracker.Tracker
	selector  Selector
	rewards   *reward.Calculator
	buffer    *buffer.Buffer
	logger    *slog.Logger

	mu       sync.Mutex
	pendings map[string]*pending
	bySource map[string][]string // source -> pending ids, next-state linkage
	order    []string            // insertion order for cap eviction

	cancel context.CancelFunc
	done   chan struct{}

	decisions   atomic.Uint64
	escalated   atomic.Uint64
	forced      atomic.Uint64
	degraded    atomic.Uint64
	timeouts    atomic.Uint64
	outcomes    atomic.Uint64
	earlyEvicts atomic.Uint64
}

// New creates a decision engine.
func New(cfg Config, ex *state.Extractor, tr *tracker.Tracker, sel Selector, rc *reward.Calculator, buf *buffer.Buffer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		extractor: ex,
		tracker:   tr,
		selector:  sel,
		rewards:   rc,
		buffer:    buf,
		logger:    logger,
		pendings:  make(map[string]*pending),
		bySource:  make(map[string][]string),
	}
}

// Start launches the pending-decision janitor.
func (e *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.janitor(ctx)
}

// Stop halts the janitor within the context deadline.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe processes one threat observation and returns the decision.
// Internal failures degrade to Allow rather than propagating.
func (e *Engine) Observe(ctx context.Context, obs schema.ThreatObservation, sys schema.SystemContext) (schema.Decision, error) {
	start := time.Now()
	if obs.ID == "" {
		obs.ID = schema.NewObservationID()
	}
	now := obs.Timestamp
	if now.IsZero() {
		now = start
	}

	sv := e.extractor.Extract(obs, sys)

	action, escalated, reason := e.decide(obs, sv, now)

	// A blocking action for a protected address is a policy violation:
	// reject it and fall back to heightened monitoring.
	if action.IsBlocking() && e.tracker.IsProtected(obs.SourceIP) {
		e.tracker.RecordViolation(obs.SourceIP, action)
		action = schema.DeepInspect()
		escalated = false
		reason = ""
	}

	d := schema.Decision{
		CorrelationID:    schema.NewCorrelationID(),
		Observation:      obs,
		Action:           action,
		Escalated:        escalated,
		EscalationReason: reason,
		ModelVersion:     e.selector.ModelVersion(),
		Latency:          time.Since(start),
		DecidedAt:        start,
	}

	e.registerPending(&pending{
		id:          d.CorrelationID,
		source:      obs.SourceIP,
		state:       sv,
		action:      action,
		probability: obs.Probability,
		cpuLoad:     sys.CPULoad,
		createdAt:   start,
	})

	e.decisions.Add(1)
	e.logger.Debug("decision made",
		"correlation_id", d.CorrelationID,
		"source", obs.SourceIP,
		"probability", obs.Probability,
		"action", action.String(),
		"escalated", escalated,
		"latency", d.Latency,
	)
	return d, nil
}

// decide picks the action: direct high-confidence response first, then
// accumulation escalation, then the learned policy.
func (e *Engine) decide(obs schema.ThreatObservation, sv schema.StateVector, now time.Time) (schema.Action, bool, string) {
	e.mu.Lock()
	high := e.cfg.HighThreshold
	e.mu.Unlock()

	if obs.Probability >= high {
		e.forced.Add(1)
		return schema.PermanentBlock(), true,
			fmt.Sprintf("probability %.2f at or above high threshold %.2f", obs.Probability, high)
	}

	res := e.tracker.Track(obs.SourceIP, tracker.TierForProbability(obs.Probability), now)
	if res.Escalate {
		e.escalated.Add(1)
		return res.Action, true, res.Reason
	}

	action, err := e.selector.SelectAction(sv)
	if err != nil {
		e.degraded.Add(1)
		e.logger.Error("action selection failed, degrading to allow",
			"source", obs.SourceIP,
			"error", err,
		)
		return schema.Allow(), false, ""
	}
	return action, false, ""
}

// registerPending stores a pending decision and links the source's
// earlier pendings to the new state as their next state.
func (e *Engine) registerPending(p *pending) {
	var evicted *pending

	e.mu.Lock()
	for _, id := range e.bySource[p.source] {
		if prev, ok := e.pendings[id]; ok && prev.nextState == nil {
			prev.nextState = p.state
		}
	}

	e.pendings[p.id] = p
	e.bySource[p.source] = append(e.bySource[p.source], p.id)
	e.order = append(e.order, p.id)

	if len(e.pendings) > e.cfg.MaxPending {
		for len(e.order) > 0 {
			oldest := e.order[0]
			e.order = e.order[1:]
			if old, ok := e.pendings[oldest]; ok {
				e.removeLocked(old)
				evicted = old
				break
			}
		}
	}
	e.mu.Unlock()

	if evicted != nil {
		e.earlyEvicts.Add(1)
		e.resolve(evicted, schema.OutcomeUnknown, 0, true)
	}
}

// removeLocked unlinks p from all indexes. Caller holds e.mu.
func (e *Engine) removeLocked(p *pending) {
	delete(e.pendings, p.id)
	ids := e.bySource[p.source]
	for i, id := range ids {
		if id == p.id {
			e.bySource[p.source] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(e.bySource[p.source]) == 0 {
		delete(e.bySource, p.source)
	}
}

// ReportOutcome resolves a pending decision with enforcement feedback.
func (e *Engine) ReportOutcome(correlationID string, outcome schema.Outcome, responseTime time.Duration) error {
	e.mu.Lock()
	p, ok := e.pendings[correlationID]
	if ok {
		e.removeLocked(p)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}

	e.outcomes.Add(1)
	e.resolve(p, outcome, responseTime, false)
	return nil
}

// resolve computes the reward and stores the completed experience.
// Timed-out decisions take a fixed zero reward; reported outcomes
// (including explicit Unknown) go through the reward calculator.
func (e *Engine) resolve(p *pending, outcome schema.Outcome, responseTime time.Duration, timedOut bool) {
	var res reward.Result
	if timedOut {
		res = reward.Result{Reward: 0, Outcome: schema.OutcomeUnknown}
	} else {
		res = e.rewards.Compute(reward.Sample{
			Action:       p.action,
			Outcome:      outcome,
			Probability:  p.probability,
			CPULoad:      p.cpuLoad,
			ResponseTime: responseTime,
		})
	}

	next := p.nextState
	if next == nil {
		next = p.state
	}

	terminal := p.action.Kind == schema.ActionPermanentBlock || p.action.Kind == schema.ActionIsolate

	exp := schema.Experience{
		State:     p.state,
		ActionID:  p.action.ID(),
		Reward:    res.Reward,
		NextState: next,
		Terminal:  terminal,
		Malicious: res.Outcome.Malicious(),
	}
	if err := e.buffer.Add(exp); err != nil {
		e.logger.Warn("failed to store experience", "error", err)
	}
}

// janitor expires pending decisions past the outcome timeout.
func (e *Engine) janitor(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.expire(time.Now())
		}
	}
}

func (e *Engine) expire(now time.Time) {
	var expired []*pending
	e.mu.Lock()
	cutoff := now.Add(-e.cfg.OutcomeTimeout)
	for _, p := range e.pendings {
		if p.createdAt.Before(cutoff) {
			expired = append(expired, p)
		}
	}
	for _, p := range expired {
		e.removeLocked(p)
	}
	e.mu.Unlock()

	for _, p := range expired {
		e.timeouts.Add(1)
		e.resolve(p, schema.OutcomeUnknown, 0, true)
	}
	if len(expired) > 0 {
		e.logger.Debug("expired pending decisions", "count", len(expired))
	}
}

// UpdateConfig applies new engine settings. Called on hot reload;
// pending decisions keep the timeout they were registered under until
// the next sweep.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg.HighThreshold = cfg.HighThreshold
	e.cfg.OutcomeTimeout = cfg.OutcomeTimeout
	e.cfg.MaxPending = cfg.MaxPending
	e.mu.Unlock()
}

// PendingCount returns the number of decisions awaiting outcomes.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pendings)
}

// Metrics returns engine counters.
func (e *Engine) Metrics() EngineMetrics {
	return EngineMetrics{
		Decisions:   e.decisions.Load(),
		Escalated:   e.escalated.Load(),
		Forced:      e.forced.Load(),
		Degraded:    e.degraded.Load(),
		Timeouts:    e.timeouts.Load(),
		Outcomes:    e.outcomes.Load(),
		EarlyEvicts: e.earlyEvicts.Load(),
		Pending:     e.PendingCount(),
	}
}

// EngineMetrics holds decision path statistics.
type EngineMetrics struct {
	Decisions   uint64 `json:"decisions"`
	Escalated   uint64 `json:"escalated"`
	Forced      uint64 `json:"forced"`
	Degraded    uint64 `json:"degraded"`
	Timeouts    uint64 `json:"timeouts"`
	Outcomes    uint64 `json:"outcomes"`
	EarlyEvicts uint64 `json:"early_evicts"`
	Pending     int    `json:"pending"`
}
