// Package reward scores executed actions against their outcomes for
// the learning loop.
package reward

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"netdefend/internal/schema"
)

// Config holds the cost model for reward computation.
type Config struct {
	TruePositive  float64 `yaml:"true_positive" validate:"gt=0"`
	TrueNegative  float64 `yaml:"true_negative"`
	FalsePositive float64 `yaml:"false_positive" validate:"lt=0"`
	FalseNegative float64 `yaml:"false_negative" validate:"lt=0"`

	// MinReward and MaxReward clamp the final value.
	MinReward float64 `yaml:"min_reward"`
	MaxReward float64 `yaml:"max_reward"`

	// LoadThreshold is the CPU load above which blocking actions are
	// penalized; LoadPenaltyScale is the per-unit-overage cost.
	LoadThreshold    float64 `yaml:"load_threshold" validate:"gte=0,lte=1"`
	LoadPenaltyScale float64 `yaml:"load_penalty_scale"`

	// LatencyBudget is the response time above which a latency penalty
	// accrues, capped at LatencyPenaltyCap.
	LatencyBudget      time.Duration `yaml:"latency_budget"`
	LatencyPenaltyRate float64       `yaml:"latency_penalty_rate"` // per second over budget
	LatencyPenaltyCap  float64       `yaml:"latency_penalty_cap"`
}

// DefaultConfig returns the default cost model.
func DefaultConfig() Config {
	return Config{
		TruePositive:       100,
		TrueNegative:       5,
		FalsePositive:      -50,
		FalseNegative:      -200,
		MinReward:          -250,
		MaxReward:          120,
		LoadThreshold:      0.7,
		LoadPenaltyScale:   50,
		LatencyBudget:      time.Second,
		LatencyPenaltyRate: 5,
		LatencyPenaltyCap:  10,
	}
}

// Sample carries everything needed to score one resolved decision.
type Sample struct {
	Action       schema.Action
	Outcome      schema.Outcome
	Probability  float64 // classifier maliciousness at decision time
	CPULoad      float64
	ResponseTime time.Duration
}

// Result is the scored sample: the scalar reward plus the outcome
// classification used to tag the stored experience.
type Result struct {
	Reward  float64
	Outcome schema.Outcome
}

// Calculator computes rewards under a cost configuration. Safe for
// concurrent use; the cost model can be swapped at runtime.
type Calculator struct {
	mu     sync.RWMutex
	cfg    Config
	logger *slog.Logger
}

// NewCalculator creates a calculator. A nil logger uses the default.
func NewCalculator(cfg Config, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{cfg: cfg, logger: logger}
}

// UpdateConfig replaces the cost model. In-flight computations finish
// under the model they started with.
func (c *Calculator) UpdateConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	c.logger.Info("reward model updated",
		"true_positive", cfg.TruePositive,
		"false_positive", cfg.FalsePositive,
		"false_negative", cfg.FalseNegative,
	)
}

// Compute scores a resolved decision. The reward is always finite and
// within [MinReward, MaxReward]; a non-finite intermediate result is
// coerced to 0 and logged.
func (c *Calculator) Compute(s Sample) Result {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	outcome := s.Outcome
	var reward float64

	if outcome == schema.OutcomeUnknown {
		reward, outcome = estimate(cfg, s)
	} else {
		reward = base(cfg, outcome)
	}

	reward += modifiers(cfg, s)

	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		c.logger.Warn("non-finite reward coerced to zero",
			"action", s.Action.String(),
			"outcome", string(outcome),
			"probability", s.Probability,
		)
		reward = 0
	}

	if reward < cfg.MinReward {
		reward = cfg.MinReward
	}
	if reward > cfg.MaxReward {
		reward = cfg.MaxReward
	}

	return Result{Reward: reward, Outcome: outcome}
}

func base(cfg Config, o schema.Outcome) float64 {
	switch o {
	case schema.OutcomeTruePositive:
		return cfg.TruePositive
	case schema.OutcomeTrueNegative:
		return cfg.TrueNegative
	case schema.OutcomeFalsePositive:
		return cfg.FalsePositive
	case schema.OutcomeFalseNegative:
		return cfg.FalseNegative
	default:
		return 0
	}
}

// estimate infers a probability-scaled reward when no ground truth
// arrived. High-probability traffic treats blocking as a likely true
// positive; low-probability traffic treats blocking as a likely false
// positive. The mid band gets mild shaping only.
func estimate(cfg Config, s Sample) (float64, schema.Outcome) {
	p := s.Probability
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	blocking := s.Action.IsBlocking()
	switch {
	case p >= 0.7:
		if blocking {
			return cfg.TruePositive * p, schema.OutcomeTruePositive
		}
		return cfg.FalseNegative * p, schema.OutcomeFalseNegative
	case p < 0.3:
		if blocking {
			return cfg.FalsePositive * (1 - p), schema.OutcomeFalsePositive
		}
		return cfg.TrueNegative, schema.OutcomeTrueNegative
	default:
		if blocking {
			return -5, schema.OutcomeUnknown
		}
		return 2, schema.OutcomeUnknown
	}
}

func modifiers(cfg Config, s Sample) float64 {
	var m float64

	// Blocking under load costs resources the system cannot spare.
	if s.Action.IsBlocking() && s.CPULoad > cfg.LoadThreshold {
		m -= (s.CPULoad - cfg.LoadThreshold) * cfg.LoadPenaltyScale
	}

	if s.ResponseTime > cfg.LatencyBudget {
		over := (s.ResponseTime - cfg.LatencyBudget).Seconds()
		m -= math.Min(over*cfg.LatencyPenaltyRate, cfg.LatencyPenaltyCap)
	}

	// Permanent blocks need near-certain evidence.
	if s.Action.Kind == schema.ActionPermanentBlock && s.Probability < 0.9 {
		m -= (0.9 - s.Probability) * 20
	}

	// The mirror of the caution term: a non-blocking response to
	// likely-hostile traffic is penalized whatever the outcome turned
	// out to be.
	if !s.Action.IsBlocking() && s.Probability >= 0.7 {
		m -= (s.Probability - 0.7) * 20
	}

	// Reward inspecting genuinely ambiguous traffic.
	if s.Action.Kind == schema.ActionDeepInspect && s.Probability > 0.3 && s.Probability < 0.7 {
		m += 10
	}

	return m
}
