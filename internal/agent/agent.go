// Package agent implements the conservative value-learning policy:
// action selection over a snapshot network and a training step that
// combines temporal-difference error with a conservative penalty on
// overestimated action values.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"netdefend/internal/buffer"
	"netdefend/internal/schema"
)

var (
	// ErrDimensionMismatch is returned when a state vector does not
	// match the network input dimension.
	ErrDimensionMismatch = errors.New("state vector dimension mismatch")
	// ErrEmptyBatch is returned when training on an empty batch.
	ErrEmptyBatch = errors.New("training batch is empty")
	// ErrNumericInstability is returned when a training step produces
	// non-finite parameters; the step is discarded.
	ErrNumericInstability = errors.New("training step produced non-finite parameters")
)

// Config holds policy agent hyperparameters.
type Config struct {
	Hidden1 int `yaml:"hidden1" validate:"gt=0"`
	Hidden2 int `yaml:"hidden2" validate:"gt=0"`

	LearningRate float64 `yaml:"learning_rate" validate:"gt=0"`
	Gamma        float64 `yaml:"gamma" validate:"gt=0,lte=1"`

	// ConservativeAlpha scales the conservative penalty. Zero disables
	// it entirely.
	ConservativeAlpha float64 `yaml:"conservative_alpha" validate:"gte=0"`

	// Tau is the soft target update rate applied every step;
	// TargetSyncSteps forces a hard copy on that cadence.
	Tau             float64 `yaml:"tau" validate:"gt=0,lte=1"`
	TargetSyncSteps int     `yaml:"target_sync_steps" validate:"gt=0"`

	GradientClip float64 `yaml:"gradient_clip" validate:"gt=0"`

	EpsilonStart float64 `yaml:"epsilon_start" validate:"gte=0,lte=1"`
	EpsilonMin   float64 `yaml:"epsilon_min" validate:"gte=0,lte=1"`
	EpsilonDecay float64 `yaml:"epsilon_decay" validate:"gt=0,lte=1"`

	// ConservativeMode disables exploration entirely: selection is
	// always argmax for deterministic, auditable decisions.
	ConservativeMode bool `yaml:"conservative_mode"`

	// Seed fixes weight initialization and exploration; zero draws a
	// random seed.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the default agent hyperparameters.
func DefaultConfig() Config {
	return Config{
		Hidden1:           64,
		Hidden2:           32,
		LearningRate:      0.0001,
		Gamma:             0.99,
		ConservativeAlpha: 1.0,
		Tau:               0.005,
		TargetSyncSteps:   100,
		GradientClip:      1.0,
		EpsilonStart:      0.1,
		EpsilonMin:        0.01,
		EpsilonDecay:      0.999,
		ConservativeMode:  false,
	}
}

// TrainingStats summarizes one training step.
type TrainingStats struct {
	Loss                float64       `json:"loss"`
	TDLoss              float64       `json:"td_loss"`
	ConservativePenalty float64       `json:"conservative_penalty"`
	TDErrors            []float64     `json:"-"`
	Epsilon             float64       `json:"epsilon"`
	Step                uint64        `json:"step"`
	BatchSize           int           `json:"batch_size"`
	Duration            time.Duration `json:"duration"`
}

// Agent selects actions and learns from sampled experience batches.
// SelectAction reads an atomic snapshot and never contends with Train;
// Train is single-caller (the online trainer).
type Agent struct {
	cfg    Config
	logger *slog.Logger

	// snapshot is the published inference network. Replaced atomically
	// at the end of each successful training step.
	snapshot atomic.Pointer[network]
	version  atomic.Uint64

	// trainMu guards the mutable training state below.
	trainMu sync.Mutex
	online  *network
	target  *network
	epsilon float64
	steps   uint64
	rng     *rand.Rand

	// selRng guards exploration draws on the decision path.
	selMu  sync.Mutex
	selRng *rand.Rand
}

// New creates an agent with freshly initialized networks.
func New(cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	online := newNetwork(schema.StateDim, cfg.Hidden1, cfg.Hidden2, schema.NumActions, rng)

	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		online:  online,
		target:  online.clone(),
		epsilon: cfg.EpsilonStart,
		rng:     rng,
		selRng:  rand.New(rand.NewSource(seed + 1)),
	}
	a.snapshot.Store(online.clone())
	return a
}

// SelectAction returns the action for state. Inference only: reads the
// current snapshot, applies epsilon-greedy exploration unless the
// agent runs in conservative mode.
func (a *Agent) SelectAction(state schema.StateVector) (schema.Action, error) {
	net := a.snapshot.Load()
	if len(state) != net.In {
		return schema.Allow(), fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(state), net.In)
	}

	if !a.cfg.ConservativeMode {
		a.selMu.Lock()
		explore := a.selRng.Float64() < a.currentEpsilon()
		var pick int
		if explore {
			pick = a.selRng.Intn(schema.NumActions)
		}
		a.selMu.Unlock()
		if explore {
			return schema.ActionFromID(pick), nil
		}
	}

	q := net.values(state)
	return schema.ActionFromID(argmax(q)), nil
}

// Values returns the snapshot's action values for state. Used for
// audit and tests.
func (a *Agent) Values(state schema.StateVector) ([]float64, error) {
	net := a.snapshot.Load()
	if len(state) != net.In {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(state), net.In)
	}
	return net.values(state), nil
}

// ModelVersion returns the published parameter version, incremented on
// every successful training step and checkpoint load.
func (a *Agent) ModelVersion() uint64 {
	return a.version.Load()
}

// Epsilon returns the current exploration rate.
func (a *Agent) Epsilon() float64 {
	a.trainMu.Lock()
	defer a.trainMu.Unlock()
	return a.epsilon
}

func (a *Agent) currentEpsilon() float64 {
	a.trainMu.Lock()
	defer a.trainMu.Unlock()
	return a.epsilon
}

// Train performs one conservative learning step on batch. The loss is
// the importance-weighted TD error against the target network plus
// ConservativeAlpha times a penalty that pushes down action values not
// supported by the batch: mean(logsumexp(Q(s,·))) - mean(Q(s,a)).
// Updated parameters publish atomically only when the step succeeds.
func (a *Agent) Train(batch buffer.Batch) (TrainingStats, error) {
	start := time.Now()
	n := len(batch.Experiences)
	if n == 0 {
		return TrainingStats{}, ErrEmptyBatch
	}

	a.trainMu.Lock()
	defer a.trainMu.Unlock()

	grads := newGradients(a.online)
	tdErrors := make([]float64, n)
	tdLoss := 0.0
	penalty := 0.0
	invN := 1.0 / float64(n)

	for i, exp := range batch.Experiences {
		if len(exp.State) != a.online.In || len(exp.NextState) != a.online.In {
			return TrainingStats{}, fmt.Errorf("%w: experience %d", ErrDimensionMismatch, i)
		}
		actionID := exp.ActionID
		if actionID < 0 || actionID >= a.online.Out {
			actionID = 0
		}

		act := a.online.forward(exp.State)

		// Double-DQN target: online picks the next action, target
		// scores it.
		y := exp.Reward
		if !exp.Terminal {
			nextOnline := a.online.values(exp.NextState)
			nextTarget := a.target.values(exp.NextState)
			y += a.cfg.Gamma * nextTarget[argmax(nextOnline)]
		}

		delta := y - act.q[actionID]
		tdErrors[i] = delta

		w := 1.0
		if i < len(batch.Weights) && batch.Weights[i] > 0 {
			w = batch.Weights[i]
		}
		tdLoss += w * delta * delta * invN
		penalty += (logSumExp(act.q) - act.q[actionID]) * invN

		// dLoss/dQ for this sample: squared-error term on the taken
		// action plus the conservative softmax term on every action.
		dQ := make([]float64, a.online.Out)
		dQ[actionID] = -2 * w * delta * invN
		if a.cfg.ConservativeAlpha > 0 {
			soft := softmax(act.q)
			for j := range dQ {
				dQ[j] += a.cfg.ConservativeAlpha * soft[j] * invN
			}
			dQ[actionID] -= a.cfg.ConservativeAlpha * invN
		}

		grads.accumulate(a.online, act, dQ)
	}

	loss := tdLoss + a.cfg.ConservativeAlpha*penalty
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return TrainingStats{}, fmt.Errorf("%w: loss=%v", ErrNumericInstability, loss)
	}

	if norm := grads.norm(); norm > a.cfg.GradientClip && norm > 0 {
		grads.scale(a.cfg.GradientClip / norm)
	}

	// Apply to a scratch copy so a bad step never corrupts the live
	// parameters.
	updated := a.online.clone()
	updated.apply(grads, a.cfg.LearningRate)
	if !updated.finite() {
		return TrainingStats{}, ErrNumericInstability
	}
	a.online = updated

	a.steps++
	a.target.softUpdate(a.online, a.cfg.Tau)
	if a.steps%uint64(a.cfg.TargetSyncSteps) == 0 {
		a.target = a.online.clone()
	}

	if a.epsilon > a.cfg.EpsilonMin {
		a.epsilon = math.Max(a.cfg.EpsilonMin, a.epsilon*a.cfg.EpsilonDecay)
	}

	// Publish the new parameters for the decision path.
	a.snapshot.Store(a.online.clone())
	a.version.Add(1)

	return TrainingStats{
		Loss:                loss,
		TDLoss:              tdLoss,
		ConservativePenalty: penalty,
		TDErrors:            tdErrors,
		Epsilon:             a.epsilon,
		Step:                a.steps,
		BatchSize:           n,
		Duration:            time.Since(start),
	}, nil
}
