package trainer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"netdefend/internal/agent"
	"netdefend/internal/buffer"
	"netdefend/internal/schema"
)

type fakeSampler struct {
	size      int
	sampleErr error
	sampled   atomic.Int64
	updated   atomic.Int64
	lastN     atomic.Int64
}

func (f *fakeSampler) Len() int { return f.size }

func (f *fakeSampler) Sample(n int) (buffer.Batch, error) {
	if f.sampleErr != nil {
		return buffer.Batch{}, f.sampleErr
	}
	f.sampled.Add(1)
	f.lastN.Store(int64(n))
	if n > f.size {
		n = f.size
	}
	b := buffer.Batch{}
	for i := 0; i < n; i++ {
		b.Experiences = append(b.Experiences, schema.Experience{
			State:     make(schema.StateVector, schema.StateDim),
			NextState: make(schema.StateVector, schema.StateDim),
		})
		b.Indices = append(b.Indices, i)
		b.Weights = append(b.Weights, 1)
	}
	return b, nil
}

func (f *fakeSampler) UpdatePriorities(indices []int, tdErrors []float64) error {
	f.updated.Add(1)
	return nil
}

type fakeLearner struct {
	trainErr error
	panics   bool
	trained  atomic.Int64
}

func (f *fakeLearner) Train(batch buffer.Batch) (agent.TrainingStats, error) {
	if f.panics {
		panic("numeric blowup")
	}
	if f.trainErr != nil {
		return agent.TrainingStats{}, f.trainErr
	}
	f.trained.Add(1)
	return agent.TrainingStats{
		Loss:      0.5,
		TDErrors:  make([]float64, len(batch.Experiences)),
		BatchSize: len(batch.Experiences),
	}, nil
}

type fakeCheckpointer struct {
	saves atomic.Int64
}

func (f *fakeCheckpointer) Save(ctx context.Context) error {
	f.saves.Add(1)
	return nil
}

func fastConfig() Config {
	return Config{
		Interval:        5 * time.Millisecond,
		MinBatch:        32,
		BatchSize:       32,
		CheckpointEvery: 0,
	}
}

func TestSkipsWhenUnderfilled(t *testing.T) {
	sampler := &fakeSampler{size: 10}
	learner := &fakeLearner{}
	tr := New(fastConfig(), sampler, learner, nil, nil)

	tr.runCycle(context.Background())

	if learner.trained.Load() != 0 {
		t.Fatal("trained on an under-filled buffer")
	}
	m := tr.Metrics()
	if m.Skipped != 1 || m.Cycles != 1 {
		t.Errorf("metrics = %+v, want 1 cycle 1 skip", m)
	}
}

func TestTrainsWhenFilled(t *testing.T) {
	sampler := &fakeSampler{size: 100}
	learner := &fakeLearner{}
	tr := New(fastConfig(), sampler, learner, nil, nil)

	tr.runCycle(context.Background())

	if learner.trained.Load() != 1 {
		t.Fatalf("trained %d times, want 1", learner.trained.Load())
	}
	if sampler.updated.Load() != 1 {
		t.Error("priorities not updated after successful step")
	}
	if m := tr.Metrics(); m.LastLoss != 0.5 {
		t.Errorf("last loss = %f, want 0.5", m.LastLoss)
	}
}

func TestTrainingErrorDoesNotStopScheduler(t *testing.T) {
	sampler := &fakeSampler{size: 100}
	learner := &fakeLearner{trainErr: errors.New("unstable gradients")}
	tr := New(fastConfig(), sampler, learner, nil, nil)

	for i := 0; i < 3; i++ {
		tr.runCycle(context.Background())
	}

	m := tr.Metrics()
	if m.Failures != 3 {
		t.Errorf("failures = %d, want 3", m.Failures)
	}
	if m.Cycles != 3 {
		t.Errorf("cycles = %d, want 3", m.Cycles)
	}
}

func TestPanicRecovered(t *testing.T) {
	sampler := &fakeSampler{size: 100}
	learner := &fakeLearner{panics: true}
	tr := New(fastConfig(), sampler, learner, nil, nil)

	tr.runCycle(context.Background())

	if m := tr.Metrics(); m.Failures != 1 {
		t.Errorf("failures = %d, want 1", m.Failures)
	}
}

func TestPeriodicCheckpoint(t *testing.T) {
	sampler := &fakeSampler{size: 100}
	learner := &fakeLearner{}
	ckpt := &fakeCheckpointer{}

	cfg := fastConfig()
	cfg.CheckpointEvery = 2
	tr := New(cfg, sampler, learner, ckpt, nil)

	for i := 0; i < 6; i++ {
		tr.runCycle(context.Background())
	}
	if ckpt.saves.Load() != 3 {
		t.Errorf("saves = %d, want 3", ckpt.saves.Load())
	}
}

func TestUpdateConfigAppliesNextCycle(t *testing.T) {
	sampler := &fakeSampler{size: 100}
	learner := &fakeLearner{}
	tr := New(fastConfig(), sampler, learner, nil, nil)

	tr.runCycle(context.Background())
	if got := sampler.lastN.Load(); got != 32 {
		t.Fatalf("batch size = %d, want initial 32", got)
	}

	cfg := fastConfig()
	cfg.BatchSize = 8
	cfg.MinBatch = 8
	tr.UpdateConfig(cfg)

	tr.runCycle(context.Background())
	if got := sampler.lastN.Load(); got != 8 {
		t.Errorf("batch size = %d, want updated 8", got)
	}
}

func TestStartStop(t *testing.T) {
	sampler := &fakeSampler{size: 100}
	learner := &fakeLearner{}
	tr := New(fastConfig(), sampler, learner, nil, nil)

	tr.Start()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if learner.trained.Load() == 0 {
		t.Error("no training cycles ran while started")
	}
}

func TestStopWithoutStart(t *testing.T) {
	tr := New(fastConfig(), &fakeSampler{}, &fakeLearner{}, nil, nil)
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start failed: %v", err)
	}
}
