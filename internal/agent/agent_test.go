package agent

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"netdefend/internal/buffer"
	"netdefend/internal/schema"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Seed = 42
	return cfg
}

func randomState(seed int) schema.StateVector {
	v := make(schema.StateVector, schema.StateDim)
	for i := range v {
		v[i] = float64((seed*31+i*17)%100) / 100.0
	}
	return v
}

func makeBatch(n int, reward float64, actionID int) buffer.Batch {
	batch := buffer.Batch{}
	for i := 0; i < n; i++ {
		s := randomState(i)
		batch.Experiences = append(batch.Experiences, schema.Experience{
			State:     s,
			ActionID:  actionID,
			Reward:    reward,
			NextState: randomState(i + 1),
		})
		batch.Indices = append(batch.Indices, i)
		batch.Weights = append(batch.Weights, 1.0)
	}
	return batch
}

func TestSelectActionReturnsValidAction(t *testing.T) {
	a := New(testConfig(), nil)

	for i := 0; i < 100; i++ {
		action, err := a.SelectAction(randomState(i))
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if action.ID() < 0 || action.ID() >= schema.NumActions {
			t.Fatalf("invalid action id %d", action.ID())
		}
	}
}

func TestSelectActionDimensionMismatch(t *testing.T) {
	a := New(testConfig(), nil)

	action, err := a.SelectAction(make(schema.StateVector, 3))
	if err == nil {
		t.Fatal("expected dimension error")
	}
	if action.Kind != schema.ActionAllow {
		t.Errorf("failed selection returned %s, want allow", action)
	}
}

func TestConservativeModeDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.ConservativeMode = true
	a := New(cfg, nil)

	state := randomState(7)
	first, err := a.SelectAction(state)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		action, err := a.SelectAction(state)
		if err != nil {
			t.Fatalf("select failed: %v", err)
		}
		if action.Kind != first.Kind {
			t.Fatal("conservative mode selection not deterministic")
		}
	}
}

func TestTrainReducesLossTowardReward(t *testing.T) {
	cfg := testConfig()
	cfg.LearningRate = 0.01
	cfg.ConservativeAlpha = 0 // isolate the TD term
	a := New(cfg, nil)

	batch := makeBatch(32, 10, 2)
	// Terminal experiences make the target exactly the reward.
	for i := range batch.Experiences {
		batch.Experiences[i].Terminal = true
	}

	first, err := a.Train(batch)
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	var last TrainingStats
	for i := 0; i < 200; i++ {
		last, err = a.Train(batch)
		if err != nil {
			t.Fatalf("train step %d failed: %v", i, err)
		}
	}
	if last.Loss >= first.Loss {
		t.Errorf("loss did not decrease: first %f, last %f", first.Loss, last.Loss)
	}
}

func TestTrainEmptyBatch(t *testing.T) {
	a := New(testConfig(), nil)
	if _, err := a.Train(buffer.Batch{}); err != ErrEmptyBatch {
		t.Fatalf("err = %v, want ErrEmptyBatch", err)
	}
}

func TestTrainPublishesNewVersion(t *testing.T) {
	a := New(testConfig(), nil)
	before := a.ModelVersion()

	if _, err := a.Train(makeBatch(8, 1, 0)); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if a.ModelVersion() != before+1 {
		t.Errorf("version = %d, want %d", a.ModelVersion(), before+1)
	}
}

func TestTrainReportsTDErrors(t *testing.T) {
	a := New(testConfig(), nil)

	stats, err := a.Train(makeBatch(16, 5, 1))
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if len(stats.TDErrors) != 16 {
		t.Fatalf("got %d td errors, want 16", len(stats.TDErrors))
	}
	for i, e := range stats.TDErrors {
		if math.IsNaN(e) || math.IsInf(e, 0) {
			t.Errorf("td error %d not finite: %f", i, e)
		}
	}
}

func TestConservativePenaltySuppressesUnseenActions(t *testing.T) {
	trainRun := func(alpha float64) float64 {
		cfg := testConfig()
		cfg.LearningRate = 0.01
		cfg.ConservativeAlpha = alpha
		a := New(cfg, nil)

		// Only action 0 appears in the data.
		batch := makeBatch(32, 10, 0)
		for i := range batch.Experiences {
			batch.Experiences[i].Terminal = true
		}
		for i := 0; i < 100; i++ {
			if _, err := a.Train(batch); err != nil {
				t.Fatalf("train failed: %v", err)
			}
		}

		// Mean value of the unseen actions across states.
		sum, count := 0.0, 0
		for i := 0; i < 32; i++ {
			q, err := a.Values(randomState(i))
			if err != nil {
				t.Fatalf("values failed: %v", err)
			}
			for j := 1; j < len(q); j++ {
				sum += q[j]
				count++
			}
		}
		return sum / float64(count)
	}

	unpenalized := trainRun(0)
	penalized := trainRun(5)
	if penalized >= unpenalized {
		t.Errorf("conservative penalty did not suppress unseen action values: %f >= %f", penalized, unpenalized)
	}
}

func TestEpsilonDecay(t *testing.T) {
	cfg := testConfig()
	cfg.EpsilonDecay = 0.5
	cfg.EpsilonMin = 0.01
	a := New(cfg, nil)

	batch := makeBatch(4, 1, 0)
	for i := 0; i < 20; i++ {
		if _, err := a.Train(batch); err != nil {
			t.Fatalf("train failed: %v", err)
		}
	}
	if eps := a.Epsilon(); math.Abs(eps-cfg.EpsilonMin) > 1e-9 {
		t.Errorf("epsilon = %f, want floor %f", eps, cfg.EpsilonMin)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")

	a := New(testConfig(), nil)
	for i := 0; i < 10; i++ {
		if _, err := a.Train(makeBatch(8, 5, 1)); err != nil {
			t.Fatalf("train failed: %v", err)
		}
	}
	if err := a.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	restored := New(testConfig(), nil)
	if err := restored.Load(path); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if restored.Epsilon() != a.Epsilon() {
		t.Errorf("epsilon not restored: %f != %f", restored.Epsilon(), a.Epsilon())
	}

	state := randomState(3)
	origQ, _ := a.Values(state)
	restQ, _ := restored.Values(state)
	for i := range origQ {
		if math.Abs(origQ[i]-restQ[i]) > 1e-12 {
			t.Fatalf("action values diverge after restore at %d: %f != %f", i, origQ[i], restQ[i])
		}
	}
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	a := New(testConfig(), nil)
	if err := a.Load(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("missing checkpoint treated as error: %v", err)
	}
}

func TestImportRejectsCorruptData(t *testing.T) {
	a := New(testConfig(), nil)

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("not json")},
		{"empty object", []byte("{}")},
		{"wrong version", []byte(`{"version":99}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.Import(tt.data); err == nil {
				t.Fatal("corrupt checkpoint accepted")
			}
		})
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("{{{"), 0o600); err != nil {
		t.Fatal(err)
	}

	a := New(testConfig(), nil)
	if err := a.Load(path); err == nil {
		t.Fatal("corrupt checkpoint file accepted")
	}
}

func TestSelectDuringTrain(t *testing.T) {
	a := New(testConfig(), nil)

	stop := make(chan struct{})
	var trainer sync.WaitGroup
	trainer.Add(1)
	go func() {
		defer trainer.Done()
		batch := makeBatch(32, 5, 1)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := a.Train(batch); err != nil {
				t.Errorf("train failed: %v", err)
				return
			}
		}
	}()

	var selectors sync.WaitGroup
	for g := 0; g < 4; g++ {
		selectors.Add(1)
		go func(g int) {
			defer selectors.Done()
			for i := 0; i < 500; i++ {
				if _, err := a.SelectAction(randomState(g*500 + i)); err != nil {
					t.Errorf("select during training failed: %v", err)
					return
				}
			}
		}(g)
	}

	selectors.Wait()
	close(stop)
	trainer.Wait()
}
