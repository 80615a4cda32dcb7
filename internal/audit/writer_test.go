package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"netdefend/internal/schema"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted [][]schema.Decision
	failures int
}

func (f *fakeStore) InsertDecisions(ctx context.Context, decisions []schema.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	batch := make([]schema.Decision, len(decisions))
	copy(batch, decisions)
	f.inserted = append(f.inserted, batch)
	return nil
}

func (f *fakeStore) batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.inserted {
		n += len(b)
	}
	return n
}

func testDecision(source string) schema.Decision {
	return schema.Decision{
		CorrelationID: schema.NewCorrelationID(),
		Observation:   schema.ThreatObservation{SourceIP: source, Probability: 0.4},
		Action:        schema.Allow(),
		DecidedAt:     time.Now(),
	}
}

func testWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     4,
		FlushInterval: time.Hour, // tests flush explicitly
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
		WriteTimeout:  time.Second,
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, testWriterConfig(), nil)
	defer w.Close()

	for i := 0; i < 4; i++ {
		if err := w.Write(testDecision("203.0.113.1")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if store.batches() != 1 {
		t.Fatalf("batches = %d, want 1", store.batches())
	}
	if store.total() != 4 {
		t.Errorf("inserted = %d, want 4", store.total())
	}
}

func TestExplicitFlush(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, testWriterConfig(), nil)
	defer w.Close()

	if err := w.Write(testDecision("203.0.113.2")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if store.batches() != 0 {
		t.Fatal("partial batch flushed early")
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.total() != 1 {
		t.Errorf("inserted = %d, want 1", store.total())
	}
}

func TestRetryOnTransientFailure(t *testing.T) {
	store := &fakeStore{failures: 1}
	w := NewWriter(store, testWriterConfig(), nil)
	defer w.Close()

	w.Write(testDecision("203.0.113.3"))
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.total() != 1 {
		t.Errorf("inserted = %d, want 1 after retry", store.total())
	}
}

func TestDropAfterRetriesExhausted(t *testing.T) {
	store := &fakeStore{failures: 10}
	w := NewWriter(store, testWriterConfig(), nil)
	defer w.Close()

	w.Write(testDecision("203.0.113.4"))
	if err := w.Flush(); err == nil {
		t.Fatal("exhausted retries did not surface an error")
	}
	if m := w.Metrics(); m.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", m.Dropped)
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, testWriterConfig(), nil)

	w.Write(testDecision("203.0.113.5"))
	w.Write(testDecision("203.0.113.6"))
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if store.total() != 2 {
		t.Errorf("inserted = %d, want 2 at close", store.total())
	}

	if err := w.Write(testDecision("203.0.113.7")); err == nil {
		t.Error("write accepted after close")
	}
}

func TestTimerFlush(t *testing.T) {
	store := &fakeStore{}
	cfg := testWriterConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	w := NewWriter(store, cfg, nil)
	defer w.Close()

	w.Write(testDecision("203.0.113.8"))

	deadline := time.Now().Add(time.Second)
	for store.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.total() != 1 {
		t.Errorf("inserted = %d, want 1 from timer flush", store.total())
	}
}
