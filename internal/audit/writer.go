package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"netdefend/internal/schema"
)

// Inserter is the storage surface the writer needs.
type Inserter interface {
	InsertDecisions(ctx context.Context, decisions []schema.Decision) error
}

// WriterConfig holds batching settings for the audit writer.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"gt=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gt=0"`
	WriteTimeout  time.Duration `yaml:"write_timeout" validate:"gt=0"`
}

// DefaultWriterConfig returns the default batching settings.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// Writer batches decisions and flushes them to the store. Write never
// blocks on the database; flushes happen on size or the timer.
type Writer struct {
	store  Inserter
	cfg    WriterConfig
	logger *slog.Logger

	mu     sync.Mutex
	buffer []schema.Decision
	closed bool

	flushTimer *time.Timer

	written uint64
	dropped uint64
	batches uint64
}

// NewWriter creates an audit writer over the store.
func NewWriter(store Inserter, cfg WriterConfig, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:  store,
		cfg:    cfg,
		logger: logger,
		buffer: make([]schema.Decision, 0, cfg.BatchSize),
	}
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// Write queues one decision for the audit trail.
func (w *Writer) Write(d schema.Decision) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("audit: writer is closed")
	}

	w.buffer = append(w.buffer, d)
	if len(w.buffer) >= w.cfg.BatchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *Writer) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if len(w.buffer) > 0 {
		if err := w.flushLocked(); err != nil {
			w.logger.Error("audit timer flush failed", "error", err)
		}
	}
	w.flushTimer.Reset(w.cfg.FlushInterval)
}

// flushLocked sends the buffered batch with retries. Caller holds w.mu.
func (w *Writer) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	batch := w.buffer
	w.buffer = make([]schema.Decision, 0, w.cfg.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.cfg.RetryDelay * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		err := w.store.InsertDecisions(ctx, batch)
		cancel()
		if err != nil {
			lastErr = err
			w.logger.Warn("audit batch insert failed",
				"attempt", attempt+1,
				"batch_size", len(batch),
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&w.written, uint64(len(batch)))
		atomic.AddUint64(&w.batches, 1)
		return nil
	}

	atomic.AddUint64(&w.dropped, uint64(len(batch)))
	return fmt.Errorf("audit: batch dropped after %d retries: %w", w.cfg.MaxRetries, lastErr)
}

// Flush forces a flush of the buffered decisions.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close stops the timer and flushes the remaining buffer.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.flushLocked()
	w.mu.Unlock()

	w.flushTimer.Stop()
	return err
}

// Metrics returns writer statistics.
func (w *Writer) Metrics() WriterMetrics {
	w.mu.Lock()
	pending := len(w.buffer)
	w.mu.Unlock()

	return WriterMetrics{
		Written: atomic.LoadUint64(&w.written),
		Dropped: atomic.LoadUint64(&w.dropped),
		Batches: atomic.LoadUint64(&w.batches),
		Pending: pending,
	}
}

// WriterMetrics holds audit writer statistics.
type WriterMetrics struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
