package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"netdefend/internal/engine"
	"netdefend/internal/schema"
)

// ObservationEnvelope is the wire format of the observations topic.
type ObservationEnvelope struct {
	Observation schema.ThreatObservation `json:"observation"`
	Context     schema.SystemContext     `json:"context"`
}

// Decider is the decision engine surface the pipeline needs.
type Decider interface {
	Observe(ctx context.Context, obs schema.ThreatObservation, sys schema.SystemContext) (schema.Decision, error)
	ReportOutcome(correlationID string, outcome schema.Outcome, responseTime time.Duration) error
}

// Executor applies decisions to the network.
type Executor interface {
	Execute(ctx context.Context, d schema.Decision) error
}

// Auditor records decisions for offline review.
type Auditor interface {
	Write(d schema.Decision) error
}

// fetcher is the consumer surface of kafka.Reader.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// publisher is the producer surface of kafka.Writer.
type publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Pipeline consumes observations and outcomes, drives the decision
// engine, and publishes decisions.
type Pipeline struct {
	cfg       Config
	decider   Decider
	executor  Executor // optional
	auditor   Auditor  // optional
	validator *schema.Validator
	logger    *slog.Logger

	observations fetcher
	outcomes     fetcher
	decisions    publisher

	cancel context.CancelFunc
	wg     sync.WaitGroup

	consumed  atomic.Uint64
	published atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
}

// NewPipeline verifies broker connectivity and builds the consumers
// and producer. Executor and auditor may be nil.
func NewPipeline(ctx context.Context, cfg Config, decider Decider, executor Executor, auditor Auditor, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.reachable(ctx); err != nil {
		return nil, err
	}

	observations, err := cfg.newReader(cfg.ObservationsTopic)
	if err != nil {
		return nil, err
	}
	outcomes, err := cfg.newReader(cfg.OutcomesTopic)
	if err != nil {
		observations.Close()
		return nil, err
	}
	decisions, err := cfg.newWriter(cfg.DecisionsTopic)
	if err != nil {
		observations.Close()
		outcomes.Close()
		return nil, err
	}

	return &Pipeline{
		cfg:          cfg,
		decider:      decider,
		executor:     executor,
		auditor:      auditor,
		validator:    schema.NewValidator(),
		logger:       logger,
		observations: observations,
		outcomes:     outcomes,
		decisions:    decisions,
	}, nil
}

// Start launches both consumer loops.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(2)
	go p.consume(ctx, p.observations, p.handleObservation, "observations")
	go p.consume(ctx, p.outcomes, p.handleOutcome, "outcomes")

	p.logger.Info("stream pipeline started",
		"brokers", p.cfg.Brokers,
		"group", p.cfg.ConsumerGroup,
	)
}

// Stop halts consumption and closes all connections.
func (p *Pipeline) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	if err := p.observations.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.outcomes.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.decisions.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// consume is the shared fetch-handle-commit loop. Handler errors are
// logged; the message is committed regardless so one poison message
// cannot wedge the partition.
func (p *Pipeline) consume(ctx context.Context, r fetcher, handle func(context.Context, kafka.Message) error, name string) {
	defer p.wg.Done()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			p.logger.Error("fetch failed", "consumer", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.consumed.Add(1)
		if err := handle(ctx, msg); err != nil {
			p.logger.Warn("message handling failed",
				"consumer", name,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}

		if err := r.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("commit failed", "consumer", name, "error", err)
		}
	}
}

// handleObservation decodes one observation, runs the decision path,
// publishes and enforces the result.
func (p *Pipeline) handleObservation(ctx context.Context, msg kafka.Message) error {
	var env ObservationEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		p.malformed.Add(1)
		return fmt.Errorf("stream: malformed observation: %w", err)
	}
	if err := p.validator.Validate(&env.Observation); err != nil {
		p.malformed.Add(1)
		return fmt.Errorf("stream: rejected observation: %w", err)
	}

	d, err := p.decider.Observe(ctx, env.Observation, env.Context)
	if err != nil {
		return fmt.Errorf("stream: decision failed: %w", err)
	}

	if p.auditor != nil {
		if err := p.auditor.Write(d); err != nil {
			p.logger.Warn("audit write failed", "correlation_id", d.CorrelationID, "error", err)
		}
	}

	if err := p.publishDecision(ctx, d); err != nil {
		p.dropped.Add(1)
		p.logger.Error("decision publish failed",
			"correlation_id", d.CorrelationID,
			"error", err,
		)
	}

	if p.executor != nil {
		if err := p.executor.Execute(ctx, d); err != nil {
			p.logger.Error("enforcement failed",
				"correlation_id", d.CorrelationID,
				"action", d.Action.String(),
				"error", err,
			)
			p.reportEnforcementFailure(d)
		}
	}
	return nil
}

// reportEnforcementFailure closes the learning loop when a blocking
// decision could not be applied: the threat was never contained, so
// the pending decision resolves as a false negative instead of
// expiring as Unknown.
func (p *Pipeline) reportEnforcementFailure(d schema.Decision) {
	if !d.Action.IsBlocking() {
		return
	}
	err := p.decider.ReportOutcome(d.CorrelationID, schema.OutcomeFalseNegative, 0)
	if err != nil && !errors.Is(err, engine.ErrUnknownCorrelation) {
		p.logger.Warn("enforcement failure report rejected",
			"correlation_id", d.CorrelationID,
			"error", err,
		)
	}
}

// handleOutcome decodes one outcome report and feeds it back to the
// engine. Reports for expired decisions are expected and not an error.
func (p *Pipeline) handleOutcome(ctx context.Context, msg kafka.Message) error {
	var report schema.OutcomeReport
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		p.malformed.Add(1)
		return fmt.Errorf("stream: malformed outcome report: %w", err)
	}
	if report.CorrelationID == "" {
		p.malformed.Add(1)
		return errors.New("stream: outcome report missing correlation id")
	}

	err := p.decider.ReportOutcome(report.CorrelationID, report.Outcome, report.ResponseTime)
	if errors.Is(err, engine.ErrUnknownCorrelation) {
		p.logger.Debug("outcome for expired decision", "correlation_id", report.CorrelationID)
		return nil
	}
	return err
}

func (p *Pipeline) publishDecision(ctx context.Context, d schema.Decision) error {
	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("stream: failed to marshal decision: %w", err)
	}
	err = p.decisions.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.Observation.SourceIP),
		Value: value,
		Time:  d.DecidedAt,
	})
	if err != nil {
		return err
	}
	p.published.Add(1)
	return nil
}

// Metrics returns pipeline counters.
func (p *Pipeline) Metrics() PipelineMetrics {
	return PipelineMetrics{
		Consumed:  p.consumed.Load(),
		Published: p.published.Load(),
		Malformed: p.malformed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// PipelineMetrics holds stream statistics.
type PipelineMetrics struct {
	Consumed  uint64 `json:"consumed"`
	Published uint64 `json:"published"`
	Malformed uint64 `json:"malformed"`
	Dropped   uint64 `json:"dropped"`
}
