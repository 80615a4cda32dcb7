package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"netdefend/internal/buffer"
	"netdefend/internal/reward"
	"netdefend/internal/schema"
	"netdefend/internal/state"
	"netdefend/internal/tracker"
)

// fakeSelector returns a fixed action or error.
type fakeSelector struct {
	action  schema.Action
	err     error
	calls   int
	version uint64
}

func (f *fakeSelector) SelectAction(sv schema.StateVector) (schema.Action, error) {
	f.calls++
	if f.err != nil {
		return schema.Allow(), f.err
	}
	return f.action, nil
}

func (f *fakeSelector) ModelVersion() uint64 { return f.version }

func newTestEngine(t *testing.T, cfg Config, sel Selector) (*Engine, *buffer.Buffer) {
	t.Helper()

	tr, err := tracker.New(tracker.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	buf := buffer.New(buffer.DefaultConfig())
	e := New(cfg,
		state.NewExtractor(state.DefaultConfig()),
		tr,
		sel,
		reward.NewCalculator(reward.DefaultConfig(), nil),
		buf,
		nil,
	)
	return e, buf
}

func observation(source string, p float64) schema.ThreatObservation {
	return schema.ThreatObservation{
		SourceIP:    source,
		DestPort:    443,
		Protocol:    schema.ProtocolTCP,
		PacketSize:  512,
		Direction:   schema.DirectionInbound,
		Probability: p,
		Timestamp:   time.Now(),
	}
}

func TestHighProbabilityForcesPermanentBlock(t *testing.T) {
	sel := &fakeSelector{action: schema.Allow()}
	e, _ := newTestEngine(t, DefaultConfig(), sel)

	d, err := e.Observe(context.Background(), observation("203.0.113.7", 0.95), schema.SystemContext{})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if d.Action.Kind != schema.ActionPermanentBlock {
		t.Fatalf("action = %s, want permanent block", d.Action)
	}
	if !d.Escalated || d.EscalationReason == "" {
		t.Error("high-confidence block not marked as escalated")
	}
	if sel.calls != 0 {
		t.Error("policy agent consulted on a direct-response observation")
	}
}

func TestProtectedSourceNeverBlocked(t *testing.T) {
	sel := &fakeSelector{action: schema.Allow()}
	e, _ := newTestEngine(t, DefaultConfig(), sel)

	for i := 0; i < 10; i++ {
		d, err := e.Observe(context.Background(), observation("192.168.1.50", 0.95), schema.SystemContext{})
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if d.Action.IsBlocking() {
			t.Fatalf("protected source got blocking action %s", d.Action)
		}
		if d.Action.Kind != schema.ActionDeepInspect {
			t.Errorf("action = %s, want deep inspect fallback", d.Action)
		}
	}
}

func TestMediumTierEscalatesAfterThreshold(t *testing.T) {
	sel := &fakeSelector{action: schema.Allow()}
	e, _ := newTestEngine(t, DefaultConfig(), sel)

	var last schema.Decision
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.Observe(context.Background(), observation("198.51.100.9", 0.75), schema.SystemContext{})
		if err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}
	if !last.Escalated {
		t.Fatal("third medium-tier observation did not escalate")
	}
	if last.Action.Kind != schema.ActionPermanentBlock {
		t.Errorf("action = %s, want permanent block", last.Action)
	}
}

func TestPolicyPathUsesSelector(t *testing.T) {
	sel := &fakeSelector{action: schema.RateLimit(100, 200), version: 7}
	e, _ := newTestEngine(t, DefaultConfig(), sel)

	d, err := e.Observe(context.Background(), observation("203.0.113.8", 0.4), schema.SystemContext{})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if d.Action.Kind != schema.ActionRateLimit {
		t.Fatalf("action = %s, want rate limit", d.Action)
	}
	if d.Escalated {
		t.Error("policy decision marked escalated")
	}
	if d.ModelVersion != 7 {
		t.Errorf("model version = %d, want 7", d.ModelVersion)
	}
	if sel.calls != 1 {
		t.Errorf("selector calls = %d, want 1", sel.calls)
	}
}

func TestSelectorErrorDegradesToAllow(t *testing.T) {
	sel := &fakeSelector{err: errors.New("model unavailable")}
	e, _ := newTestEngine(t, DefaultConfig(), sel)

	d, err := e.Observe(context.Background(), observation("203.0.113.9", 0.4), schema.SystemContext{})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if d.Action.Kind != schema.ActionAllow {
		t.Fatalf("action = %s, want allow fallback", d.Action)
	}
	if m := e.Metrics(); m.Degraded != 1 {
		t.Errorf("degraded = %d, want 1", m.Degraded)
	}
}

func TestReportOutcomeStoresExperience(t *testing.T) {
	sel := &fakeSelector{action: schema.TemporaryBlock(30 * time.Minute)}
	e, buf := newTestEngine(t, DefaultConfig(), sel)

	d, err := e.Observe(context.Background(), observation("203.0.113.10", 0.6), schema.SystemContext{CPULoad: 0.3})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	if err := e.ReportOutcome(d.CorrelationID, schema.OutcomeTruePositive, 200*time.Millisecond); err != nil {
		t.Fatalf("report outcome: %v", err)
	}
	if buf.Len() != 1 {
		t.Fatalf("buffer length = %d, want 1", buf.Len())
	}
	if e.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", e.PendingCount())
	}

	batch, err := buf.Sample(1)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	exp := batch.Experiences[0]
	if !exp.Malicious {
		t.Error("true positive experience not tagged malicious")
	}
	if exp.Reward <= 0 {
		t.Errorf("reward = %f, want positive for a correct block", exp.Reward)
	}
}

func TestReportOutcomeUnknownID(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), &fakeSelector{action: schema.Allow()})

	err := e.ReportOutcome("no-such-id", schema.OutcomeTruePositive, 0)
	if !errors.Is(err, ErrUnknownCorrelation) {
		t.Fatalf("err = %v, want ErrUnknownCorrelation", err)
	}
}

func TestDuplicateOutcomeRejected(t *testing.T) {
	sel := &fakeSelector{action: schema.Allow()}
	e, _ := newTestEngine(t, DefaultConfig(), sel)

	d, err := e.Observe(context.Background(), observation("203.0.113.11", 0.2), schema.SystemContext{})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if err := e.ReportOutcome(d.CorrelationID, schema.OutcomeTrueNegative, 0); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if err := e.ReportOutcome(d.CorrelationID, schema.OutcomeTrueNegative, 0); !errors.Is(err, ErrUnknownCorrelation) {
		t.Fatalf("second report err = %v, want ErrUnknownCorrelation", err)
	}
}

func TestTimeoutResolvesAsUnknown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutcomeTimeout = 10 * time.Millisecond
	sel := &fakeSelector{action: schema.Allow()}
	e, buf := newTestEngine(t, cfg, sel)

	if _, err := e.Observe(context.Background(), observation("203.0.113.12", 0.2), schema.SystemContext{}); err != nil {
		t.Fatalf("observe: %v", err)
	}

	e.expire(time.Now().Add(time.Second))

	if e.PendingCount() != 0 {
		t.Fatalf("pending = %d, want 0 after expiry", e.PendingCount())
	}
	if buf.Len() != 1 {
		t.Fatalf("buffer length = %d, want 1", buf.Len())
	}
	if m := e.Metrics(); m.Timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", m.Timeouts)
	}

	batch, err := buf.Sample(1)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if r := batch.Experiences[0].Reward; r != 0 {
		t.Errorf("timed-out reward = %f, want 0", r)
	}
}

func TestPendingCapEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPending = 3
	sel := &fakeSelector{action: schema.Allow()}
	e, buf := newTestEngine(t, cfg, sel)

	sources := []string{"203.0.113.1", "203.0.113.2", "203.0.113.3", "203.0.113.4", "203.0.113.5"}
	for _, src := range sources {
		if _, err := e.Observe(context.Background(), observation(src, 0.2), schema.SystemContext{}); err != nil {
			t.Fatalf("observe %s: %v", src, err)
		}
	}

	if e.PendingCount() != 3 {
		t.Errorf("pending = %d, want cap of 3", e.PendingCount())
	}
	if m := e.Metrics(); m.EarlyEvicts != 2 {
		t.Errorf("early evicts = %d, want 2", m.EarlyEvicts)
	}
	if buf.Len() != 2 {
		t.Errorf("buffer length = %d, want 2 evicted experiences", buf.Len())
	}
}

func TestJanitorLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JanitorInterval = 5 * time.Millisecond
	e, _ := newTestEngine(t, cfg, &fakeSelector{action: schema.Allow()})

	e.Start()
	time.Sleep(15 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestObserveFillsObservationID(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), &fakeSelector{action: schema.Allow()})

	d, err := e.Observe(context.Background(), observation("203.0.113.13", 0.1), schema.SystemContext{})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if d.Observation.ID == "" {
		t.Error("observation id not assigned")
	}
	if d.CorrelationID == "" {
		t.Error("correlation id not assigned")
	}
}
