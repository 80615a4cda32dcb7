package state

import (
	"math"
	"testing"
	"time"

	"netdefend/internal/schema"
)

func validObservation() schema.ThreatObservation {
	return schema.ThreatObservation{
		SourceIP:       "203.0.113.10",
		DestPort:       443,
		Protocol:       schema.ProtocolTCP,
		PacketSize:     750,
		PayloadEntropy: 4.0,
		Direction:      schema.DirectionInbound,
		Probability:    0.8,
		Confidence:     0.9,
		Category:       "port_scan",
		Severity:       schema.SeverityHigh,
		Timestamp:      time.Now(),
	}
}

func validContext() schema.SystemContext {
	return schema.SystemContext{
		CPULoad:          0.5,
		ConnectionRate:   50,
		HistoricalThreat: 0.4,
		ServiceImpact:    schema.TierStandard,
		Time:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestExtractDimensionAndBounds(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	v := e.Extract(validObservation(), validContext())
	if len(v) != schema.StateDim {
		t.Fatalf("expected %d components, got %d", schema.StateDim, len(v))
	}
	for i, x := range v {
		if x < 0 || x > 1 {
			t.Errorf("component %d out of range: %f", i, x)
		}
	}
}

func TestExtractKnownValues(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	v := e.Extract(validObservation(), validContext())

	tests := []struct {
		name string
		slot int
		want float64
	}{
		{"packet size", 0, 0.5},
		{"protocol tcp", 1, 0.33},
		{"probability", 2, 0.8},
		{"port risk https", 3, 0.3},
		{"connection rate", 4, 0.5},
		{"historical threat", 5, 0.4},
		{"midday risk", 6, 0.3},
		{"inbound", 7, 1.0},
		{"entropy", 8, 0.5},
		{"standard tier", 9, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if math.Abs(v[tt.slot]-tt.want) > 1e-9 {
				t.Errorf("slot %d = %f, want %f", tt.slot, v[tt.slot], tt.want)
			}
		})
	}
}

func TestExtractMalformedInputs(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	tests := []struct {
		name string
		obs  schema.ThreatObservation
		sys  schema.SystemContext
	}{
		{"zero values", schema.ThreatObservation{}, schema.SystemContext{}},
		{"nan probability", schema.ThreatObservation{Probability: math.NaN()}, validContext()},
		{"inf entropy", schema.ThreatObservation{PayloadEntropy: math.Inf(1)}, validContext()},
		{"negative inf rate", validObservation(), schema.SystemContext{ConnectionRate: math.Inf(-1)}},
		{"negative packet size", schema.ThreatObservation{PacketSize: -100}, validContext()},
		{"oversized port", schema.ThreatObservation{DestPort: 99999}, validContext()},
		{"unknown protocol", schema.ThreatObservation{Protocol: "gre"}, validContext()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Extract(tt.obs, tt.sys)
			if len(v) != schema.StateDim {
				t.Fatalf("expected %d components, got %d", schema.StateDim, len(v))
			}
			for i, x := range v {
				if math.IsNaN(x) || math.IsInf(x, 0) {
					t.Errorf("component %d not finite: %f", i, x)
				}
				if x < 0 || x > 1 {
					t.Errorf("component %d out of range: %f", i, x)
				}
			}
		})
	}
}

func TestTimeOfDayRisk(t *testing.T) {
	tests := []struct {
		hour int
		want float64
	}{
		{0, 0.8}, {5, 0.8}, {6, 0.5}, {8, 0.5},
		{9, 0.3}, {17, 0.3}, {18, 0.5}, {23, 0.5},
	}
	for _, tt := range tests {
		if got := timeOfDayRisk(tt.hour); got != tt.want {
			t.Errorf("timeOfDayRisk(%d) = %f, want %f", tt.hour, got, tt.want)
		}
	}
}

func TestPortRiskOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortRisk = map[int]float64{443: 0.95}
	e := NewExtractor(cfg)

	if got := e.portRisk(443); got != 0.95 {
		t.Errorf("overridden port risk = %f, want 0.95", got)
	}
	// Unoverridden ports fall through to the built-in table.
	if got := e.portRisk(3389); got != 0.9 {
		t.Errorf("builtin port risk = %f, want 0.9", got)
	}
}

func TestNeutralVector(t *testing.T) {
	v := Neutral()
	if len(v) != schema.StateDim {
		t.Fatalf("neutral vector has %d components", len(v))
	}
	for i, x := range v {
		want := 0.0
		if i == 9 {
			want = 0.5
		}
		if x != want {
			t.Errorf("slot %d = %f, want %f", i, x, want)
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	obs, sys := validObservation(), validContext()

	a := e.Extract(obs, sys)
	b := e.Extract(obs, sys)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("extraction not deterministic at slot %d", i)
		}
	}
}
