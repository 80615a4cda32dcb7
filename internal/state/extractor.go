// Package state converts threat observations and system context into
// fixed-length normalized feature vectors for the policy agent.
package state

import (
	"math"
	"strings"

	"netdefend/internal/schema"
)

// Config holds extraction normalization settings.
type Config struct {
	// MaxPacketSize is the divisor for packet size normalization.
	MaxPacketSize int `yaml:"max_packet_size" validate:"gt=0"`

	// MaxConnectionRate is the divisor for per-source event rate.
	MaxConnectionRate float64 `yaml:"max_connection_rate" validate:"gt=0"`

	// PortRisk overrides the built-in port risk table (port -> score).
	PortRisk map[int]float64 `yaml:"port_risk"`
}

// DefaultConfig returns the default extraction configuration.
func DefaultConfig() Config {
	return Config{
		MaxPacketSize:     1500,
		MaxConnectionRate: 100,
	}
}

// Built-in port risk tiers. Ports with known attack surface score high,
// common service ports score low.
var defaultPortRisk = map[int]float64{
	21: 0.9, 23: 0.9, 135: 0.9, 139: 0.9, 445: 0.9, 1433: 0.9, 3389: 0.9,
	22: 0.6, 25: 0.6, 53: 0.6, 110: 0.6, 143: 0.6,
	80: 0.3, 443: 0.3, 8080: 0.3, 8443: 0.3,
}

// Extractor maps (ThreatObservation, SystemContext) to a StateVector.
// Pure and deterministic; never fails.
type Extractor struct {
	cfg Config
}

// NewExtractor creates an extractor with the given configuration.
func NewExtractor(cfg Config) *Extractor {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 1500
	}
	if cfg.MaxConnectionRate <= 0 {
		cfg.MaxConnectionRate = 100
	}
	return &Extractor{cfg: cfg}
}

// Extract builds the normalized state vector. Vector slots:
//
//	0 packet size        5 historical threat
//	1 protocol           6 time-of-day risk
//	2 probability        7 direction
//	3 port risk          8 payload entropy
//	4 connection rate    9 service impact
//
// Malformed inputs are replaced with safe defaults; the result always
// has schema.StateDim components, each in [0,1].
func (e *Extractor) Extract(obs schema.ThreatObservation, sys schema.SystemContext) schema.StateVector {
	v := make(schema.StateVector, schema.StateDim)

	v[0] = clamp01(float64(obs.PacketSize) / float64(e.cfg.MaxPacketSize))
	v[1] = protocolScore(obs.Protocol)
	v[2] = clamp01(obs.Probability)
	v[3] = e.portRisk(obs.DestPort)
	v[4] = clamp01(sys.ConnectionRate / e.cfg.MaxConnectionRate)
	v[5] = clamp01(sys.HistoricalThreat)
	v[6] = timeOfDayRisk(sys.Time.Hour())
	v[7] = directionScore(obs.Direction)
	v[8] = clamp01(obs.PayloadEntropy / 8.0)
	v[9] = serviceImpactScore(sys.ServiceImpact)

	return v
}

// Neutral returns the safe default vector used when an observation is
// unusable.
func Neutral() schema.StateVector {
	v := make(schema.StateVector, schema.StateDim)
	v[9] = 0.5
	return v
}

func (e *Extractor) portRisk(port int) float64 {
	if port <= 0 || port > 65535 {
		return 0.4
	}
	if e.cfg.PortRisk != nil {
		if score, ok := e.cfg.PortRisk[port]; ok {
			return clamp01(score)
		}
	}
	if score, ok := defaultPortRisk[port]; ok {
		return score
	}
	if port >= 49152 {
		return 0.2
	}
	return 0.4
}

func protocolScore(p schema.Protocol) float64 {
	switch schema.Protocol(strings.ToLower(string(p))) {
	case schema.ProtocolTCP:
		return 0.33
	case schema.ProtocolUDP:
		return 0.66
	case schema.ProtocolICMP:
		return 1.0
	default:
		return 0
	}
}

// timeOfDayRisk reflects that overnight traffic carries more risk than
// business-hours traffic.
func timeOfDayRisk(hour int) float64 {
	switch {
	case hour < 0 || hour > 23:
		return 0.5
	case hour < 6:
		return 0.8
	case hour < 9:
		return 0.5
	case hour < 18:
		return 0.3
	default:
		return 0.5
	}
}

func directionScore(d schema.Direction) float64 {
	if d == schema.DirectionOutbound {
		return 0
	}
	return 1
}

func serviceImpactScore(t schema.ServiceTier) float64 {
	switch t {
	case schema.TierCritical:
		return 1.0
	case schema.TierHigh:
		return 0.75
	case schema.TierStandard:
		return 0.5
	case schema.TierLow:
		return 0.25
	default:
		return 0.5
	}
}

// clamp01 bounds x to [0,1] and maps non-finite values to safe defaults.
func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 0
	case math.IsInf(x, 1):
		return 1
	case math.IsInf(x, -1):
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
