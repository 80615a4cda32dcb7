// Package schema defines the core data model for the defense decision
// pipeline: threat observations, system context, actions, outcomes and
// learning experiences.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the classifier's severity tier for an observation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Protocol is the transport protocol of the observed traffic.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
)

// Direction of the observed flow relative to the protected network.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ServiceTier describes the importance of the destination service.
type ServiceTier string

const (
	TierCritical ServiceTier = "critical"
	TierHigh     ServiceTier = "high"
	TierStandard ServiceTier = "standard"
	TierLow      ServiceTier = "low"
)

// ThreatObservation is one scored observation from the upstream
// classifier. Immutable once created.
type ThreatObservation struct {
	ID             string    `json:"id" validate:"omitempty,uuid4"`
	SourceIP       string    `json:"source_ip" validate:"required,ip"`
	DestPort       int       `json:"dest_port" validate:"min=0,max=65535"`
	Protocol       Protocol  `json:"protocol" validate:"omitempty,oneof=tcp udp icmp"`
	PacketSize     int       `json:"packet_size" validate:"min=0"`
	PayloadEntropy float64   `json:"payload_entropy" validate:"min=0,max=8"` // bits per byte
	Direction      Direction `json:"direction" validate:"omitempty,oneof=inbound outbound"`
	Probability    float64   `json:"probability" validate:"min=0,max=1"` // maliciousness
	Confidence     float64   `json:"confidence" validate:"min=0,max=1"`  // classifier confidence
	Category       string    `json:"category" validate:"omitempty,category_format"` // open set, "unknown" fallback
	Severity       Severity  `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewObservationID returns a fresh observation identifier.
func NewObservationID() string {
	return uuid.New().String()
}

// SeverityFromProbability maps a maliciousness probability to a tier
// using the legacy response thresholds.
func SeverityFromProbability(p float64) Severity {
	switch {
	case p >= 0.9:
		return SeverityCritical
	case p >= 0.7:
		return SeverityHigh
	case p >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SystemContext is a point-in-time sample of host and network state,
// taken at decision time. Not persisted with the observation.
type SystemContext struct {
	CPULoad           float64     `json:"cpu_load"`    // 0..1
	MemoryLoad        float64     `json:"memory_load"` // 0..1
	ActiveConnections int         `json:"active_connections"`
	BlockedCount      int         `json:"blocked_count"`
	ConnectionRate    float64     `json:"connection_rate"`   // events from source in last 60s
	HistoricalThreat  float64     `json:"historical_threat"` // rolling mean threat, 0..1
	ServiceImpact     ServiceTier `json:"service_impact"`
	Time              time.Time   `json:"time"`
}

// StateDim is the fixed dimensionality of extracted state vectors.
const StateDim = 10

// StateVector is a normalized feature vector; every component is in
// [0,1] after extraction.
type StateVector []float64

// Clone returns an independent copy of the vector.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	copy(out, v)
	return out
}

// Outcome classifies the result of an executed action.
type Outcome string

const (
	OutcomeTruePositive  Outcome = "true_positive"
	OutcomeFalsePositive Outcome = "false_positive"
	OutcomeTrueNegative  Outcome = "true_negative"
	OutcomeFalseNegative Outcome = "false_negative"
	OutcomeUnknown       Outcome = "unknown"
)

// Malicious reports whether the outcome indicates the traffic was
// actually malicious.
func (o Outcome) Malicious() bool {
	return o == OutcomeTruePositive || o == OutcomeFalseNegative
}

// Experience is one learning sample. Owned by the experience buffer
// after insertion; immutable once stored.
type Experience struct {
	State     StateVector `json:"state"`
	ActionID  int         `json:"action_id"`
	Reward    float64     `json:"reward"`
	NextState StateVector `json:"next_state"`
	Terminal  bool        `json:"terminal"`
	Malicious bool        `json:"malicious"`
}
