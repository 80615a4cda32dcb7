package schema

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the audit record for one processed observation.
type Decision struct {
	CorrelationID    string            `json:"correlation_id"`
	Observation      ThreatObservation `json:"observation"`
	Action           Action            `json:"action"`
	Escalated        bool              `json:"escalated"`
	EscalationReason string            `json:"escalation_reason,omitempty"`
	ModelVersion     uint64            `json:"model_version"`
	Latency          time.Duration     `json:"latency"`
	DecidedAt        time.Time         `json:"decided_at"`
}

// NewCorrelationID returns a fresh decision correlation identifier.
func NewCorrelationID() string {
	return uuid.New().String()
}

// OutcomeReport is the asynchronous feedback message from the
// enforcement subsystem for a prior decision.
type OutcomeReport struct {
	CorrelationID string        `json:"correlation_id"`
	Outcome       Outcome       `json:"outcome"`
	ResponseTime  time.Duration `json:"response_time"`
	ReportedAt    time.Time     `json:"reported_at"`
}
