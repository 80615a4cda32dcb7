package schema

import (
	"fmt"
	"time"
)

// ActionKind enumerates the response variants.
type ActionKind int

const (
	ActionAllow ActionKind = iota
	ActionTemporaryBlock
	ActionPermanentBlock
	ActionRateLimit
	ActionDeepInspect
	ActionIsolate

	numActions
)

// NumActions is the size of the action space presented to the learner.
const NumActions = int(numActions)

// Default parameters for parameterized actions.
const (
	DefaultBlockDuration   = 30 * time.Minute
	WarningBlockDuration   = 10 * time.Minute
	DefaultRateLimitPerSec = 10.0
	DefaultRateLimitBurst  = 20
)

// Action is a tagged response variant. Kind selects the variant; only
// the parameter fields relevant to that kind are meaningful.
type Action struct {
	Kind     ActionKind    `json:"kind"`
	Duration time.Duration `json:"duration,omitempty"`       // TemporaryBlock
	Rate     float64       `json:"rate,omitempty"`           // RateLimit, events/sec
	Burst    int           `json:"burst,omitempty"`          // RateLimit
}

// Allow permits the traffic.
func Allow() Action { return Action{Kind: ActionAllow} }

// TemporaryBlock blocks the source for the given duration.
func TemporaryBlock(d time.Duration) Action {
	if d <= 0 {
		d = DefaultBlockDuration
	}
	return Action{Kind: ActionTemporaryBlock, Duration: d}
}

// WarningBlock is the short block applied on low-tier escalation.
func WarningBlock() Action {
	return Action{Kind: ActionTemporaryBlock, Duration: WarningBlockDuration}
}

// PermanentBlock blocks the source until operator intervention.
func PermanentBlock() Action { return Action{Kind: ActionPermanentBlock} }

// RateLimit throttles the source to rate events/sec with the given burst.
func RateLimit(rate float64, burst int) Action {
	if rate <= 0 {
		rate = DefaultRateLimitPerSec
	}
	if burst <= 0 {
		burst = DefaultRateLimitBurst
	}
	return Action{Kind: ActionRateLimit, Rate: rate, Burst: burst}
}

// DeepInspect routes subsequent traffic from the source through the
// secondary detector.
func DeepInspect() Action { return Action{Kind: ActionDeepInspect} }

// Isolate quarantines the source host.
func Isolate() Action { return Action{Kind: ActionIsolate} }

// IsBlocking reports whether the action denies traffic.
func (a Action) IsBlocking() bool {
	switch a.Kind {
	case ActionTemporaryBlock, ActionPermanentBlock, ActionIsolate:
		return true
	}
	return false
}

// ID returns the stable numeric identifier used by the learner.
func (a Action) ID() int { return int(a.Kind) }

// ActionFromID reconstructs an action with default parameters from a
// learner action id. Unknown ids map to Allow.
func ActionFromID(id int) Action {
	switch ActionKind(id) {
	case ActionAllow:
		return Allow()
	case ActionTemporaryBlock:
		return TemporaryBlock(DefaultBlockDuration)
	case ActionPermanentBlock:
		return PermanentBlock()
	case ActionRateLimit:
		return RateLimit(DefaultRateLimitPerSec, DefaultRateLimitBurst)
	case ActionDeepInspect:
		return DeepInspect()
	case ActionIsolate:
		return Isolate()
	default:
		return Allow()
	}
}

// String returns the wire name of the action kind.
func (a Action) String() string {
	switch a.Kind {
	case ActionAllow:
		return "allow"
	case ActionTemporaryBlock:
		return "temporary_block"
	case ActionPermanentBlock:
		return "permanent_block"
	case ActionRateLimit:
		return "rate_limit"
	case ActionDeepInspect:
		return "deep_inspect"
	case ActionIsolate:
		return "isolate"
	default:
		return fmt.Sprintf("unknown(%d)", int(a.Kind))
	}
}
