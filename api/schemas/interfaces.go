package schemas

import "context"

// -- Reasoning Boundary --

// ReasoningRequest is the context handed to the reasoning dependency. The
// engine does not care what backs the call (a language model, a rules engine,
// a human-in-the-loop service), only that it can fail and must degrade.
type ReasoningRequest struct {
	Demand *Demand `json:"demand,omitempty"`
	Offers []Offer `json:"offers,omitempty"`
	// FeedbackSummary carries the prior round's feedback into the next
	// aggregation pass.
	FeedbackSummary string `json:"feedback_summary,omitempty"`
	Instructions    string `json:"instructions,omitempty"`
}

// ReasoningResult is the structured payload a reasoning call produces.
type ReasoningResult struct {
	Summary     string       `json:"summary"`
	Assignments []Assignment `json:"assignments,omitempty"`
	// Raw preserves the unparsed downstream response for audit.
	Raw string `json:"-"`
}

// ReasoningClient is the single call shape at the reasoning dependency
// boundary. Every call is wrapped by the circuit breaker; the channel never
// invokes it directly.
type ReasoningClient interface {
	Invoke(ctx context.Context, operationKey string, req ReasoningRequest) (*ReasoningResult, error)
}

// -- Transport Boundary --

// SignalSink consumes the outbound signals listed in signals.go. The
// in-process signal bus implements it; an external transport layer subscribes
// on the bus and fans signals out over its own wire.
type SignalSink interface {
	Post(ctx context.Context, sig Signal) error
}

// -- Audit Boundary --

// AuditSink records terminal outcomes and recovery history for post-hoc
// audit. Implementations must tolerate being called concurrently. A nil sink
// is valid everywhere: the engine runs fully in-memory without one.
type AuditSink interface {
	RecordOutcome(ctx context.Context, outcome ChannelOutcome) error
	RecordRecoveryAttempts(ctx context.Context, channelID string, attempts []RecoveryAttempt) error
}
