package schemas

import (
	"errors"
	"fmt"
	"time"
)

// Status identifies where a negotiation channel is in its lifecycle.
// The machine is linear with a single loop: NEGOTIATING re-enters
// PROPOSAL_SENT on a continue decision until a terminal status is reached.
type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusBroadcasting   Status = "BROADCASTING"
	StatusCollecting     Status = "COLLECTING"
	StatusAggregating    Status = "AGGREGATING"
	StatusProposalSent   Status = "PROPOSAL_SENT"
	StatusNegotiating    Status = "NEGOTIATING"
	StatusFinalized      Status = "FINALIZED"
	StatusForceFinalized Status = "FORCE_FINALIZED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether the status is absorbing: no operation may move a
// channel out of a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinalized, StatusForceFinalized, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusCreated, StatusBroadcasting, StatusCollecting, StatusAggregating,
		StatusProposalSent, StatusNegotiating, StatusFinalized,
		StatusForceFinalized, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// Decision is the outcome of one threshold evaluation pass.
type Decision string

const (
	DecisionFinalize      Decision = "finalize"
	DecisionFail          Decision = "fail"
	DecisionContinue      Decision = "continue"
	DecisionForceFinalize Decision = "force_finalize"
)

// IsValid reports whether the decision is a known value.
func (d Decision) IsValid() bool {
	switch d {
	case DecisionFinalize, DecisionFail, DecisionContinue, DecisionForceFinalize:
		return true
	default:
		return false
	}
}

func (d Decision) String() string { return string(d) }

// Demand is the requester's statement of what the negotiation must produce.
type Demand struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// ExpectedScale is the number of participants the demand calls for.
	// Zero means no expectation, and disables the participant-count gap check.
	ExpectedScale int `json:"expected_scale,omitempty"`
	// Requirements are the resources/capabilities the finalized proposal must
	// cover. CoreRequirements is the subset considered central to the demand;
	// uncovered core requirements yield higher-severity gaps.
	Requirements     []string          `json:"requirements,omitempty"`
	CoreRequirements []string          `json:"core_requirements,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Validate rejects malformed demands before they enter the state machine.
func (d *Demand) Validate() error {
	if d.Description == "" && d.Title == "" {
		return errors.New("demand must carry a title or a description")
	}
	for _, core := range d.CoreRequirements {
		if core == "" {
			return errors.New("demand core requirements must not contain empty entries")
		}
	}
	return nil
}

// OfferDecision is a participant's top-level answer to a broadcast demand.
type OfferDecision string

const (
	OfferParticipate OfferDecision = "participate"
	OfferDecline     OfferDecision = "decline"
	OfferConditional OfferDecision = "conditional"
)

// IsValid reports whether the offer decision is a known value.
func (d OfferDecision) IsValid() bool {
	switch d {
	case OfferParticipate, OfferDecline, OfferConditional:
		return true
	default:
		return false
	}
}

// ResponseType distinguishes a direct offer from a negotiating one.
type ResponseType string

const (
	ResponseOffer     ResponseType = "offer"
	ResponseNegotiate ResponseType = "negotiate"
)

// IsValid reports whether the response type is a known value.
func (r ResponseType) IsValid() bool {
	return r == ResponseOffer || r == ResponseNegotiate
}

// NegotiationPoint is a structured objection within a negotiating offer.
type NegotiationPoint struct {
	Aspect  string `json:"aspect"`
	Current string `json:"current"`
	Desired string `json:"desired"`
	Reason  string `json:"reason,omitempty"`
}

// Offer is a participant's response to a broadcast demand. A later submission
// from the same participant in the same round supersedes the earlier one.
type Offer struct {
	ParticipantID string             `json:"participant_id"`
	Decision      OfferDecision      `json:"decision"`
	Type          ResponseType       `json:"type"`
	Contribution  string             `json:"contribution,omitempty"`
	Conditions    []string           `json:"conditions,omitempty"`
	Points        []NegotiationPoint `json:"points,omitempty"`
	Confidence    float64            `json:"confidence,omitempty"`
	SubmittedAt   time.Time          `json:"submitted_at"`
}

// Validate rejects offers with unknown tags so a typo cannot silently skew
// the aggregation partition.
func (o *Offer) Validate() error {
	if o.ParticipantID == "" {
		return errors.New("offer participant id must not be empty")
	}
	if !o.Decision.IsValid() {
		return fmt.Errorf("offer decision %q is not a valid decision", o.Decision)
	}
	if o.Type != "" && !o.Type.IsValid() {
		return fmt.Errorf("offer response type %q is not a valid type", o.Type)
	}
	return nil
}

// FeedbackType is a participant's verdict on a distributed proposal.
type FeedbackType string

const (
	FeedbackAccept    FeedbackType = "accept"
	FeedbackReject    FeedbackType = "reject"
	FeedbackNegotiate FeedbackType = "negotiate"
	FeedbackWithdraw  FeedbackType = "withdraw"
)

// IsValid reports whether the feedback type is a known value.
func (f FeedbackType) IsValid() bool {
	switch f {
	case FeedbackAccept, FeedbackReject, FeedbackNegotiate, FeedbackWithdraw:
		return true
	default:
		return false
	}
}

// Feedback is one participant's response to the current round's proposal.
type Feedback struct {
	ParticipantID string       `json:"participant_id"`
	Type          FeedbackType `json:"type"`
	Adjustment    string       `json:"adjustment,omitempty"`
	SubmittedAt   time.Time    `json:"submitted_at"`
}

// Validate rejects feedback with unknown tags.
func (f *Feedback) Validate() error {
	if f.ParticipantID == "" {
		return errors.New("feedback participant id must not be empty")
	}
	if !f.Type.IsValid() {
		return fmt.Errorf("feedback type %q is not a valid type", f.Type)
	}
	return nil
}

// AssignmentOrigin records which path produced an assignment.
type AssignmentOrigin string

const (
	OriginAggregation AssignmentOrigin = "aggregation"
	OriginFallback    AssignmentOrigin = "fallback"
	OriginSubnet      AssignmentOrigin = "subnet"
)

// Assignment binds one participant to a role in the proposal.
type Assignment struct {
	ParticipantID  string           `json:"participant_id"`
	Role           string           `json:"role"`
	Responsibility string           `json:"responsibility"`
	Origin         AssignmentOrigin `json:"origin,omitempty"`
	// SubnetID is set when the assignment was merged in from a completed
	// subnet.
	SubnetID string `json:"subnet_id,omitempty"`
}

// SubnetStats summarizes subnet outcomes attached to a merged proposal.
type SubnetStats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Proposal is the aggregated plan distributed to participants for a round.
// It is immutable once distributed; a new round or a subnet merge produces a
// new Proposal value.
type Proposal struct {
	Summary     string       `json:"summary"`
	Assignments []Assignment `json:"assignments"`
	// Fallback marks a proposal produced by the deterministic fallback
	// generator instead of the reasoning dependency.
	Fallback bool `json:"fallback,omitempty"`
	// RecoveryGenerated marks a proposal force-completed by the state checker.
	RecoveryGenerated bool         `json:"recovery_generated,omitempty"`
	Round             int          `json:"round"`
	SubnetStats       *SubnetStats `json:"subnet_stats,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// ChannelOutcome is the audit record written when a channel reaches a
// terminal status.
type ChannelOutcome struct {
	ChannelID    string    `json:"channel_id"`
	DemandID     string    `json:"demand_id"`
	Status       Status    `json:"status"`
	Rounds       int       `json:"rounds"`
	Participants int       `json:"participants"`
	Reason       string    `json:"reason,omitempty"`
	ReachedAt    time.Time `json:"reached_at"`
}

// RecoveryAttempt is one entry in a channel's recovery history.
type RecoveryAttempt struct {
	Reason    string    `json:"reason"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}
