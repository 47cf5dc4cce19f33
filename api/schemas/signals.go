package schemas

import (
	"time"

	"github.com/google/uuid"
)

// SignalType names an outbound signal. The transport layer fans these out
// over whatever pub/sub or push channel it owns; the core only posts them.
type SignalType string

const (
	SignalChannelCreated            SignalType = "channel_created"
	SignalDemandBroadcast           SignalType = "demand_broadcast"
	SignalOfferSubmitted            SignalType = "offer_submitted"
	SignalAggregationStarted        SignalType = "aggregation_started"
	SignalProposalDistributed       SignalType = "proposal_distributed"
	SignalProposalFeedbackReceived  SignalType = "proposal_feedback_received"
	SignalFeedbackEvaluated         SignalType = "feedback_evaluated"
	SignalRoundStarted              SignalType = "round_started"
	SignalProposalFinalized         SignalType = "proposal_finalized"
	SignalNegotiationFailed         SignalType = "negotiation_failed"
	SignalNegotiationForceFinalized SignalType = "negotiation_force_finalized"
	SignalSubnetCreated             SignalType = "subnet_created"
	SignalSubnetStarted             SignalType = "subnet_started"
	SignalSubnetCompleted           SignalType = "subnet_completed"
)

// Terminal reports whether the signal is one of the three terminal signals a
// channel emits exactly once.
func (t SignalType) Terminal() bool {
	switch t {
	case SignalProposalFinalized, SignalNegotiationFailed, SignalNegotiationForceFinalized:
		return true
	default:
		return false
	}
}

// Signal is the envelope posted to the signal sink.
type Signal struct {
	ID        string      `json:"id"`
	ChannelID string      `json:"channel_id"`
	Type      SignalType  `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewSignal builds a signal envelope with a fresh id and UTC timestamp.
func NewSignal(channelID string, sigType SignalType, payload interface{}) Signal {
	return Signal{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		Type:      sigType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// -- Signal Payloads --

// DemandBroadcastPayload accompanies demand_broadcast.
type DemandBroadcastPayload struct {
	Demand     Demand   `json:"demand"`
	Candidates []string `json:"candidates"`
	// Rebroadcast marks a broadcast re-issued by recovery.
	Rebroadcast bool `json:"rebroadcast,omitempty"`
}

// OfferSubmittedPayload accompanies offer_submitted.
type OfferSubmittedPayload struct {
	ParticipantID string        `json:"participant_id"`
	Decision      OfferDecision `json:"decision"`
	Received      int           `json:"received"`
	Expected      int           `json:"expected"`
}

// ProposalDistributedPayload accompanies proposal_distributed.
type ProposalDistributedPayload struct {
	Proposal Proposal `json:"proposal"`
	Round    int      `json:"round"`
	// Redistributed marks a distribution re-issued by recovery.
	Redistributed bool `json:"redistributed,omitempty"`
}

// FeedbackReceivedPayload accompanies proposal_feedback_received.
type FeedbackReceivedPayload struct {
	ParticipantID string       `json:"participant_id"`
	Type          FeedbackType `json:"type"`
	Received      int          `json:"received"`
	Expected      int          `json:"expected"`
}

// FeedbackEvaluatedPayload accompanies feedback_evaluated. It is emitted on
// every evaluation regardless of the branch taken and is the engine's
// principal observability signal.
type FeedbackEvaluatedPayload struct {
	Accepts       int      `json:"accepts"`
	Rejects       int      `json:"rejects"`
	Total         int      `json:"total"`
	AcceptRate    float64  `json:"accept_rate"`
	RejectRate    float64  `json:"reject_rate"`
	Decision      Decision `json:"decision"`
	Round         int      `json:"round"`
	MaxRounds     int      `json:"max_rounds"`
	ThresholdHigh float64  `json:"threshold_high"`
	ThresholdLow  float64  `json:"threshold_low"`
}

// RoundStartedPayload accompanies round_started.
type RoundStartedPayload struct {
	Round                   int    `json:"round"`
	MaxRounds               int    `json:"max_rounds"`
	PreviousFeedbackSummary string `json:"previous_feedback_summary,omitempty"`
}

// ProposalFinalizedPayload accompanies proposal_finalized.
type ProposalFinalizedPayload struct {
	Status            Status   `json:"status"`
	FinalProposal     Proposal `json:"final_proposal"`
	TotalRounds       int      `json:"total_rounds"`
	ParticipantsCount int      `json:"participants_count"`
	Summary           string   `json:"summary"`
}

// NegotiationFailedPayload accompanies negotiation_failed.
type NegotiationFailedPayload struct {
	Reason string `json:"reason"`
}

// ForceFinalizedPayload accompanies negotiation_force_finalized. Confirmed
// holds participants who accepted in the final round; Optional holds those
// who asked to keep negotiating. Rejecters and withdrawers appear in neither.
type ForceFinalizedPayload struct {
	ConfirmedParticipants []string `json:"confirmed_participants"`
	OptionalParticipants  []string `json:"optional_participants"`
	FinalProposal         Proposal `json:"final_proposal"`
	TotalRounds           int      `json:"total_rounds"`
}

// SubnetLifecyclePayload accompanies subnet_created and subnet_started.
type SubnetLifecyclePayload struct {
	SubnetID  string `json:"subnet_id"`
	GapID     string `json:"gap_id"`
	SubDemand string `json:"sub_demand"`
	Depth     int    `json:"depth"`
}

// SubnetCompletedPayload accompanies subnet_completed.
type SubnetCompletedPayload struct {
	SubnetID string       `json:"subnet_id"`
	Status   SubnetStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}
