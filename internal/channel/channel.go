// Package channel implements the negotiation channel state machine: one
// channel per demand, carrying it from broadcast through offer collection,
// aggregation, and feedback rounds to a terminal status. All transitions are
// serialized per channel; signal emission is observational and never affects
// the machine.
package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/breaker"
	"github.com/parleyhq/parley/internal/threshold"
)

// OpProposalAggregation is the operation key for the reasoning call that
// aggregates offers into a proposal. Breaker fallbacks are registered under
// the same key.
const OpProposalAggregation = "proposal-aggregation"

// Params carries everything a new channel needs. All dependencies are
// required except where noted.
type Params struct {
	Demand     *schemas.Demand
	Candidates []string

	// Thresholds defaults to threshold.DefaultPolicy when zero.
	Thresholds threshold.Policy
	// MaxRounds defaults to 5 when zero.
	MaxRounds int

	Breaker  *breaker.Breaker
	Reasoner schemas.ReasoningClient
	Signals  schemas.SignalSink
	Logger   *zap.Logger
}

// Snapshot is the checker's read-only view of a channel. Taking one never
// blocks on an in-flight operation's downstream call.
type Snapshot struct {
	ID               string
	DemandID         string
	Status           schemas.Status
	StatusChangedAt  time.Time
	Round            int
	MaxRounds        int
	Candidates       int
	OffersReceived   int
	FeedbackReceived int
	FeedbackExpected int
}

// Channel is one live negotiation. Mutating operations are serialized by
// opMu for their full duration, including the aggregation call; mu guards the
// fields themselves and is never held across a downstream call, so readers
// like Snapshot stay responsive while an aggregation is in flight.
type Channel struct {
	id           string
	demand       *schemas.Demand
	candidates   []string
	candidateSet map[string]struct{}
	policy       threshold.Policy
	maxRounds    int

	breaker  *breaker.Breaker
	reasoner schemas.ReasoningClient
	signals  schemas.SignalSink
	logger   *zap.Logger

	opMu sync.Mutex

	mu              sync.RWMutex
	now             func() time.Time
	status          schemas.Status
	statusChangedAt time.Time
	round           int
	offers          map[string]schemas.Offer
	feedback        map[string]schemas.Feedback
	proposal        *schemas.Proposal
	failReason      string
	createdAt       time.Time
}

// New creates a channel, broadcasts the demand, and leaves the channel
// collecting offers. The CREATED -> BROADCASTING -> COLLECTING prefix is
// traversed synchronously; a returned channel is always ready for offers.
func New(ctx context.Context, p Params) (*Channel, error) {
	if p.Demand == nil {
		return nil, fmt.Errorf("demand cannot be nil")
	}
	if err := p.Demand.Validate(); err != nil {
		return nil, fmt.Errorf("invalid demand: %w", err)
	}
	if len(p.Candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if p.Breaker == nil || p.Reasoner == nil || p.Signals == nil || p.Logger == nil {
		return nil, fmt.Errorf("breaker, reasoner, signal sink, and logger are all required")
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = 5
	}
	if p.Thresholds == (threshold.Policy{}) {
		p.Thresholds = threshold.DefaultPolicy()
	}

	candidateSet := make(map[string]struct{}, len(p.Candidates))
	candidates := make([]string, 0, len(p.Candidates))
	for _, id := range p.Candidates {
		if id == "" {
			return nil, fmt.Errorf("candidate ids must not be empty")
		}
		if _, dup := candidateSet[id]; dup {
			continue
		}
		candidateSet[id] = struct{}{}
		candidates = append(candidates, id)
	}

	c := &Channel{
		id:           uuid.New().String(),
		demand:       p.Demand,
		candidates:   candidates,
		candidateSet: candidateSet,
		policy:       p.Thresholds,
		maxRounds:    p.MaxRounds,
		breaker:      p.Breaker,
		reasoner:     p.Reasoner,
		signals:      p.Signals,
		now:          time.Now,
		round:        1,
		offers:       make(map[string]schemas.Offer),
		feedback:     make(map[string]schemas.Feedback),
	}
	c.logger = p.Logger.Named("channel").With(zap.String("channel_id", c.id))
	c.createdAt = c.now().UTC()
	c.status = schemas.StatusCreated
	c.statusChangedAt = c.createdAt

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalChannelCreated, schemas.DemandBroadcastPayload{
		Demand:     *p.Demand,
		Candidates: candidates,
	}))

	c.mu.Lock()
	c.setStatusLocked(schemas.StatusBroadcasting)
	c.mu.Unlock()
	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalDemandBroadcast, schemas.DemandBroadcastPayload{
		Demand:     *p.Demand,
		Candidates: candidates,
	}))

	c.mu.Lock()
	c.setStatusLocked(schemas.StatusCollecting)
	c.mu.Unlock()

	c.logger.Info("Negotiation channel created",
		zap.String("demand_id", p.Demand.ID),
		zap.Int("candidates", len(candidates)),
		zap.Int("max_rounds", p.MaxRounds))
	return c, nil
}

// SetClock overrides the time source. Tests only.
func (c *Channel) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// Demand returns the demand this channel negotiates.
func (c *Channel) Demand() *schemas.Demand { return c.demand }

// Status returns the current status.
func (c *Channel) Status() schemas.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Round returns the current round number, starting at 1.
func (c *Channel) Round() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.round
}

// Proposal returns a copy of the current proposal, or nil before the first
// aggregation completes.
func (c *Channel) Proposal() *schemas.Proposal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.proposal == nil {
		return nil
	}
	cp := *c.proposal
	cp.Assignments = append([]schemas.Assignment(nil), c.proposal.Assignments...)
	return &cp
}

// Offers returns the collected offers sorted by participant id.
func (c *Channel) Offers() []schemas.Offer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]schemas.Offer, 0, len(c.offers))
	for _, o := range c.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Snapshot returns the checker's view of the channel.
func (c *Channel) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ID:               c.id,
		DemandID:         c.demand.ID,
		Status:           c.status,
		StatusChangedAt:  c.statusChangedAt,
		Round:            c.round,
		MaxRounds:        c.maxRounds,
		Candidates:       len(c.candidates),
		OffersReceived:   len(c.offers),
		FeedbackReceived: len(c.feedback),
		FeedbackExpected: c.expectedFeedbackLocked(),
	}
}

// Outcome builds the audit record for a terminal channel.
func (c *Channel) Outcome() schemas.ChannelOutcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return schemas.ChannelOutcome{
		ChannelID:    c.id,
		DemandID:     c.demand.ID,
		Status:       c.status,
		Rounds:       c.round,
		Participants: c.expectedFeedbackLocked(),
		Reason:       c.failReason,
		ReachedAt:    c.statusChangedAt,
	}
}

// AdoptProposal replaces the channel's proposal with a merged one produced by
// subnet integration. The channel's status is not touched; integration only
// enriches the final record.
func (c *Channel) AdoptProposal(p *schemas.Proposal) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposal = p
}

// SubmitOffer records a participant's offer. Offers are only accepted while
// the channel is COLLECTING in round 1; a repeat submission from the same
// participant supersedes the earlier one. When every candidate has responded
// the channel aggregates immediately.
func (c *Channel) SubmitOffer(ctx context.Context, offer schemas.Offer) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := offer.Validate(); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}

	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return ErrTerminal
	}
	if c.status != schemas.StatusCollecting {
		c.mu.Unlock()
		return fmt.Errorf("%w: offers are accepted while COLLECTING, channel is %s", ErrWrongPhase, c.status)
	}
	if _, ok := c.candidateSet[offer.ParticipantID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, offer.ParticipantID)
	}
	if offer.SubmittedAt.IsZero() {
		offer.SubmittedAt = c.now().UTC()
	}
	c.offers[offer.ParticipantID] = offer
	received := len(c.offers)
	expected := len(c.candidates)
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalOfferSubmitted, schemas.OfferSubmittedPayload{
		ParticipantID: offer.ParticipantID,
		Decision:      offer.Decision,
		Received:      received,
		Expected:      expected,
	}))
	c.logger.Info("Offer submitted",
		zap.String("participant_id", offer.ParticipantID),
		zap.String("decision", string(offer.Decision)),
		zap.Int("received", received),
		zap.Int("expected", expected))

	if received == expected {
		return c.aggregate(ctx)
	}
	return nil
}

// SubmitFeedback records a participant's verdict on the distributed proposal.
// The first feedback of a round moves the channel from PROPOSAL_SENT to
// NEGOTIATING; when every expected responder has answered, the round is
// evaluated immediately.
func (c *Channel) SubmitFeedback(ctx context.Context, fb schemas.Feedback) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := fb.Validate(); err != nil {
		return fmt.Errorf("invalid feedback: %w", err)
	}

	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return ErrTerminal
	}
	if c.status != schemas.StatusProposalSent && c.status != schemas.StatusNegotiating {
		c.mu.Unlock()
		return fmt.Errorf("%w: feedback is accepted after a proposal is distributed, channel is %s", ErrWrongPhase, c.status)
	}
	offer, responded := c.offers[fb.ParticipantID]
	if !responded || offer.Decision == schemas.OfferDecline {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s did not offer to participate", ErrUnknownParticipant, fb.ParticipantID)
	}
	if c.status == schemas.StatusProposalSent {
		c.setStatusLocked(schemas.StatusNegotiating)
	}
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = c.now().UTC()
	}
	c.feedback[fb.ParticipantID] = fb
	received := len(c.feedback)
	expected := c.expectedFeedbackLocked()
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalProposalFeedbackReceived, schemas.FeedbackReceivedPayload{
		ParticipantID: fb.ParticipantID,
		Type:          fb.Type,
		Received:      received,
		Expected:      expected,
	}))
	c.logger.Info("Feedback received",
		zap.String("participant_id", fb.ParticipantID),
		zap.String("type", string(fb.Type)),
		zap.Int("received", received),
		zap.Int("expected", expected))

	if received >= expected {
		_, err := c.evaluate(ctx)
		return err
	}
	return nil
}

// Evaluate applies the threshold policy to the feedback collected so far and
// executes the resulting decision. It is only valid while NEGOTIATING: a
// caller that raced a concurrent transition gets ErrWrongPhase or ErrTerminal
// back, meaning the channel already advanced and there is nothing left to
// evaluate. Callers treat those errors as a skip, not a failure; the checker
// relies on this when a forced evaluation crosses normal progress.
func (c *Channel) Evaluate(ctx context.Context) (schemas.Decision, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.evaluate(ctx)
}

// Cancel aborts the negotiation from any non-terminal status.
func (c *Channel) Cancel(ctx context.Context) error {
	return c.MarkFailedWith(ctx, schemas.StatusCancelled, "cancelled")
}

// MarkFailed moves the channel to FAILED with the given reason. Used by the
// state checker when the recovery budget is exhausted.
func (c *Channel) MarkFailed(ctx context.Context, reason string) error {
	return c.MarkFailedWith(ctx, schemas.StatusFailed, reason)
}

// MarkFailedWith terminates the channel with an explicit terminal status.
func (c *Channel) MarkFailedWith(ctx context.Context, status schemas.Status, reason string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return ErrTerminal
	}
	c.setStatusLocked(status)
	c.failReason = reason
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalNegotiationFailed, schemas.NegotiationFailedPayload{Reason: reason}))
	c.logger.Warn("Negotiation terminated",
		zap.String("status", string(status)),
		zap.String("reason", reason))
	return nil
}

// -- Recovery operations, invoked by the state checker --

// Rebroadcast re-issues the demand broadcast. Valid while BROADCASTING or
// COLLECTING; it refreshes the staleness clock either way.
func (c *Channel) Rebroadcast(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.status != schemas.StatusBroadcasting && c.status != schemas.StatusCollecting {
		c.mu.Unlock()
		return fmt.Errorf("%w: rebroadcast applies to BROADCASTING or COLLECTING, channel is %s", ErrWrongPhase, c.status)
	}
	if c.status == schemas.StatusBroadcasting {
		c.setStatusLocked(schemas.StatusCollecting)
	} else {
		c.touchLocked()
	}
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalDemandBroadcast, schemas.DemandBroadcastPayload{
		Demand:      *c.demand,
		Candidates:  append([]string(nil), c.candidates...),
		Rebroadcast: true,
	}))
	c.logger.Info("Demand rebroadcast")
	return nil
}

// ForceAggregate aggregates with the offers received so far instead of
// waiting for the full candidate set. Returns ErrNoOffers when there is
// nothing to aggregate.
func (c *Channel) ForceAggregate(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	status := c.status
	received := len(c.offers)
	c.mu.RUnlock()
	if status != schemas.StatusCollecting {
		return fmt.Errorf("%w: forced aggregation applies to COLLECTING, channel is %s", ErrWrongPhase, status)
	}
	if received == 0 {
		return ErrNoOffers
	}
	c.logger.Info("Forcing aggregation with partial offers", zap.Int("received", received))
	return c.aggregate(ctx)
}

// ForceCompleteAggregation replaces a stuck aggregation with the
// deterministic fallback proposal and distributes it.
func (c *Channel) ForceCompleteAggregation(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.status != schemas.StatusAggregating {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: force-complete applies to AGGREGATING, channel is %s", ErrWrongPhase, status)
	}
	offers := c.activeOffersLocked()
	round := c.round
	c.mu.Unlock()

	proposal := &schemas.Proposal{
		Summary:           c.fallbackSummary(len(offers)),
		Assignments:       c.fallbackAssignments(offers),
		Fallback:          true,
		RecoveryGenerated: true,
		Round:             round,
		CreatedAt:         c.nowUTC(),
	}
	c.logger.Warn("Force-completing stuck aggregation with fallback proposal")
	c.distribute(ctx, proposal, false)
	return nil
}

// Redistribute re-sends the current proposal. Valid while PROPOSAL_SENT.
func (c *Channel) Redistribute(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.status != schemas.StatusProposalSent {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: redistribution applies to PROPOSAL_SENT, channel is %s", ErrWrongPhase, status)
	}
	c.touchLocked()
	proposal := *c.proposal
	round := c.round
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalProposalDistributed, schemas.ProposalDistributedPayload{
		Proposal:      proposal,
		Round:         round,
		Redistributed: true,
	}))
	c.logger.Info("Proposal redistributed", zap.Int("round", round))
	return nil
}

// ForceEvaluate evaluates the round with whatever feedback has arrived.
func (c *Channel) ForceEvaluate(ctx context.Context) (schemas.Decision, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.logger.Info("Forcing evaluation with partial feedback")
	return c.evaluate(ctx)
}

// -- Internals. All assume opMu is held. --

// aggregate runs the reasoning-backed aggregation and distributes the result.
func (c *Channel) aggregate(ctx context.Context) error {
	c.mu.Lock()
	c.setStatusLocked(schemas.StatusAggregating)
	offers := c.activeOffersLocked()
	round := c.round
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalAggregationStarted, nil))

	if len(offers) == 0 {
		c.mu.Lock()
		c.setStatusLocked(schemas.StatusFailed)
		c.failReason = "all participants declined"
		c.mu.Unlock()
		c.post(ctx, schemas.NewSignal(c.id, schemas.SignalNegotiationFailed, schemas.NegotiationFailedPayload{
			Reason: "all participants declined",
		}))
		c.logger.Warn("Negotiation failed: every offer declined")
		return nil
	}

	proposal := c.buildProposal(ctx, offers, "", round)
	c.distribute(ctx, proposal, false)
	return nil
}

// buildProposal calls the reasoning dependency through the breaker and
// converts the result into a proposal. Any failure or fallback payload
// degrades to the deterministic fallback assignments derived from the offers
// themselves, so a proposal is always produced.
func (c *Channel) buildProposal(ctx context.Context, offers []schemas.Offer, feedbackSummary string, round int) *schemas.Proposal {
	req := schemas.ReasoningRequest{
		Demand:          c.demand,
		Offers:          offers,
		FeedbackSummary: feedbackSummary,
		Instructions:    "Aggregate the offers into a coordinated proposal assigning every non-declining participant a role.",
	}
	res, usedFallback, err := c.breaker.Call(ctx, OpProposalAggregation, func(ctx context.Context) (*schemas.ReasoningResult, error) {
		return c.reasoner.Invoke(ctx, OpProposalAggregation, req)
	})

	proposal := &schemas.Proposal{
		Round:     round,
		CreatedAt: c.nowUTC(),
	}
	switch {
	case err != nil || res == nil:
		if err != nil {
			c.logger.Warn("Aggregation failed with no fallback payload, using deterministic proposal", zap.Error(err))
		}
		proposal.Summary = c.fallbackSummary(len(offers))
		proposal.Assignments = c.fallbackAssignments(offers)
		proposal.Fallback = true
	case usedFallback || len(res.Assignments) == 0:
		proposal.Summary = res.Summary
		proposal.Assignments = c.fallbackAssignments(offers)
		proposal.Fallback = true
	default:
		proposal.Summary = res.Summary
		proposal.Assignments = make([]schemas.Assignment, len(res.Assignments))
		for i, a := range res.Assignments {
			if a.Origin == "" {
				a.Origin = schemas.OriginAggregation
			}
			proposal.Assignments[i] = a
		}
	}
	return proposal
}

// distribute installs the proposal, clears the round's feedback, and moves to
// PROPOSAL_SENT.
func (c *Channel) distribute(ctx context.Context, proposal *schemas.Proposal, redistributed bool) {
	c.mu.Lock()
	c.proposal = proposal
	c.feedback = make(map[string]schemas.Feedback)
	c.setStatusLocked(schemas.StatusProposalSent)
	round := c.round
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalProposalDistributed, schemas.ProposalDistributedPayload{
		Proposal:      *proposal,
		Round:         round,
		Redistributed: redistributed,
	}))
	c.logger.Info("Proposal distributed",
		zap.Int("round", round),
		zap.Int("assignments", len(proposal.Assignments)),
		zap.Bool("fallback", proposal.Fallback))
}

// evaluate applies the threshold policy and executes the decision.
func (c *Channel) evaluate(ctx context.Context) (schemas.Decision, error) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return "", ErrTerminal
	}
	if c.status != schemas.StatusNegotiating {
		status := c.status
		c.mu.Unlock()
		return "", fmt.Errorf("%w: evaluation applies to NEGOTIATING, channel is %s", ErrWrongPhase, status)
	}
	tally := threshold.Tally{}
	feedback := make(map[string]schemas.Feedback, len(c.feedback))
	for id, fb := range c.feedback {
		feedback[id] = fb
		switch fb.Type {
		case schemas.FeedbackAccept:
			tally.Accepts++
		case schemas.FeedbackReject:
			tally.Rejects++
		case schemas.FeedbackNegotiate:
			tally.Negotiates++
		case schemas.FeedbackWithdraw:
			tally.Withdraws++
		}
	}
	round := c.round
	c.mu.Unlock()

	decision := threshold.Evaluate(tally, round, c.maxRounds, c.policy)

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalFeedbackEvaluated, schemas.FeedbackEvaluatedPayload{
		Accepts:       tally.Accepts,
		Rejects:       tally.Rejects,
		Total:         tally.Total(),
		AcceptRate:    tally.AcceptRate(),
		RejectRate:    tally.RejectRate(),
		Decision:      decision,
		Round:         round,
		MaxRounds:     c.maxRounds,
		ThresholdHigh: c.policy.High,
		ThresholdLow:  c.policy.Low,
	}))
	c.logger.Info("Feedback evaluated",
		zap.Int("round", round),
		zap.Int("accepts", tally.Accepts),
		zap.Int("rejects", tally.Rejects),
		zap.Float64("accept_rate", tally.AcceptRate()),
		zap.Float64("reject_rate", tally.RejectRate()),
		zap.String("decision", string(decision)))

	switch decision {
	case schemas.DecisionFinalize:
		c.finalize(ctx)
	case schemas.DecisionFail:
		c.failEvaluated(ctx, fmt.Sprintf("reject rate %.2f reached the failure threshold %.2f", tally.RejectRate(), c.policy.Low))
	case schemas.DecisionContinue:
		c.nextRound(ctx, feedback)
	case schemas.DecisionForceFinalize:
		c.forceFinalize(ctx, feedback)
	}
	return decision, nil
}

func (c *Channel) finalize(ctx context.Context) {
	c.mu.Lock()
	c.setStatusLocked(schemas.StatusFinalized)
	proposal := *c.proposal
	rounds := c.round
	participants := c.expectedFeedbackLocked()
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalProposalFinalized, schemas.ProposalFinalizedPayload{
		Status:            schemas.StatusFinalized,
		FinalProposal:     proposal,
		TotalRounds:       rounds,
		ParticipantsCount: participants,
		Summary:           proposal.Summary,
	}))
	c.logger.Info("Negotiation finalized",
		zap.Int("rounds", rounds),
		zap.Int("participants", participants))
}

func (c *Channel) failEvaluated(ctx context.Context, reason string) {
	c.mu.Lock()
	c.setStatusLocked(schemas.StatusFailed)
	c.failReason = reason
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalNegotiationFailed, schemas.NegotiationFailedPayload{Reason: reason}))
	c.logger.Warn("Negotiation failed", zap.String("reason", reason))
}

// nextRound begins another feedback round: the prior round's feedback is
// summarized and carried into a fresh aggregation pass, then the new proposal
// is distributed.
func (c *Channel) nextRound(ctx context.Context, feedback map[string]schemas.Feedback) {
	summary := summarizeFeedback(feedback)

	c.mu.Lock()
	c.round++
	round := c.round
	offers := c.activeOffersLocked()
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalRoundStarted, schemas.RoundStartedPayload{
		Round:                   round,
		MaxRounds:               c.maxRounds,
		PreviousFeedbackSummary: summary,
	}))
	c.logger.Info("Starting next negotiation round", zap.Int("round", round))

	proposal := c.buildProposal(ctx, offers, summary, round)
	c.distribute(ctx, proposal, false)
}

// forceFinalize ends the negotiation with the current proposal. Accepters
// become confirmed participants, negotiators become optional ones; rejecters
// and withdrawers are left out entirely.
func (c *Channel) forceFinalize(ctx context.Context, feedback map[string]schemas.Feedback) {
	var confirmed, optional []string
	for id, fb := range feedback {
		switch fb.Type {
		case schemas.FeedbackAccept:
			confirmed = append(confirmed, id)
		case schemas.FeedbackNegotiate:
			optional = append(optional, id)
		}
	}
	sort.Strings(confirmed)
	sort.Strings(optional)

	c.mu.Lock()
	c.setStatusLocked(schemas.StatusForceFinalized)
	proposal := *c.proposal
	rounds := c.round
	c.mu.Unlock()

	c.post(ctx, schemas.NewSignal(c.id, schemas.SignalNegotiationForceFinalized, schemas.ForceFinalizedPayload{
		ConfirmedParticipants: confirmed,
		OptionalParticipants:  optional,
		FinalProposal:         proposal,
		TotalRounds:           rounds,
	}))
	c.logger.Warn("Negotiation force-finalized at round budget",
		zap.Int("rounds", rounds),
		zap.Int("confirmed", len(confirmed)),
		zap.Int("optional", len(optional)))
}

// fallbackAssignments derives a deterministic assignment per non-declining
// participant from the participant's own stated contribution.
func (c *Channel) fallbackAssignments(offers []schemas.Offer) []schemas.Assignment {
	sorted := append([]schemas.Offer(nil), offers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ParticipantID < sorted[j].ParticipantID })

	assignments := make([]schemas.Assignment, 0, len(sorted))
	for _, o := range sorted {
		role := "contributor"
		if o.Type == schemas.ResponseNegotiate || o.Decision == schemas.OfferConditional {
			role = "conditional contributor"
		}
		responsibility := o.Contribution
		if responsibility == "" {
			responsibility = "Support the demand: " + c.demandLabel()
		}
		assignments = append(assignments, schemas.Assignment{
			ParticipantID:  o.ParticipantID,
			Role:           role,
			Responsibility: responsibility,
			Origin:         schemas.OriginFallback,
		})
	}
	return assignments
}

func (c *Channel) fallbackSummary(participants int) string {
	return fmt.Sprintf("Coordinated plan for %q with %d participants, assembled from stated contributions.",
		c.demandLabel(), participants)
}

func (c *Channel) demandLabel() string {
	if c.demand.Title != "" {
		return c.demand.Title
	}
	return c.demand.ID
}

// summarizeFeedback renders one round's feedback into the summary carried to
// the next aggregation pass. Deterministic: participants appear in id order.
func summarizeFeedback(feedback map[string]schemas.Feedback) string {
	var accepts, rejects, negotiates, withdraws int
	ids := make([]string, 0, len(feedback))
	for id, fb := range feedback {
		ids = append(ids, id)
		switch fb.Type {
		case schemas.FeedbackAccept:
			accepts++
		case schemas.FeedbackReject:
			rejects++
		case schemas.FeedbackNegotiate:
			negotiates++
		case schemas.FeedbackWithdraw:
			withdraws++
		}
	}
	sort.Strings(ids)

	parts := []string{fmt.Sprintf("%d accept, %d reject, %d negotiate, %d withdraw",
		accepts, rejects, negotiates, withdraws)}
	for _, id := range ids {
		fb := feedback[id]
		if fb.Adjustment == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s): %s", id, fb.Type, fb.Adjustment))
	}
	return strings.Join(parts, "; ")
}

// activeOffersLocked returns the non-declining offers sorted by participant
// id. Callers hold c.mu.
func (c *Channel) activeOffersLocked() []schemas.Offer {
	out := make([]schemas.Offer, 0, len(c.offers))
	for _, o := range c.offers {
		if o.Decision == schemas.OfferDecline {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// expectedFeedbackLocked is the number of participants expected to respond to
// a proposal: everyone who offered and did not decline. Callers hold c.mu.
func (c *Channel) expectedFeedbackLocked() int {
	n := 0
	for _, o := range c.offers {
		if o.Decision != schemas.OfferDecline {
			n++
		}
	}
	return n
}

// setStatusLocked transitions the status and refreshes the staleness clock.
// Callers hold c.mu.
func (c *Channel) setStatusLocked(s schemas.Status) {
	c.status = s
	c.statusChangedAt = c.now().UTC()
}

// touchLocked refreshes the staleness clock without changing status, so a
// completed recovery action resets the checker's stuck timer. Callers hold
// c.mu.
func (c *Channel) touchLocked() {
	c.statusChangedAt = c.now().UTC()
}

func (c *Channel) nowUTC() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().UTC()
}

// post emits signals to the sink. Emission is observational: a sink error is
// logged and swallowed, never propagated into the state machine.
func (c *Channel) post(ctx context.Context, sigs ...schemas.Signal) {
	for _, sig := range sigs {
		if err := c.signals.Post(ctx, sig); err != nil {
			c.logger.Warn("Failed to post signal",
				zap.String("signal", string(sig.Type)),
				zap.Error(err))
		}
	}
}
