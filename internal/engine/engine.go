// Package engine composes the negotiation core: the channel registry, the
// signal bus, the breaker-guarded reasoning boundary, the state checker, gap
// analysis, and the subnet manager. It owns the background lifecycle and the
// public operations callers use to drive negotiations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/breaker"
	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/checker"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gapanalysis"
	"github.com/parleyhq/parley/internal/reasoning"
	"github.com/parleyhq/parley/internal/signalbus"
	"github.com/parleyhq/parley/internal/subnet"
	"github.com/parleyhq/parley/internal/threshold"
)

// CandidateDirectory resolves the participant candidates for a demand. The
// engine consults it for root channels created without an explicit candidate
// list and for every subnet it spawns.
type CandidateDirectory interface {
	Candidates(ctx context.Context, demand *schemas.Demand) ([]string, error)
}

// StaticDirectory is a CandidateDirectory that always returns the same set.
type StaticDirectory []string

// Candidates returns the static set regardless of the demand.
func (d StaticDirectory) Candidates(context.Context, *schemas.Demand) ([]string, error) {
	if len(d) == 0 {
		return nil, errors.New("static directory is empty")
	}
	return append([]string(nil), d...), nil
}

// Params carries the engine's dependencies. Config and Logger are required;
// Reasoner defaults from the config (or to the unavailable client when no API
// key is configured), Audit and Directory may be nil.
type Params struct {
	Config    *config.Config
	Logger    *zap.Logger
	Directory CandidateDirectory
	Audit     schemas.AuditSink
	Reasoner  schemas.ReasoningClient
}

// Engine is the composition root.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	bus       *signalbus.Bus
	registry  *channel.Registry
	breaker   *breaker.Breaker
	reasoner  schemas.ReasoningClient
	checker   *checker.Checker
	gaps      *gapanalysis.Identifier
	subnets   *subnet.Manager
	audit     schemas.AuditSink
	directory CandidateDirectory

	mu      sync.Mutex
	started bool
}

// New wires the engine from its parts.
func New(p Params) (*Engine, error) {
	if p.Config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if p.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	logger := p.Logger.Named("engine")

	bus := signalbus.New(p.Logger, p.Config.Bus.BufferSize)
	registry := channel.NewRegistry(p.Logger)

	brk, err := breaker.New(p.Config.Breaker, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build circuit breaker: %w", err)
	}
	brk.RegisterFallback(channel.OpProposalAggregation, func() *schemas.ReasoningResult {
		return &schemas.ReasoningResult{
			Summary: "Coordinated plan assembled from stated contributions while the reasoning service is unavailable.",
		}
	})

	reasoner := p.Reasoner
	if reasoner == nil {
		if p.Config.Reasoning.APIKey != "" {
			reasoner, err = reasoning.New(p.Config.Reasoning, p.Logger)
			if err != nil {
				return nil, fmt.Errorf("failed to build reasoning client: %w", err)
			}
		} else {
			logger.Warn("No reasoning API key configured, running on deterministic fallbacks only")
			reasoner = reasoning.Unavailable{}
		}
	}

	chk, err := checker.New(p.Config.Checker, registry, p.Audit, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build state checker: %w", err)
	}

	subnets, err := subnet.New(p.Config.Subnet, bus, p.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build subnet manager: %w", err)
	}

	return &Engine{
		cfg:       p.Config,
		logger:    logger,
		bus:       bus,
		registry:  registry,
		breaker:   brk,
		reasoner:  reasoner,
		checker:   chk,
		gaps:      gapanalysis.New(gapanalysis.SeverityPolicy{}, p.Logger),
		subnets:   subnets,
		audit:     p.Audit,
		directory: p.Directory,
	}, nil
}

// Start runs the background loops until the context is cancelled, then shuts
// the signal bus down. It returns the context error on a clean stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine is already started")
	}
	e.started = true
	e.mu.Unlock()

	terminals, unsubscribe := e.bus.Subscribe(
		schemas.SignalProposalFinalized,
		schemas.SignalNegotiationFailed,
		schemas.SignalNegotiationForceFinalized,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.checker.Run(gctx)
	})
	g.Go(func() error {
		e.watchTerminals(gctx, terminals)
		return nil
	})

	e.logger.Info("Engine started")
	err := g.Wait()
	unsubscribe()
	e.bus.Shutdown()
	e.logger.Info("Engine stopped")
	return err
}

// Bus exposes the signal bus so a transport layer can subscribe to outbound
// signals.
func (e *Engine) Bus() *signalbus.Bus { return e.bus }

// BreakerStats returns the circuit breaker counters.
func (e *Engine) BreakerStats() breaker.Stats { return e.breaker.Stats() }

// RecoveryHistory returns the checker's recovery history for a channel.
func (e *Engine) RecoveryHistory(channelID string) []schemas.RecoveryAttempt {
	return e.checker.History(channelID)
}

// Subnets returns the subnet entries spawned for a channel.
func (e *Engine) Subnets(channelID string) []schemas.SubnetInfo {
	return e.subnets.Subnets(channelID)
}

// CreateChannel opens a negotiation for the demand. When candidates is empty
// the directory resolves it.
func (e *Engine) CreateChannel(ctx context.Context, demand *schemas.Demand, candidates []string) (*channel.Channel, error) {
	if len(candidates) == 0 {
		if e.directory == nil {
			return nil, channel.ErrNoCandidates
		}
		var err error
		candidates, err = e.directory.Candidates(ctx, demand)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve candidates: %w", err)
		}
	}
	ch, err := channel.New(ctx, channel.Params{
		Demand:     demand,
		Candidates: candidates,
		Thresholds: threshold.Policy{
			High: e.cfg.Negotiation.ThresholdHigh,
			Low:  e.cfg.Negotiation.ThresholdLow,
		},
		MaxRounds: e.cfg.Negotiation.MaxRounds,
		Breaker:   e.breaker,
		Reasoner:  e.reasoner,
		Signals:   e.bus,
		Logger:    e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.registry.Add(ch)
	return ch, nil
}

// Channel returns a registered channel by id.
func (e *Engine) Channel(id string) (*channel.Channel, error) {
	return e.registry.Get(id)
}

// SubmitOffer forwards an offer to its channel.
func (e *Engine) SubmitOffer(ctx context.Context, channelID string, offer schemas.Offer) error {
	ch, err := e.registry.Get(channelID)
	if err != nil {
		return err
	}
	return ch.SubmitOffer(ctx, offer)
}

// SubmitFeedback forwards feedback to its channel.
func (e *Engine) SubmitFeedback(ctx context.Context, channelID string, fb schemas.Feedback) error {
	ch, err := e.registry.Get(channelID)
	if err != nil {
		return err
	}
	return ch.SubmitFeedback(ctx, fb)
}

// Cancel aborts a negotiation.
func (e *Engine) Cancel(ctx context.Context, channelID string) error {
	ch, err := e.registry.Get(channelID)
	if err != nil {
		return err
	}
	return ch.Cancel(ctx)
}

// watchTerminals reacts to channels reaching a terminal status: audit the
// outcome, settle subnet bookkeeping, run gap analysis on successful
// negotiations, and evict the channel from the active set once its subnets
// have settled.
func (e *Engine) watchTerminals(ctx context.Context, terminals <-chan schemas.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-terminals:
			if !ok {
				return
			}
			e.handleTerminal(ctx, sig)
		}
	}
}

func (e *Engine) handleTerminal(ctx context.Context, sig schemas.Signal) {
	ch, err := e.registry.Get(sig.ChannelID)
	if err != nil {
		e.logger.Warn("Terminal signal for unknown channel",
			zap.String("channel_id", sig.ChannelID))
		return
	}

	outcome := ch.Outcome()
	if e.audit != nil {
		if auditErr := e.audit.RecordOutcome(ctx, outcome); auditErr != nil {
			e.logger.Warn("Failed to record channel outcome",
				zap.String("channel_id", outcome.ChannelID), zap.Error(auditErr))
		}
	}

	success := outcome.Status == schemas.StatusFinalized || outcome.Status == schemas.StatusForceFinalized

	// If this channel was a subnet's child, settle the subnet and, once all
	// of the parent's subnets are done, fold the results into the parent.
	proposal := ch.Proposal()
	result := schemas.SubnetResult{
		Success:  success,
		Proposal: proposal,
	}
	if proposal != nil {
		for _, a := range proposal.Assignments {
			result.Participants = append(result.Participants, a.ParticipantID)
		}
	}
	if info := e.subnets.HandleCompleted(ctx, ch.ID(), result); info != nil {
		if e.subnets.AllTerminal(info.ParentChannelID) {
			if parent, perr := e.registry.Get(info.ParentChannelID); perr == nil {
				parent.AdoptProposal(e.subnets.IntegrateResults(info.ParentChannelID, parent.Proposal()))
				if parent.Status().Terminal() {
					e.registry.Remove(parent.ID())
				}
			}
		}
	}

	if success {
		analysis := e.gaps.Analyze(ch.ID(), ch.Demand(), ch.Proposal(), ch.Offers())
		if len(analysis.Gaps) > 0 {
			depth := e.subnets.DepthOf(ch.ID())
			e.subnets.ProcessGaps(ctx, ch.ID(), depth, analysis, e.spawnChild)
		}
	}

	// A terminal channel leaves the active set unless it is a parent with
	// live subnets; those stay registered until the results are folded in.
	if e.subnets.AllTerminal(ch.ID()) {
		e.registry.Remove(ch.ID())
	}
}

// spawnChild opens the child negotiation for one subnet.
func (e *Engine) spawnChild(ctx context.Context, info schemas.SubnetInfo) (string, error) {
	if e.directory == nil {
		return "", errors.New("no candidate directory configured for subnets")
	}
	demand := &schemas.Demand{
		ID:          uuid.New().String(),
		Title:       info.SubDemand,
		Description: info.SubDemand,
		Metadata: map[string]string{
			"parent_channel_id": info.ParentChannelID,
			"parent_demand_id":  info.ParentDemandID,
			"gap_id":            info.GapID,
			"subnet_id":         info.ID,
		},
	}
	ch, err := e.CreateChannel(ctx, demand, nil)
	if err != nil {
		return "", err
	}
	return ch.ID(), nil
}
