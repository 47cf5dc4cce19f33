// Package checker implements the state-checker watchdog: a fixed-interval
// sweep over every non-terminal channel that detects stuck negotiations and
// applies idempotent recovery actions. Recovery is budgeted per stuck
// episode; a channel that cannot be recovered within the budget is failed
// rather than left hanging.
package checker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/config"
)

// Recovery action names, recorded in the channel's recovery history.
const (
	ActionRebroadcast     = "rebroadcast"
	ActionForceAggregate  = "force_aggregate"
	ActionForceCompletion = "force_complete_aggregation"
	ActionRedistribute    = "redistribute"
	ActionForceEvaluate   = "force_evaluate"
	ActionMarkFailed      = "mark_failed"
)

// episode tracks one channel's current stuck episode. The attempt counter
// resets whenever the channel's status is observed to have changed, so each
// stuck state gets a fresh budget.
type episode struct {
	attempts   int
	lastStatus schemas.Status
	history    []schemas.RecoveryAttempt
}

// Checker is the watchdog. It only reads channel snapshots during detection;
// recovery goes through the channel's own serialized operations, so every
// action is safe to repeat and races with normal progress resolve as no-ops.
type Checker struct {
	logger   *zap.Logger
	registry *channel.Registry
	audit    schemas.AuditSink

	interval     time.Duration
	maxStuckTime time.Duration
	maxAttempts  int

	mu       sync.Mutex
	now      func() time.Time
	episodes map[string]*episode
}

// New creates a checker over the registry. audit may be nil.
func New(cfg config.CheckerConfig, registry *channel.Registry, audit schemas.AuditSink, logger *zap.Logger) (*Checker, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxStuckTime <= 0 {
		cfg.MaxStuckTime = 120 * time.Second
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	return &Checker{
		logger:       logger.Named("checker"),
		registry:     registry,
		audit:        audit,
		interval:     cfg.Interval,
		maxStuckTime: cfg.MaxStuckTime,
		maxAttempts:  cfg.MaxRecoveryAttempts,
		now:          time.Now,
		episodes:     make(map[string]*episode),
	}, nil
}

// SetClock overrides the time source. Tests only.
func (c *Checker) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Run ticks until the context is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	c.logger.Info("State checker started",
		zap.Duration("interval", c.interval),
		zap.Duration("max_stuck_time", c.maxStuckTime),
		zap.Int("max_recovery_attempts", c.maxAttempts))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("State checker stopped")
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one detection and recovery pass over the active channels.
func (c *Checker) Tick(ctx context.Context) {
	channels := c.registry.Active()
	seen := make(map[string]struct{}, len(channels))

	for _, ch := range channels {
		seen[ch.ID()] = struct{}{}
		c.inspect(ctx, ch)
	}
	c.dropStaleEpisodes(seen)
}

// History returns a copy of the channel's recovery history for the current
// episode tracking window.
func (c *Checker) History(channelID string) []schemas.RecoveryAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.episodes[channelID]
	if !ok {
		return nil
	}
	return append([]schemas.RecoveryAttempt(nil), ep.history...)
}

// inspect checks one channel's snapshot and recovers it if stuck.
func (c *Checker) inspect(ctx context.Context, ch *channel.Channel) {
	snap := ch.Snapshot()

	c.mu.Lock()
	now := c.now()
	ep, ok := c.episodes[snap.ID]
	if !ok {
		ep = &episode{lastStatus: snap.Status}
		c.episodes[snap.ID] = ep
	}
	// Progress since the last look: the old episode is over.
	if ep.lastStatus != snap.Status {
		ep.lastStatus = snap.Status
		ep.attempts = 0
	}
	c.mu.Unlock()

	reason, action, stuck := c.detect(snap, now)
	if !stuck {
		return
	}

	logger := c.logger.With(
		zap.String("channel_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.String("reason", reason))

	c.mu.Lock()
	exhausted := ep.attempts >= c.maxAttempts
	if !exhausted {
		ep.attempts++
	}
	attempt := ep.attempts
	c.mu.Unlock()

	if exhausted {
		c.exhaust(ctx, ch, ep, reason, logger)
		return
	}

	logger.Warn("Channel is stuck, attempting recovery",
		zap.String("action", action),
		zap.Int("attempt", attempt),
		zap.Int("budget", c.maxAttempts))
	c.recover(ctx, ch, ep, reason, action, logger)
}

// detect maps a snapshot onto a stuck reason and recovery action. Offer
// collection uses half the stuck window: a silent candidate set is cheaper to
// detect than a stalled internal transition. Feedback rounds keep the full
// window, so participants never lose response time to the watchdog.
func (c *Checker) detect(snap channel.Snapshot, now time.Time) (reason, action string, stuck bool) {
	elapsed := now.Sub(snap.StatusChangedAt)
	responseWindow := c.maxStuckTime / 2

	switch snap.Status {
	case schemas.StatusBroadcasting:
		if elapsed >= c.maxStuckTime {
			return "broadcast_stalled", ActionRebroadcast, true
		}
	case schemas.StatusCollecting:
		if elapsed >= responseWindow {
			if snap.OffersReceived == 0 {
				return "no_responses", ActionRebroadcast, true
			}
			return "missing_responses", ActionForceAggregate, true
		}
	case schemas.StatusAggregating:
		if elapsed >= c.maxStuckTime {
			return "aggregation_stalled", ActionForceCompletion, true
		}
	case schemas.StatusProposalSent:
		if elapsed >= c.maxStuckTime {
			return "proposal_unacknowledged", ActionRedistribute, true
		}
	case schemas.StatusNegotiating:
		if elapsed >= c.maxStuckTime && snap.FeedbackReceived < snap.FeedbackExpected {
			return "missing_feedback", ActionForceEvaluate, true
		}
	}
	return "", "", false
}

// recover executes one recovery action and records the attempt. A phase or
// terminal error means the channel made progress between the snapshot and
// the action; that is the idempotency contract working, not a failure.
func (c *Checker) recover(ctx context.Context, ch *channel.Channel, ep *episode, reason, action string, logger *zap.Logger) {
	err := c.execute(ctx, ch, action)
	if errors.Is(err, channel.ErrWrongPhase) || errors.Is(err, channel.ErrTerminal) {
		logger.Debug("Recovery action skipped, channel already progressed", zap.String("action", action))
		c.mu.Lock()
		if ep.attempts > 0 {
			ep.attempts--
		}
		c.mu.Unlock()
		return
	}
	// Forced aggregation with nothing collected degrades to a rebroadcast.
	if errors.Is(err, channel.ErrNoOffers) {
		action = ActionRebroadcast
		err = ch.Rebroadcast(ctx)
	}

	c.record(ep, reason, action, err)
	if err != nil {
		logger.Error("Recovery action failed", zap.String("action", action), zap.Error(err))
		return
	}
	logger.Info("Recovery action applied", zap.String("action", action))
}

// exhaust fails a channel whose recovery budget for the current episode is
// spent, and flushes the episode history to the audit sink.
func (c *Checker) exhaust(ctx context.Context, ch *channel.Channel, ep *episode, reason string, logger *zap.Logger) {
	failReason := "recovery_exhausted_" + reason
	logger.Error("Recovery budget exhausted, failing channel",
		zap.Int("attempts", c.maxAttempts),
		zap.String("fail_reason", failReason))

	err := ch.MarkFailed(ctx, failReason)
	if errors.Is(err, channel.ErrTerminal) {
		return
	}
	c.record(ep, reason, ActionMarkFailed, err)

	if c.audit != nil {
		history := c.History(ch.ID())
		if auditErr := c.audit.RecordRecoveryAttempts(ctx, ch.ID(), history); auditErr != nil {
			logger.Warn("Failed to persist recovery history", zap.Error(auditErr))
		}
	}
}

func (c *Checker) execute(ctx context.Context, ch *channel.Channel, action string) error {
	switch action {
	case ActionRebroadcast:
		return ch.Rebroadcast(ctx)
	case ActionForceAggregate:
		return ch.ForceAggregate(ctx)
	case ActionForceCompletion:
		return ch.ForceCompleteAggregation(ctx)
	case ActionRedistribute:
		return ch.Redistribute(ctx)
	case ActionForceEvaluate:
		_, err := ch.ForceEvaluate(ctx)
		return err
	default:
		return fmt.Errorf("unknown recovery action %q", action)
	}
}

func (c *Checker) record(ep *episode, reason, action string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempt := schemas.RecoveryAttempt{
		Reason:    reason,
		Action:    action,
		Timestamp: c.now().UTC(),
		Success:   err == nil,
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	ep.history = append(ep.history, attempt)
}

// dropStaleEpisodes forgets episodes for channels no longer active.
func (c *Checker) dropStaleEpisodes(active map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.episodes {
		if _, ok := active[id]; !ok {
			delete(c.episodes, id)
		}
	}
}
