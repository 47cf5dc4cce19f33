package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/engine"
)

type echoClient struct{}

func (echoClient) Invoke(_ context.Context, _ string, req schemas.ReasoningRequest) (*schemas.ReasoningResult, error) {
	res := &schemas.ReasoningResult{Summary: "coordinated plan"}
	for _, o := range req.Offers {
		res.Assignments = append(res.Assignments, schemas.Assignment{
			ParticipantID: o.ParticipantID, Role: "worker", Responsibility: o.Contribution,
		})
	}
	return res, nil
}

type recordingAudit struct {
	mu       sync.Mutex
	outcomes []schemas.ChannelOutcome
}

func (a *recordingAudit) RecordOutcome(_ context.Context, o schemas.ChannelOutcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
	return nil
}

func (a *recordingAudit) RecordRecoveryAttempts(context.Context, string, []schemas.RecoveryAttempt) error {
	return nil
}

func (a *recordingAudit) outcomeFor(channelID string) (schemas.ChannelOutcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range a.outcomes {
		if o.ChannelID == channelID {
			return o, true
		}
	}
	return schemas.ChannelOutcome{}, false
}

type fixture struct {
	engine *engine.Engine
	audit  *recordingAudit
}

// setupTest wires an engine on the echo reasoner and starts its background
// loops for the duration of the test.
func setupTest(t *testing.T) *fixture {
	t.Helper()
	// Registered first so it runs after the engine shutdown cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	audit := &recordingAudit{}
	eng, err := engine.New(engine.Params{
		Config:    config.NewDefaultConfig(),
		Logger:    zaptest.NewLogger(t),
		Directory: engine.StaticDirectory{"s1", "s2"},
		Audit:     audit,
		Reasoner:  echoClient{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := eng.Start(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return &fixture{engine: eng, audit: audit}
}

func drive(t *testing.T, eng *engine.Engine, ch *channel.Channel, participants []string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range participants {
		require.NoError(t, eng.SubmitOffer(ctx, ch.ID(), schemas.Offer{
			ParticipantID: id,
			Decision:      schemas.OfferParticipate,
			Contribution:  "capacity from " + id,
		}))
	}
	require.Equal(t, schemas.StatusProposalSent, ch.Status())
	for _, id := range participants {
		require.NoError(t, eng.SubmitFeedback(ctx, ch.ID(), schemas.Feedback{
			ParticipantID: id,
			Type:          schemas.FeedbackAccept,
		}))
	}
	require.Equal(t, schemas.StatusFinalized, ch.Status())
}

func TestEngine_New(t *testing.T) {
	t.Run("requires config and logger", func(t *testing.T) {
		_, err := engine.New(engine.Params{Logger: zaptest.NewLogger(t)})
		assert.Error(t, err)
		_, err = engine.New(engine.Params{Config: config.NewDefaultConfig()})
		assert.Error(t, err)
	})

	t.Run("runs without reasoning backend or audit sink", func(t *testing.T) {
		eng, err := engine.New(engine.Params{
			Config: config.NewDefaultConfig(),
			Logger: zaptest.NewLogger(t),
		})
		require.NoError(t, err)

		// No API key configured: aggregation degrades to the registered
		// fallback instead of failing.
		ch, err := eng.CreateChannel(context.Background(), &schemas.Demand{
			ID: "d1", Title: "x",
		}, []string{"p1"})
		require.NoError(t, err)
		require.NoError(t, eng.SubmitOffer(context.Background(), ch.ID(), schemas.Offer{
			ParticipantID: "p1", Decision: schemas.OfferParticipate, Contribution: "everything",
		}))
		proposal := ch.Proposal()
		require.NotNil(t, proposal)
		assert.True(t, proposal.Fallback)
		assert.Greater(t, eng.BreakerStats().Failures, int64(0))
	})
}

func TestEngine_ChannelLifecycle(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	ch, err := f.engine.CreateChannel(ctx, &schemas.Demand{
		ID: "d1", Title: "replicate the dataset",
	}, []string{"p1", "p2"})
	require.NoError(t, err)

	drive(t, f.engine, ch, []string{"p1", "p2"})

	// The terminal watcher records the outcome.
	require.Eventually(t, func() bool {
		_, ok := f.audit.outcomeFor(ch.ID())
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	outcome, _ := f.audit.outcomeFor(ch.ID())
	assert.Equal(t, schemas.StatusFinalized, outcome.Status)

	// The terminal channel leaves the active set once handling completes.
	require.Eventually(t, func() bool {
		_, err := f.engine.Channel(ch.ID())
		return errors.Is(err, channel.ErrChannelNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_SpawnsSubnetForParticipantGap(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	// Demand expects three participants; only two candidates exist, so the
	// finalized proposal carries a participant gap.
	parent, err := f.engine.CreateChannel(ctx, &schemas.Demand{
		ID:            "d1",
		Title:         "host the model service",
		ExpectedScale: 3,
	}, []string{"p1", "p2"})
	require.NoError(t, err)

	drive(t, f.engine, parent, []string{"p1", "p2"})

	// Gap analysis runs off the terminal signal and spawns one subnet whose
	// child channel draws candidates from the directory.
	require.Eventually(t, func() bool {
		subnets := f.engine.Subnets(parent.ID())
		return len(subnets) == 1 && subnets[0].Status == schemas.SubnetRunning
	}, 2*time.Second, 10*time.Millisecond)

	info := f.engine.Subnets(parent.ID())[0]
	assert.Equal(t, 1, info.Depth)
	assert.Contains(t, info.SubDemand, "Recruit 1 additional")

	// The parent stays registered while its subnet runs: the integration
	// step still needs it.
	_, err = f.engine.Channel(parent.ID())
	require.NoError(t, err)

	child, err := f.engine.Channel(info.ChildChannelID)
	require.NoError(t, err)
	drive(t, f.engine, child, []string{"s1", "s2"})

	// Once the child finishes, its assignments fold into the parent.
	require.Eventually(t, func() bool {
		p := parent.Proposal()
		return p != nil && p.SubnetStats != nil
	}, 2*time.Second, 10*time.Millisecond)

	merged := parent.Proposal()
	assert.Equal(t, &schemas.SubnetStats{Succeeded: 1, Failed: 0, Total: 1}, merged.SubnetStats)

	bySubnet := 0
	for _, a := range merged.Assignments {
		if a.Origin == schemas.OriginSubnet {
			bySubnet++
			assert.Equal(t, info.ID, a.SubnetID)
		}
	}
	assert.Equal(t, 2, bySubnet)

	// With the results folded in, both channels are evicted.
	require.Eventually(t, func() bool {
		_, perr := f.engine.Channel(parent.ID())
		_, cerr := f.engine.Channel(info.ChildChannelID)
		return errors.Is(perr, channel.ErrChannelNotFound) && errors.Is(cerr, channel.ErrChannelNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_CancelledChannelIsAudited(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	ch, err := f.engine.CreateChannel(ctx, &schemas.Demand{ID: "d1", Title: "x"}, []string{"p1"})
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(ctx, ch.ID()))

	require.Eventually(t, func() bool {
		o, ok := f.audit.outcomeFor(ch.ID())
		return ok && o.Status == schemas.StatusCancelled && o.Reason == "cancelled"
	}, 2*time.Second, 10*time.Millisecond)

	// No subnets for a cancelled channel.
	assert.Empty(t, f.engine.Subnets(ch.ID()))
}

func TestEngine_DirectoryResolvesCandidates(t *testing.T) {
	f := setupTest(t)

	ch, err := f.engine.CreateChannel(context.Background(), &schemas.Demand{ID: "d1", Title: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ch.Snapshot().Candidates)
}

func TestEngine_UnknownChannelErrors(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	err := f.engine.SubmitOffer(ctx, "missing", schemas.Offer{
		ParticipantID: "p1", Decision: schemas.OfferParticipate,
	})
	assert.ErrorIs(t, err, channel.ErrChannelNotFound)
	assert.ErrorIs(t, f.engine.Cancel(ctx, "missing"), channel.ErrChannelNotFound)
}
