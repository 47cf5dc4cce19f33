package signalbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/signalbus"
)

func newTestBus(t *testing.T, bufferSize int) *signalbus.Bus {
	t.Helper()
	return signalbus.New(zaptest.NewLogger(t), bufferSize)
}

func TestBus_DeliversToSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := newTestBus(t, 1)
	defer bus.Shutdown()

	ch, unsubscribe := bus.Subscribe(schemas.SignalFeedbackEvaluated)
	defer unsubscribe()

	sig := schemas.NewSignal("chan-1", schemas.SignalFeedbackEvaluated, schemas.FeedbackEvaluatedPayload{
		Accepts: 5, Total: 5, AcceptRate: 1.0, Decision: schemas.DecisionFinalize,
	})
	require.NoError(t, bus.Post(context.Background(), sig))

	select {
	case got := <-ch:
		assert.Equal(t, sig.ID, got.ID)
		assert.Equal(t, schemas.SignalFeedbackEvaluated, got.Type)
		payload, ok := got.Payload.(schemas.FeedbackEvaluatedPayload)
		require.True(t, ok)
		assert.Equal(t, schemas.DecisionFinalize, payload.Decision)
	case <-time.After(time.Second):
		t.Fatal("signal was not delivered")
	}
}

func TestBus_PostWithoutSubscribersIsNoOp(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := newTestBus(t, 0)
	defer bus.Shutdown()

	err := bus.Post(context.Background(), schemas.NewSignal("chan-1", schemas.SignalOfferSubmitted, nil))
	assert.NoError(t, err)
}

func TestBus_SubscriptionFiltersByType(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := newTestBus(t, 4)
	defer bus.Shutdown()

	ch, unsubscribe := bus.Subscribe(schemas.SignalProposalFinalized)
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, bus.Post(ctx, schemas.NewSignal("c1", schemas.SignalOfferSubmitted, nil)))
	require.NoError(t, bus.Post(ctx, schemas.NewSignal("c1", schemas.SignalProposalFinalized, nil)))

	select {
	case got := <-ch:
		assert.Equal(t, schemas.SignalProposalFinalized, got.Type)
	case <-time.After(time.Second):
		t.Fatal("expected the finalized signal")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected extra signal: %v", got.Type)
	default:
	}
}

func TestBus_PostHonorsContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := newTestBus(t, 0)
	defer bus.Shutdown()

	// Unbuffered subscriber that never reads, so Post blocks.
	_, unsubscribe := bus.Subscribe(schemas.SignalDemandBroadcast)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	postDone := make(chan error, 1)
	go func() {
		postDone <- bus.Post(ctx, schemas.NewSignal("c1", schemas.SignalDemandBroadcast, nil))
	}()

	cancel()
	select {
	case err := <-postDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not unblock on cancellation")
	}
}

func TestBus_ShutdownRejectsFurtherPosts(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := newTestBus(t, 1)

	ch, _ := bus.Subscribe(schemas.SignalSubnetCreated)
	bus.Shutdown()

	err := bus.Post(context.Background(), schemas.NewSignal("c1", schemas.SignalSubnetCreated, nil))
	assert.Error(t, err)

	// Subscriber channel is closed by shutdown.
	_, open := <-ch
	assert.False(t, open)

	// Shutdown is idempotent.
	bus.Shutdown()
}

func TestBus_UnsubscribeAfterShutdownIsSafe(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := newTestBus(t, 1)

	ch, unsubscribe := bus.Subscribe(schemas.SignalSubnetStarted)
	bus.Shutdown()

	// Shutdown already closed the channel; a late unsubscribe must not
	// close it again.
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := newTestBus(t, 1)
	defer bus.Shutdown()

	ch, unsubscribe := bus.Subscribe(schemas.SignalRoundStarted)
	unsubscribe()

	require.NoError(t, bus.Post(context.Background(), schemas.NewSignal("c1", schemas.SignalRoundStarted, nil)))

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel should be closed")
}
