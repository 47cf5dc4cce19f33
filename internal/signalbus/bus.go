// Package signalbus carries the engine's outbound signals to in-process
// subscribers using a Pub/Sub model. A transport layer subscribes at the
// boundary and fans signals out over whatever wire it owns; the core only
// posts.
package signalbus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/api/schemas"
)

// Bus routes signals by type to subscriber channels. It implements
// schemas.SignalSink.
type Bus struct {
	logger *zap.Logger

	// Map of signal type to the channels subscribed to it.
	subscribers map[schemas.SignalType][]chan schemas.Signal
	mu          sync.RWMutex
	bufferSize  int

	// Tracks active Post operations so Shutdown can drain them.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// New initializes the bus. bufferSize controls per-subscriber channel
// buffering; zero means fully synchronous delivery.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("signalbus"),
		subscribers:  make(map[schemas.SignalType][]chan schemas.Signal),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post delivers a signal to every subscriber of its type. Blocks while
// subscriber buffers are full; respects ctx cancellation and bus shutdown.
// Posting with no subscribers is a successful no-op.
func (b *Bus) Post(ctx context.Context, sig schemas.Signal) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot post signal: bus is shut down")
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	b.logger.Debug("Posting signal",
		zap.String("type", string(sig.Type)),
		zap.String("channel_id", sig.ChannelID),
		zap.String("id", sig.ID))

	b.mu.RLock()
	subscribers, ok := b.subscribers[sig.Type]
	if !ok || len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil // No one is listening.
	}
	// Copy so we don't hold the lock during channel sends.
	subsCopy := make([]chan schemas.Signal, len(subscribers))
	copy(subsCopy, subscribers)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		select {
		case ch <- sig:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdownChan:
			return fmt.Errorf("failed to post signal: bus is shutting down")
		}
	}
	return nil
}

// Subscribe returns a channel receiving the given signal types and an
// unsubscribe function. The unsubscribe function closes the channel; callers
// must stop reading after calling it.
func (b *Bus) Subscribe(sigTypes ...schemas.SignalType) (<-chan schemas.Signal, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		closed := make(chan schemas.Signal)
		close(closed)
		return closed, func() {}
	}

	ch := make(chan schemas.Signal, b.bufferSize)
	for _, t := range sigTypes {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// Shutdown closes subscriber channels and clears the map under
			// b.mu, so only close ch if this call is the one removing it.
			removed := false
			for _, t := range sigTypes {
				subs := b.subscribers[t]
				for i, sub := range subs {
					if sub == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						removed = true
						break
					}
				}
			}
			if removed {
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Shutdown stops the bus: in-flight posts are unblocked, subscriber channels
// are closed, and further posts are rejected. Idempotent.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		defer b.mu.Unlock()
		seen := make(map[chan schemas.Signal]bool)
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				if !seen[ch] {
					seen[ch] = true
					close(ch)
				}
			}
		}
		b.subscribers = make(map[schemas.SignalType][]chan schemas.Signal)
		b.logger.Debug("Signal bus shut down")
	})
}
