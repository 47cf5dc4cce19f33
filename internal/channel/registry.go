package channel

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the live channels. The engine removes a terminal channel
// once its outcome has been handled and no running subnet still needs it as
// a parent.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("registry"),
		channels: make(map[string]*Channel),
	}
}

// Add registers a channel under its id.
func (r *Registry) Add(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID()] = c
}

// Get returns the channel for an id, or ErrChannelNotFound.
func (r *Registry) Get(id string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return c, nil
}

// Active returns every registered channel that has not reached a terminal
// status. The checker iterates this on every tick.
func (r *Registry) Active() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		if !c.Status().Terminal() {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of registered channels, terminal or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Remove drops a channel from the registry. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[id]; ok {
		delete(r.channels, id)
		r.logger.Debug("Channel evicted", zap.String("channel_id", id))
	}
}
