package telemetry

import (
	"sync"

	"go.uber.org/zap"
)

// Registry maps operator usernames to their telemetry channels so a
// reconnecting session finds the history its previous connection buffered.
// It is mutated only during session bootstrap and teardown.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
	logger   *zap.Logger
	opts     []Option
}

// NewRegistry creates a registry. The options are applied to every channel
// it creates.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		channels: make(map[string]*Channel),
		logger:   logger,
		opts:     opts,
	}
}

// Acquire returns the operator's channel, creating it on first use.
func (r *Registry) Acquire(operator string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[operator]; ok {
		return ch
	}
	ch := NewChannel(r.logger.With(zap.String("operator", operator)), r.opts...)
	r.channels[operator] = ch
	return ch
}

// Peek returns the operator's channel without creating one.
func (r *Registry) Peek(operator string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[operator]
	return ch, ok
}

// Release drops the operator's channel and its buffered history.
func (r *Registry) Release(operator string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[operator]; ok {
		ch.UpdateSender(nil)
		delete(r.channels, operator)
	}
}
