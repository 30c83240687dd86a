// Package telemetry implements the per-operator research telemetry channel:
// a bounded buffer of typed events with throttling, normalization, live
// fanout through a swappable sender, deterministic replay, and running
// token-usage totals.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType enumerates the telemetry event kinds.
type EventType string

const (
	TypeStatus      EventType = "status"
	TypeThought     EventType = "thought"
	TypeProgress    EventType = "progress"
	TypeComplete    EventType = "complete"
	TypeMemory      EventType = "memory"
	TypeSuggestions EventType = "suggestions"
	TypeTokenUsage  EventType = "token-usage"
)

// Event is one buffered telemetry event. Data holds the normalized payload
// for the event's type; unknown fields never survive normalization.
type Event struct {
	ID        string         `json:"eventId"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"` // epoch millis
}

// Sender delivers a live or replayed event to the attached transport.
// A nil sender suspends live delivery without clearing history.
type Sender func(eventType EventType, data map[string]any) error

const (
	// DefaultCapacity bounds the event buffer.
	DefaultCapacity = 120
	// DefaultStatusThrottle is the minimum spacing between accepted status
	// events, and independently between accepted progress events.
	DefaultStatusThrottle = 350 * time.Millisecond
)

// Channel is one operator's telemetry stream.
type Channel struct {
	mu           sync.Mutex
	capacity     int
	throttle     time.Duration
	events       []Event
	sender       Sender
	lastStatus   time.Time
	lastProgress time.Time
	totals       TokenUsageTotals
	logger       *zap.Logger
	now          func() time.Time
}

// Option configures a Channel.
type Option func(*Channel)

// WithCapacity overrides the buffer capacity.
func WithCapacity(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithThrottle overrides the status/progress throttle interval.
func WithThrottle(d time.Duration) Option {
	return func(c *Channel) {
		if d >= 0 {
			c.throttle = d
		}
	}
}

// WithClock overrides the time source. Tests use this to drive throttling
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// NewChannel creates a telemetry channel.
func NewChannel(logger *zap.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		capacity: DefaultCapacity,
		throttle: DefaultStatusThrottle,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make([]Event, 0, c.capacity)
	return c
}

// record buffers a normalized event and forwards it to the live sender.
// Returns the stored event.
func (c *Channel) record(typ EventType, data map[string]any) Event {
	c.mu.Lock()
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Data:      data,
		Timestamp: c.now().UnixMilli(),
	}
	if len(c.events) >= c.capacity {
		c.events = append(c.events[1:], ev)
	} else {
		c.events = append(c.events, ev)
	}
	sender := c.sender
	c.mu.Unlock()

	if sender != nil {
		if err := sender(typ, wireData(ev)); err != nil {
			c.logger.Debug("telemetry send failed", zap.String("type", string(typ)), zap.Error(err))
		}
	}
	return ev
}

// wireData merges the event envelope fields into the payload sent on the
// wire, matching what Replay delivers.
func wireData(ev Event) map[string]any {
	out := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		out[k] = v
	}
	out["timestamp"] = ev.Timestamp
	out["eventId"] = ev.ID
	return out
}

// EmitStatus emits a stage/status event. Events arriving within the
// throttle interval of the last accepted status are dropped; the second
// return value reports acceptance.
func (c *Channel) EmitStatus(s Status) (Event, bool) {
	c.mu.Lock()
	now := c.now()
	if c.throttle > 0 && !c.lastStatus.IsZero() && now.Sub(c.lastStatus) < c.throttle {
		c.mu.Unlock()
		return Event{}, false
	}
	c.lastStatus = now
	c.mu.Unlock()
	return c.record(TypeStatus, normalizeStatus(s)), true
}

// EmitThought emits a planner/summarizer rationale event.
func (c *Channel) EmitThought(t Thought) Event {
	return c.record(TypeThought, normalizeThought(t))
}

// EmitProgress emits a fanout progress event, throttled independently of
// status events.
func (c *Channel) EmitProgress(p Progress) (Event, bool) {
	c.mu.Lock()
	now := c.now()
	if c.throttle > 0 && !c.lastProgress.IsZero() && now.Sub(c.lastProgress) < c.throttle {
		c.mu.Unlock()
		return Event{}, false
	}
	c.lastProgress = now
	c.mu.Unlock()
	return c.record(TypeProgress, normalizeProgress(p)), true
}

// EmitComplete emits the terminal event of a run. Never throttled.
func (c *Channel) EmitComplete(comp Complete) Event {
	return c.record(TypeComplete, normalizeComplete(comp))
}

// EmitMemoryContext emits a memory-retrieval context event.
func (c *Channel) EmitMemoryContext(m MemoryContext) Event {
	return c.record(TypeMemory, normalizeMemory(m))
}

// EmitSuggestions emits follow-up research suggestions.
func (c *Channel) EmitSuggestions(s Suggestions) Event {
	return c.record(TypeSuggestions, normalizeSuggestions(s))
}

// EmitTokenUsage records an LLM call's token usage and updates running
// totals. The emit is a no-op unless at least one of the three counters is
// a non-negative number; a missing total defaults to prompt+completion.
func (c *Channel) EmitTokenUsage(u TokenUsage) (Event, bool) {
	norm, ok := normalizeTokenUsage(u)
	if !ok {
		return Event{}, false
	}
	c.mu.Lock()
	c.totals.add(norm)
	c.totals.UpdatedAt = c.now().UnixMilli()
	c.mu.Unlock()
	return c.record(TypeTokenUsage, norm.asMap()), true
}

// Replay sends every buffered event, in order, through the supplied sender
// (or the attached one when nil is passed). Replay stops at the first send
// failure to preserve ordering for the client.
func (c *Channel) Replay(sender Sender) error {
	c.mu.Lock()
	if sender == nil {
		sender = c.sender
	}
	events := make([]Event, len(c.events))
	copy(events, c.events)
	c.mu.Unlock()

	if sender == nil {
		return nil
	}
	for _, ev := range events {
		if err := sender(ev.Type, wireData(ev)); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSender swaps the live sender. Passing nil suspends live delivery
// without touching history.
func (c *Channel) UpdateSender(sender Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// ClearHistory drops all buffered events. Token totals are unaffected.
func (c *Channel) ClearHistory() {
	c.mu.Lock()
	c.events = c.events[:0]
	c.mu.Unlock()
}

// GetHistory returns a copy of the buffered events in emit order.
func (c *Channel) GetHistory() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// GetTokenUsageTotals returns a copy of the running totals.
func (c *Channel) GetTokenUsageTotals() TokenUsageTotals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals.clone()
}

// ResetTokenUsageTotals clears all counters atomically.
func (c *Channel) ResetTokenUsageTotals() {
	c.mu.Lock()
	c.totals = TokenUsageTotals{}
	c.mu.Unlock()
}
