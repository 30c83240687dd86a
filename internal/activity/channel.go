// Package activity implements the bounded, subscribable activity log that
// records external side effects (primarily object-store operations). Entries
// are globally sequenced per channel, filterable, and replayable to clients
// that reconnect mid-stream.
package activity

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level classifies an activity entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 200

// MaxSnapshotLimit caps the number of entries a single snapshot returns.
const MaxSnapshotLimit = 200

// Entry is one recorded activity event.
type Entry struct {
	Sequence  uint64         `json:"sequence"`
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"` // epoch millis
	Level     Level          `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Listener receives entries as they are pushed. Listeners must not block;
// failures are caught and logged, never propagated.
type Listener func(Entry)

// Channel is a fixed-capacity ring of activity entries with subscriber
// fanout. The zero value is not usable; use NewChannel.
type Channel struct {
	mu        sync.Mutex
	capacity  int
	entries   []Entry // insertion order, oldest first
	nextSeq   uint64
	listeners map[int]Listener
	nextSub   int
	logger    *zap.Logger
}

// NewChannel creates a channel with the given capacity. Capacity values
// below 1 fall back to DefaultCapacity.
func NewChannel(capacity int, logger *zap.Logger) *Channel {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		capacity:  capacity,
		entries:   make([]Entry, 0, capacity),
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// Push records an entry, assigning the next sequence number and evicting the
// oldest entry on overflow. Meta is sanitized before storage (token fields
// redacted, error values collapsed). The stored entry is returned.
func (c *Channel) Push(level Level, source, message string, meta map[string]any) Entry {
	c.mu.Lock()
	c.nextSeq++
	entry := Entry{
		Sequence:  c.nextSeq,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Source:    source,
		Message:   message,
		Meta:      SanitizeMeta(meta),
	}
	if len(c.entries) >= c.capacity {
		c.entries = append(c.entries[1:], entry)
	} else {
		c.entries = append(c.entries, entry)
	}
	listeners := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		c.notify(fn, entry)
	}
	return entry
}

// notify invokes a listener, containing panics so a misbehaving subscriber
// never takes down the producer.
func (c *Channel) notify(fn Listener, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("activity listener panicked", zap.Any("panic", r))
		}
	}()
	fn(entry)
}

// Subscribe registers a listener and returns an idempotent unsubscribe
// function.
func (c *Channel) Subscribe(fn Listener) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// SnapshotQuery filters a snapshot request. Zero values mean "no filter".
type SnapshotQuery struct {
	Limit         int
	Levels        []Level
	SinceSequence uint64
	SinceTime     int64 // epoch millis
	Search        string
	Sample        int // keep 1 in N entries; <=1 disables sampling
}

// Snapshot returns entries in insertion order after applying filters. The
// most recent matching entries are returned, at most min(limit, buffered).
func (c *Channel) Snapshot(q SnapshotQuery) []Entry {
	limit := q.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > MaxSnapshotLimit {
		limit = MaxSnapshotLimit
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	matched := make([]Entry, 0, len(c.entries))
	kept := 0
	for _, e := range c.entries {
		if !q.matches(e) {
			continue
		}
		kept++
		if q.Sample > 1 && (kept-1)%q.Sample != 0 {
			continue
		}
		matched = append(matched, e)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]Entry, len(matched))
	copy(out, matched)
	return out
}

func (q SnapshotQuery) matches(e Entry) bool {
	if len(q.Levels) > 0 {
		ok := false
		for _, lv := range q.Levels {
			if e.Level == lv {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q.SinceSequence > 0 && e.Sequence <= q.SinceSequence {
		return false
	}
	if q.SinceTime > 0 && e.Timestamp < q.SinceTime {
		return false
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(q.Search)) {
		return false
	}
	return true
}

// Stats summarizes buffered entries.
type Stats struct {
	Total   int           `json:"total"`
	ByLevel map[Level]int `json:"byLevel"`
}

// GetStats counts buffered entries, optionally restricted to those after the
// given sequence.
func (c *Channel) GetStats(sinceSequence uint64) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{ByLevel: make(map[Level]int)}
	for _, e := range c.entries {
		if sinceSequence > 0 && e.Sequence <= sinceSequence {
			continue
		}
		stats.Total++
		stats.ByLevel[e.Level]++
	}
	return stats
}

// LastSequence returns the most recently assigned sequence number.
func (c *Channel) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

// Len returns the number of buffered entries.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
