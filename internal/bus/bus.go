// Package bus provides the in-process event hub that fans lifecycle and
// channel events out to sinks (Kafka mirror, Slack alerts).
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event kinds.
const (
	KindMessagePosted  = "message.posted"
	KindSpawnCreated   = "spawn.created"
	KindSpawnStarted   = "spawn.started"
	KindSpawnPaused    = "spawn.paused"
	KindSpawnResumed   = "spawn.resumed"
	KindSpawnCompleted = "spawn.completed"
	KindSpawnFailed    = "spawn.failed"
	KindSpawnKilled    = "spawn.killed"
	KindSpawnTimeout   = "spawn.timeout"
	KindSpawnStalled   = "spawn.stalled"
	KindSpawnCompacted = "spawn.compacted"
	KindChannelRotated = "channel.rotated"
	KindHandoffCreated = "handoff.created"
)

// Wildcard subscribes to every kind.
const Wildcard = "*"

// Event is one observable state change.
type Event struct {
	Kind      string            `json:"kind"`
	SpawnID   string            `json:"spawn_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	ChannelID string            `json:"channel_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Key is the partition key used by sinks: channel first, then spawn.
func (e *Event) Key() string {
	if e.ChannelID != "" {
		return e.ChannelID
	}
	return e.SpawnID
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(e *Event)
}

// Hub decouples event producers from sinks.
type Hub struct {
	events chan *Event
	subs   map[string][]func(*Event)
	mu     sync.RWMutex
}

// NewHub creates a hub with the given buffer size.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 256
	}
	return &Hub{
		events: make(chan *Event, size),
		subs:   make(map[string][]func(*Event)),
	}
}

// Publish enqueues an event without blocking. When the buffer is full the
// event is dropped; sinks are best-effort and the store stays authoritative.
func (h *Hub) Publish(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case h.events <- e:
	default:
		slog.Warn("Event hub full, dropping event", "kind", e.Kind, "spawn", e.SpawnID)
	}
}

// Subscribe registers a callback for a kind, or Wildcard for all kinds.
func (h *Hub) Subscribe(kind string, callback func(*Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[kind] = append(h.subs[kind], callback)
}

// Dispatch delivers events until ctx is cancelled. Run it as a goroutine.
func (h *Hub) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.Flush()
			return ctx.Err()
		case e := <-h.events:
			h.deliver(e)
		}
	}
}

// Flush synchronously delivers everything currently queued. Short-lived
// processes call it before exiting.
func (h *Hub) Flush() {
	for {
		select {
		case e := <-h.events:
			h.deliver(e)
		default:
			return
		}
	}
}

func (h *Hub) deliver(e *Event) {
	h.mu.RLock()
	callbacks := append(append([]func(*Event){}, h.subs[e.Kind]...), h.subs[Wildcard]...)
	h.mu.RUnlock()

	for _, cb := range callbacks {
		cb(e)
	}
}

// Pending returns the number of undelivered events.
func (h *Hub) Pending() int {
	return len(h.events)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(*Event) {}
