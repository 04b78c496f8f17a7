package runner

import (
	"log/slog"
	"sync"
	"time"

	"spritegate/internal/failure"
)

// EventKind names what changed.
type EventKind string

const (
	EventFrame   EventKind = "frame"
	EventAttempt EventKind = "attempt"
	EventRun     EventKind = "run"
)

// Event is broadcast to subscribers after each persisted transition.
type Event struct {
	Kind        EventKind      `json:"kind"`
	RunID       string         `json:"run_id"`
	Move        string         `json:"move"`
	Frame       int            `json:"frame"`
	Attempt     int            `json:"attempt"`
	FrameStatus FrameStatus    `json:"frame_status,omitempty"`
	RunStatus   RunStatus      `json:"run_status,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
	Codes       []failure.Code `json:"codes,omitempty"`
	Composite   float64        `json:"composite,omitempty"`
	Counters    *Counters      `json:"counters,omitempty"`
	Time        time.Time      `json:"time"`
}

// Broker fans events out to subscribers without ever blocking the run.
type Broker struct {
	log       *slog.Logger
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
	closed    bool
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{log: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Event, 32)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	unsub := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("event channel full", "subscriber", id, "kind", ev.Kind, "frame", ev.Frame)
		}
	}
}

// Close closes every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
