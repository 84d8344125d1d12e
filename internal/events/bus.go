package events

import (
	"sync"
	"time"

	"github.com/ETAnderson/catalogsync/internal/domain"
)

type RunEventType string

const (
	RunStarted   RunEventType = "run.started"
	RunProgress  RunEventType = "run.progress"
	RunFinished  RunEventType = "run.finished"
	EventApplied RunEventType = "event.applied"
)

// RunEvent is a point-in-time summary published by the differ and the event
// worker. Subscribers get copies; nothing is shared.
type RunEvent struct {
	Type    RunEventType     `json:"type"`
	RunID   string           `json:"run_id,omitempty"`
	Site    domain.Site      `json:"site,omitempty"`
	Status  domain.RunStatus `json:"status,omitempty"`
	Current int              `json:"current"`
	Total   int              `json:"total"`

	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Backfilled int `json:"identity_backfilled"`
	Unchanged  int `json:"unchanged"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`

	CanonicalKey string    `json:"canonical_key,omitempty"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ev RunEvent)
}

// Bus fans RunEvents out to subscribers. Slow subscribers drop events
// rather than block the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan RunEvent
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan RunEvent)}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan RunEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan RunEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(ev RunEvent) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(RunEvent) {}
