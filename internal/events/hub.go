// Package events is an in-memory pub/sub of plan lifecycle events, with a
// small replay buffer so late subscribers can catch up.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher.
const (
	PlanSubmitted         = "plan.submitted"
	PlanSuperseded        = "plan.superseded"
	PlanCompleted         = "plan.completed"
	StageDispatched       = "stage.dispatched"
	StageCompleted        = "stage.completed"
	StageSkipped          = "stage.skipped"
	JobCompleted          = "job.completed"
	NotificationRequested = "notification.requested"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(eventType string, data any)
}

const subscriberBuffer = 128

// Hub fans events out to subscribers. Slow subscribers miss events rather
// than block publishers.
type Hub struct {
	nextID atomic.Int64

	mu      sync.Mutex
	replay  ring
	subs    map[int]chan Event
	nextSub int
}

var _ Publisher = (*Hub)(nil)

// NewHub returns a hub that keeps the last capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		replay: ring{buf: make([]Event, capacity)},
		subs:   make(map[int]chan Event),
	}
}

// Publish marshals data to JSON and delivers the event. Unmarshalable data is
// published as an empty object.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.replay.push(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a function that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replay.since(lastID)
}

// ring is a fixed-size buffer that overwrites its oldest entry when full.
type ring struct {
	buf   []Event
	start int
	size  int
}

func (r *ring) push(ev Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(lastID int64) []Event {
	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
