// Package events carries per-task lifecycle events from an execution backend
// to any number of subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an event.
type Type string

const (
	TypeCreated          Type = "created"
	TypeStarted          Type = "started"
	TypeContainerCreated Type = "container_created"
	TypeContainerExited  Type = "container_exited"
	TypeCompleted        Type = "completed"
	TypeFailed           Type = "failed"
	TypeCanceled         Type = "canceled"
	TypePreempted        Type = "preempted"
	TypeStdout           Type = "stdout"
	TypeStderr           Type = "stderr"
)

// Event is one task lifecycle event. TaskID is assigned by the backend and
// is unique within a run; Created is always published before any other
// event for the same id.
type Event struct {
	Type   Type      `json:"type"`
	TaskID int64     `json:"task_id"`
	Time   time.Time `json:"time"`

	// Name is set on Created.
	Name string `json:"name,omitempty"`

	// ExitStatuses is set on Completed, in execution order.
	ExitStatuses []int `json:"exit_statuses,omitempty"`

	// Message is the failure text on Failed and the line on Stdout/Stderr.
	Message string `json:"message,omitempty"`
}

func Created(id int64, name string) Event {
	return Event{Type: TypeCreated, TaskID: id, Name: name, Time: time.Now().UTC()}
}

func Started(id int64) Event {
	return Event{Type: TypeStarted, TaskID: id, Time: time.Now().UTC()}
}

func ContainerCreated(id int64) Event {
	return Event{Type: TypeContainerCreated, TaskID: id, Time: time.Now().UTC()}
}

func ContainerExited(id int64) Event {
	return Event{Type: TypeContainerExited, TaskID: id, Time: time.Now().UTC()}
}

func Completed(id int64, exitStatuses ...int) Event {
	return Event{Type: TypeCompleted, TaskID: id, ExitStatuses: exitStatuses, Time: time.Now().UTC()}
}

func Failed(id int64, message string) Event {
	return Event{Type: TypeFailed, TaskID: id, Message: message, Time: time.Now().UTC()}
}

func Canceled(id int64) Event {
	return Event{Type: TypeCanceled, TaskID: id, Time: time.Now().UTC()}
}

func Preempted(id int64) Event {
	return Event{Type: TypePreempted, TaskID: id, Time: time.Now().UTC()}
}

func Stdout(id int64, line string) Event {
	return Event{Type: TypeStdout, TaskID: id, Message: line, Time: time.Now().UTC()}
}

func Stderr(id int64, line string) Event {
	return Event{Type: TypeStderr, TaskID: id, Message: line, Time: time.Now().UTC()}
}

// DefaultBuffer is the per-subscriber buffer when none is configured.
const DefaultBuffer = 1024

// Hub broadcasts events to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and its lag counter grows.
type Hub struct {
	buffer int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub returns a hub with the given per-subscriber buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber. Subscribing to a closed hub returns
// a subscription whose channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{hub: h, ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.done = true
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.lag.Add(1)
		}
	}
}

// Close ends the stream; every subscriber channel is closed after its
// buffered events drain. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.done = true
		close(s.ch)
	}
	h.subs = nil
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Subscription is one subscriber's view of a Hub.
type Subscription struct {
	hub  *Hub
	ch   chan Event
	lag  atomic.Uint64
	done bool // guarded by hub.mu
}

// C returns the event channel. It is closed when the hub or the
// subscription closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// TakeLag returns the number of events dropped since the previous call.
func (s *Subscription) TakeLag() uint64 { return s.lag.Swap(0) }

// Close unsubscribes. Buffered events remain readable.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	delete(h.subs, s)
	close(s.ch)
}
