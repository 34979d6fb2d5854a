package notify

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrHubClosed indicates the hub has been stopped.
var ErrHubClosed = errors.New("notification hub is closed")

// Event types published by the engine.
const (
	EventConnected        = "connected"
	EventHeartbeat        = "heartbeat"
	EventStepStarted      = "step_started"
	EventStepCompleted    = "step_completed"
	EventStepFailed       = "step_failed"
	EventProgressUpdated  = "progress_updated"
	EventJobProgress      = "job_progress"
	EventJobCompleted     = "job_completed"
	EventBatchProgress    = "batch_progress"
	EventEnrichmentUpdate = "enrichment_update"
	EventGenerationUpdate = "generation_update"
)

// Event is the wire shape pushed to subscribers.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Subscription is one open push channel registered under a subscriber key.
// The consumer reads from C until it is closed.
type Subscription struct {
	Key string
	C   <-chan Event

	ch     chan Event
	closed bool // guarded by the hub mutex
}

// Hub fans published events out to every open subscription of a subscriber
// key. Keys are typically user ids or job ids. Delivery is best-effort: a
// subscription whose buffer is full is pruned rather than blocked on.
type Hub struct {
	subscribers map[string][]*Subscription
	bufferSize  int
	mu          sync.RWMutex
	closed      bool

	heartbeatEvery time.Duration
	stopHeartbeat  chan struct{}
	wg             sync.WaitGroup
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBufferSize sets the per-subscription channel buffer size.
func WithBufferSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.bufferSize = size
		}
	}
}

// WithHeartbeat sets the heartbeat interval. Zero disables the heartbeat.
func WithHeartbeat(every time.Duration) HubOption {
	return func(h *Hub) {
		h.heartbeatEvery = every
	}
}

// NewHub creates a hub and starts its heartbeat loop (default 30s).
func NewHub(options ...HubOption) *Hub {
	h := &Hub{
		subscribers:    make(map[string][]*Subscription),
		bufferSize:     16,
		heartbeatEvery: 30 * time.Second,
		stopHeartbeat:  make(chan struct{}),
	}
	for _, option := range options {
		option(h)
	}
	if h.heartbeatEvery > 0 {
		h.wg.Add(1)
		go h.heartbeatLoop()
	}
	return h
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Broadcast(EventHeartbeat, nil)
		case <-h.stopHeartbeat:
			return
		}
	}
}

// Subscribe registers a new push channel under key and immediately delivers
// a connected acknowledgement on it.
func (h *Hub) Subscribe(key string) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	sub := &Subscription{
		Key: key,
		ch:  make(chan Event, h.bufferSize),
	}
	sub.C = sub.ch
	h.subscribers[key] = append(h.subscribers[key], sub)
	// Buffered channel, fresh subscription: the ack cannot block.
	sub.ch <- Event{Type: EventConnected, Payload: map[string]string{"key": key}, Timestamp: time.Now()}
	h.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	subs := h.subscribers[sub.Key]
	for i, s := range subs {
		if s == sub {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subscribers, sub.Key)
	} else {
		h.subscribers[sub.Key] = subs
	}
	sub.closed = true
	close(sub.ch)
}

// Publish delivers an event to every open subscription under key and returns
// how many subscriptions received it. A key with no subscribers yields 0.
// Subscriptions that cannot accept the event are pruned.
func (h *Hub) Publish(key, eventType string, payload interface{}) int {
	event := Event{Type: eventType, Payload: payload, Timestamp: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	sent := 0
	var dead []*Subscription
	for _, sub := range h.subscribers[key] {
		select {
		case sub.ch <- event:
			sent++
		default:
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		h.removeLocked(sub)
	}
	return sent
}

// Broadcast publishes the event to every known subscriber key.
func (h *Hub) Broadcast(eventType string, payload interface{}) int {
	h.mu.RLock()
	keys := make([]string, 0, len(h.subscribers))
	for key := range h.subscribers {
		keys = append(keys, key)
	}
	h.mu.RUnlock()

	sent := 0
	for _, key := range keys {
		sent += h.Publish(key, eventType, payload)
	}
	return sent
}

// CloseKey closes every open subscription under key, e.g. when the job the
// key refers to is cancelled or purged.
func (h *Hub) CloseKey(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range append([]*Subscription(nil), h.subscribers[key]...) {
		h.removeLocked(sub)
	}
}

// SubscriberCount returns the number of open subscriptions under key.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[key])
}

// Stop shuts the hub down and closes every subscription.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, subs := range h.subscribers {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	h.subscribers = make(map[string][]*Subscription)
	h.mu.Unlock()

	close(h.stopHeartbeat)
	h.wg.Wait()
}
