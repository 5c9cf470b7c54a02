package jobs

import (
	"sync"

	"voice-transcriber/internal/domain"
)

// EventType classifies messages pushed to subscribed clients.
type EventType string

const (
	// EventStatusUpdate reports progress or stage movement.
	EventStatusUpdate EventType = "status-update"
	// EventCompleted is terminal and carries the job result.
	EventCompleted EventType = "completed"
	// EventFailed is terminal and carries a classified error.
	EventFailed EventType = "failed"
	// EventCancelled is terminal and distinct from failure.
	EventCancelled EventType = "cancelled"
)

// IsTerminal reports whether no further events follow for the job.
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// Event is one job-state change delivered over the push channel. Its fields
// mirror the poll snapshot so clients can switch channels freely.
type Event struct {
	Type       EventType        `json:"type"`
	JobID      string           `json:"jobId"`
	Status     domain.JobStatus `json:"status,omitempty"`
	Progress   int              `json:"progress"`
	Stage      string           `json:"stage,omitempty"`
	Filename   string           `json:"filename,omitempty"`
	Cancelling bool             `json:"cancelling"`
	Result     *domain.Result   `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	Details    string           `json:"details,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// subscriberBuffer bounds how far a slow push client may fall behind
// before events are dropped for it.
const subscriberBuffer = 64

// Hub fans job-state events out to subscribers registered per owner.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewHub creates an empty distribution hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscription is one live push registration scoped to an owner.
type Subscription struct {
	C <-chan Event

	hub     *Hub
	ownerID string
	ch      chan Event
	once    sync.Once
}

// Close deregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if set, ok := s.hub.subs[s.ownerID]; ok {
			delete(set, s.ch)
			if len(set) == 0 {
				delete(s.hub.subs, s.ownerID)
			}
		}
	})
}

// Subscribe registers a push channel for every job owned by ownerID.
func (h *Hub) Subscribe(ownerID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[ownerID] == nil {
		h.subs[ownerID] = make(map[chan Event]struct{})
	}
	h.subs[ownerID][ch] = struct{}{}

	return &Subscription{C: ch, hub: h, ownerID: ownerID, ch: ch}
}

// Publish delivers evt to every subscriber of ownerID. Delivery is
// non-blocking: a subscriber that cannot keep up loses status updates
// rather than stalling the pipeline. Terminal events are never dropped;
// they evict the oldest buffered events instead, so a push-only client
// always learns how its job ended.
func (h *Hub) Publish(ownerID string, evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ownerID] {
		select {
		case ch <- evt:
			continue
		default:
		}
		if evt.Type.IsTerminal() {
			forceEnqueue(ch, evt)
		}
	}
}

// forceEnqueue makes room for evt by discarding the oldest buffered events.
// Bounded so a racing publisher cannot spin it forever.
func forceEnqueue(ch chan Event, evt Event) {
	for i := 0; i <= subscriberBuffer; i++ {
		select {
		case ch <- evt:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions for an owner.
func (h *Hub) SubscriberCount(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ownerID])
}
