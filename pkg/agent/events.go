package agent

import (
	"sync"

	"github.com/dimas/pivot/internal/observability"
)

// StreamEvent is one fragment of an assistant reply in flight. Events
// for a conversation are published in order; Final marks the boundary
// after which the reply is complete (or failed if Err is set).
type StreamEvent struct {
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId,omitempty"`
	Seq            int    `json:"seq"`
	Text           string `json:"text,omitempty"`
	Final          bool   `json:"final"`
	Err            string `json:"error,omitempty"`
}

type subscriber struct {
	conversationID string
	ch             chan StreamEvent
}

// EventHub fans assistant stream fragments out to subscribers. Slow
// subscribers drop fragments rather than block the publishing turn.
type EventHub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	seq  map[string]int
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		subs: make(map[*subscriber]struct{}),
		seq:  make(map[string]int),
	}
}

// Subscribe registers interest in one conversation's stream. The
// returned cancel func must be called to release the subscription; the
// channel is closed on cancel.
func (h *EventHub) Subscribe(conversationID string, buffer int) (<-chan StreamEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	sub := &subscriber{
		conversationID: conversationID,
		ch:             make(chan StreamEvent, buffer),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}

	return sub.ch, cancel
}

// Publish sends an event to every subscriber of its conversation,
// assigning the next sequence number.
func (h *EventHub) Publish(event StreamEvent) {
	h.mu.Lock()
	h.seq[event.ConversationID]++
	event.Seq = h.seq[event.ConversationID]
	if event.Final {
		delete(h.seq, event.ConversationID)
	}

	targets := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		if sub.conversationID == event.ConversationID {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	observability.RecordFragment()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		default:
		}
	}
}
