package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// EventBroadcaster delivers server-initiated events to clients, either
// to everyone authenticated or to a single addressee.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{
		Event: event,
		Data:  data,
	})
}

// BroadcastTyped sends a typed stream event with sequence metadata.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	payload, ok := b.prepare(&msg)
	if !ok {
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No authenticated clients to broadcast to")
		return
	}

	for _, client := range clients {
		b.deliver(client, msg, payload)
	}
}

// BroadcastToClient sends an event to a single authenticated client.
// Events addressed to unknown or unauthenticated clients are dropped.
func (b *EventBroadcaster) BroadcastToClient(clientID string, msg EventMessage) {
	client, exists := b.clients.Get(clientID)
	if !exists || !client.Authenticated {
		b.logger.Debug().
			Str("clientId", clientID).
			Str("event", msg.Event).
			Msg("Dropping event for absent client")
		return
	}

	payload, ok := b.prepare(&msg)
	if !ok {
		return
	}

	b.deliver(client, msg, payload)
}

func (b *EventBroadcaster) prepare(msg *EventMessage) ([]byte, bool) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = int64(atomic.AddUint64(&b.seq, 1))
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Msg("Failed to marshal event")
		return nil, false
	}
	return payload, true
}

func (b *EventBroadcaster) deliver(client *Client, msg EventMessage, payload []byte) {
	if err := client.SendRaw(payload); err != nil {
		b.logger.Warn().
			Err(err).
			Str("clientId", client.ID).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to deliver event")
	}
}
