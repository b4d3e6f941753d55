// Package chat provides the per-proposal realtime chat side-channel.
//
// Messages are durable first: every inbound message is inserted into the
// store, which assigns it a monotonic sequence number, and only then is the
// stored row broadcast to the room. Subscribers therefore never see a
// message that a later history read could miss, and seq orders live and
// replayed messages the same way.
package chat

import (
	"context"
	"sync"

	"dealdesk/api/internal/store"
)

// MessageStore is the durable side of the chat channel.
type MessageStore interface {
	InsertChatMessage(ctx context.Context, proposalID, senderID, body string) (store.ChatMessage, error)
	ListChatMessages(ctx context.Context, proposalID string, limit int) ([]store.ChatMessage, error)
}

// Event is what subscribers receive on the wire.
type Event struct {
	Type       string `json:"type"` // "message"
	Seq        int64  `json:"seq"`
	ProposalID string `json:"proposalId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Body       string `json:"body"`
	SentAt     int64  `json:"sentAt"` // unix millis
}

type subscriber struct {
	proposalID string
	events     chan Event
}

// Hub fans messages out to room subscribers. Delivery is best-effort: a
// subscriber that cannot keep up has events dropped rather than blocking
// the room.
type Hub struct {
	messages MessageStore

	mu    sync.RWMutex
	rooms map[string]map[*subscriber]struct{}
}

// NewHub creates a chat hub backed by the given message store.
func NewHub(messages MessageStore) *Hub {
	return &Hub{
		messages: messages,
		rooms:    make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe joins a proposal room. The returned cancel func leaves the room
// and closes the event channel.
func (h *Hub) Subscribe(proposalID string) (<-chan Event, func()) {
	sub := &subscriber{
		proposalID: proposalID,
		events:     make(chan Event, 64),
	}

	h.mu.Lock()
	room, ok := h.rooms[proposalID]
	if !ok {
		room = make(map[*subscriber]struct{})
		h.rooms[proposalID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if room, ok := h.rooms[proposalID]; ok {
				delete(room, sub)
				if len(room) == 0 {
					delete(h.rooms, proposalID)
				}
			}
			h.mu.Unlock()
			close(sub.events)
		})
	}
	return sub.events, cancel
}

// Publish persists the message, then broadcasts the stored row (including
// its assigned seq) to every subscriber of the proposal's room.
func (h *Hub) Publish(ctx context.Context, proposalID, senderID, senderName, body string) (store.ChatMessage, error) {
	msg, err := h.messages.InsertChatMessage(ctx, proposalID, senderID, body)
	if err != nil {
		return store.ChatMessage{}, err
	}
	h.broadcast(Event{
		Type:       "message",
		Seq:        msg.Seq,
		ProposalID: msg.ProposalID,
		SenderID:   msg.SenderID,
		SenderName: senderName,
		Body:       msg.Body,
		SentAt:     msg.CreatedAt.UnixMilli(),
	})
	return msg, nil
}

// History returns the most recent messages for a room in seq order.
func (h *Hub) History(ctx context.Context, proposalID string, limit int) ([]store.ChatMessage, error) {
	return h.messages.ListChatMessages(ctx, proposalID, limit)
}

// RoomSize reports the number of live subscribers in a room.
func (h *Hub) RoomSize(proposalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[proposalID])
}

func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[ev.ProposalID] {
		select {
		case sub.events <- ev:
		default:
			// slow subscriber, drop
		}
	}
}
