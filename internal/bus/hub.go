package bus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Subscriber receives envelopes for the rooms it joined. The channel is
// buffered; a subscriber that cannot keep up drops messages for itself only.
type Subscriber struct {
	C     chan Envelope
	rooms []string
}

// Hub is the room-based local multicast. It knows nothing about transports
// or other instances; the Bus feeds it envelopes from the shared channel.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Subscriber]struct{}
	bufSize int
	logger  zerolog.Logger
}

// NewHub constructs a hub. bufSize is the per-subscriber channel depth.
func NewHub(bufSize int, logger zerolog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{
		rooms:   make(map[string]map[*Subscriber]struct{}),
		bufSize: bufSize,
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

// Subscribe joins the given rooms and returns a subscriber handle.
func (h *Hub) Subscribe(rooms ...string) *Subscriber {
	sub := &Subscriber{
		C:     make(chan Envelope, h.bufSize),
		rooms: rooms,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Subscriber]struct{})
			h.rooms[room] = members
		}
		members[sub] = struct{}{}
	}
	return sub
}

// Unsubscribe removes the subscriber from all its rooms and closes its
// channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := false
	for _, room := range sub.rooms {
		members, ok := h.rooms[room]
		if !ok {
			continue
		}
		if _, member := members[sub]; member {
			delete(members, sub)
			removed = true
		}
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if removed {
		close(sub.C)
	}
}

// Deliver multicasts an envelope to all subscribers of the given rooms.
// Delivery is at-most-once and best-effort: a full subscriber buffer means
// that subscriber misses the message.
func (h *Hub) Deliver(env Envelope, rooms []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := make(map[*Subscriber]struct{})
	for _, room := range rooms {
		for sub := range h.rooms[room] {
			if _, done := delivered[sub]; done {
				continue
			}
			delivered[sub] = struct{}{}

			select {
			case sub.C <- env:
			default:
				h.logger.Debug().Str("topic", env.Topic).Str("room", room).Msg("subscriber buffer full, dropping event")
			}
		}
	}
}

// RoomSize reports the subscriber count of one room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
