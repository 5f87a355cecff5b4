package websocket

import (
	"encoding/json"
	"sort"
	"sync"

	"synctext/internal/models"
	"synctext/pkg/logger"
)

// Hub routes events to attached clients. Every client implicitly receives
// global and personal events; room events reach the clients subscribed to
// that room's channel.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	channels map[string]map[string]*Client // room -> connection id -> client
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		channels: make(map[string]map[string]*Client),
	}
}

func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.id] = c
	logger.Debug("Connection %s attached (%d connected)", c.id, len(h.clients))
}

// Detach removes the client from every channel and closes its send queue.
// Detaching twice is a no-op.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.detachLocked(c)
}

func (h *Hub) detachLocked(c *Client) {
	if current, ok := h.clients[c.id]; !ok || current != c {
		return
	}
	delete(h.clients, c.id)
	for room, subs := range h.channels {
		if _, ok := subs[c.id]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(h.channels, room)
			}
		}
	}
	close(c.send)
	logger.Debug("Connection %s detached (%d connected)", c.id, len(h.clients))
}

// CloseAll detaches every client. Their write pumps send a close frame and
// the read pumps then run the normal disconnect path.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		h.detachLocked(c)
	}
}

// Subscribe adds the connection to the room channel. It reports whether this
// call created the subscription; unknown connections are ignored.
func (h *Hub) Subscribe(connID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	subs, ok := h.channels[room]
	if !ok {
		subs = make(map[string]*Client)
		h.channels[room] = subs
	}
	if _, ok := subs[connID]; ok {
		return false
	}
	subs[connID] = c
	return true
}

func (h *Hub) Unsubscribe(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.channels[room]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.channels, room)
		}
	}
}

func (h *Hub) IsSubscribed(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.channels[room][connID]
	return ok
}

// Rooms lists the channels the connection is subscribed to.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := []string{}
	for room, subs := range h.channels {
		if _, ok := subs[connID]; ok {
			rooms = append(rooms, room)
		}
	}
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers ev to every attached client.
func (h *Hub) Broadcast(ev models.Event) {
	data, ok := encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	slow := make([]*Client, 0)
	for _, c := range h.clients {
		if !c.enqueue(data, ev.Droppable()) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
}

// SendTo delivers ev to one connection. Unknown connections are ignored.
func (h *Hub) SendTo(connID string, ev models.Event) {
	data, ok := encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	c, found := h.clients[connID]
	delivered := !found || c.enqueue(data, ev.Droppable())
	h.mu.RUnlock()

	if !delivered {
		h.dropSlow([]*Client{c})
	}
}

// BroadcastRoom delivers ev to the room's subscribers except the connection
// named by except (pass "" to include everyone).
func (h *Hub) BroadcastRoom(room string, ev models.Event, except string) {
	data, ok := encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	slow := make([]*Client, 0)
	for id, c := range h.channels[room] {
		if id == except {
			continue
		}
		if !c.enqueue(data, ev.Droppable()) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
}

// dropSlow disconnects clients whose queue overflowed on a non-droppable event.
func (h *Hub) dropSlow(slow []*Client) {
	if len(slow) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range slow {
		logger.Warn("Connection %s send buffer full, disconnecting", c.id)
		h.detachLocked(c)
	}
}

func encode(ev models.Event) ([]byte, bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Error marshaling %s event: %v", ev.Type, err)
		return nil, false
	}
	return data, true
}
