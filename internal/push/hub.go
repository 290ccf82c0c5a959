package push

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type offerNotification struct {
	OfferID string `json:"offer_id"`
}

type offerAccepted struct {
	OfferID     string `json:"offer_id"`
	CandidateID string `json:"candidate_id"`
}

// Hub fans realtime offer events out to connected candidates. Delivery is
// fire-and-forget: a slow or dead client is dropped, never waited on.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // candidate id -> connections
}

type client struct {
	conn *websocket.Conn
	send chan event
}

func NewHub() *Hub {
	return &Hub{clients: map[string]map[*client]struct{}{}}
}

// ServeWS upgrades the request and registers the connection under the
// candidate id given in the "candidate" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	candidateID := r.URL.Query().Get("candidate")
	if candidateID == "" {
		http.Error(w, "candidate is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan event, 16)}
	h.register(candidateID, c)
	go h.writeLoop(candidateID, c)
	go h.readLoop(candidateID, c)
}

func (h *Hub) register(candidateID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[candidateID] == nil {
		h.clients[candidateID] = map[*client]struct{}{}
	}
	h.clients[candidateID][c] = struct{}{}
}

func (h *Hub) unregister(candidateID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[candidateID]; ok {
		if _, ok := conns[c]; ok {
			delete(conns, c)
			close(c.send)
			if len(conns) == 0 {
				delete(h.clients, candidateID)
			}
		}
	}
}

func (h *Hub) writeLoop(candidateID string, c *client) {
	defer c.conn.Close()
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			h.unregister(candidateID, c)
			return
		}
	}
}

// readLoop discards inbound frames; it exists to notice disconnects.
func (h *Hub) readLoop(candidateID string, c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.unregister(candidateID, c)
			return
		}
	}
}

// NotifyCandidates signals an open offer to each candidate's connections.
func (h *Hub) NotifyCandidates(offerID string, candidateIDs []string) {
	ev := event{Event: "offer-notification", Data: offerNotification{OfferID: offerID}}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range candidateIDs {
		for c := range h.clients[id] {
			select {
			case c.send <- ev:
			default: // slow client, drop the event
			}
		}
	}
}

// OfferAccepted broadcasts the acceptance to every connected client.
func (h *Hub) OfferAccepted(offerID, candidateID string) {
	ev := event{Event: "offer-accepted", Data: offerAccepted{OfferID: offerID, CandidateID: candidateID}}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for c := range conns {
			select {
			case c.send <- ev:
			default:
			}
		}
	}
}
