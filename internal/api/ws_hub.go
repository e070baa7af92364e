package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mezopay/credit-engine/internal/metrics"
	"github.com/mezopay/credit-engine/internal/model"
)

// Message types pushed to WebSocket clients.
const (
	MessageLedgerEntry  = "ledger_entry"
	MessageActionUpdate = "action_update"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type    string               `json:"type"`
	Address string               `json:"address"`
	Entry   *model.LedgerEntry   `json:"entry,omitempty"`
	Action  *model.PendingAction `json:"action,omitempty"`
}

// client is one connection and the address it follows, if any.
type client struct {
	conn    *websocket.Conn
	address string
}

// WSHub fans ledger and action updates out to connected clients. A client
// connecting with ?address= only receives updates for that address.
type WSHub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan WSMessage
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a hub. Start it with Run.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// connection.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total, "address", c.address)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				slog.Error("ws encode failed", "type", msg.Type, "err", err)
				continue
			}
			h.mu.Lock()
			for conn, c := range h.clients {
				if c.address != "" && c.address != msg.Address {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for delivery. Messages are dropped when the queue is
// full so producers never block.
func (h *WSHub) Broadcast(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		slog.Warn("ws broadcast dropped", "type", msg.Type, "address", msg.Address)
	}
}

// PublishEntry broadcasts a newly accepted ledger entry.
func (h *WSHub) PublishEntry(address string, e model.LedgerEntry) {
	h.Broadcast(WSMessage{Type: MessageLedgerEntry, Address: address, Entry: &e})
}

// PublishAction broadcasts a pending action phase change.
func (h *WSHub) PublishAction(address string, pa model.PendingAction) {
	h.Broadcast(WSMessage{Type: MessageActionUpdate, Address: address, Action: &pa})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the router before the upgrade.
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	address := normalizeAddress(r.URL.Query().Get("address"))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &client{conn: conn, address: address}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
