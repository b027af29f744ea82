package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petalacloud/roomsense/internal/occupancy"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds the per-client queue. A client that cannot
	// drain this many updates is dropped rather than allowed to stall
	// the broadcast loop.
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from other origins on the LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// updateHub fans room updates out to connected WebSocket clients.
type updateHub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{} // closed when run exits; unblocks late (un)registers
	logger     *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newUpdateHub(logger *slog.Logger) *updateHub {
	return &updateHub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// broadcastRoom queues a room update for all clients. Called from the
// engine's listener path, so it must never block.
func (h *updateHub) broadcastRoom(room occupancy.Room) {
	data, err := json.Marshal(map[string]any{
		"type": "room_updated",
		"room": room,
	})
	if err != nil {
		h.logger.Debug("failed to marshal room update", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("update broadcast queue full, dropping update", "room", room.RoomID)
	}
}

// run owns the client set. Single goroutine, no locks.
func (h *updateHub) run(ctx context.Context) {
	clients := make(map[*wsClient]struct{})
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range clients {
				close(c.send)
			}
			return
		case c := <-h.register:
			clients[c] = struct{}{}
			h.logger.Debug("websocket client connected", "clients", len(clients))
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
		case data := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- data:
				default:
					delete(clients, c)
					close(c.send)
					h.logger.Warn("dropping slow websocket client")
				}
			}
		}
	}
}

func (h *updateHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		// Hub already shut down; refuse the client instead of blocking.
		conn.Close()
		return
	}

	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop pushes queued updates and pings to one client.
func (h *updateHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; it exists to process pongs and to
// notice disconnects.
func (h *updateHub) readLoop(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
