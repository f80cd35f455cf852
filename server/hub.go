package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/telemetry"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins — the bearer middleware already gates the socket.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub pushes the identifier of every newly relayed utterance to all
// connected WebSocket clients as a text frame. Slow clients are dropped
// rather than blocking the broadcast.
//
// Broadcast is called from concurrent request handlers, so a client's
// send channel is never closed: dropping a client closes its done
// channel instead, and the write pump exits on that signal. A send
// racing a drop then lands in the buffer of a defunct client and is
// discarded with it.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

// wsClient represents one connected WebSocket client.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

// stop signals the client's write pump to send a close frame and exit.
// Safe to call from any goroutine, any number of times.
func (c *wsClient) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// NewHub creates an empty notification hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection to WebSocket and serves the client
// until it disconnects or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	defer h.unregister(c)

	h.logger.Debug("notify client connected", "remote_addr", r.RemoteAddr)

	go c.writePump()
	c.readPump() // blocks until the connection closes
}

// Broadcast pushes an artifact identifier to every connected client.
// Safe to call concurrently with other broadcasts, disconnects, and
// Close.
func (h *Hub) Broadcast(ctx context.Context, id voicerelay.ArtifactID) {
	data := []byte(id.String())

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		select {
		case <-c.done:
			// Already dropped by a concurrent broadcast or shutdown.
		case c.send <- data:
			delivered++
		default:
			// Client's outgoing buffer is full — disconnect it.
			h.unregister(c)
			h.logger.Warn("dropping slow notify client")
		}
	}

	if delivered > 0 {
		telemetry.RecordNotifications(ctx, delivered)
		h.logger.Debug("utterance notified", "id", id, "clients", delivered)
	}
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.stop()
		delete(h.clients, c)
	}
	telemetry.SetWebsocketClients(context.Background(), 0)
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	telemetry.SetWebsocketClients(context.Background(), len(h.clients))
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.stop()
	telemetry.SetWebsocketClients(context.Background(), n)
}

// writePump drains the client's send channel and forwards identifiers to
// the WebSocket connection, interleaved with periodic ping frames. Runs
// in its own goroutine per client and exits when the client is stopped.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Hub shutdown or client dropped.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages
// (pong, close) and detect disconnects. Blocks until the connection
// closes.
func (c *wsClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
