package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultReadLimit   = 64 * 1024
	pingInterval       = 40 * time.Second
	readTimeout        = 60 * time.Second
	writeTimeout       = 10 * time.Second
	upgradeReadBuffer  = 1024
	upgradeWriteBuffer = 1024
)

// HubOptions configures a Hub instance.
type HubOptions struct {
	ICEServers []ICEServer
	ICEMode    string
	Presence   PresenceStore
	Logger     *log.Logger
	Upgrader   *websocket.Upgrader
	OnEmpty    func()
}

// ConnOptions controls how a connection is registered.
type ConnOptions struct {
	// ID overrides the generated connection ID (useful for authenticated callers).
	ID string
	// Context lets the caller cancel the connection (defaults to Background).
	Context context.Context
}

// Hub owns the WebSocket side of signaling: it accepts connections,
// assigns identities, decodes inbound frames, and hands the routing
// decisions to a Router. It is also the Router's Sender.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	router     *Router
	iceServers []ICEServer
	iceMode    string
	upgrader   websocket.Upgrader
	logger     *log.Logger
	onEmpty    func()
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds a signaling Hub over the provided registry.
func NewHub(registry *Registry, opts HubOptions) *Hub {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  upgradeReadBuffer,
		WriteBufferSize: upgradeWriteBuffer,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if opts.Upgrader != nil {
		upgrader = *opts.Upgrader
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	h := &Hub{
		clients:    make(map[string]*client),
		iceServers: opts.ICEServers,
		iceMode:    opts.ICEMode,
		upgrader:   upgrader,
		logger:     logger,
		onEmpty:    opts.OnEmpty,
	}
	h.router = NewRouter(registry, h, RouterOptions{
		Presence: opts.Presence,
		Logger:   logger,
	})
	return h
}

// HTTPHandler upgrades HTTP connections and registers them with the Hub.
func (h *Hub) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Printf("upgrade error: %v", err)
			return
		}
		// Use a background context so the connection isn't canceled when the HTTP handler returns.
		if err := h.Accept(conn, ConnOptions{}); err != nil {
			h.logger.Printf("accept error: %v", err)
			conn.Close()
		}
	})
}

// Accept registers an already-upgraded WebSocket connection (useful when auth/guards are handled elsewhere).
func (h *Hub) Accept(conn *websocket.Conn, opts ConnOptions) error {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 32),
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(c)

	go c.writePump()
	go c.readPump(h)
	return nil
}

// Send implements Sender. Delivery is non-blocking: a client whose
// buffer is full loses the message rather than stalling the sender.
// The lock is held across the channel send; a departing client's send
// channel is closed only after it has left the clients map, so a
// captured client is always safe to send to.
func (h *Hub) Send(connID string, msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("marshal outbound for %s: %v", connID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	cl := h.clients[connID]
	if cl == nil {
		h.logger.Printf("ws: send to unknown connection %s dropped", connID)
		return
	}

	select {
	case cl.send <- data:
	default:
		h.logger.Printf("client send buffer full for %s, dropping message", connID)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.router.Connect(c.id)
	h.logger.Printf("ws: registered %s", c.id)

	c.sendJSON(OutboundMessage{
		Type:       TypeWelcome,
		ID:         c.id,
		ICEServers: h.iceServers,
		ICEMode:    h.iceMode,
	})
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	remaining := len(h.clients)
	h.mu.Unlock()

	h.router.Disconnect(c.id)
	h.logger.Printf("ws: unregistered %s (clients=%d)", c.id, remaining)

	if remaining == 0 && h.onEmpty != nil {
		h.onEmpty()
	}
}

func (h *Hub) handleInbound(c *client, msg InboundMessage) {
	h.logger.Printf("ws: inbound type=%s from=%s room=%s to=%s", msg.Type, c.id, msg.Room, msg.To)
	switch msg.Type {
	case "join":
		h.router.HandleJoin(c.id, msg.Room)
	case "signal":
		h.router.HandleSignal(c.id, msg)
	default:
		h.logger.Printf("unknown message type from %s: %s", c.id, msg.Type)
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		close(c.send)
		c.cancel()
	}()

	c.conn.SetReadLimit(defaultReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return
			}
			if !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Printf("read error from %s: %v", c.id, err)
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Printf("bad payload from %s: %v", c.id, err)
			continue
		}
		h.handleInbound(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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

func (c *client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
