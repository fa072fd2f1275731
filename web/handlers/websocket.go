package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/veritwin/veritwin/internal/storage"
	"github.com/veritwin/veritwin/pkg/types"
)

// EscalationEvent is the wire form of one escalation lifecycle event pushed
// over the owner feed.
type EscalationEvent struct {
	Type       string             `json:"type"` // "escalation.created" or "escalation.resolved"
	Escalation EscalationResponse `json:"escalation"`
}

// WebSocketHub manages owner dashboard connections and fans escalation
// events out to them. Each client is pinned to the tenant that opened the
// connection; events are only delivered to clients of the owning tenant.
type WebSocketHub struct {
	clients    map[clientInterface]bool
	broadcast  chan tenantMessage
	register   chan clientInterface
	unregister chan clientInterface
	origins    []string
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

type tenantMessage struct {
	tenantID string
	payload  interface{}
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	getSendChannel() chan []byte
	getTenantID() string
	close()
}

// Client represents a WebSocket connection.
type Client struct {
	hub      *WebSocketHub
	conn     *websocket.Conn
	tenantID string
	send     chan []byte
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) getTenantID() string {
	return c.tenantID
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// NewWebSocketHub creates a new hub. origins lists the Origin values
// accepted on upgrade; empty means same-origin only.
func NewWebSocketHub(origins []string) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:    make(map[clientInterface]bool),
		broadcast:  make(chan tenantMessage, 256),
		register:   make(chan clientInterface),
		unregister: make(chan clientInterface),
		origins:    origins,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's message processing loop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket client connected (total: %d)", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", count)

		case message := <-h.broadcast:
			// Full Lock because the default branch may delete from the map.
			h.mu.Lock()
			data, err := json.Marshal(message.payload)
			if err != nil {
				log.Printf("ERROR: Failed to marshal WebSocket message: %v", err)
				h.mu.Unlock()
				continue
			}

			for client := range h.clients {
				if client.getTenantID() != message.tenantID {
					continue
				}
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					// Client's send channel is full, disconnect them
					close(sendChan)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			log.Println("WebSocket hub stopping...")
			return
		}
	}
}

// Stop gracefully shuts down the hub.
func (h *WebSocketHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
}

// Broadcast delivers a message to all connected clients of one tenant.
func (h *WebSocketHub) Broadcast(tenantID string, message interface{}) {
	select {
	case h.broadcast <- tenantMessage{tenantID: tenantID, payload: message}:
	default:
		log.Println("WARNING: WebSocket broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client clientInterface) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client clientInterface) {
	h.unregister <- client
}

// ServeHTTP handles WebSocket upgrade requests. The tenant header must be
// present; it pins the connection's event scope.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		http.Error(w, "missing tenant identity", http.StatusUnauthorized)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" && len(h.origins) > 0 {
		allowed := false
		for _, o := range h.origins {
			if origin == o {
				allowed = true
				break
			}
		}
		if !allowed {
			http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.origins),
	})
	if err != nil {
		log.Printf("ERROR: WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		tenantID: tenantID,
		send:     make(chan []byte, 256),
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// originPatterns strips the scheme so configured origins match the
// host-pattern form websocket.AcceptOptions expects.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		for _, prefix := range []string{"http://", "https://"} {
			if len(o) > len(prefix) && o[:len(prefix)] == prefix {
				o = o[len(prefix):]
				break
			}
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// writePump sends messages to the WebSocket connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()

		if err != nil {
			log.Printf("ERROR: WebSocket write failed: %v", err)
			return
		}
	}
}

// readPump reads messages from the WebSocket connection.
// Currently just drains messages to detect disconnections.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, _, err := c.conn.Read(context.Background())
		if err != nil {
			// Connection closed
			return
		}
	}
}

// MockClient is a mock client for testing.
type MockClient struct {
	SendChan chan []byte
	TenantID string
}

func (m *MockClient) getSendChannel() chan []byte {
	return m.SendChan
}

func (m *MockClient) getTenantID() string {
	return m.TenantID
}

func (m *MockClient) close() {
	// No-op for mock client
}

// EscalationFeed bridges escalation lifecycle events onto the hub. It
// resolves the owning tenant from the twin registry so events only reach
// that tenant's dashboard connections.
type EscalationFeed struct {
	hub   *WebSocketHub
	store storage.Store
}

// NewEscalationFeed wires the feed.
func NewEscalationFeed(hub *WebSocketHub, store storage.Store) *EscalationFeed {
	return &EscalationFeed{hub: hub, store: store}
}

// EscalationCreated implements escalation.Notifier.
func (f *EscalationFeed) EscalationCreated(esc *types.Escalation) {
	f.push("escalation.created", esc)
}

// EscalationResolved implements escalation.Notifier.
func (f *EscalationFeed) EscalationResolved(esc *types.Escalation) {
	f.push("escalation.resolved", esc)
}

func (f *EscalationFeed) push(eventType string, esc *types.Escalation) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	twin, err := f.store.GetTwin(ctx, esc.TwinID)
	if err != nil {
		log.Printf("WARNING: dropping %s event, twin lookup failed: %v", eventType, err)
		return
	}
	f.hub.Broadcast(twin.TenantID, EscalationEvent{
		Type:       eventType,
		Escalation: escalationResponse(esc),
	})
}
