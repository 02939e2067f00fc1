// Package realtime streams audit activity to connected clients over
// WebSocket.
//
// A connection is scoped to the authenticated account: clients receive
// call events for their own account as the audit log records them, and
// can narrow the feed further by sending a Subscription JSON over the
// socket. Send queues are bounded; a client that stops reading is
// dropped rather than allowed to stall the fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/saturn/internal/audit"
	"github.com/mbd888/saturn/internal/auth"
	"github.com/mbd888/saturn/internal/httpapi"
	"github.com/mbd888/saturn/internal/metrics"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	writeWait   = 10 * time.Second // per-message write deadline
	pongWait    = 60 * time.Second // read deadline, refreshed on pong
	pingPeriod  = 30 * time.Second // must be shorter than pongWait
	readLimit   = 64 << 10
	sendBacklog = 256
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agents and CLI clients send no Origin; browsers must match
		// the serving host.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// EventType for feed events
type EventType string

// EventCall is one completed proxy-call attempt, carrying the audit
// entry as data.
const EventCall EventType = "call"

// Event is the wire envelope for feed events.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription narrows a client's feed within its own account. Empty
// fields match everything.
type Subscription struct {
	AgentIDs []string `json:"agentIds"`
	Services []string `json:"services"`
}

// Client represents a WebSocket connection
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	accountID string
	mu        sync.RWMutex
	sub       Subscription
}

// envelope pairs an event with the account whose clients may see it.
type envelope struct {
	accountID string
	event     *Event
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *envelope, sendBacklog),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

var _ audit.Notifier = (*Hub)(nil)

// AuditLogged implements audit.Notifier. Each persisted entry becomes
// one call event on the owning account's feed. Never blocks.
func (h *Hub) AuditLogged(e *audit.Entry) {
	h.Broadcast(e.AccountID, &Event{
		Type:      EventCall,
		Timestamp: e.CreatedAt,
		Data:      e,
	})
}

// Broadcast queues an event for the account's connected clients. The
// event is dropped when the queue is full.
func (h *Hub) Broadcast(accountID string, event *Event) {
	select {
	case h.broadcast <- &envelope{accountID: accountID, event: event}:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			n := h.add(client)
			h.logger.Info("feed client connected", "account_id", client.accountID, "total", n)

		case client := <-h.unregister:
			n := h.remove(client)
			h.logger.Info("feed client disconnected", "total", n)

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

// add tracks a new client and returns the live connection count. Peak
// bookkeeping is safe outside the lock: only the Run goroutine adds.
func (h *Hub) add(client *Client) int {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	return n
}

// remove drops the client if still tracked and returns the live count.
func (h *Hub) remove(client *Client) int {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	return n
}

// closeAll disconnects everyone; writePump turns the closed send channel
// into a CloseMessage.
func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
	}
	clear(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(0)
}

// deliver fans the event out to subscribed clients. A client whose send
// queue is full gets dropped rather than allowed to stall the loop.
func (h *Hub) deliver(env *envelope) {
	h.totalEvents.Add(1)
	payload := serialize(env.event)

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !h.shouldSend(client, env.accountID, env.event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.remove(client)
		h.logger.Warn("dropped slow feed client", "account_id", client.accountID)
	}
}

// shouldSend checks account ownership first, then the client's own
// subscription filters.
func (h *Hub) shouldSend(client *Client, accountID string, event *Event) bool {
	if client.accountID != accountID {
		return false
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	entry, ok := event.Data.(*audit.Entry)
	if !ok {
		return true
	}

	if len(sub.AgentIDs) > 0 && !slices.Contains(sub.AgentIDs, entry.AgentID) {
		return false
	}
	if len(sub.Services) > 0 && !slices.Contains(sub.Services, entry.ServiceSlug) {
		return false
	}
	return true
}

func serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterRoutes mounts the feed. The group must already require
// authentication; the connection is scoped to the caller's account.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.handleWS)
}

func (h *Hub) handleWS(c *gin.Context) {
	ident, ok := auth.GetIdentity(c)
	if !ok {
		httpapi.Error(c, http.StatusUnauthorized, httpapi.CodeUnauthorized, "Authentication required")
		return
	}
	h.serve(c.Writer, c.Request, ident.Account.ID)
}

// serve upgrades HTTP to WebSocket and registers the client.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, accountID string) {
	if reason := h.refuse(); reason != "" {
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBacklog),
		accountID: accountID,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// refuse reports why a new connection cannot be accepted, or "" to
// accept. A stopped hub would orphan the connection; a full hub
// protects the fan-out loop.
func (h *Hub) refuse() string {
	select {
	case <-h.done:
		return "server shutting down"
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		return "too many connections"
	}
	return ""
}

// readPump consumes the connection: pongs refresh the read deadline,
// text frames replace the client's subscription filters.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.applySubscription(message)
	}
}

// applySubscription swaps in new filters. Malformed frames are ignored.
func (c *Client) applySubscription(message []byte) {
	var sub Subscription
	if err := json.Unmarshal(message, &sub); err != nil {
		return
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
