// Package realtime streams safety events to the ops console over WebSocket.
//
// Instead of polling incident lists, operators subscribe to a live feed of
// incidents, escalation outcomes, account locks, and risk flags, optionally
// filtered by user or minimum severity.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kindlingapp/kindling/internal/metrics"
	"github.com/kindlingapp/kindling/internal/risk"
	"github.com/kindlingapp/kindling/internal/safety"
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
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for ops feed events.
type EventType string

const (
	EventIncidentCreated     EventType = "incident.created"
	EventEscalationCompleted EventType = "escalation.completed"
	EventLockAcquired        EventType = "lock.acquired"
	EventRiskFlagged         EventType = "risk.flagged"
)

// Event is one ops feed entry.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription filters for a client.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	UserIDs    []string    `json:"userIds"`  // Watch specific users
	MinLevel   string      `json:"minLevel"` // Drop events below this severity
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub manages all WebSocket connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
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

// NewHub creates a new ops feed hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ops feed hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ops feed hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("ops feed hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("ops client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("ops client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- h.serialize(event):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event matches client's subscription.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 {
		matched := false
		for _, t := range sub.EventTypes {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.UserIDs) > 0 {
		userID, _ := event.Data["userId"].(string)
		if userID != "" {
			matched := false
			for _, id := range sub.UserIDs {
				if id == userID {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	if sub.MinLevel != "" {
		floor, err := safety.ParseLevel(sub.MinLevel)
		if err == nil {
			if lvl, ok := event.Data["level"].(string); ok {
				parsed, perr := safety.ParseLevel(lvl)
				if perr == nil && parsed < floor {
					return false
				}
			}
		}
	}

	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// IncidentCreated implements safety.EventSink.
func (h *Hub) IncidentCreated(inc *safety.Incident) {
	h.Broadcast(&Event{
		Type:      EventIncidentCreated,
		Timestamp: time.Now(),
		Data: map[string]any{
			"incidentId": inc.ID,
			"userId":     inc.UserID,
			"type":       string(inc.Type),
			"level":      inc.Level.String(),
			"silent":     inc.Silent,
		},
	})
}

// EscalationCompleted implements safety.EventSink.
func (h *Hub) EscalationCompleted(inc *safety.Incident, result *safety.EscalationResult) {
	h.Broadcast(&Event{
		Type:      EventEscalationCompleted,
		Timestamp: time.Now(),
		Data: map[string]any{
			"incidentId":               inc.ID,
			"userId":                   inc.UserID,
			"level":                    result.Level.String(),
			"fallbackUsed":             result.FallbackUsed,
			"trustedContactsAlerted":   result.TrustedContactsAlerted,
			"emergencyContactsAlerted": result.EmergencyContactsAlerted,
			"accountLocked":            result.AccountLocked,
		},
	})
}

// LockAcquired implements safety.EventSink.
func (h *Hub) LockAcquired(lock *safety.AccountLock) {
	h.Broadcast(&Event{
		Type:      EventLockAcquired,
		Timestamp: time.Now(),
		Data: map[string]any{
			"lockId": lock.ID,
			"userId": lock.UserID,
			"reason": lock.Reason,
		},
	})
}

// RiskFlagged implements risk.EventSink.
func (h *Hub) RiskFlagged(a *risk.Assessment) {
	h.Broadcast(&Event{
		Type:      EventRiskFlagged,
		Timestamp: time.Now(),
		Data: map[string]any{
			"assessmentId": a.ID,
			"userId":       a.UserID,
			"score":        a.Score,
			"level":        string(a.Level),
			"autoSuspend":  a.AutoSuspend,
		},
	})
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true}, // Default: all events
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscription updates, pings).
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
