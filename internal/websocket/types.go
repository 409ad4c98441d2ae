package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/raaihank/anonymizer/internal/session"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeSessionStatus is a session lifecycle transition
	EventTypeSessionStatus = EventType(session.EventStatus)
	// EventTypeSessionBatch is a completed batch cycle
	EventTypeSessionBatch = EventType(session.EventBatch)
	// EventTypeSessionError is a failed batch cycle
	EventTypeSessionError = EventType(session.EventError)
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// fromSession converts a session event for the wire
func fromSession(e session.Event) Event {
	return Event{
		Type:      EventType(e.Type),
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	}
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalSessions    int    `json:"total_sessions"`
	ActiveSessions   int    `json:"active_sessions"`
	Techniques       int    `json:"techniques"`
	ConnectedClients int    `json:"connected_clients"`
	MemoryUsage      string `json:"memory_usage"`
	CPUUsage         string `json:"cpu_usage,omitempty"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest narrows the events a client receives. An empty
// Events list means every event type.
type SubscriptionRequest struct {
	Events     []EventType `json:"events"`
	SessionIDs []string    `json:"session_ids,omitempty"`
}

func (s *SubscriptionRequest) matches(event Event) bool {
	if s == nil {
		return true
	}
	if len(s.Events) > 0 && !lo.Contains(s.Events, event.Type) {
		return false
	}
	if len(s.SessionIDs) > 0 && event.SessionID != "" && !lo.Contains(s.SessionIDs, event.SessionID) {
		return false
	}
	return true
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription *SubscriptionRequest
	lastPing     time.Time
}

func (c *Client) setSubscription(s *SubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = s
}

func (c *Client) wants(event Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscription.matches(event)
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}
