package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/praxis/praxis-identity/internal/bus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// The feed is server to client; inbound frames are control traffic only.
	maxMessageSize = 4096
)

// eventMessage is the frame sent to feed clients.
type eventMessage struct {
	Type      bus.EventType          `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// client is one websocket subscriber.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string
	// types filters delivered events; empty means all.
	types map[bus.EventType]bool
}

func (c *client) wants(t bus.EventType) bool {
	return len(c.types) == 0 || c.types[t]
}

// EventGateway streams bus events to websocket clients on GET /events.
type EventGateway struct {
	upgrader    websocket.Upgrader
	logger      *logrus.Logger
	unsubscribe func()

	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool
}

// NewEventGateway subscribes to every bus event. allowOrigin decides which
// browser origins may connect; nil accepts any.
func NewEventGateway(eventBus *bus.EventBus, allowOrigin func(origin string) bool, logger *logrus.Logger) *EventGateway {
	gw := &EventGateway{
		logger:  logger,
		clients: make(map[*client]bool),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowOrigin == nil {
				return true
			}
			return allowOrigin(origin)
		},
	}
	gw.unsubscribe = eventBus.SubscribeAll(gw.handleEvent)
	return gw
}

// ServeHTTP upgrades the connection and registers the client. The optional
// "types" query parameter is a comma separated event type filter.
func (gw *EventGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:     conn,
		send:     make(chan []byte, 256),
		clientID: fmt.Sprintf("client-%d", time.Now().UnixNano()),
		types:    parseTypes(r.URL.Query().Get("types")),
	}

	gw.mu.Lock()
	if gw.closed {
		gw.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	gw.clients[c] = true
	gw.mu.Unlock()
	gw.logger.Debugf("Event feed client connected: %s", c.clientID)

	go gw.writePump(c)
	go gw.readPump(c)
}

func parseTypes(raw string) map[bus.EventType]bool {
	if raw == "" {
		return nil
	}
	out := map[bus.EventType]bool{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[bus.EventType(t)] = true
		}
	}
	return out
}

// ClientCount reports connected clients.
func (gw *EventGateway) ClientCount() int {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return len(gw.clients)
}

func (gw *EventGateway) unregister(c *client) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if _, ok := gw.clients[c]; ok {
		delete(gw.clients, c)
		close(c.send)
	}
}

// readPump drains control frames and notices disconnects.
func (gw *EventGateway) readPump(c *client) {
	defer func() {
		gw.unregister(c)
		_ = c.conn.Close()
		gw.logger.Debugf("Event feed client disconnected: %s", c.clientID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				gw.logger.Warnf("Event feed client error: %v", err)
			}
			return
		}
	}
}

func (gw *EventGateway) writePump(c *client) {
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
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (gw *EventGateway) handleEvent(event bus.Event) {
	data, err := json.Marshal(eventMessage{Type: event.Type, Payload: event.Payload, Timestamp: event.Timestamp})
	if err != nil {
		gw.logger.Errorf("Failed to marshal event: %v", err)
		return
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	for c := range gw.clients {
		if !c.wants(event.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Drop slow consumers.
			delete(gw.clients, c)
			close(c.send)
		}
	}
}

// Close disconnects every client and refuses new ones.
func (gw *EventGateway) Close() {
	gw.unsubscribe()
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.closed = true
	for c := range gw.clients {
		delete(gw.clients, c)
		close(c.send)
	}
}
