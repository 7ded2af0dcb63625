// Package push fans status changes out to connected websocket observers.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phillus33/notification-status-worker/internal/config"
	"github.com/phillus33/notification-status-worker/internal/notification"
	"github.com/sirupsen/logrus"
)

const (
	// EventName is the envelope name every status change is sent under.
	EventName = "new_notification"
	// EventType identifies the payload inside the envelope.
	EventType = "status_update"

	sendBuffer = 16
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Event is the payload pushed to observers.
type Event struct {
	Type      string               `json:"type"`
	MessageID string               `json:"mensagemId"`
	Status    notification.Outcome `json:"status"`
	Timestamp string               `json:"timestamp"`
}

type envelope struct {
	Event string `json:"event"`
	Data  Event  `json:"data"`
}

// NewEvent builds the status_update event for report.
func NewEvent(report notification.StatusReport) Event {
	return Event{
		Type:      EventType,
		MessageID: report.MessageID,
		Status:    report.Outcome,
		Timestamp: notification.FormatTimestamp(report.ReportedAt),
	}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks live observers. Delivery is best-effort: an observer whose
// buffer is full misses the event.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.WithField("module", "push"),
		clients: make(map[string]*client),
	}
}

// ServeWS upgrades the request and registers the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		config.LogError(h.logger, "push", "ServeWS", "upgrade", r.RemoteAddr, err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{"clientId": c.id, "clients": total}).Info("client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	if ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.WithFields(logrus.Fields{"clientId": c.id, "clients": total}).Info("client disconnected")
	}
}

// readPump discards inbound frames and returns once the peer goes away.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Broadcast queues ev for every connected observer and returns how many
// accepted it. With no observers it does nothing.
func (h *Hub) Broadcast(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return 0
	}

	data, err := json.Marshal(envelope{Event: EventName, Data: ev})
	if err != nil {
		config.LogError(h.logger, "push", "Broadcast", "marshal event", ev, err)
		return 0
	}

	delivered := 0
	for id, c := range h.clients {
		select {
		case c.send <- data:
			delivered++
		default:
			h.logger.WithField("clientId", id).Warn("client buffer full, dropping event")
		}
	}
	return delivered
}

// Notify pushes report to every observer. It never blocks the caller.
func (h *Hub) Notify(_ context.Context, report notification.StatusReport) {
	n := h.Broadcast(NewEvent(report))
	h.logger.WithFields(logrus.Fields{
		"messageId": report.MessageID,
		"status":    report.Outcome,
		"observers": n,
	}).Debug("status pushed")
}

// Clients reports the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
