package sinks

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Number of reports buffered per client before we start dropping them for that client
const HubSendBufferSize = 16

const hubWriteTimeout = 10 * time.Second

// Text frame sent to websocket clients
type hubMessage struct {
	Type   string         `json:"type"` // Only "detection" for now
	Report *models.Report `json:"report"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub keeps the latest report and pushes every new one to connected websocket clients.
// A slow client never blocks Render; its reports are dropped instead.
type Hub struct {
	log      logs.Log
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*hubClient]bool
	latest   *models.Report
	nSent    int64
	nDropped int64
	lastDrop time.Time
}

func NewHub(log logs.Log) *Hub {
	return &Hub{
		log:     log,
		clients: map[*hubClient]bool{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Latest returns the most recent report, or nil if no cycle has completed yet
func (h *Hub) Latest() *models.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

func (h *Hub) NumClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Render(ctx context.Context, report *models.Report) error {
	msg, err := json.Marshal(hubMessage{Type: "detection", Report: report})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = report
	now := time.Now()
	for c := range h.clients {
		select {
		case c.send <- msg:
			h.nSent++
		default:
			h.nDropped++
			if now.Sub(h.lastDrop) > 5*time.Second {
				h.log.Infof("Dropped %v/%v websocket reports", h.nDropped, h.nDropped+h.nSent)
				h.lastDrop = now
			}
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams reports until the client goes away.
// The latest report, if any, is sent immediately.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	c := &hubClient{
		conn: conn,
		send: make(chan []byte, HubSendBufferSize),
	}

	h.mu.Lock()
	if h.latest != nil {
		if msg, err := json.Marshal(hubMessage{Type: "detection", Report: h.latest}); err == nil {
			c.send <- msg
		}
	}
	h.clients[c] = true
	h.mu.Unlock()

	go h.writer(c)
	h.reader(c)

	h.mu.Lock()
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
}

// reader drains client messages, which we ignore, so that we notice when the client closes
func (h *Hub) reader(c *hubClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writer(c *hubClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debugf("Websocket write failed: %v", err)
			// Unblock reader, so that ServeHTTP unregisters us
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}
