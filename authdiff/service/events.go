package service

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-appsec/authdiff/authdiff/logger"
	"github.com/go-appsec/authdiff/authdiff/protocol"
	"github.com/go-appsec/authdiff/authdiff/service/store"
)

const (
	eventLedgerChanged = "ledger.changed"
	eventHello         = "hello"

	wsSendBuffer   = 256
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback only listener
	},
}

// eventMessage is one websocket frame.
type eventMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ledgerChangedPayload summarizes a snapshot without raw message bytes.
type ledgerChangedPayload struct {
	Records []protocol.RecordEntry `json:"records"`
	Total   int                    `json:"total"`
}

// EventHub broadcasts ledger changes to websocket observers. Slow clients drop messages
// instead of blocking the pipeline.
type EventHub struct {
	log *logger.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	last    []byte
}

var _ EventSink = (*EventHub)(nil)

type wsClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

// NewEventHub creates a hub with no clients.
func NewEventHub(log *logger.Logger) *EventHub {
	if log == nil {
		log = logger.Nop()
	}
	return &EventHub{
		log:     log.WithComponent("events"),
		clients: make(map[*wsClient]struct{}),
	}
}

// LedgerChanged encodes the snapshot once and queues it for every client.
func (h *EventHub) LedgerChanged(snapshot []store.Record) {
	data, err := json.Marshal(eventMessage{
		Type: eventLedgerChanged,
		Payload: ledgerChangedPayload{
			Records: recordEntries(snapshot, nil),
			Total:   len(snapshot),
		},
	})
	if err != nil {
		h.log.Errorw("failed to encode ledger event", "error", err)
		return
	}

	h.mu.Lock()
	h.last = data
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default: // client buffer full
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and streams events until the client leaves.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}

	hello, _ := json.Marshal(eventMessage{Type: eventHello, Payload: map[string]string{"service": "authdiff"}})
	c.send <- hello

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// Close disconnects all clients.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *EventHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump discards client messages and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugw("websocket closed", "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// LogSink logs a summary of every ledger change.
type LogSink struct {
	log *logger.Logger
}

var _ EventSink = LogSink{}

// NewLogSink creates a sink writing at debug level.
func NewLogSink(log *logger.Logger) LogSink {
	return LogSink{log: log.WithComponent("ledger")}
}

func (s LogSink) LedgerChanged(snapshot []store.Record) {
	counts := verdictCounts(snapshot)
	s.log.Debugw("ledger changed", "records", len(snapshot), "same", counts[protocol.VerdictSame],
		"similar", counts[protocol.VerdictSimilar], "different", counts[protocol.VerdictDifferent],
		"unknown", counts[protocol.VerdictUnknown])
}
