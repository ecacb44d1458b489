package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trendmill/trendmill/trends"
)

// WebSocket timeouts per Gorilla conventions.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// SignalsMessage is the frame pushed to websocket subscribers when a scrape
// cycle persists new signals.
type SignalsMessage struct {
	Type      string            `json:"type"`
	Signals   []trends.RawSignal `json:"signals"`
	Timestamp int64             `json:"timestamp"`
}

// signalClient is one websocket subscriber.
type signalClient struct {
	conn      *websocket.Conn
	send      chan SignalsMessage
	closeOnce sync.Once
}

func (c *signalClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// SignalHub fans newly persisted signals out to websocket subscribers.
// Slow clients are dropped rather than allowed to block a broadcast.
type SignalHub struct {
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*signalClient]struct{}
	closed  bool
}

// NewSignalHub builds a hub. allowedOrigins restricts websocket upgrades;
// empty means same-origin only is not enforced (all origins accepted).
func NewSignalHub(allowedOrigins []string, logger *zap.SugaredLogger) *SignalHub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	h := &SignalHub{
		logger:  logger,
		clients: make(map[*signalClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeHTTP upgrades the request and subscribes the client until it
// disconnects.
func (h *SignalHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &signalClient{
		conn: conn,
		send: make(chan SignalsMessage, 16),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debugw("Signal subscriber connected", "clients", count)

	go h.writePump(client)
	go h.readPump(client)
}

// Broadcast sends signals to every subscriber; full send buffers are skipped.
// Returns the number of clients that accepted the message.
func (h *SignalHub) Broadcast(signals []trends.RawSignal) int {
	if len(signals) == 0 {
		return 0
	}

	msg := SignalsMessage{
		Type:      "signals",
		Signals:   signals,
		Timestamp: time.Now().Unix(),
	}

	h.mu.RLock()
	clients := make([]*signalClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- msg:
			sent++
		default:
			// Channel full - skip
		}
	}
	return sent
}

// Subscribers returns the current subscriber count.
func (h *SignalHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *SignalHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*signalClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*signalClient]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (h *SignalHub) unregister(client *signalClient) {
	h.mu.Lock()
	_, registered := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if registered {
		client.close()
	}
}

// readPump drains the connection so pings/pongs and close frames are
// processed; subscribers never send payload messages.
func (h *SignalHub) readPump(client *signalClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
			) {
				h.logger.Debugw("Signal subscriber read error", "error", err)
			}
			return
		}
	}
}

func (h *SignalHub) writePump(client *signalClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(msg); err != nil {
				h.logger.Debugw("Signal write error", "error", err)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
