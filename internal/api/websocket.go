package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"crypto-backtest-engine/internal/auth"
	"crypto-backtest-engine/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Connection deadlines. Pings go out well inside the pong window so one
// dropped frame does not kill the connection.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// newUpgrader builds the WebSocket upgrader. Browser origins are held to
// the same allow-list CORS uses; requests without an Origin header
// (non-browser clients) pass, and outside production any origin does.
func newUpgrader(cfg Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range cfg.AllowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return !cfg.ProductionMode
		},
	}
}

// WSClient is a single connected subscriber.
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *WSHub
	runID     string // empty subscribes to every run
	closeChan chan struct{}
}

// wsMessage is a serialized event tagged with the run it belongs to, so
// the hub can filter per-run subscriptions without re-parsing the payload.
type wsMessage struct {
	payload []byte
	runID   string
}

// WSHub fans serialized events out to every connected subscriber.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewWSHub returns a hub ready for Run.
func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan wsMessage, 4096),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		stop:       make(chan struct{}),
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
}

// Run starts the WebSocket hub. It returns after Stop is called, closing
// every connected client on the way out.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				// A filtered client receives its run's events plus events
				// that carry no run id (global errors).
				if client.runID != "" && msg.runID != "" && client.runID != msg.runID {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					// Slow consumer. Route it through unregister so the
					// send channel is closed exactly once.
					go func(c *WSClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
}

// BroadcastEvent queues an event for delivery. It never blocks; when the
// buffer is full the event is dropped and logged.
func (h *WSHub) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}
	runID, _ := event.Data["run_id"].(string)

	select {
	case h.broadcast <- wsMessage{payload: data, runID: runID}:
	default:
		h.logger.Warn().Msg("broadcast channel full, dropping message")
	}
}

// GetClientCount reports how many clients are connected.
func (h *WSHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump drains the client's send channel onto the connection and keeps
// it alive with periodic pings. Exits when the hub closes the channel, a
// write fails, or readPump signals close.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump discards inbound frames. The stream is one-way, so reads exist
// only to service pongs and to notice when the peer goes away.
func (c *WSClient) readPump() {
	defer func() {
		// A stopped hub no longer drains unregister; it already closed us.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// handleWebSocket upgrades the connection and registers the client with the
// hub. An optional run_id query parameter narrows the stream to one run.
// The token travels as a query parameter because browsers cannot set
// headers on WebSocket upgrades.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.authEnabled {
		token := c.Query("token")
		if token == "" {
			errorResponse(c, http.StatusUnauthorized, "missing token")
			return
		}
		if _, err := s.jwtManager.ValidateAccessToken(token); err != nil {
			errorResponse(c, http.StatusUnauthorized, auth.ErrInvalidToken.Message)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		runID:     c.Query("run_id"),
		closeChan: make(chan struct{}),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	// Confirmation frame so clients can tell a live stream from a run
	// that simply has nothing to say yet.
	welcomeMsg := map[string]interface{}{
		"type":      "CONNECTED",
		"message":   "WebSocket connection established",
		"timestamp": time.Now(),
	}
	if client.runID != "" {
		welcomeMsg["run_id"] = client.runID
	}
	if data, err := json.Marshal(welcomeMsg); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}
