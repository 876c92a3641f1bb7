// Package websocket bridges caller websocket connections to the
// orchestrator. Each connection owns exactly one conversation.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/internal/orchestrator"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	sendBuffer = 256

	controlTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Conversations is the part of the orchestrator the hub drives
type Conversations interface {
	StartConversation(ctx context.Context, userID string, opts orchestrator.SessionOptions) (string, error)
	SendAudioChunk(ctx context.Context, sessionID string, pcm []byte) error
	EndConversation(ctx context.Context, sessionID string) error
	InterruptConversation(ctx context.Context, sessionID string) error
}

// Hub maintains the set of connected callers keyed by session ID
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex

	conversations Conversations
	logger        *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(conversations Conversations, logger *zap.Logger) *Hub {
	return &Hub{
		clients:       make(map[string]*Client),
		conversations: conversations,
		logger:        logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.sessionID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Client registered",
		zap.String("sessionID", c.sessionID),
		zap.String("userID", c.userID),
		zap.Int("clients", n))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.sessionID]; ok && cur == c {
		delete(h.clients, c.sessionID)
	}
	h.mu.Unlock()
	c.closeSend()
	h.logger.Info("Client unregistered", zap.String("sessionID", c.sessionID))
}

// Clients is the number of connected callers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is a middleman between the websocket connection and the
// orchestrator.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	userID    string
	sessionID string
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

// HandleWebSocket starts a conversation for userID and upgrades the
// request. Query parameters language and sample_rate override the audio
// defaults.
func HandleWebSocket(hub *Hub, c echo.Context, userID string) error {
	client := &Client{
		hub:    hub,
		send:   make(chan WriteData, sendBuffer),
		userID: userID,
		logger: hub.logger.With(zap.String("userID", userID)),
	}

	opts := orchestrator.SessionOptions{
		Observers: []orchestrator.Observer{client.observe},
		Language:  c.QueryParam("language"),
	}
	if v := c.QueryParam("sample_rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "invalid_sample_rate",
				"message": "sample_rate must be a positive integer",
			})
		}
		opts.SampleRate = rate
	}

	// events produced before the upgrade wait in the send buffer
	sessionID, err := hub.conversations.StartConversation(c.Request().Context(), userID, opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, orchestrator.ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		hub.logger.Warn("Conversation start rejected", zap.String("userID", userID), zap.Error(err))
		return c.JSON(status, map[string]string{
			"error":   domain.ErrorCode(err),
			"message": err.Error(),
		})
	}
	client.mu.Lock()
	client.sessionID = sessionID
	client.logger = client.logger.With(zap.String("sessionID", sessionID))
	client.mu.Unlock()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		client.logger.Error("WebSocket upgrade failed", zap.Error(err))
		client.closeSend()
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		_ = hub.conversations.EndConversation(ctx, sessionID)
		return nil
	}
	client.conn = conn

	hub.register(client)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// observe forwards session events to the caller. It runs on the session
// task, so it only ever enqueues.
func (c *Client) observe(ev domain.Event) {
	frames, err := EncodeEvent(ev)
	if err != nil {
		c.hub.logger.Error("Failed to encode event",
			zap.String("sessionID", ev.SessionID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return
	}
	for _, f := range frames {
		c.enqueue(f)
	}
	if ev.Type == domain.EventSessionEnded {
		c.enqueue(WriteData{
			Type:    websocket.CloseMessage,
			Payload: websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.Reason)),
		})
	}
}

// enqueue never blocks. A caller that stops reading loses frames rather
// than stalling its session.
func (c *Client) enqueue(msg WriteData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.dropped++
		if c.dropped == 1 || c.dropped%100 == 0 {
			c.logger.Warn("Client send buffer full, dropping frames", zap.Int("dropped", c.dropped))
		}
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps messages from the websocket connection to the orchestrator.
func (c *Client) readPump() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()
		if err := c.hub.conversations.EndConversation(ctx, c.sessionID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			c.logger.Warn("Failed to end conversation on disconnect", zap.Error(err))
		}
		// closing send lets writePump flush what is queued, then close the socket
		c.hub.unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if !c.processMessage(message) {
				return
			}
		case websocket.BinaryMessage:
			if !c.processBinaryAudioChunk(message) {
				return
			}
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}
			if message.Type == websocket.CloseMessage {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage handles a control message. It reports false once the
// connection should close.
func (c *Client) processMessage(message []byte) bool {
	msg, err := ParseControlMessage(message)
	if err != nil {
		c.logger.Warn("Invalid control message", zap.Error(err))
		c.enqueue(CreateErrorMessage(c.sessionID, "invalid_message", err.Error()))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()

	switch msg.Type {
	case domain.ControlPing:
		c.enqueue(CreatePongMessage(c.sessionID))
	case domain.ControlInterrupt:
		if err := c.hub.conversations.InterruptConversation(ctx, c.sessionID); err != nil {
			return c.reportError(err)
		}
	case domain.ControlEnd:
		// sessionEnded closes the socket from the write side
		if err := c.hub.conversations.EndConversation(ctx, c.sessionID); err != nil {
			return c.reportError(err)
		}
	}
	return true
}

// processBinaryAudioChunk hands caller PCM to the orchestrator
func (c *Client) processBinaryAudioChunk(data []byte) bool {
	if err := c.hub.conversations.SendAudioChunk(context.Background(), c.sessionID, data); err != nil {
		return c.reportError(err)
	}
	return true
}

func (c *Client) reportError(err error) bool {
	code := domain.ErrorCode(err)
	c.enqueue(CreateErrorMessage(c.sessionID, code, err.Error()))
	if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrSessionEnded) {
		return false
	}
	c.logger.Warn("Conversation request failed", zap.String("code", code), zap.Error(err))
	return true
}
