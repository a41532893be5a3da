package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/pkg/ws"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Per-subscriber send queue depth
	sendQueueSize = 256
)

// Client represents a single WebSocket subscriber connection.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // topics this client is subscribed to

	lossyMu     sync.Mutex
	lossyTopics map[string]bool

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendQueueSize),
		subscriptions: make(map[string]bool),
		lossyTopics:   make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue queues a pre-marshaled message for delivery. When the queue is
// full the oldest queued message is dropped to admit the new one and the
// topic is flagged lossy.
func (c *Client) enqueue(topic string, data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}

	c.lossyMu.Lock()
	c.lossyTopics[topic] = true
	c.lossyMu.Unlock()
}

// takeLossy returns and clears the set of topics that dropped messages.
func (c *Client) takeLossy() []string {
	c.lossyMu.Lock()
	defer c.lossyMu.Unlock()
	if len(c.lossyTopics) == 0 {
		return nil
	}
	topics := make([]string, 0, len(c.lossyTopics))
	for t := range c.lossyTopics {
		topics = append(topics, t)
	}
	c.lossyTopics = make(map[string]bool)
	return topics
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format")
			continue
		}
		c.handleMessage(&msg)
	}
}

// handleMessage processes an incoming message.
func (c *Client) handleMessage(msg *ws.Message) {
	switch msg.Action {
	case ws.ActionSubscribe:
		c.handleSubscribe(msg)
	case ws.ActionUnsubscribe:
		c.handleUnsubscribe(msg)
	default:
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Unknown action: "+msg.Action)
	}
}

func (c *Client) handleSubscribe(msg *ws.Message) {
	var req ws.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error())
		return
	}
	if req.Topic == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "topic is required")
		return
	}

	c.hub.Subscribe(c, req.Topic)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"topic":   req.Topic,
	})
	c.sendMessage(resp)
}

func (c *Client) handleUnsubscribe(msg *ws.Message) {
	var req ws.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error())
		return
	}
	if req.Topic == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "topic is required")
		return
	}

	c.hub.Unsubscribe(c, req.Topic)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"topic":   req.Topic,
	})
	c.sendMessage(resp)
}

// sendMessage queues a message to the client.
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// sendError queues an error message to the client.
func (c *Client) sendError(id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message, nil)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps queued messages to the WebSocket connection. Topics that
// dropped messages get a lossy notification ahead of the next delivery so
// the client knows to re-read the event log.
func (c *Client) WritePump() {
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

			for _, topic := range c.takeLossy() {
				if lossy, err := ws.NewNotification(ws.ActionLossy, ws.LossyPayload{Topic: topic}); err == nil {
					if data, err := json.Marshal(lossy); err == nil {
						if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
							return
						}
					}
				}
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
