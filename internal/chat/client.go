package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"chat-core/internal/presence"
	"chat-core/internal/ratelimit"
	"chat-core/internal/typing"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.

	sendAction = "send_message"
)

// Client drives one websocket session: it pumps inbound frames through the
// coordinator and outbound payloads from the registry queue to the socket.
type Client struct {
	conn *websocket.Conn
	reg  *Connection

	registry    *Registry
	coordinator *Coordinator
	presence    *presence.Store
	typing      *typing.Tracker
	limiter     *ratelimit.Limiter

	sendLimit  int
	sendWindow time.Duration

	log *slog.Logger
}

func NewClient(
	conn *websocket.Conn,
	reg *Connection,
	registry *Registry,
	coordinator *Coordinator,
	pres *presence.Store,
	tracker *typing.Tracker,
	limiter *ratelimit.Limiter,
	sendLimit int,
	sendWindow time.Duration,
	log *slog.Logger,
) *Client {
	return &Client{
		conn:        conn,
		reg:         reg,
		registry:    registry,
		coordinator: coordinator,
		presence:    pres,
		typing:      tracker,
		limiter:     limiter,
		sendLimit:   sendLimit,
		sendWindow:  sendWindow,
		log: log.With(
			"connection_id", reg.ID,
			"user_id", reg.UserID,
			"conversation_id", reg.ConversationID,
		),
	}
}

// ReplayOffline sends the user every message they missed, oldest first.
func (c *Client) ReplayOffline(ctx context.Context) {
	msgs, err := c.coordinator.GetOfflineMessages(ctx, c.reg.ConversationID, c.reg.UserID)
	if err != nil {
		c.log.Warn("offline replay failed", "error", err)
		return
	}
	for _, msg := range msgs {
		c.registry.SendTo(c.reg, marshalFrame(newMessageFrame(frameOfflineMessage, msg)))
	}
}

// ReadPump pumps inbound frames until the peer goes away, then runs the
// teardown sequence.
func (c *Client) ReadPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected close", "error", err)
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Malformed frames are dropped; one bad frame must not end the session.
			continue
		}

		ctx := context.Background()
		switch frame.Type {
		case "message":
			c.handleMessage(ctx, frame)
		case "typing":
			c.handleTyping(ctx, frame)
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, frame InboundFrame) {
	content := strings.TrimSpace(frame.Content)
	if content == "" {
		return
	}

	allowed, retryAfter, err := c.limiter.Check(ctx, c.reg.UserID, sendAction, c.sendLimit, c.sendWindow)
	if err != nil {
		c.log.Warn("rate limit check failed", "error", err)
		return
	}
	if !allowed {
		c.registry.SendTo(c.reg, marshalFrame(ErrorFrame{
			Type:       frameError,
			Message:    "rate limit exceeded",
			RetryAfter: int(retryAfter.Seconds()),
		}))
		return
	}

	msg, err := c.coordinator.SendMessage(ctx, c.reg.UserID, c.reg.ConversationID, content)
	if err != nil {
		c.log.Warn("send failed", "error", err)
		c.registry.SendTo(c.reg, marshalFrame(ErrorFrame{
			Type:    frameError,
			Message: "message could not be delivered",
		}))
		return
	}

	payload := marshalFrame(newMessageFrame(frameMessage, msg))
	c.registry.Broadcast(c.reg.ConversationID, payload, c.reg)
	c.registry.SendTo(c.reg, payload)
}

func (c *Client) handleTyping(ctx context.Context, frame InboundFrame) {
	isTyping := frame.IsTyping != nil && *frame.IsTyping
	if err := c.typing.SetTyping(ctx, c.reg.ConversationID, c.reg.UserID, c.reg.Username, isTyping); err != nil {
		c.log.Warn("typing update failed", "error", err)
		return
	}

	users, err := c.typing.TypingUsers(ctx, c.reg.ConversationID)
	if err != nil {
		c.log.Warn("typing lookup failed", "error", err)
		return
	}

	c.registry.Broadcast(c.reg.ConversationID, marshalFrame(TypingFrame{
		Type:           frameTyping,
		ConversationID: c.reg.ConversationID,
		TypingUsers:    lo.Values(users),
	}), c.reg)
}

// teardown releases registry, presence and typing state. The three cleanups
// are independent: each is attempted even if an earlier one fails, and
// failures are logged, never propagated.
func (c *Client) teardown() {
	ctx := context.Background()

	c.registry.Unregister(c.reg)

	if err := c.presence.MarkOffline(ctx, c.reg.UserID, c.reg.ID, c.reg.ConversationID); err != nil {
		c.log.Warn("presence cleanup failed", "error", err)
	}

	if err := c.typing.ClearTyping(ctx, c.reg.ConversationID, c.reg.UserID); err != nil {
		c.log.Warn("typing cleanup failed", "error", err)
	}

	c.conn.Close()
}

// WritePump drains the registry queue to the socket and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.reg.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry evicted us.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
