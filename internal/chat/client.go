package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 32 * 1024           // Maximum frame size allowed from peer.
	eventTimeout   = 10 * time.Second    // Upper bound on one event's store work.
)

// State is where a connection is in its session lifecycle.
type State int

const (
	StateConnecting State = iota
	StateBound
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBound:
		return "bound"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	handler *Handler
	// The raw websocket connection
	conn *websocket.Conn
	// Buffered channel of outbound frames. Written and closed by the hub only.
	send chan []byte

	mu     sync.Mutex
	userID int64
	state  State
	joined map[string]struct{}

	messages *rate.Limiter
	typing   *rate.Limiter
}

func newClient(h *Handler, conn *websocket.Conn) *Client {
	return &Client{
		handler:  h,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		state:    StateConnecting,
		joined:   make(map[string]struct{}),
		messages: rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
		typing:   rate.NewLimiter(rate.Limit(h.cfg.TypingRate), h.cfg.TypingBurst),
	}
}

// bind attaches the authenticated user to the connection.
func (c *Client) bind(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.state = StateBound
}

func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinedThreads returns the thread rooms this connection has joined.
func (c *Client) JoinedThreads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}

func (c *Client) isJoined(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[threadID]
	return ok
}

func (c *Client) markJoined(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.joined[threadID] = struct{}{}
	c.state = StateJoined
}

func (c *Client) markLeft(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, threadID)
	if len(c.joined) == 0 && c.state == StateJoined {
		c.state = StateBound
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = make(map[string]struct{})
	c.state = StateClosed
}

// readPump pumps frames from the websocket connection into dispatch.
func (c *Client) readPump() {
	defer func() {
		c.disconnect()
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
				c.handler.log.Warn("websocket read failed", "user_id", c.UserID(), "error", err)
			}
			break
		}
		// Each event runs to completion before the next frame is read.
		c.dispatch(message)
	}
}

// writePump pumps frames from the hub to the websocket connection.
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
				// The Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// disconnect clears typing state and leaves every room. Writes already
// handed to the store are left to finish.
func (c *Client) disconnect() {
	c.handler.typing.ClearConnection(c)
	c.handler.hub.Unregister(c)
	c.markClosed()
}

// dispatch routes one inbound frame by its event tag.
func (c *Client) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.replyError("", fmt.Errorf("%w: %w", ErrInvalidPayload, err), "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	switch env.Event {
	case EventJoinChat:
		c.handleJoin(ctx, env.Data)
	case EventLeaveChat:
		c.handleLeave(env.Data)
	case EventNewMessage:
		c.handleSend(ctx, env.Data)
	case EventToggleTyping:
		c.handleTyping(ctx, env.Data)
	default:
		c.replyError(env.Event, ErrUnknownEvent, "")
	}
}

func (c *Client) handleJoin(ctx context.Context, data json.RawMessage) {
	var req JoinRequest
	if err := decodePayload(data, &req); err != nil {
		c.replyError(EventJoinChat, err, "")
		return
	}

	if err := c.authorizeJoin(ctx, req); err != nil {
		c.handler.metrics.RoomJoins.WithLabelValues("denied").Inc()
		c.replyError(EventJoinChat, err, req.ThreadID)
		return
	}
	if !c.handler.hub.Join(c, req.ThreadID) {
		return
	}
	c.markJoined(req.ThreadID)
	c.handler.metrics.RoomJoins.WithLabelValues("ok").Inc()
	_ = c.handler.hub.SendTo(c, EventJoined, JoinedReply{ThreadID: req.ThreadID})
}

func (c *Client) authorizeJoin(ctx context.Context, req JoinRequest) error {
	userID := c.UserID()
	if userID == 0 {
		return ErrNotBound
	}
	if req.ThreadID == "" {
		return ErrInvalidThreadID
	}
	if req.UserID != 0 && req.UserID != userID {
		return fmt.Errorf("%w: user id does not match connection", ErrNotParticipant)
	}
	t, err := c.handler.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		return err
	}
	if !t.HasParticipant(userID) {
		return ErrNotParticipant
	}
	return nil
}

func (c *Client) handleLeave(data json.RawMessage) {
	var req LeaveRequest
	if err := decodePayload(data, &req); err != nil {
		c.replyError(EventLeaveChat, err, "")
		return
	}
	c.handler.typing.Set(c, req.ThreadID, false)
	c.handler.hub.Leave(c, req.ThreadID)
	c.markLeft(req.ThreadID)
}

func (c *Client) handleSend(ctx context.Context, data json.RawMessage) {
	var req SendRequest
	if err := decodePayload(data, &req); err != nil {
		c.replyError(EventNewMessage, err, "")
		return
	}
	if !c.messages.Allow() {
		c.replyError(EventNewMessage, ErrRateLimited, req.ThreadID)
		return
	}
	if _, err := c.handler.pipeline.Send(ctx, c, req); err != nil {
		c.replyError(EventNewMessage, err, req.ThreadID)
	}
}

// handleTyping is best effort: bad or excess toggles are dropped. A pair
// that has since been blocked only ever sees the indicator stop.
func (c *Client) handleTyping(ctx context.Context, data json.RawMessage) {
	var req TypingRequest
	if err := decodePayload(data, &req); err != nil {
		return
	}
	if !c.isJoined(req.ThreadID) || !c.typing.Allow() {
		return
	}
	if req.IsTyping && !c.typingAllowed(ctx, req.ThreadID) {
		c.handler.typing.Set(c, req.ThreadID, false)
		return
	}
	c.handler.typing.Set(c, req.ThreadID, req.IsTyping)
}

func (c *Client) typingAllowed(ctx context.Context, threadID string) bool {
	userID := c.UserID()
	t, err := c.handler.store.GetThread(ctx, threadID)
	if err != nil {
		return false
	}
	blocked, err := c.handler.blocklist.IsBlocked(ctx, userID, t.Recipient(userID))
	if err != nil {
		c.handler.log.Warn("typing blocklist check failed", "thread_id", threadID, "user_id", userID, "error", err)
		return false
	}
	return !blocked
}

// replyError sends an error event to this connection only.
func (c *Client) replyError(event string, err error, threadID string) {
	code := ErrorCode(err)
	msg := err.Error()
	if errors.Is(err, ErrPersistence) {
		// Store internals stay in the log.
		msg = ErrPersistence.Error()
	}
	_ = c.handler.hub.SendTo(c, EventError, ErrorReply{
		Event:    event,
		Code:     code,
		Message:  msg,
		ThreadID: threadID,
	})
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}
