package chat

import (
	"context"
	"log/slog"
)

// Hub routes events to the connections joined to a thread's room.
//
// All room state is owned by the Run goroutine; every operation is a request
// on a channel, so events for a room are delivered in the order they were
// emitted. The hub is also the only writer (and closer) of each client's
// send queue.
type Hub struct {
	// client -> rooms it has joined
	clients map[*Client]map[string]struct{}
	// threadID -> clients in the room
	rooms map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	join       chan membership
	leave      chan membership
	broadcast  chan outbound
	inspect    chan func()
	done       chan struct{}

	log     *slog.Logger
	metrics *Metrics
}

type membership struct {
	client   *Client
	threadID string
	reply    chan bool
}

// outbound is one frame headed for a room, or for a single client when
// target is set.
type outbound struct {
	threadID string
	event    string
	data     []byte
	except   *Client
	target   *Client
}

func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		clients:    make(map[*Client]map[string]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		broadcast:  make(chan outbound, 256),
		inspect:    make(chan func()),
		done:       make(chan struct{}),
		log:        log,
		metrics:    metrics,
	}
}

// Run is the loop that owns the hub state. It returns when ctx is
// cancelled, after closing every connected client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.log.Info("hub stopped")
			return

		case c := <-h.register:
			if _, ok := h.clients[c]; !ok {
				h.clients[c] = make(map[string]struct{})
				h.metrics.Connections.Inc()
			}

		case c := <-h.unregister:
			h.remove(c)

		case m := <-h.join:
			m.reply <- h.handleJoin(m.client, m.threadID)

		case m := <-h.leave:
			h.handleLeave(m.client, m.threadID)
			m.reply <- true

		case msg := <-h.broadcast:
			h.deliver(msg)

		case fn := <-h.inspect:
			fn()
		}
	}
}

// Wait blocks until Run has returned.
func (h *Hub) Wait() {
	<-h.done
}

func (h *Hub) handleJoin(c *Client, threadID string) bool {
	rooms, ok := h.clients[c]
	if !ok {
		return false
	}
	if _, joined := rooms[threadID]; joined {
		return true
	}
	rooms[threadID] = struct{}{}
	if h.rooms[threadID] == nil {
		h.rooms[threadID] = make(map[*Client]struct{})
	}
	h.rooms[threadID][c] = struct{}{}
	return true
}

func (h *Hub) handleLeave(c *Client, threadID string) {
	if rooms, ok := h.clients[c]; ok {
		delete(rooms, threadID)
	}
	if members := h.rooms[threadID]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, threadID)
		}
	}
}

// remove drops c from every room and closes its send queue. Safe to call
// for a client that is already gone.
func (h *Hub) remove(c *Client) {
	rooms, ok := h.clients[c]
	if !ok {
		return
	}
	for threadID := range rooms {
		h.handleLeave(c, threadID)
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.Connections.Dec()
}

func (h *Hub) deliver(msg outbound) {
	if msg.target != nil {
		if _, ok := h.clients[msg.target]; ok {
			h.sendTo(msg.target, msg.data)
		}
		return
	}

	h.metrics.Broadcasts.WithLabelValues(msg.event).Inc()
	for c := range h.rooms[msg.threadID] {
		if c == msg.except {
			continue
		}
		h.sendTo(c, msg.data)
	}
}

func (h *Hub) sendTo(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop it.
		h.log.Warn("dropping slow client", "user_id", c.UserID())
		h.remove(c)
	}
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		close(c.send)
		h.metrics.Connections.Dec()
	}
	h.clients = make(map[*Client]map[string]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
}

// Register adds a client to the hub. A client must be registered before it
// can join rooms.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes the client from all rooms and closes its send queue.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Join admits c to the room for threadID. It is idempotent and returns
// false if c is not registered (or the hub has stopped).
func (h *Hub) Join(c *Client, threadID string) bool {
	reply := make(chan bool, 1)
	select {
	case h.join <- membership{client: c, threadID: threadID, reply: reply}:
	case <-h.done:
		return false
	}
	return <-reply
}

func (h *Hub) Leave(c *Client, threadID string) {
	reply := make(chan bool, 1)
	select {
	case h.leave <- membership{client: c, threadID: threadID, reply: reply}:
	case <-h.done:
		return
	}
	<-reply
}

// BroadcastToRoom delivers payload to every connection in the room.
func (h *Hub) BroadcastToRoom(threadID, event string, payload any) error {
	return h.enqueue(outbound{threadID: threadID, event: event}, payload)
}

// BroadcastToOthers delivers payload to every connection in the room except
// origin.
func (h *Hub) BroadcastToOthers(threadID, event string, payload any, origin *Client) error {
	return h.enqueue(outbound{threadID: threadID, event: event, except: origin}, payload)
}

// SendTo delivers payload to a single client.
func (h *Hub) SendTo(c *Client, event string, payload any) error {
	return h.enqueue(outbound{event: event, target: c}, payload)
}

func (h *Hub) enqueue(msg outbound, payload any) error {
	data, err := encodeEnvelope(msg.event, payload)
	if err != nil {
		return err
	}
	msg.data = data
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
	return nil
}

// RoomSize returns how many connections are in the room for threadID.
func (h *Hub) RoomSize(threadID string) int {
	n := 0
	h.run(func() { n = len(h.rooms[threadID]) })
	return n
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	n := 0
	h.run(func() { n = len(h.clients) })
	return n
}

// run executes fn on the hub goroutine and waits for it.
func (h *Hub) run(fn func()) {
	finished := make(chan struct{})
	select {
	case h.inspect <- func() { fn(); close(finished) }:
		<-finished
	case <-h.done:
	}
}
