package chat

import (
	"sync"
	"time"
)

const DefaultTypingTimeout = time.Second

type typingKey struct {
	threadID string
	userID   int64
}

type typingEntry struct {
	origin *Client
	timer  *time.Timer
	gen    uint64
}

// TypingTracker holds who is typing in which thread. Only state changes are
// broadcast, and a user who stops sending toggles is cleared after the idle
// timeout.
type TypingTracker struct {
	mu      sync.Mutex
	active  map[typingKey]*typingEntry
	timeout time.Duration
	hub     *Hub
	metrics *Metrics
}

func NewTypingTracker(hub *Hub, timeout time.Duration, metrics *Metrics) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &TypingTracker{
		active:  make(map[typingKey]*typingEntry),
		timeout: timeout,
		hub:     hub,
		metrics: metrics,
	}
}

// Set records a typing toggle from origin and tells the rest of the room if
// the user's state changed.
func (t *TypingTracker) Set(origin *Client, threadID string, isTyping bool) {
	key := typingKey{threadID: threadID, userID: origin.UserID()}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, typing := t.active[key]
	if !isTyping {
		if typing {
			entry.timer.Stop()
			delete(t.active, key)
			t.emit(entry.origin, threadID, key.userID, false)
		}
		return
	}

	if typing {
		// Still typing: push the idle deadline out. The connection that
		// started the indicator keeps owning it.
		entry.timer.Stop()
		entry.gen++
		entry.timer = t.arm(key, entry.gen)
		return
	}

	entry = &typingEntry{origin: origin}
	entry.timer = t.arm(key, entry.gen)
	t.active[key] = entry
	t.emit(origin, threadID, key.userID, true)
}

func (t *TypingTracker) arm(key typingKey, gen uint64) *time.Timer {
	return time.AfterFunc(t.timeout, func() { t.expire(key, gen) })
}

func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[key]
	if !ok || entry.gen != gen {
		return
	}
	delete(t.active, key)
	t.emit(entry.origin, key.threadID, key.userID, false)
}

// ClearConnection stops every typing indicator c started. Called when c
// disconnects.
func (t *TypingTracker) ClearConnection(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.active {
		if entry.origin != c {
			continue
		}
		entry.timer.Stop()
		delete(t.active, key)
		t.emit(c, key.threadID, key.userID, false)
	}
}

// IsTyping reports the current state for userID in threadID.
func (t *TypingTracker) IsTyping(threadID string, userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[typingKey{threadID: threadID, userID: userID}]
	return ok
}

func (t *TypingTracker) emit(origin *Client, threadID string, userID int64, isTyping bool) {
	t.metrics.TypingEvents.Inc()
	_ = t.hub.BroadcastToOthers(threadID, EventToggleTyping, TypingBroadcast{
		ThreadID: threadID,
		UserID:   userID,
		IsTyping: isTyping,
	}, origin)
}
