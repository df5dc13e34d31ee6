package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go-intern-chat/internal/config"

	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil, nil)
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		hub.Wait()
	})
	return hub
}

// newTestClient returns a bound, registered client with no socket behind it.
func newTestClient(t *testing.T, hub *Hub, userID int64, buffer int) *Client {
	t.Helper()
	c := &Client{
		send:   make(chan []byte, buffer),
		state:  StateConnecting,
		joined: make(map[string]struct{}),
	}
	c.bind(userID)
	hub.Register(c)
	return c
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		TypingTimeout:    5 * time.Second,
		MessageRate:      1000,
		MessageBurst:     1000,
		TypingRate:       1000,
		TypingBurst:      1000,
		MaxMessageLength: 100,
		SendBuffer:       256,
	}
}

// newHandlerClient returns a client wired to h, as ServeWs would build it.
func newHandlerClient(t *testing.T, h *Handler, userID int64) *Client {
	t.Helper()
	c := newClient(h, nil)
	c.bind(userID)
	h.hub.Register(c)
	return c
}

func recv(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return Envelope{}
	}
}

func recvEvent[T any](t *testing.T, c *Client, event string) T {
	t.Helper()
	env := recv(t, c)
	require.Equal(t, event, env.Event, "payload: %s", env.Data)
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}
