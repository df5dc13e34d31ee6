package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	baseURL  = flag.String("url", "http://localhost:8080", "server base URL")
	pairs    = flag.Int("pairs", 50, "number of user pairs") // ⚠️ Start small. Database might choke on 1000 immediately.
	msgCount = flag.Int("msgs", 20, "messages per user")
)

var (
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairs*2, *msgCount)
	start := time.Now()

	var wg sync.WaitGroup
	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d received=%d errors=%d",
		time.Since(start).Round(time.Millisecond), sent.Load(), received.Load(), failed.Load())
}

func runPair(pairID int) {
	run := time.Now().UnixNano()
	userA := fmt.Sprintf("u_%d_%d_a", run, pairID)
	userB := fmt.Sprintf("u_%d_%d_b", run, pairID)
	pass := "password123"

	a, err := authenticate(userA, pass)
	if err != nil {
		log.Printf("❌ Auth Failed [%s]: %v", userA, err)
		return
	}
	b, err := authenticate(userB, pass)
	if err != nil {
		log.Printf("❌ Auth Failed [%s]: %v", userB, err)
		return
	}

	connA, err := dial(a.Token)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", userA, err)
		return
	}
	defer connA.Close()
	connB, err := dial(b.Token)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", userB, err)
		return
	}
	defer connB.Close()

	var readers sync.WaitGroup
	readers.Add(2)
	joined := make(chan struct{})
	go readLoop(&readers, connA, nil)
	go readLoop(&readers, connB, joined)

	// 1. A opens the thread with its first message.
	threadID := uuid.NewString()
	if err := emit(connA, "new-message", map[string]any{
		"isNewRelationship": true,
		"threadSeed":        map[string]any{"threadId": threadID, "recipientId": b.ID},
		"threadId":          threadID,
		"body":              "hello from " + userA,
	}); err != nil {
		log.Printf("❌ Send Fail [%s]: %v", userA, err)
		return
	}
	sent.Add(1)

	// 2. B joins once the thread exists.
	time.Sleep(200 * time.Millisecond)
	if err := emit(connB, "join-chat", map[string]any{"threadId": threadID, "userId": b.ID}); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", userB, err)
		return
	}
	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		log.Printf("❌ Join timed out [%s]", userB)
		return
	}

	// 3. Both sides spam.
	var spam sync.WaitGroup
	spam.Add(2)
	go spamChat(&spam, connA, threadID, userA)
	go spamChat(&spam, connB, threadID, userB)
	spam.Wait()

	// Let the last broadcasts land before closing.
	time.Sleep(time.Second)
	connA.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	connB.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	readers.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) (*AuthResponse, error) {
	if resp, err := postJSON("/register", map[string]string{"username": username, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login status %d", resp.StatusCode)
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func dial(token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return conn, err
}

func readLoop(wg *sync.WaitGroup, conn *websocket.Conn, joined chan struct{}) {
	defer wg.Done()
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case "new-message":
			received.Add(1)
		case "joined":
			if joined != nil {
				close(joined)
				joined = nil
			}
		case "error":
			failed.Add(1)
			log.Printf("⚠️ server error: %s", env.Data)
		}
	}
}

func spamChat(wg *sync.WaitGroup, conn *websocket.Conn, threadID, user string) {
	defer wg.Done()

	for i := 0; i < *msgCount; i++ {
		if err := emit(conn, "toggle-typing", map[string]any{"threadId": threadID, "isTyping": true}); err != nil {
			log.Printf("❌ Typing Fail [%s]: %v", user, err)
			return
		}
		if err := emit(conn, "new-message", map[string]any{
			"threadId": threadID,
			"body":     fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		}); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			return
		}
		sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", user, *msgCount)
}

// emit is only ever called by one goroutine per connection at a time.
func emit(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{Event: event, Data: data})
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
