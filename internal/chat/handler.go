package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"go-intern-chat/internal/config"
	myMiddleware "go-intern-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// blockRecorder is implemented by blocklist caches that must learn about a
// new block as soon as it is stored.
type blockRecorder interface {
	MarkBlocked(ctx context.Context, a, b int64) error
}

type Handler struct {
	hub       *Hub
	store     Store
	blocklist Blocklist
	pipeline  *Pipeline
	typing    *TypingTracker
	cfg       config.ChatConfig
	log       *slog.Logger
	metrics   *Metrics
}

// NewHandler wires the realtime channel and the thread REST API around one
// hub. blocklist may be nil, in which case the store answers block lookups.
func NewHandler(hub *Hub, store Store, blocklist Blocklist, cfg config.ChatConfig, log *slog.Logger, metrics *Metrics) *Handler {
	if blocklist == nil {
		blocklist = store
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 5
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 20
	}
	if cfg.TypingRate <= 0 {
		cfg.TypingRate = 20
	}
	if cfg.TypingBurst <= 0 {
		cfg.TypingBurst = 40
	}
	return &Handler{
		hub:       hub,
		store:     store,
		blocklist: blocklist,
		pipeline:  NewPipeline(store, blocklist, hub, cfg.MaxMessageLength, log, metrics),
		typing:    NewTypingTracker(hub, cfg.TypingTimeout, metrics),
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
	}
}

// ServeWs upgrades an authenticated request into a realtime connection.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h, conn)
	client.bind(userID)
	h.hub.Register(client)
	h.log.Debug("client connected", "user_id", userID)

	go client.writePump()
	go client.readPump()
}

// ---------------------------------------------
// 🧵 Thread REST API
// ---------------------------------------------

// ListThreads returns the caller's threads, most recent first, without
// threads whose counterpart is blocked.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	threads, err := h.store.ListThreads(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]Relationship, 0, len(threads))
	for _, t := range threads {
		blocked, err := h.blocklist.IsBlocked(r.Context(), userID, t.Recipient(userID))
		if err != nil {
			h.writeError(w, err)
			return
		}
		if blocked {
			continue
		}
		out = append(out, relationshipFor(userID, t))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetHistory returns a thread's messages, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	threadID := chi.URLParam(r, "threadID")

	t, err := h.store.GetThread(r.Context(), threadID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !t.HasParticipant(userID) {
		h.writeError(w, ErrNotParticipant)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	msgs, err := h.store.ListMessages(r.Context(), threadID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// GetRelationship returns the caller's thread with another user.
func (h *Handler) GetRelationship(w http.ResponseWriter, r *http.Request) {
	userID, otherID, ok := h.pairFromRequest(w, r)
	if !ok {
		return
	}

	t, err := h.store.FindThreadByPair(r.Context(), userID, otherID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relationshipFor(userID, t))
}

// StartThread finds or creates the caller's thread with another user.
func (h *Handler) StartThread(w http.ResponseWriter, r *http.Request) {
	userID, otherID, ok := h.pairFromRequest(w, r)
	if !ok {
		return
	}
	if userID == otherID {
		h.writeError(w, ErrSelfThread)
		return
	}

	blocked, err := h.blocklist.IsBlocked(r.Context(), userID, otherID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if blocked {
		h.writeError(w, ErrBlocked)
		return
	}

	t, err := h.store.FindThreadByPair(r.Context(), userID, otherID)
	if err == nil {
		writeJSON(w, http.StatusOK, relationshipFor(userID, t))
		return
	}
	if !errors.Is(err, ErrThreadNotFound) {
		h.writeError(w, err)
		return
	}

	t, err = h.store.CreateThread(r.Context(), uuid.NewString(), userID, otherID, "")
	if errors.Is(err, ErrThreadExists) {
		// Lost a race with the other participant.
		t, err = h.store.FindThreadByPair(r.Context(), userID, otherID)
		if err == nil {
			writeJSON(w, http.StatusOK, relationshipFor(userID, t))
			return
		}
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, relationshipFor(userID, t))
}

// Block adds the target user to the caller's blocklist.
func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	userID, otherID, ok := h.pairFromRequest(w, r)
	if !ok {
		return
	}
	if userID == otherID {
		http.Error(w, "cannot block yourself", http.StatusBadRequest)
		return
	}

	if err := h.store.Block(r.Context(), userID, otherID); err != nil {
		h.writeError(w, err)
		return
	}
	if rec, ok := h.blocklist.(blockRecorder); ok {
		if err := rec.MarkBlocked(r.Context(), userID, otherID); err != nil {
			h.log.Warn("blocklist cache update failed", "blocker_id", userID, "blocked_id", otherID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pairFromRequest(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	userID, ok := myMiddleware.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, 0, false
	}
	otherID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || otherID <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return 0, 0, false
	}
	return userID, otherID, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
		msg = ErrPersistence.Error()
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
