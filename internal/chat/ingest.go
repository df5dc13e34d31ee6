package chat

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

const (
	DefaultMaxMessageLength = 5000
	maxThreadIDLength       = 64
)

// Sanitizer strips markup from message bodies before they are stored.
type Sanitizer interface {
	Sanitize(s string) string
}

// Pipeline validates, persists and then broadcasts inbound messages.
// Sends into the same thread are serialised, so a thread's summary always
// reflects the last message stored and broadcasts leave in storage order.
type Pipeline struct {
	store     Store
	blocklist Blocklist
	hub       *Hub
	locks     *keyedMutex
	sanitizer Sanitizer
	maxLength int
	log       *slog.Logger
	metrics   *Metrics
}

// NewPipeline wires a pipeline. A nil blocklist falls back to the store.
func NewPipeline(store Store, blocklist Blocklist, hub *Hub, maxLength int, log *slog.Logger, metrics *Metrics) *Pipeline {
	if blocklist == nil {
		blocklist = store
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pipeline{
		store:     store,
		blocklist: blocklist,
		hub:       hub,
		locks:     newKeyedMutex(),
		sanitizer: bluemonday.StrictPolicy(),
		maxLength: maxLength,
		log:       log,
		metrics:   metrics,
	}
}

// Send runs one new-message request from origin. On success the stored
// message has been broadcast to the thread's room and origin has joined it.
// On failure nothing is broadcast.
func (p *Pipeline) Send(ctx context.Context, origin *Client, req SendRequest) (*Message, error) {
	msg, err := p.send(ctx, origin, req)
	if err != nil {
		p.metrics.IngestFailures.WithLabelValues(ErrorCode(err)).Inc()
		p.log.Warn("message rejected",
			"thread_id", req.ThreadID,
			"user_id", origin.UserID(),
			"code", ErrorCode(err),
			"error", err,
		)
		return nil, err
	}
	p.metrics.MessagesPersisted.Inc()
	return msg, nil
}

func (p *Pipeline) send(ctx context.Context, origin *Client, req SendRequest) (*Message, error) {
	senderID := origin.UserID()
	if senderID == 0 {
		return nil, ErrNotBound
	}
	if req.SenderID != 0 && req.SenderID != senderID {
		return nil, ErrSenderMismatch
	}
	if err := validateSendRequest(req); err != nil {
		return nil, err
	}
	body, err := p.cleanBody(req.Body)
	if err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(req.ThreadID)
	defer unlock()

	recipientID, err := p.authorize(ctx, senderID, req)
	if err != nil {
		return nil, err
	}

	var msg *Message
	write := func(s Store) error {
		if req.IsNewRelationship {
			if _, err := s.CreateThread(ctx, req.ThreadID, senderID, recipientID, body); err != nil {
				return err
			}
		}
		m, err := s.AppendMessage(ctx, req.ThreadID, senderID, body)
		if err != nil {
			return err
		}
		if err := s.TouchThread(ctx, req.ThreadID, body, senderID); err != nil {
			return err
		}
		msg = m
		return nil
	}

	if tx, ok := p.store.(Transactor); ok {
		err = tx.InTx(ctx, write)
	} else {
		err = write(p.store)
	}
	if err != nil {
		return nil, err
	}

	if p.hub.Join(origin, req.ThreadID) {
		origin.markJoined(req.ThreadID)
	}
	if err := p.hub.BroadcastToRoom(req.ThreadID, EventNewMessage, MessageBroadcast{
		ThreadID:  msg.ThreadID,
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		MessageID: msg.ID,
		CreatedAt: msg.CreatedAt,
	}); err != nil {
		// Already stored; the room will see it on the next history fetch.
		p.log.Error("broadcast failed", "thread_id", req.ThreadID, "error", err)
	}
	return msg, nil
}

func validateSendRequest(req SendRequest) error {
	if req.ThreadID == "" || len(req.ThreadID) > maxThreadIDLength {
		return ErrInvalidThreadID
	}
	if !req.IsNewRelationship {
		return nil
	}
	if _, err := uuid.Parse(req.ThreadID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidThreadID, err)
	}
	if req.ThreadSeed == nil || req.ThreadSeed.RecipientID == 0 {
		return fmt.Errorf("%w: new relationship needs a recipient", ErrInvalidPayload)
	}
	if req.ThreadSeed.ThreadID != "" && req.ThreadSeed.ThreadID != req.ThreadID {
		return fmt.Errorf("%w: seed thread id does not match", ErrInvalidThreadID)
	}
	return nil
}

func (p *Pipeline) cleanBody(body string) (string, error) {
	// The policy escapes entities in the text it keeps; bodies travel as
	// JSON, so store the plain text.
	body = strings.TrimSpace(html.UnescapeString(p.sanitizer.Sanitize(body)))
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > p.maxLength {
		return "", ErrBodyTooLong
	}
	return body, nil
}

// authorize resolves the other participant and checks the pair is allowed
// to talk.
func (p *Pipeline) authorize(ctx context.Context, senderID int64, req SendRequest) (int64, error) {
	var recipientID int64
	if req.IsNewRelationship {
		recipientID = req.ThreadSeed.RecipientID
		if recipientID == senderID {
			return 0, ErrSelfThread
		}
	} else {
		t, err := p.store.GetThread(ctx, req.ThreadID)
		if err != nil {
			return 0, err
		}
		if !t.HasParticipant(senderID) {
			return 0, ErrNotParticipant
		}
		recipientID = t.Recipient(senderID)
	}

	blocked, err := p.blocklist.IsBlocked(ctx, senderID, recipientID)
	if err != nil {
		if errors.Is(err, ErrPersistence) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if blocked {
		return 0, ErrBlocked
	}
	return recipientID, nil
}
