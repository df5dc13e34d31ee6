package chat

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

// Thread is the durable summary of a two-party conversation. SenderID and
// ReceiverID record who started it; the pair itself is unordered.
type Thread struct {
	ID           string    `json:"threadId"`
	SenderID     int64     `json:"senderId"`
	ReceiverID   int64     `json:"receiverId"`
	LastMessage  string    `json:"lastMessage"`
	LastSenderID int64     `json:"lastSenderId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID is one of the two participants.
func (t *Thread) HasParticipant(userID int64) bool {
	return t.SenderID == userID || t.ReceiverID == userID
}

// Recipient returns the participant that is not userID.
func (t *Thread) Recipient(userID int64) int64 {
	if t.SenderID == userID {
		return t.ReceiverID
	}
	return t.SenderID
}

type Message struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"threadId"`
	SenderID  int64     `json:"senderId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Relationship is a thread seen from one participant, as the thread list
// renders it.
type Relationship struct {
	ThreadID     string    `json:"threadId"`
	RecipientID  int64     `json:"recipientId"`
	LastMessage  string    `json:"lastMessage"`
	LastSenderID int64     `json:"lastSenderId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func relationshipFor(userID int64, t *Thread) Relationship {
	return Relationship{
		ThreadID:     t.ID,
		RecipientID:  t.Recipient(userID),
		LastMessage:  t.LastMessage,
		LastSenderID: t.LastSenderID,
		UpdatedAt:    t.UpdatedAt,
	}
}

// ---------------------------------------------
// ⚡ Realtime wire protocol
// ---------------------------------------------

// Event tags carried in Envelope.Event.
const (
	EventJoinChat     = "join-chat"
	EventLeaveChat    = "leave-chat"
	EventNewMessage   = "new-message"
	EventToggleTyping = "toggle-typing"
	EventJoined       = "joined"
	EventError        = "error"
)

// Envelope is the JSON frame exchanged over the websocket in both
// directions. Data is decoded according to Event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the client's join-chat payload.
type JoinRequest struct {
	ThreadID string `json:"threadId"`
	UserID   int64  `json:"userId,omitempty"`
}

type LeaveRequest struct {
	ThreadID string `json:"threadId"`
}

// ThreadSeed names the other participant when a message opens a new thread.
type ThreadSeed struct {
	ThreadID    string `json:"threadId"`
	RecipientID int64  `json:"recipientId"`
}

// SendRequest is the client's new-message payload.
type SendRequest struct {
	IsNewRelationship bool        `json:"isNewRelationship"`
	ThreadSeed        *ThreadSeed `json:"threadSeed,omitempty"`
	ThreadID          string      `json:"threadId"`
	SenderID          int64       `json:"senderId,omitempty"`
	Body              string      `json:"body"`
}

type TypingRequest struct {
	ThreadID string `json:"threadId"`
	IsTyping bool   `json:"isTyping"`
}

// MessageBroadcast is the server's new-message payload.
type MessageBroadcast struct {
	ThreadID  string    `json:"threadId"`
	SenderID  int64     `json:"senderId"`
	Body      string    `json:"body"`
	MessageID int64     `json:"messageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// TypingBroadcast is the server's toggle-typing payload.
type TypingBroadcast struct {
	ThreadID string `json:"threadId"`
	UserID   int64  `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type JoinedReply struct {
	ThreadID string `json:"threadId"`
}

// ErrorReply is sent to the originating connection only.
type ErrorReply struct {
	Event    string `json:"event"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	ThreadID string `json:"threadId,omitempty"`
}

// encodeEnvelope marshals payload under the given event tag.
func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
