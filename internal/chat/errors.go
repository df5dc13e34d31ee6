package chat

import (
	"errors"
	"net/http"
)

var (
	ErrDuplicateThread = errors.New("thread id already exists")
	ErrThreadExists    = errors.New("a thread between these users already exists")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrSelfThread      = errors.New("cannot create a conversation with yourself")
	ErrNotParticipant  = errors.New("user is not a participant of this thread")
	ErrBlocked         = errors.New("messaging between these users is blocked")
	ErrInvalidThreadID = errors.New("invalid thread id")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrEmptyBody       = errors.New("message body cannot be empty")
	ErrBodyTooLong     = errors.New("message body exceeds maximum length")
	ErrSenderMismatch  = errors.New("sender does not match the authenticated user")
	ErrNotBound        = errors.New("connection is not bound to a user")
	ErrRateLimited     = errors.New("too many messages, slow down")
	ErrUnknownEvent    = errors.New("unknown event")
	ErrPersistence     = errors.New("persistence failure")
)

// ErrorCode maps an error to the code sent in an error event.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateThread):
		return "duplicate-thread"
	case errors.Is(err, ErrThreadExists):
		return "thread-exists"
	case errors.Is(err, ErrThreadNotFound):
		return "thread-not-found"
	case errors.Is(err, ErrNotParticipant):
		return "unauthorized-room-join"
	case errors.Is(err, ErrSenderMismatch), errors.Is(err, ErrNotBound):
		return "unauthorized"
	case errors.Is(err, ErrBlocked):
		return "blocked-sender"
	case errors.Is(err, ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown-event"
	case errors.Is(err, ErrSelfThread),
		errors.Is(err, ErrInvalidThreadID),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrEmptyBody),
		errors.Is(err, ErrBodyTooLong):
		return "invalid-payload"
	default:
		return "persistence-failure"
	}
}

// HTTPStatus maps an error to a REST status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrDuplicateThread), errors.Is(err, ErrThreadExists):
		return http.StatusConflict
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrNotParticipant):
		return http.StatusNotFound
	case errors.Is(err, ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrSenderMismatch), errors.Is(err, ErrNotBound):
		return http.StatusUnauthorized
	case errors.Is(err, ErrSelfThread),
		errors.Is(err, ErrInvalidThreadID),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrEmptyBody),
		errors.Is(err, ErrBodyTooLong):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
