package chat

import "context"

// Store is the durable side of the chat core: threads, their message logs,
// and the blocklist lookup.
type Store interface {
	// CreateThread inserts a thread under a caller-chosen id seeded with its
	// first message. It returns ErrDuplicateThread if the id is taken and
	// ErrThreadExists if the pair already has a thread.
	CreateThread(ctx context.Context, id string, participantA, participantB int64, seed string) (*Thread, error)
	AppendMessage(ctx context.Context, threadID string, senderID int64, body string) (*Message, error)
	// TouchThread sets the thread's last-message summary and bumps its
	// updated time.
	TouchThread(ctx context.Context, threadID, lastMessage string, lastSenderID int64) error

	GetThread(ctx context.Context, threadID string) (*Thread, error)
	FindThreadByPair(ctx context.Context, a, b int64) (*Thread, error)
	// ListThreads returns userID's threads, most recently active first.
	ListThreads(ctx context.Context, userID int64) ([]*Thread, error)
	// ListMessages returns up to limit messages, newest first.
	ListMessages(ctx context.Context, threadID string, limit int) ([]*Message, error)

	// IsBlocked reports whether either user has blocked the other.
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
	Block(ctx context.Context, blockerID, blockedID int64) error
}

// Transactor is implemented by stores that can run several writes
// atomically. fn receives a Store bound to the transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(Store) error) error
}

// Blocklist is the read side of the blocklist, satisfied by Store and by
// the Redis cache in front of it.
type Blocklist interface {
	IsBlocked(ctx context.Context, a, b int64) (bool, error)
}

const defaultHistoryLimit = 50
const maxHistoryLimit = 200

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
