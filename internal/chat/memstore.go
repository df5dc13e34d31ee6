package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type pairKey struct{ lo, hi int64 }

func pairOf(a, b int64) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

type blockKey struct{ blocker, blocked int64 }

// MemoryStore is an in-process Store used by tests and the memory driver.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread
	pairs    map[pairKey]string
	messages map[string][]*Message
	blocks   map[blockKey]struct{}
	nextID   int64
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*Thread),
		pairs:    make(map[pairKey]string),
		messages: make(map[string][]*Message),
		blocks:   make(map[blockKey]struct{}),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateThread(_ context.Context, id string, a, b int64, seed string) (*Thread, error) {
	if a == b {
		return nil, ErrSelfThread
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[id]; ok {
		return nil, fmt.Errorf("create thread %s: %w", id, ErrDuplicateThread)
	}
	if _, ok := s.pairs[pairOf(a, b)]; ok {
		return nil, fmt.Errorf("create thread %s: %w", id, ErrThreadExists)
	}

	now := s.now()
	t := &Thread{
		ID:           id,
		SenderID:     a,
		ReceiverID:   b,
		LastMessage:  seed,
		LastSenderID: a,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.threads[id] = t
	s.pairs[pairOf(a, b)] = id

	out := *t
	return &out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, threadID string, senderID int64, body string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}

	s.nextID++
	msg := &Message{
		ID:        s.nextID,
		ThreadID:  threadID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: s.now(),
	}
	s.messages[threadID] = append(s.messages[threadID], msg)

	out := *msg
	return &out, nil
}

func (s *MemoryStore) TouchThread(_ context.Context, threadID, lastMessage string, lastSenderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	t.LastMessage = lastMessage
	t.LastSenderID = lastSenderID
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) GetThread(_ context.Context, threadID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) FindThreadByPair(_ context.Context, a, b int64) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pairs[pairOf(a, b)]
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := *s.threads[id]
	return &out, nil
}

func (s *MemoryStore) ListThreads(_ context.Context, userID int64) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var threads []*Thread
	for _, t := range s.threads {
		if t.HasParticipant(userID) {
			out := *t
			threads = append(threads, &out)
		}
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].ID > threads[j].ID
		}
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, threadID string, limit int) ([]*Message, error) {
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}

	// The log is append-only with increasing ids, so walking it backwards
	// yields newest first.
	log := s.messages[threadID]
	out := make([]*Message, 0, min(limit, len(log)))
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		m := *log[i]
		out = append(out, &m)
	}
	return out, nil
}

func (s *MemoryStore) IsBlocked(_ context.Context, a, b int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ab := s.blocks[blockKey{a, b}]
	_, ba := s.blocks[blockKey{b, a}]
	return ab || ba, nil
}

func (s *MemoryStore) Block(_ context.Context, blockerID, blockedID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[blockKey{blockerID, blockedID}] = struct{}{}
	return nil
}
