package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract runs the Store behaviour every implementation must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		th, err := s.CreateThread(ctx, "c-1", 101, 102, "hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", th.LastMessage)
		assert.Equal(t, int64(101), th.LastSenderID)

		got, err := s.GetThread(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, int64(102), got.Recipient(101))

		byPair, err := s.FindThreadByPair(ctx, 102, 101)
		require.NoError(t, err)
		assert.Equal(t, "c-1", byPair.ID)
	})

	t.Run("create conflicts", func(t *testing.T) {
		_, err := s.CreateThread(ctx, "c-1", 103, 104, "")
		assert.ErrorIs(t, err, ErrDuplicateThread)

		_, err = s.CreateThread(ctx, "c-2", 102, 101, "")
		assert.ErrorIs(t, err, ErrThreadExists)

		_, err = s.CreateThread(ctx, "c-3", 105, 105, "")
		assert.ErrorIs(t, err, ErrSelfThread)
	})

	t.Run("append and touch", func(t *testing.T) {
		var ids []int64
		for _, body := range []string{"a", "b", "c"} {
			m, err := s.AppendMessage(ctx, "c-1", 102, body)
			require.NoError(t, err)
			ids = append(ids, m.ID)
		}
		assert.Less(t, ids[0], ids[1])
		assert.Less(t, ids[1], ids[2])
		require.NoError(t, s.TouchThread(ctx, "c-1", "c", 102))

		th, err := s.GetThread(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "c", th.LastMessage)
		assert.Equal(t, int64(102), th.LastSenderID)

		msgs, err := s.ListMessages(ctx, "c-1", 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "c", msgs[0].Body)
		assert.Equal(t, "b", msgs[1].Body)
	})

	t.Run("unknown thread", func(t *testing.T) {
		_, err := s.AppendMessage(ctx, "missing", 1, "x")
		assert.ErrorIs(t, err, ErrThreadNotFound)
		assert.ErrorIs(t, s.TouchThread(ctx, "missing", "x", 1), ErrThreadNotFound)
		_, err = s.GetThread(ctx, "missing")
		assert.ErrorIs(t, err, ErrThreadNotFound)
		_, err = s.FindThreadByPair(ctx, 101, 999)
		assert.ErrorIs(t, err, ErrThreadNotFound)
	})

	t.Run("list threads by activity", func(t *testing.T) {
		_, err := s.CreateThread(ctx, "c-4", 101, 106, "older")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.TouchThread(ctx, "c-1", "newest", 101))

		threads, err := s.ListThreads(ctx, 101)
		require.NoError(t, err)
		require.Len(t, threads, 2)
		assert.Equal(t, "c-1", threads[0].ID)
		assert.Equal(t, "c-4", threads[1].ID)
	})

	t.Run("block is symmetric", func(t *testing.T) {
		blocked, err := s.IsBlocked(ctx, 101, 102)
		require.NoError(t, err)
		assert.False(t, blocked)

		require.NoError(t, s.Block(ctx, 102, 101))
		require.NoError(t, s.Block(ctx, 102, 101), "blocking twice is fine")

		for _, pair := range [][2]int64{{101, 102}, {102, 101}} {
			blocked, err := s.IsBlocked(ctx, pair[0], pair[1])
			require.NoError(t, err)
			assert.True(t, blocked)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	th, err := s.CreateThread(ctx, "t1", 1, 2, "hi")
	require.NoError(t, err)
	th.LastMessage = "mutated"

	got, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.LastMessage)
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.CreateThread(ctx, "t1", 1, 2, "")
	require.NoError(t, err)
	for i := 0; i < maxHistoryLimit+10; i++ {
		_, err := s.AppendMessage(ctx, "t1", 1, "m")
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, defaultHistoryLimit)

	msgs, err = s.ListMessages(ctx, "t1", 10_000)
	require.NoError(t, err)
	assert.Len(t, msgs, maxHistoryLimit)
}
