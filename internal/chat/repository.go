package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgFKViolation     = "23503"
	pairIndexName     = "threads_pair_idx"
)

// querier is the subset of *sql.DB and *sql.Tx the repository needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
	q  querier
}

var (
	_ Store      = (*Repository)(nil)
	_ Transactor = (*Repository)(nil)
)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: db}
}

// InTx runs fn inside a single transaction, committing if fn returns nil.
func (r *Repository) InTx(ctx context.Context, fn func(Store) error) error {
	if r.db == nil {
		// already inside a transaction
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}
	if err := fn(&Repository{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	return nil
}

const threadColumns = `id, sender_id, receiver_id, last_message, last_sender_id, created_at, updated_at`

func scanThread(row interface{ Scan(dest ...any) error }) (*Thread, error) {
	t := &Thread{}
	err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &t.LastMessage, &t.LastSenderID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) CreateThread(ctx context.Context, id string, a, b int64, seed string) (*Thread, error) {
	if a == b {
		return nil, ErrSelfThread
	}

	query := `INSERT INTO threads (id, sender_id, receiver_id, last_message, last_sender_id)
		VALUES ($1, $2, $3, $4, $2)
		RETURNING ` + threadColumns

	t, err := scanThread(r.q.QueryRowContext(ctx, query, id, a, b, seed))
	if err != nil {
		return nil, translateCreateErr(id, err)
	}
	return t, nil
}

func translateCreateErr(id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == pairIndexName {
				return fmt.Errorf("create thread %s: %w", id, ErrThreadExists)
			}
			return fmt.Errorf("create thread %s: %w", id, ErrDuplicateThread)
		case pgCheckViolation:
			return ErrSelfThread
		}
	}
	return fmt.Errorf("%w: create thread %s: %w", ErrPersistence, id, err)
}

func (r *Repository) AppendMessage(ctx context.Context, threadID string, senderID int64, body string) (*Message, error) {
	query := `INSERT INTO messages (thread_id, sender_id, body) VALUES ($1, $2, $3)
		RETURNING id, thread_id, sender_id, body, created_at`

	m := &Message{}
	err := r.q.QueryRowContext(ctx, query, threadID, senderID, body).
		Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Body, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgFKViolation {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("%w: append message: %w", ErrPersistence, err)
	}
	return m, nil
}

func (r *Repository) TouchThread(ctx context.Context, threadID, lastMessage string, lastSenderID int64) error {
	query := `UPDATE threads SET last_message = $2, last_sender_id = $3, updated_at = now() WHERE id = $1`

	res, err := r.q.ExecContext(ctx, query, threadID, lastMessage, lastSenderID)
	if err != nil {
		return fmt.Errorf("%w: touch thread: %w", ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: touch thread: %w", ErrPersistence, err)
	}
	if n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (r *Repository) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE id = $1`
	t, err := scanThread(r.q.QueryRowContext(ctx, query, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("%w: get thread: %w", ErrPersistence, err)
	}
	return t, nil
}

func (r *Repository) FindThreadByPair(ctx context.Context, a, b int64) (*Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads
		WHERE LEAST(sender_id, receiver_id) = LEAST($1::BIGINT, $2::BIGINT)
		  AND GREATEST(sender_id, receiver_id) = GREATEST($1::BIGINT, $2::BIGINT)`
	t, err := scanThread(r.q.QueryRowContext(ctx, query, a, b))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("%w: find thread: %w", ErrPersistence, err)
	}
	return t, nil
}

func (r *Repository) ListThreads(ctx context.Context, userID int64) ([]*Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY updated_at DESC, id DESC`
	rows, err := r.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list threads: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list threads: %w", ErrPersistence, err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (r *Repository) ListMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	query := `SELECT id, thread_id, sender_id, body, created_at FROM messages
		WHERE thread_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := r.q.QueryContext(ctx, query, threadID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: list messages: %w", ErrPersistence, err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM block_list
		WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1)
	)`
	var blocked bool
	if err := r.q.QueryRowContext(ctx, query, a, b).Scan(&blocked); err != nil {
		return false, fmt.Errorf("%w: blocklist lookup: %w", ErrPersistence, err)
	}
	return blocked, nil
}

func (r *Repository) Block(ctx context.Context, blockerID, blockedID int64) error {
	query := `INSERT INTO block_list (blocker_id, blocked_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := r.q.ExecContext(ctx, query, blockerID, blockedID); err != nil {
		return fmt.Errorf("%w: block: %w", ErrPersistence, err)
	}
	return nil
}
