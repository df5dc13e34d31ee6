package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema if it does not exist. Every statement is
// idempotent.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		// One row per conversation. sender/receiver order is whoever
		// started it; the pair index makes the pair unordered-unique.
		`CREATE TABLE IF NOT EXISTS threads (
            id TEXT PRIMARY KEY,
            sender_id BIGINT NOT NULL,
            receiver_id BIGINT NOT NULL,
            last_message TEXT NOT NULL DEFAULT '',
            last_sender_id BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CONSTRAINT threads_distinct_participants CHECK (sender_id <> receiver_id)
        )`,

		`CREATE UNIQUE INDEX IF NOT EXISTS threads_pair_idx
            ON threads (LEAST(sender_id, receiver_id), GREATEST(sender_id, receiver_id))`,

		`CREATE INDEX IF NOT EXISTS threads_sender_updated_idx ON threads (sender_id, updated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS threads_receiver_updated_idx ON threads (receiver_id, updated_at DESC)`,

		`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
            sender_id BIGINT NOT NULL,
            body TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
        )`,

		`CREATE INDEX IF NOT EXISTS messages_thread_created_idx ON messages (thread_id, created_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS block_list (
            blocker_id BIGINT NOT NULL,
            blocked_id BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (blocker_id, blocked_id)
        )`,
	}

	for _, query := range queries {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
