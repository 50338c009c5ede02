package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/portablesession/psp/state"
)

// Schema for the sessions table. Applied by SQLite.Init or via
// dbopen.WithSchema. deleted_at is reserved for a future soft-delete sync
// strategy; nothing reads it today.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expire_at  INTEGER NOT NULL DEFAULT 0,
	deleted_at INTEGER,
	body       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// SQLite stores sessions in one table of an SQLite database, body and
// metadata in the same row so upload stays atomic.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a backend over an open database. Call Init once to
// apply the schema.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Init creates the sessions table if it does not exist.
func (s *SQLite) Init() error {
	_, err := s.db.Exec(Schema)
	return err
}

func (s *SQLite) Upload(ctx context.Context, id string, body []byte, meta state.Metadata) error {
	if err := checkID(id, &meta); err != nil {
		return err
	}
	tags, err := json.Marshal(meta.Tags)
	if err != nil {
		return fmt.Errorf("storage: marshal tags %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, tags, created_at, updated_at, expire_at, body)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			expire_at = excluded.expire_at,
			body = excluded.body`,
		id, meta.Name, string(tags), meta.CreatedAt, meta.UpdatedAt, meta.ExpireAt, body)
	if err != nil {
		return fmt.Errorf("storage: upload %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Download(ctx context.Context, id string) ([]byte, state.Metadata, error) {
	var (
		meta state.Metadata
		tags string
		body []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tags, created_at, updated_at, expire_at, body
		FROM sessions WHERE id = ?`, id).
		Scan(&meta.ID, &meta.Name, &tags, &meta.CreatedAt, &meta.UpdatedAt, &meta.ExpireAt, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.Metadata{}, ErrNotFound
	}
	if err != nil {
		return nil, state.Metadata{}, fmt.Errorf("storage: download %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tags), &meta.Tags); err != nil {
		return nil, state.Metadata{}, fmt.Errorf("storage: decode tags %s: %w", id, err)
	}
	return body, meta, nil
}

func (s *SQLite) List(ctx context.Context) ([]state.Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, tags, created_at, updated_at, expire_at
		FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var metas []state.Metadata
	for rows.Next() {
		var (
			meta state.Metadata
			tags string
		)
		if err := rows.Scan(&meta.ID, &meta.Name, &tags, &meta.CreatedAt, &meta.UpdatedAt, &meta.ExpireAt); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &meta.Tags); err != nil {
			return nil, fmt.Errorf("storage: decode tags %s: %w", meta.ID, err)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: exists %s: %w", id, err)
	}
	return true, nil
}
