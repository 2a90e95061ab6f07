package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the production Store backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read/write behavior.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			username   TEXT NOT NULL UNIQUE,
			email      TEXT NOT NULL DEFAULT '',
			github_id  TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_github_id
			ON users(github_id);
	`)
	return err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, github_id, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByGithubID(ctx context.Context, githubID string) (*User, error) {
	if githubID == "" {
		return nil, ErrUserNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, github_id, created_at FROM users WHERE github_id = ?`, githubID)
	return scanUser(row)
}

func (s *SQLiteStore) getUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, github_id, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// UpsertUser inserts the user or refreshes the existing row. Matching is by
// github id when one is given, otherwise by username, so repeated logins for
// the same account never trip the username UNIQUE constraint.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *User) (*User, error) {
	if u == nil || u.Username == "" {
		return nil, fmt.Errorf("upsert user: username is required")
	}

	var existing *User
	var err error
	if u.GithubID != "" {
		existing, err = s.GetUserByGithubID(ctx, u.GithubID)
	} else {
		existing, err = s.getUserByUsername(ctx, u.Username)
	}
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET username = ?, email = ?, github_id = ? WHERE id = ?`,
			u.Username, u.Email, u.GithubID, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update user %d: %w", existing.ID, err)
		}
		u.ID = existing.ID
		u.CreatedAt = existing.CreatedAt
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, github_id, created_at) VALUES (?, ?, ?, ?)`,
		u.Username, u.Email, u.GithubID, now)
	if err != nil {
		return nil, fmt.Errorf("insert user %q: %w", u.Username, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	u.ID = id
	u.CreatedAt = now
	return u, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.GithubID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
