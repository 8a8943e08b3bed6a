// Package sqlite implements the relational stores (users, conversation
// history) on SQLite using the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
)

// Schema is the embedded DDL for the history database. Applied on open;
// every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	username        TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversation_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id       INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	session_id    TEXT NOT NULL,
	turn_number   INTEGER NOT NULL,
	human_message TEXT NOT NULL,
	ai_message    TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id, session_id, turn_number)
);

CREATE INDEX IF NOT EXISTS idx_history_user_session
	ON conversation_history (user_id, session_id);
`

// HistoryStore implements storage.UserStore and storage.HistoryStore on SQLite.
type HistoryStore struct {
	db *sql.DB
}

var (
	_ storage.UserStore    = (*HistoryStore)(nil)
	_ storage.HistoryStore = (*HistoryStore)(nil)
)

// NewHistoryStore opens (or creates) the history database at dsn and applies
// the schema. Use ":memory:" for tests.
func NewHistoryStore(dsn string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Single writer; the per-session serialization happens above this layer,
	// but SQLite itself must not interleave connections mid-transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply schema: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// GetDB exposes the raw handle for health checks and tests.
func (s *HistoryStore) GetDB() *sql.DB {
	return s.db
}

// CreateUser inserts a new user account.
func (s *HistoryStore) CreateUser(ctx context.Context, username, hashedPassword string) (*storage.User, error) {
	if username == "" || hashedPassword == "" {
		return nil, fmt.Errorf("%w: username and password are required", storage.ErrInvalidInput)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, hashed_password, created_at) VALUES (?, ?, ?)`,
		username, hashedPassword, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, storage.ErrDuplicateUser
		}
		return nil, fmt.Errorf("sqlite: failed to create user %q: %w", username, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read new user id: %w", err)
	}

	return &storage.User{
		ID:             id,
		Username:       username,
		HashedPassword: hashedPassword,
		CreatedAt:      now,
	}, nil
}

// GetUserByUsername looks up a user account by username.
func (s *HistoryStore) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	var u storage.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, hashed_password, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.HashedPassword, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load user %q: %w", username, err)
	}
	return &u, nil
}

// AppendTurn persists a new conversation turn. The turn number is assigned
// inside the transaction as MAX(turn_number)+1 for the (user, session) pair,
// so numbers start at 1 and are strictly increasing with no gaps. The
// UNIQUE(user_id, session_id, turn_number) constraint backstops races.
func (s *HistoryStore) AppendTurn(ctx context.Context, turn *storage.ConversationTurn) error {
	if turn.SessionID == "" {
		return fmt.Errorf("%w: session id is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_number), 0) + 1
		   FROM conversation_history
		  WHERE user_id = ? AND session_id = ?`,
		turn.UserID, turn.SessionID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("sqlite: failed to compute next turn number: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_history
			(user_id, session_id, turn_number, human_message, ai_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.UserID, turn.SessionID, next, turn.HumanMessage, turn.AIMessage, now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert turn %d for session %s: %w", next, turn.SessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit turn: %w", err)
	}

	id, _ := res.LastInsertId()
	turn.ID = id
	turn.TurnNumber = next
	turn.CreatedAt = now
	return nil
}

// RecentTurns returns up to limit turns for the session, newest first.
func (s *HistoryStore) RecentTurns(ctx context.Context, userID int64, sessionID string, limit int) ([]storage.ConversationTurn, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, turn_number, human_message, ai_message, created_at
		   FROM conversation_history
		  WHERE user_id = ? AND session_id = ?
		  ORDER BY turn_number DESC
		  LIMIT ?`,
		userID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query recent turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTurns(rows)
}

// SessionTurns returns every turn for the session in ascending turn order.
func (s *HistoryStore) SessionTurns(ctx context.Context, userID int64, sessionID string) ([]storage.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, turn_number, human_message, ai_message, created_at
		   FROM conversation_history
		  WHERE user_id = ? AND session_id = ?
		  ORDER BY turn_number ASC`,
		userID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query session turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTurns(rows)
}

// LatestSessionID returns the session of the user's most recently created turn.
func (s *HistoryStore) LatestSessionID(ctx context.Context, userID int64) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id
		   FROM conversation_history
		  WHERE user_id = ?
		  ORDER BY created_at DESC, id DESC
		  LIMIT 1`,
		userID,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to query latest session: %w", err)
	}
	return sessionID, nil
}

func scanTurns(rows *sql.Rows) ([]storage.ConversationTurn, error) {
	var turns []storage.ConversationTurn
	for rows.Next() {
		var t storage.ConversationTurn
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.TurnNumber,
			&t.HumanMessage, &t.AIMessage, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: turn rows iteration failed: %w", err)
	}
	return turns, nil
}
