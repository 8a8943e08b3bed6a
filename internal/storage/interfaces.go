// Package storage provides the storage interfaces and shared types for the
// guidance service.
//
// The storage layer is split into small, focused interfaces so that the
// relational history store (SQLite), the knowledge base and the long-term
// memory store (PostgreSQL + pgvector) can be implemented and tested
// independently.
package storage

import "context"

// UserStore manages user accounts.
type UserStore interface {
	// CreateUser inserts a new user and returns it with the assigned ID.
	// Returns ErrDuplicateUser if the username is already taken.
	CreateUser(ctx context.Context, username, hashedPassword string) (*User, error)

	// GetUserByUsername looks a user up by username.
	// Returns ErrNotFound if no such user exists.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// HistoryStore persists and retrieves conversation turns.
type HistoryStore interface {
	// AppendTurn persists a new turn, assigning the next turn number for the
	// (user, session) pair atomically. The assigned number is written back
	// into turn.TurnNumber.
	AppendTurn(ctx context.Context, turn *ConversationTurn) error

	// RecentTurns returns up to limit turns for the session, newest first.
	RecentTurns(ctx context.Context, userID int64, sessionID string, limit int) ([]ConversationTurn, error)

	// SessionTurns returns every turn for the session in ascending turn order.
	SessionTurns(ctx context.Context, userID int64, sessionID string) ([]ConversationTurn, error)

	// LatestSessionID returns the session ID of the user's most recent turn.
	// Returns ErrNotFound when the user has no turns at all.
	LatestSessionID(ctx context.Context, userID int64) (string, error)
}

// KnowledgeStore is the similarity-search boundary over the ingested
// knowledge base. The service is a client of the index, not its owner.
type KnowledgeStore interface {
	// SearchSimilar returns the k passages closest to the query embedding,
	// ranked by ascending cosine distance.
	SearchSimilar(ctx context.Context, embedding []float32, k int) ([]Passage, error)

	// InsertPassage adds a passage with its embedding to the index.
	InsertPassage(ctx context.Context, p Passage, embedding []float32) error
}

// LongTermMemoryStore receives combined question+answer records for
// long-term semantic lookup.
//
// Writes happen on every saved turn. Reads are a reserved extension point:
// the current pipeline never calls Search, but the interface must keep it so
// long-term recall can be switched on without changing the memory service.
type LongTermMemoryStore interface {
	// Append stores one record.
	Append(ctx context.Context, rec LongTermRecord) error

	// Search returns the k records closest to the query embedding.
	// Reserved: unused by the current pipeline.
	Search(ctx context.Context, embedding []float32, k int) ([]LongTermRecord, error)
}
