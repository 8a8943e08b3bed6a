package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateUser indicates that a user with the same username already exists.
	ErrDuplicateUser = errors.New("username already taken")
)

// User is an account that owns conversation sessions.
type User struct {
	ID             int64
	Username       string
	HashedPassword string
	CreatedAt      time.Time
}

// ConversationTurn is one persisted human/AI exchange within a session.
// Turn numbers are assigned by the store, start at 1, and are strictly
// increasing per (user, session). Turns are never mutated after creation.
type ConversationTurn struct {
	ID           int64
	UserID       int64
	SessionID    string
	TurnNumber   int
	HumanMessage string
	AIMessage    string
	CreatedAt    time.Time
}

// Passage is a retrieved knowledge-base fragment with its source metadata.
type Passage struct {
	// Content is the passage text.
	Content string

	// Source identifies where the passage came from (file name, document ID).
	Source string

	// Metadata carries additional key-value pairs attached at ingestion time.
	Metadata map[string]string
}

// LongTermRecord is a combined question+answer record stored in the
// long-term vector store for future semantic lookup.
type LongTermRecord struct {
	UserID     int64
	SessionID  string
	TurnNumber int
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}
