// Package memory implements the conversation memory subsystem: short-term
// persisted history with semantic deduplication on read, and a write-only
// long-term vector record per saved turn.
package memory

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/takahashiJe/OC-guidanceLLM/internal/llm"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
)

// Service is the memory subsystem facade used by the task executor.
type Service struct {
	history  storage.HistoryStore
	longTerm storage.LongTermMemoryStore // nil disables long-term writes
	embedder llm.EmbeddingGenerator

	shortTermTurns int
	dedupThreshold float64

	// Per-session locks serialize concurrent submissions on the same
	// session so turn numbers stay gapless. Sessions are short-lived, so
	// entries are never evicted.
	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// Options configures the memory service.
type Options struct {
	// ShortTermTurns is how many recent turns feed the context window.
	ShortTermTurns int

	// DedupThreshold is the cosine-distance merge threshold.
	DedupThreshold float64
}

// NewService creates the memory service. longTerm may be nil when no vector
// store is configured; long-term writes are then skipped.
func NewService(history storage.HistoryStore, longTerm storage.LongTermMemoryStore, embedder llm.EmbeddingGenerator, opts Options) *Service {
	if opts.ShortTermTurns <= 0 {
		opts.ShortTermTurns = 5
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = 0.2
	}
	return &Service{
		history:        history,
		longTerm:       longTerm,
		embedder:       embedder,
		shortTermTurns: opts.ShortTermTurns,
		dedupThreshold: opts.DedupThreshold,
		sessionLocks:   make(map[string]*sync.Mutex),
	}
}

// LockSession acquires the per-session lock and returns the unlock func.
// The task executor holds it across load → pipeline → save so that two
// submissions on the same session cannot interleave turn numbering.
func (s *Service) LockSession(userID int64, sessionID string) func() {
	key := fmt.Sprintf("%d/%s", userID, sessionID)

	s.mu.Lock()
	lock, ok := s.sessionLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.sessionLocks[key] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Load returns the deduplicated short-term history for the session as
// chronological (human, ai) message pairs.
//
// Long-term retrieval is a reserved extension point: the interface exists
// and is written to on save, but nothing is read back yet.
func (s *Service) Load(ctx context.Context, userID int64, sessionID string) ([]llm.Message, error) {
	turns, err := s.history.RecentTurns(ctx, userID, sessionID, s.shortTermTurns)
	if err != nil {
		return nil, fmt.Errorf("memory: failed to load recent turns: %w", err)
	}

	// Newest-first at the storage layer; reverse to chronological order.
	messages := make([]llm.Message, 0, len(turns)*2)
	for i := len(turns) - 1; i >= 0; i-- {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: turns[i].HumanMessage},
			llm.Message{Role: llm.RoleAssistant, Content: turns[i].AIMessage},
		)
	}

	log.Printf("memory: loaded %d messages for session %s, starting semantic dedup", len(messages), sessionID)
	return s.Deduplicate(ctx, messages)
}

// Deduplicate collapses near-duplicate-meaning messages. Fewer than two
// messages short-circuits to identity. An embedding failure falls back to
// the undeduplicated history; a longer context window beats a failed turn.
func (s *Service) Deduplicate(ctx context.Context, messages []llm.Message) ([]llm.Message, error) {
	if len(messages) < 2 {
		return messages, nil
	}

	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Content
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		log.Printf("memory: embedding failed, skipping dedup: %v", err)
		return messages, nil
	}

	clusters, err := clusterByThreshold(vectors, s.dedupThreshold)
	if err != nil {
		log.Printf("memory: clustering failed, skipping dedup: %v", err)
		return messages, nil
	}

	reps := representatives(clusters)
	deduped := make([]llm.Message, 0, len(reps))
	for _, i := range reps {
		deduped = append(deduped, messages[i])
	}

	log.Printf("memory: dedup kept %d of %d messages", len(deduped), len(messages))
	return deduped, nil
}

// Save persists the finished turn. The relational write is atomic and
// assigns the next turn number; the long-term vector write is best-effort
// and never fails the turn.
func (s *Service) Save(ctx context.Context, userID int64, sessionID, humanMessage, aiMessage string) (*storage.ConversationTurn, error) {
	turn := &storage.ConversationTurn{
		UserID:       userID,
		SessionID:    sessionID,
		HumanMessage: humanMessage,
		AIMessage:    aiMessage,
	}
	if err := s.history.AppendTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("memory: failed to persist turn: %w", err)
	}
	log.Printf("memory: saved turn %d for session %s", turn.TurnNumber, sessionID)

	s.appendLongTerm(ctx, turn)
	return turn, nil
}

// appendLongTerm stores the combined question+answer record for future
// semantic lookup.
func (s *Service) appendLongTerm(ctx context.Context, turn *storage.ConversationTurn) {
	if s.longTerm == nil {
		return
	}

	content := fmt.Sprintf("ユーザーの質問: %s\nAIの応答: %s", turn.HumanMessage, turn.AIMessage)
	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		log.Printf("memory: long-term embedding failed for turn %d: %v", turn.TurnNumber, err)
		return
	}

	rec := storage.LongTermRecord{
		UserID:     turn.UserID,
		SessionID:  turn.SessionID,
		TurnNumber: turn.TurnNumber,
		Content:    content,
		Embedding:  vector,
	}
	if err := s.longTerm.Append(ctx, rec); err != nil {
		log.Printf("memory: long-term write failed for turn %d: %v", turn.TurnNumber, err)
	}
}

// FullHistory returns every turn of the session in ascending turn order,
// bypassing deduplication. Used for history display.
func (s *Service) FullHistory(ctx context.Context, userID int64, sessionID string) ([]storage.ConversationTurn, error) {
	turns, err := s.history.SessionTurns(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: failed to load full history: %w", err)
	}
	return turns, nil
}

// LatestSession returns the user's most recent session ID.
// Returns storage.ErrNotFound when the user has no turns.
func (s *Service) LatestSession(ctx context.Context, userID int64) (string, error) {
	return s.history.LatestSessionID(ctx, userID)
}
