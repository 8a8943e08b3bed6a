package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takahashiJe/OC-guidanceLLM/internal/llm"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
)

// fakeHistoryStore is an in-memory HistoryStore with the same numbering
// semantics as the SQLite implementation.
type fakeHistoryStore struct {
	mu    sync.Mutex
	turns []storage.ConversationTurn
}

func (f *fakeHistoryStore) AppendTurn(ctx context.Context, turn *storage.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := 1
	for _, t := range f.turns {
		if t.UserID == turn.UserID && t.SessionID == turn.SessionID && t.TurnNumber >= next {
			next = t.TurnNumber + 1
		}
	}
	turn.TurnNumber = next
	turn.ID = int64(len(f.turns) + 1)
	f.turns = append(f.turns, *turn)
	return nil
}

func (f *fakeHistoryStore) RecentTurns(ctx context.Context, userID int64, sessionID string, limit int) ([]storage.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []storage.ConversationTurn
	for i := len(f.turns) - 1; i >= 0; i-- {
		t := f.turns[i]
		if t.UserID == userID && t.SessionID == sessionID {
			matched = append(matched, t)
			if len(matched) == limit {
				break
			}
		}
	}
	return matched, nil
}

func (f *fakeHistoryStore) SessionTurns(ctx context.Context, userID int64, sessionID string) ([]storage.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []storage.ConversationTurn
	for _, t := range f.turns {
		if t.UserID == userID && t.SessionID == sessionID {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

func (f *fakeHistoryStore) LatestSessionID(ctx context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.turns) - 1; i >= 0; i-- {
		if f.turns[i].UserID == userID {
			return f.turns[i].SessionID, nil
		}
	}
	return "", storage.ErrNotFound
}

// fakeEmbedder returns canned vectors per text. Texts without an entry get
// a unique orthogonal-ish vector so they never merge.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float32, len(texts))
	fallback := float32(1)
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
			continue
		}
		v := make([]float32, 8)
		v[i%8] = fallback
		v[(i+3)%8] = fallback / 2
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) GetEmbeddingModel() string { return "fake-embed" }

var _ llm.EmbeddingGenerator = (*fakeEmbedder)(nil)

func TestSaveAssignsSequentialTurnNumbers(t *testing.T) {
	store := &fakeHistoryStore{}
	svc := NewService(store, nil, &fakeEmbedder{}, Options{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		turn, err := svc.Save(ctx, 1, "session-a", fmt.Sprintf("質問%d", i), fmt.Sprintf("回答%d", i))
		require.NoError(t, err)
		assert.Equal(t, i, turn.TurnNumber)
	}

	// A different session numbers independently from 1.
	turn, err := svc.Save(ctx, 1, "session-b", "質問", "回答")
	require.NoError(t, err)
	assert.Equal(t, 1, turn.TurnNumber)
}

func TestLoadReturnsChronologicalPairs(t *testing.T) {
	store := &fakeHistoryStore{}
	embedder := &fakeEmbedder{}
	svc := NewService(store, nil, embedder, Options{ShortTermTurns: 5})
	ctx := context.Background()

	_, err := svc.Save(ctx, 1, "s", "最初の質問", "最初の回答")
	require.NoError(t, err)
	_, err = svc.Save(ctx, 1, "s", "次の質問", "次の回答")
	require.NoError(t, err)

	messages, err := svc.Load(ctx, 1, "s")
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, llm.RoleUser, messages[0].Role)
	assert.Equal(t, "最初の質問", messages[0].Content)
	assert.Equal(t, llm.RoleAssistant, messages[1].Role)
	assert.Equal(t, "次の質問", messages[2].Content)
	assert.Equal(t, "次の回答", messages[3].Content)
}

func TestDeduplicateMergesNearDuplicates(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"学食はどこですか":   {1, 0, 0, 0, 0, 0, 0, 0},
		"食堂の場所を教えて":  {0.99, 0.05, 0, 0, 0, 0, 0, 0},
		"模擬講義はいつですか": {0, 0, 1, 0, 0, 0, 0, 0},
	}}
	svc := NewService(&fakeHistoryStore{}, nil, embedder, Options{DedupThreshold: 0.2})

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "学食はどこですか"},
		{Role: llm.RoleUser, Content: "模擬講義はいつですか"},
		{Role: llm.RoleUser, Content: "食堂の場所を教えて"},
	}
	deduped, err := svc.Deduplicate(context.Background(), messages)
	require.NoError(t, err)

	// The two cafeteria questions collapse; the most recent phrasing wins
	// and chronological order is preserved.
	require.Len(t, deduped, 2)
	assert.Equal(t, "模擬講義はいつですか", deduped[0].Content)
	assert.Equal(t, "食堂の場所を教えて", deduped[1].Content)
}

func TestDeduplicateIsIdempotent(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0, 0, 0, 0, 0, 0, 0},
		"b": {0.99, 0.05, 0, 0, 0, 0, 0, 0},
		"c": {0, 0, 1, 0, 0, 0, 0, 0},
	}}
	svc := NewService(&fakeHistoryStore{}, nil, embedder, Options{DedupThreshold: 0.2})
	ctx := context.Background()

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "a"},
		{Role: llm.RoleUser, Content: "b"},
		{Role: llm.RoleUser, Content: "c"},
	}
	once, err := svc.Deduplicate(ctx, messages)
	require.NoError(t, err)
	twice, err := svc.Deduplicate(ctx, once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestDeduplicateFallsBackOnEmbeddingFailure(t *testing.T) {
	embedder := &fakeEmbedder{fail: true}
	svc := NewService(&fakeHistoryStore{}, nil, embedder, Options{})

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: "a"},
		{Role: llm.RoleUser, Content: "b"},
	}
	deduped, err := svc.Deduplicate(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(t, messages, deduped)
}

func TestDeduplicateShortCircuitsSingleMessage(t *testing.T) {
	embedder := &fakeEmbedder{}
	svc := NewService(&fakeHistoryStore{}, nil, embedder, Options{})

	messages := []llm.Message{{Role: llm.RoleUser, Content: "こんにちは"}}
	deduped, err := svc.Deduplicate(context.Background(), messages)
	require.NoError(t, err)
	assert.Equal(t, messages, deduped)
	assert.Zero(t, embedder.calls)
}

func TestLockSessionSerializesSameSession(t *testing.T) {
	svc := NewService(&fakeHistoryStore{}, nil, &fakeEmbedder{}, Options{})

	unlock := svc.LockSession(1, "s")
	acquired := make(chan struct{})
	go func() {
		u := svc.LockSession(1, "s")
		close(acquired)
		u()
	}()

	// Give the goroutine a chance to (wrongly) grab the lock.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	default:
	}

	unlock()
	<-acquired
}
