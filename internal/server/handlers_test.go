package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takahashiJe/OC-guidanceLLM/internal/auth"
	"github.com/takahashiJe/OC-guidanceLLM/internal/memory"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage/sqlite"
	"github.com/takahashiJe/OC-guidanceLLM/internal/tasks"
)

// stubEmbedder satisfies the memory service; the handlers under test never
// trigger deduplication with more than one distinct vector.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, 8)
		v[i%8] = 1
		out[i] = v
	}
	return out, nil
}

func (stubEmbedder) GetEmbeddingModel() string { return "stub" }

// echoExecutor persists the turn like the real executor, replying with a
// deterministic echo instead of running the pipeline.
type echoExecutor struct {
	memory *memory.Service
}

func (e *echoExecutor) Execute(ctx context.Context, userID int64, sessionID, message string) (string, error) {
	reply := "echo: " + message
	if _, err := e.memory.Save(ctx, userID, sessionID, message, reply); err != nil {
		return "", err
	}
	return reply, nil
}

type testEnv struct {
	server       *httptest.Server
	orchestrator *tasks.Orchestrator
}

// newTestEnv wires real stores and handlers behind the production routing.
// startWorkers false leaves the orchestrator down, so submissions are
// rejected as unavailable.
func newTestEnv(t *testing.T, startWorkers bool) *testEnv {
	t.Helper()

	store, err := sqlite.NewHistoryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	memoryService := memory.NewService(store, nil, stubEmbedder{}, memory.Options{})
	orchestrator := tasks.New(&echoExecutor{memory: memoryService}, tasks.Config{QueueSize: 4, NumWorkers: 1})

	if startWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		orchestrator.Start(ctx)
		t.Cleanup(func() {
			_ = orchestrator.Stop(context.Background())
			cancel()
		})
	}

	tokens, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	handlers := NewHandlers(store, memoryService, orchestrator, tokens, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/signup", handlers.Signup)
	mux.HandleFunc("POST /api/auth/login", handlers.Login)

	chatMux := http.NewServeMux()
	chatMux.HandleFunc("POST /api/chat", handlers.SubmitChat)
	chatMux.HandleFunc("GET /api/chat/results/{task_id}", handlers.GetResult)
	chatMux.HandleFunc("GET /api/chat/history", handlers.GetHistory)
	chatMux.HandleFunc("GET /api/chat/sessions/latest", handlers.GetLatestSession)
	mux.Handle("/api/chat", RequireAuth(chatMux, tokens))
	mux.Handle("/api/chat/", RequireAuth(chatMux, tokens))

	mux.HandleFunc("GET /api/health", handlers.Health)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, orchestrator: orchestrator}
}

func (e *testEnv) request(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *testEnv) signup(t *testing.T, username string) string {
	t.Helper()
	resp, body := e.request(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"username": username,
		"password": "test-password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestSignupAndLogin(t *testing.T) {
	env := newTestEnv(t, true)

	env.signup(t, "taro")

	t.Run("duplicate username conflicts", func(t *testing.T) {
		resp, _ := env.request(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
			"username": "taro", "password": "other",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("login with correct password", func(t *testing.T) {
		resp, body := env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": "taro", "password": "test-password",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, body["token"])
	})

	t.Run("wrong password is unauthorized", func(t *testing.T) {
		resp, _ := env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": "taro", "password": "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown user is unauthorized, not 404", func(t *testing.T) {
		resp, _ := env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
			"username": "nobody", "password": "whatever",
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing fields are a bad request", func(t *testing.T) {
		resp, _ := env.request(t, http.MethodPost, "/api/auth/signup", "", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestChatRequiresAuth(t *testing.T) {
	env := newTestEnv(t, true)

	resp, _ := env.request(t, http.MethodPost, "/api/chat", "", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/chat", "not-a-real-token", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatSubmitPollAndHistory(t *testing.T) {
	env := newTestEnv(t, true)
	token := env.signup(t, "taro")

	// Submit without a session id: the service creates one.
	resp, body := env.request(t, http.MethodPost, "/api/chat", token, map[string]string{
		"message": "学食はどこですか",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID, _ := body["task_id"].(string)
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, taskID)
	require.NotEmpty(t, sessionID)

	// Poll until the task completes.
	var result map[string]interface{}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, result = env.request(t, http.MethodGet, "/api/chat/results/"+taskID, token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if result["status"] != string(tasks.StatusPending) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, string(tasks.StatusSuccess), result["status"])
	assert.Equal(t, "echo: 学食はどこですか", result["result"])

	t.Run("history shows the persisted turn", func(t *testing.T) {
		resp, body := env.request(t, http.MethodGet, "/api/chat/history?session_id="+sessionID, token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		turns, ok := body["turns"].([]interface{})
		require.True(t, ok)
		require.Len(t, turns, 1)
		first := turns[0].(map[string]interface{})
		assert.Equal(t, float64(1), first["turn_number"])
		assert.Equal(t, "学食はどこですか", first["human_message"])
	})

	t.Run("latest session points at the new session", func(t *testing.T) {
		resp, body := env.request(t, http.MethodGet, "/api/chat/sessions/latest", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, sessionID, body["session_id"])
	})

	t.Run("second turn in the same session numbers 2", func(t *testing.T) {
		resp, body := env.request(t, http.MethodPost, "/api/chat", token, map[string]string{
			"session_id": sessionID,
			"message":    "営業時間は？",
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		taskID := body["task_id"].(string)

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			_, result = env.request(t, http.MethodGet, "/api/chat/results/"+taskID, token, nil)
			if result["status"] != string(tasks.StatusPending) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		require.Equal(t, string(tasks.StatusSuccess), result["status"])

		_, history := env.request(t, http.MethodGet, "/api/chat/history?session_id="+sessionID, token, nil)
		turns := history["turns"].([]interface{})
		require.Len(t, turns, 2)
		last := turns[1].(map[string]interface{})
		assert.Equal(t, float64(2), last["turn_number"])
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		resp, _ := env.request(t, http.MethodGet, "/api/chat/results/no-such-task", token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("history for unknown session is 404", func(t *testing.T) {
		resp, _ := env.request(t, http.MethodGet, "/api/chat/history?session_id=missing", token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestChatUnavailableWhenWorkersDown(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.signup(t, "taro")

	resp, _ := env.request(t, http.MethodPost, "/api/chat", token, map[string]string{
		"message": "hi",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLatestSessionNullWithoutHistory(t *testing.T) {
	env := newTestEnv(t, true)
	token := env.signup(t, "taro")

	resp, body := env.request(t, http.MethodGet, "/api/chat/sessions/latest", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["session_id"])
}

func TestHealthWithoutBackend(t *testing.T) {
	env := newTestEnv(t, true)

	resp, body := env.request(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["queue_depth"])
}

func TestSubmitChatValidation(t *testing.T) {
	env := newTestEnv(t, true)
	token := env.signup(t, "taro")

	resp, _ := env.request(t, http.MethodPost, "/api/chat", token, map[string]string{"message": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
