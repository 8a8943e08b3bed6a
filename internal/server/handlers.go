package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/takahashiJe/OC-guidanceLLM/internal/auth"
	"github.com/takahashiJe/OC-guidanceLLM/internal/memory"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
	"github.com/takahashiJe/OC-guidanceLLM/internal/tasks"
)

// healthChecker is what the health endpoint needs from the LLM client.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
	BreakerState() string
}

// Handlers contains the HTTP handlers for the guidance API.
type Handlers struct {
	users        storage.UserStore
	memory       *memory.Service
	orchestrator *tasks.Orchestrator
	tokens       *auth.JWTManager
	llm          healthChecker // nil skips the backend probe
}

// NewHandlers creates the handler set.
func NewHandlers(users storage.UserStore, mem *memory.Service, orch *tasks.Orchestrator, tokens *auth.JWTManager, llm healthChecker) *Handlers {
	return &Handlers{
		users:        users,
		memory:       mem,
		orchestrator: orch,
		tokens:       tokens,
		llm:          llm,
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Signup handles POST /api/auth/signup.
func (h *Handlers) Signup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required", nil)
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to process password", err)
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.Username, hashed)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateUser) {
			respondError(w, http.StatusConflict, "username already taken", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to create user", err)
		return
	}

	h.issueToken(w, user)
}

// Login handles POST /api/auth/login.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	user, err := h.users.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn the same hashing cost so timing does not leak existence.
			auth.DummyVerify()
			respondError(w, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to look up user", err)
		return
	}

	ok, err := auth.VerifyPassword(req.Password, user.HashedPassword)
	if err != nil || !ok {
		respondError(w, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}

	h.issueToken(w, user)
}

func (h *Handlers) issueToken(w http.ResponseWriter, user *storage.User) {
	token, exp, err := h.tokens.IssueToken(user.ID, user.Username)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to issue token", err)
		return
	}
	respondJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatAccepted struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

// SubmitChat handles POST /api/chat. The turn is executed asynchronously;
// 202 means accepted, poll GetResult for the reply. A full or closed queue
// is 503, anything else unexpected is 500.
func (h *Handlers) SubmitChat(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required", nil)
		return
	}

	taskID, sessionID, err := h.orchestrator.Submit(claims.UserID, req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, tasks.ErrQueueUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "service is busy, try again later", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to accept message", err)
		return
	}

	respondJSON(w, http.StatusAccepted, chatAccepted{TaskID: taskID, SessionID: sessionID})
}

type resultResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// GetResult handles GET /api/chat/results/{task_id}.
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	record, ok := h.orchestrator.Status(taskID)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown task", nil)
		return
	}

	respondJSON(w, http.StatusOK, resultResponse{
		TaskID: record.TaskID,
		Status: string(record.Status),
		Result: record.Result,
		Error:  record.ErrorDetail,
	})
}

type historyTurn struct {
	TurnNumber   int       `json:"turn_number"`
	HumanMessage string    `json:"human_message"`
	AIMessage    string    `json:"ai_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetHistory handles GET /api/chat/history?session_id=.
// Returns the full, undeduplicated transcript in turn order. An unknown or
// empty session is 404.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session_id is required", nil)
		return
	}

	turns, err := h.memory.FullHistory(r.Context(), claims.UserID, sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load history", err)
		return
	}
	if len(turns) == 0 {
		respondError(w, http.StatusNotFound, "no history for session", nil)
		return
	}

	out := make([]historyTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, historyTurn{
			TurnNumber:   t.TurnNumber,
			HumanMessage: t.HumanMessage,
			AIMessage:    t.AIMessage,
			CreatedAt:    t.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"turns":      out,
	})
}

// GetLatestSession handles GET /api/chat/sessions/latest.
// session_id is null when the user has no conversations yet.
func (h *Handlers) GetLatestSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	sessionID, err := h.memory.LatestSession(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": nil})
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to look up latest session", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID})
}

// Health handles GET /api/health. Degraded (still 200) when the model
// backend is unreachable or the breaker is open; the service itself is up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ollama := "ok"
	breaker := ""

	if h.llm != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.llm.HealthCheck(ctx); err != nil {
			status = "degraded"
			ollama = err.Error()
		}
		breaker = h.llm.BreakerState()
		if breaker == "open" {
			status = "degraded"
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"ollama":      ollama,
		"breaker":     breaker,
		"queue_depth": h.orchestrator.QueueDepth(),
	})
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: ERROR failed to encode response: %v", err)
	}
}

// respondError writes a JSON error response. The underlying error is logged
// but never sent to the client.
func respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		log.Printf("server: %s: %v", message, err)
	}
	respondJSON(w, status, map[string]string{"error": message})
}
