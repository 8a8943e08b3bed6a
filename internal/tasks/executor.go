package tasks

import (
	"context"

	"github.com/takahashiJe/OC-guidanceLLM/internal/agent"
	"github.com/takahashiJe/OC-guidanceLLM/internal/memory"
)

// ChatExecutor wires the memory subsystem and the reasoning pipeline into
// one turn execution. The per-session lock is held across load → run → save
// so concurrent submissions on the same session serialize and turn numbers
// stay gapless.
type ChatExecutor struct {
	memory   *memory.Service
	pipeline *agent.Pipeline
}

// NewChatExecutor creates the executor used by the orchestrator workers.
func NewChatExecutor(mem *memory.Service, pipeline *agent.Pipeline) *ChatExecutor {
	return &ChatExecutor{memory: mem, pipeline: pipeline}
}

// Execute runs one chat turn. A pipeline failure persists nothing: the turn
// either completes fully (reply generated and saved) or leaves the session
// history untouched.
func (e *ChatExecutor) Execute(ctx context.Context, userID int64, sessionID, message string) (string, error) {
	unlock := e.memory.LockSession(userID, sessionID)
	defer unlock()

	history, err := e.memory.Load(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}

	state := &agent.State{
		UserInput: message,
		History:   agent.History(history),
	}
	final, err := e.pipeline.Run(ctx, state)
	if err != nil {
		return "", err
	}

	if _, err := e.memory.Save(ctx, userID, sessionID, message, final.FinalResponse); err != nil {
		return "", err
	}
	return final.FinalResponse, nil
}

var _ Executor = (*ChatExecutor)(nil)
