package llm

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message exchanged with the generator.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TextGenerator is the interface for single-prompt LLM completion.
// Structured classification and query expansion use this style.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// ChatGenerator is the interface for history-aware chat completion.
// Response synthesis uses this style so prior turns reach the model.
type ChatGenerator interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	GetEmbeddingModel() string
}
