// Package config provides configuration management for the guidance service.
// It loads settings from environment variables with the GUIDE_ prefix and
// provides sensible defaults for all configuration options.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration settings for the guidance service.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	LLM      LLMConfig
	Agent    AgentConfig
	Memory   MemoryConfig
	Tasks    TasksConfig
	Security SecurityConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string // Server host (default: 0.0.0.0)
	Port int    // Server port (default: 8000)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	HistoryDSN  string // SQLite DSN for users + conversation history (default: ./data/guidance.db)
	PostgresDSN string // PostgreSQL DSN for the knowledge base and long-term memory; empty disables both
}

// LLMConfig contains Ollama endpoint configuration.
type LLMConfig struct {
	OllamaURL          string        // Ollama API URL (default: http://localhost:11434)
	GenerateModel      string        // Model for text generation (default: qwen2.5:32b-instruct)
	EmbeddingModel     string        // Model for embeddings (default: mxbai-embed-large)
	EmbeddingDimension int           // Embedding vector width (default: 1024, matches mxbai-embed-large)
	Timeout            time.Duration // Per-request timeout (default: 120s)
}

// AgentConfig contains reasoning-pipeline configuration.
type AgentConfig struct {
	RetrievalK      int    // Passages fetched per expanded query (default: 3)
	EventConfigPath string // YAML file with the event date (default: ./config/event.yaml)
	SchedulesDir    string // Directory of topic-keyed schedule tables (default: ./config/schedules)
}

// MemoryConfig contains conversation-memory configuration.
type MemoryConfig struct {
	ShortTermTurns int     // Turns loaded into the context window (default: 5)
	DedupThreshold float64 // Cosine-distance threshold for semantic dedup (default: 0.2)
}

// TasksConfig contains task-orchestrator configuration.
type TasksConfig struct {
	QueueSize       int           // Buffered queue capacity (default: 64)
	NumWorkers      int           // Worker goroutines (default: 2)
	ShutdownTimeout time.Duration // Grace period for draining workers (default: 30s)
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	JWTPrivateKeyPath string        // PEM path for the Ed25519 signing key; empty generates an ephemeral pair
	JWTPublicKeyPath  string        // PEM path for the Ed25519 verification key
	TokenTTL          time.Duration // Issued token lifetime (default: 24h)
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("GUIDE_HOST", "0.0.0.0"),
			Port: getEnvInt("GUIDE_PORT", 8000),
		},
		Storage: StorageConfig{
			HistoryDSN:  getEnv("GUIDE_HISTORY_DSN", "./data/guidance.db"),
			PostgresDSN: getEnv("GUIDE_POSTGRES_DSN", ""),
		},
		LLM: LLMConfig{
			OllamaURL:          getEnv("GUIDE_OLLAMA_URL", "http://localhost:11434"),
			GenerateModel:      getEnv("GUIDE_GENERATE_MODEL", "qwen2.5:32b-instruct"),
			EmbeddingModel:     getEnv("GUIDE_EMBEDDING_MODEL", "mxbai-embed-large"),
			EmbeddingDimension: getEnvInt("GUIDE_EMBEDDING_DIMENSION", 1024),
			Timeout:            getEnvDuration("GUIDE_LLM_TIMEOUT", 120*time.Second),
		},
		Agent: AgentConfig{
			RetrievalK:      getEnvInt("GUIDE_RETRIEVAL_K", 3),
			EventConfigPath: getEnv("GUIDE_EVENT_CONFIG", "./config/event.yaml"),
			SchedulesDir:    getEnv("GUIDE_SCHEDULES_DIR", "./config/schedules"),
		},
		Memory: MemoryConfig{
			ShortTermTurns: getEnvInt("GUIDE_SHORT_TERM_TURNS", 5),
			DedupThreshold: getEnvFloat("GUIDE_DEDUP_THRESHOLD", 0.2),
		},
		Tasks: TasksConfig{
			QueueSize:       getEnvInt("GUIDE_QUEUE_SIZE", 64),
			NumWorkers:      getEnvInt("GUIDE_NUM_WORKERS", 2),
			ShutdownTimeout: getEnvDuration("GUIDE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Security: SecurityConfig{
			JWTPrivateKeyPath: getEnv("GUIDE_JWT_PRIVATE_KEY", ""),
			JWTPublicKeyPath:  getEnv("GUIDE_JWT_PUBLIC_KEY", ""),
			TokenTTL:          getEnvDuration("GUIDE_TOKEN_TTL", 24*time.Hour),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparsable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparsable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (e.g. "30s") or
// returns a default value. Unparsable values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
