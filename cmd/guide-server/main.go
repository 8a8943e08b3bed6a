package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/takahashiJe/OC-guidanceLLM/internal/agent"
	"github.com/takahashiJe/OC-guidanceLLM/internal/auth"
	"github.com/takahashiJe/OC-guidanceLLM/internal/config"
	"github.com/takahashiJe/OC-guidanceLLM/internal/llm"
	"github.com/takahashiJe/OC-guidanceLLM/internal/memory"
	"github.com/takahashiJe/OC-guidanceLLM/internal/retrieval"
	"github.com/takahashiJe/OC-guidanceLLM/internal/schedule"
	"github.com/takahashiJe/OC-guidanceLLM/internal/server"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage/postgres"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage/sqlite"
	"github.com/takahashiJe/OC-guidanceLLM/internal/tasks"
)

func main() {
	envFile := flag.String("env", "", "Path to a .env file (optional)")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("Failed to load env file %s: %v", *envFile, err)
		}
	} else {
		// Best effort: a missing .env in the working directory is fine.
		_ = godotenv.Load()
	}

	cfg := config.Load()

	historyStore, err := sqlite.NewHistoryStore(cfg.Storage.HistoryDSN)
	if err != nil {
		log.Fatalf("Failed to initialize history store: %v", err)
	}
	defer historyStore.Close()

	// The knowledge base and long-term memory are optional: without a
	// PostgreSQL DSN the service answers from conversation history alone.
	var knowledgeStore storage.KnowledgeStore
	var longTermStore storage.LongTermMemoryStore
	if cfg.Storage.PostgresDSN != "" {
		db, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer db.Close()

		ks, err := postgres.NewKnowledgeStore(db, cfg.LLM.EmbeddingDimension)
		if err != nil {
			log.Fatalf("Failed to initialize knowledge store: %v", err)
		}
		knowledgeStore = ks

		lts, err := postgres.NewLongTermStore(db, cfg.LLM.EmbeddingDimension)
		if err != nil {
			log.Fatalf("Failed to initialize long-term store: %v", err)
		}
		longTermStore = lts
	} else {
		log.Printf("No PostgreSQL DSN configured, knowledge retrieval and long-term memory are disabled")
	}

	ollama := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL:        cfg.LLM.OllamaURL,
		GenerateModel:  cfg.LLM.GenerateModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        cfg.LLM.Timeout,
	})

	memoryService := memory.NewService(historyStore, longTermStore, ollama, memory.Options{
		ShortTermTurns: cfg.Memory.ShortTermTurns,
		DedupThreshold: cfg.Memory.DedupThreshold,
	})

	var retriever retrieval.Retriever
	if knowledgeStore != nil {
		retriever = retrieval.NewVectorRetriever(ollama, knowledgeStore)
	}

	scheduleStore := schedule.NewStore(cfg.Agent.EventConfigPath, cfg.Agent.SchedulesDir)
	pipeline := agent.New(ollama, ollama, retriever, scheduleStore, cfg.Agent.RetrievalK)

	executor := tasks.NewChatExecutor(memoryService, pipeline)
	orchestrator := tasks.New(executor, tasks.Config{
		QueueSize:       cfg.Tasks.QueueSize,
		NumWorkers:      cfg.Tasks.NumWorkers,
		ShutdownTimeout: cfg.Tasks.ShutdownTimeout,
	})

	tokens, err := auth.NewJWTManager(cfg.Security.JWTPrivateKeyPath, cfg.Security.JWTPublicKeyPath, cfg.Security.TokenTTL)
	if err != nil {
		log.Fatalf("Failed to initialize token manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, hub, err := server.Start(ctx, cfg, server.Deps{
		Users:        historyStore,
		Memory:       memoryService,
		Orchestrator: orchestrator,
		Tokens:       tokens,
		LLM:          ollama,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	orchestrator.OnComplete(hub.NotifyCompletion)
	orchestrator.Start(ctx)

	log.Printf("Guidance service running at http://%s", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Tasks.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping orchestrator: %v", err)
	}

	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}
