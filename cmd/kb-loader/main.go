// kb-loader ingests knowledge-base documents: it chunks text files, embeds
// each chunk with Ollama, and inserts the passages into the PostgreSQL
// vector index that the guidance service searches at runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/takahashiJe/OC-guidanceLLM/internal/config"
	"github.com/takahashiJe/OC-guidanceLLM/internal/llm"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage"
	"github.com/takahashiJe/OC-guidanceLLM/internal/storage/postgres"
)

// maxChunkRunes bounds one passage. Paragraphs are merged up to this size so
// short lines do not become one-sentence passages.
const maxChunkRunes = 800

func main() {
	dir := flag.String("dir", "./knowledge", "Directory of .md/.txt documents to ingest")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	if cfg.Storage.PostgresDSN == "" {
		log.Fatal("GUIDE_POSTGRES_DSN is required for ingestion")
	}

	db, err := postgres.Open(cfg.Storage.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	store, err := postgres.NewKnowledgeStore(db, cfg.LLM.EmbeddingDimension)
	if err != nil {
		log.Fatalf("Failed to initialize knowledge store: %v", err)
	}

	ollama := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL:        cfg.LLM.OllamaURL,
		GenerateModel:  cfg.LLM.GenerateModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        cfg.LLM.Timeout,
	})

	ctx := context.Background()
	total := 0

	err = filepath.WalkDir(*dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}

		n, err := ingestFile(ctx, store, ollama, path)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		log.Printf("Ingested %s: %d passages", path, n)
		total += n
		return nil
	})
	if err != nil {
		log.Fatalf("Ingestion failed: %v", err)
	}

	log.Printf("Done: %d passages ingested", total)
}

func ingestFile(ctx context.Context, store storage.KnowledgeStore, embedder llm.EmbeddingGenerator, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	chunks := chunkText(string(data))
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors, err := embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	source := filepath.Base(path)
	for i, chunk := range chunks {
		p := storage.Passage{
			Content: chunk,
			Source:  source,
			Metadata: map[string]string{
				"chunk": fmt.Sprintf("%d", i),
			},
		}
		if err := store.InsertPassage(ctx, p, vectors[i]); err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return len(chunks), nil
}

// chunkText splits a document on blank lines and merges consecutive
// paragraphs until a chunk reaches maxChunkRunes. A single oversized
// paragraph becomes its own chunk rather than being split mid-sentence.
func chunkText(text string) []string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentLen = 0
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		runes := len([]rune(p))
		if currentLen > 0 && currentLen+runes > maxChunkRunes {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(p)
		currentLen += runes
	}
	flush()

	return chunks
}
