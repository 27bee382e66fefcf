// Command ask answers questions from the terminal. With arguments it runs a
// single question, without them it drops into an interactive loop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/QuillAI/quill-engine/engine/domain"
	"github.com/QuillAI/quill-engine/engine/lexical"
	"github.com/QuillAI/quill-engine/engine/rag"
	"github.com/QuillAI/quill-engine/engine/semantic"
	"github.com/QuillAI/quill-engine/pkg/ollama"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ollamaURL := envOr("OLLAMA_URL", "http://localhost:11434")
	embedModel := envOr("EMBED_MODEL", "nomic-embed-text")
	chatModel := envOr("CHAT_MODEL", "llama3.1")
	qdrantAddr := envOr("QDRANT_URL", "localhost:6334")
	collection := envOr("QDRANT_COLLECTION", "quill")
	neo4jURL := envOr("NEO4J_URL", "neo4j://localhost:7687")
	neo4jUser := envOr("NEO4J_USER", "neo4j")
	neo4jPass := envOr("NEO4J_PASS", "password")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := semantic.New(qdrantAddr, collection)
	if err != nil {
		logger.Error("qdrant connect failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// Keyword search degrades to vector-only when Neo4j is unreachable.
	var keywords rag.KeywordSearcher
	driver, err := neo4j.NewDriverWithContext(neo4jURL, neo4j.BasicAuth(neo4jUser, neo4jPass, ""))
	if err != nil {
		logger.Warn("neo4j unavailable, retrieval is vector-only", "err", err)
	} else {
		defer driver.Close(ctx)
		keywords = lexical.New(driver)
	}

	embedder := ollama.NewEmbedClient(ollamaURL, embedModel)
	generator := ollama.NewChatClient(ollamaURL, chatModel, ollama.WithIntentClassification())
	svc := rag.New(embedder, generator, store, keywords, rag.DefaultOptions(), logger)

	if question := strings.TrimSpace(strings.Join(os.Args[1:], " ")); question != "" {
		askOnce(ctx, svc, question)
		return
	}

	fmt.Println("Quill interactive ask. Empty line or Ctrl-D exits.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		q := strings.TrimSpace(scanner.Text())
		if q == "" {
			return
		}
		askOnce(ctx, svc, q)
		if ctx.Err() != nil {
			return
		}
	}
}

func askOnce(ctx context.Context, svc *rag.Service, question string) {
	answer, err := svc.Ask(ctx, domain.Question{Text: question})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}

	fmt.Println()
	fmt.Println(answer.Text)
	if len(answer.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, s := range answer.Sources {
			fmt.Printf("  %s (chunks %s, relevance %.2f)\n", s.Document, joinInts(s.ChunksUsed), s.Relevance)
		}
	}
	fmt.Printf("\n[%s, confidence %.2f, %dms]\n", answer.GeneratedBy, answer.Confidence, answer.ElapsedMS)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}
