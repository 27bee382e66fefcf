// Command reindex rebuilds the Neo4j keyword index from the chunks stored in
// Qdrant. Use it after a lexical store loss or schema change; Qdrant holds
// the chunk text and provenance needed to reconstruct the mirror.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/QuillAI/quill-engine/engine/lexical"
	"github.com/QuillAI/quill-engine/engine/semantic"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	pb "github.com/qdrant/go-client/qdrant"
)

const scrollPage = 256

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	qdrantAddr := envOr("QDRANT_URL", "localhost:6334")
	collection := envOr("QDRANT_COLLECTION", "quill")
	neo4jURL := envOr("NEO4J_URL", "neo4j://localhost:7687")
	neo4jUser := envOr("NEO4J_USER", "neo4j")
	neo4jPass := envOr("NEO4J_PASS", "password")

	store, err := semantic.New(qdrantAddr, collection)
	if err != nil {
		log.Fatalf("qdrant connect: %v", err)
	}
	defer store.Close()

	driver, err := neo4j.NewDriverWithContext(neo4jURL, neo4j.BasicAuth(neo4jUser, neo4jPass, ""))
	if err != nil {
		log.Fatalf("neo4j connect: %v", err)
	}
	defer driver.Close(ctx)

	index := lexical.New(driver)
	if err := index.EnsureIndex(ctx); err != nil {
		log.Fatalf("ensure index: %v", err)
	}

	total, err := store.Count(ctx)
	if err != nil {
		log.Fatalf("qdrant count: %v", err)
	}
	log.Printf("Reindexing %d chunks from collection %q", total, collection)

	var offset *pb.PointId
	var indexed, batches, errors int
	for {
		if ctx.Err() != nil {
			log.Printf("Interrupted after %d chunks", indexed)
			return
		}
		chunks, next, err := store.Scroll(ctx, offset, scrollPage)
		if err != nil {
			log.Fatalf("scroll: %v", err)
		}
		if len(chunks) == 0 {
			break
		}
		if err := index.IndexChunks(ctx, chunks); err != nil {
			log.Printf("batch %d failed: %v", batches, err)
			errors++
		} else {
			indexed += len(chunks)
		}
		batches++
		if batches%10 == 0 {
			log.Printf("Progress: %d/%d chunks", indexed, total)
		}
		if next == nil {
			break
		}
		offset = next
	}

	log.Printf("Done! Indexed: %d, batches: %d, errors: %d", indexed, batches, errors)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
