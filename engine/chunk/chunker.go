package chunk

import (
	"context"
	"fmt"
	"strings"

	"github.com/QuillAI/quill-engine/engine/domain"
)

const (
	// DefaultMaxChars caps chunk length in characters.
	DefaultMaxChars = 512
	// DefaultThreshold is the cosine similarity below which a new chunk starts.
	DefaultThreshold = 0.75
)

// Options configures a Chunker.
type Options struct {
	MaxChars  int
	Threshold float64
}

// DefaultOptions returns the standard chunking parameters.
func DefaultOptions() Options {
	return Options{MaxChars: DefaultMaxChars, Threshold: DefaultThreshold}
}

// Chunker groups sentences into chunks using embedding similarity.
type Chunker struct {
	embedder domain.Embedder
	opts     Options
}

// New creates a Chunker backed by the given embedder.
func New(embedder domain.Embedder, opts Options) *Chunker {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	return &Chunker{embedder: embedder, opts: opts}
}

// Chunk splits text into semantically coherent chunks. All sentences are
// embedded in one batch call; a sentence merges into the current chunk while
// its similarity to the previous sentence stays at or above the threshold
// and the merged text fits MaxChars. A single sentence longer than MaxChars
// is emitted whole. Empty input returns no chunks and makes no embed call.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]string, error) {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	vecs, err := c.embedder.EmbedBatch(ctx, sentences)
	if err != nil {
		return nil, fmt.Errorf("chunk: embed sentences: %w", err)
	}
	if len(vecs) != len(sentences) {
		return nil, fmt.Errorf("chunk: embedder returned %d vectors for %d sentences", len(vecs), len(sentences))
	}

	var chunks []string
	current := sentences[0]
	lastVec := vecs[0]

	for i := 1; i < len(sentences); i++ {
		sim := domain.Cosine(lastVec, vecs[i])
		candidate := current + " " + sentences[i]

		if sim < c.opts.Threshold || len(candidate) > c.opts.MaxChars {
			chunks = append(chunks, strings.TrimSpace(current))
			current = sentences[i]
		} else {
			current = candidate
		}
		lastVec = vecs[i]
	}

	if s := strings.TrimSpace(current); s != "" {
		chunks = append(chunks, s)
	}
	return chunks, nil
}

// Greedy packs sentences into chunks of at most maxChars without consulting
// an embedder. It is the fallback when no embedding service is wired. A
// single sentence longer than maxChars is emitted whole, matching Chunk.
func Greedy(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	current := sentences[0]
	for _, s := range sentences[1:] {
		if len(current)+1+len(s) > maxChars {
			chunks = append(chunks, current)
			current = s
			continue
		}
		current += " " + s
	}
	return append(chunks, current)
}
