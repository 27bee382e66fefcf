// Package rag orchestrates the ask pipeline. A question is condensed into
// keywords, embedded, and searched against the vector store and the keyword
// index in parallel; the hit sets are merged, reranked lexically, assembled
// into a bounded context string, and handed to the generation model. When
// retrieval produces nothing usable the pipeline degrades to an ungrounded
// model answer rather than failing.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/QuillAI/quill-engine/engine/assemble"
	"github.com/QuillAI/quill-engine/engine/domain"
	"github.com/QuillAI/quill-engine/engine/query"
	"github.com/QuillAI/quill-engine/engine/rank"
	"github.com/QuillAI/quill-engine/pkg/fn"
)

// VectorSearcher abstracts vector-similarity search over stored chunks.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]domain.Hit, error)
}

// KeywordSearcher abstracts full-text search over stored chunks.
type KeywordSearcher interface {
	Search(ctx context.Context, text string, topK int) ([]domain.Hit, error)
}

// QueryOptimizer condenses a question into ranked keywords.
type QueryOptimizer interface {
	Optimize(ctx context.Context, question string) (query.KeywordSet, error)
}

// Options configures the ask pipeline behaviour.
type Options struct {
	TopK          int     // candidates fetched per search
	Keywords      int     // keywords kept by the optimizer
	MinRelevance  float64 // vector hits below this score are dropped
	MinChunks     int     // fewer candidates than this triggers one wider retry
	SearchTimeout time.Duration
	Assembly      assemble.Options
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          8,
		Keywords:      query.DefaultTopK,
		MinRelevance:  0.6,
		MinChunks:     3,
		SearchTimeout: 5 * time.Second,
		Assembly:      assemble.DefaultOptions(),
	}
}

// Service is the ask pipeline orchestrator.
type Service struct {
	embedder  domain.Embedder
	generator domain.Generator
	vector    VectorSearcher
	keyword   KeywordSearcher
	optimizer QueryOptimizer
	assembler *assemble.Assembler
	opts      Options
	logger    *slog.Logger
}

// New creates a Service. The keyword searcher may be nil, in which case
// retrieval runs vector-only.
func New(embedder domain.Embedder, generator domain.Generator, vector VectorSearcher, keyword KeywordSearcher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	return &Service{
		embedder:  embedder,
		generator: generator,
		vector:    vector,
		keyword:   keyword,
		optimizer: query.New(embedder, query.Options{TopK: opts.Keywords}),
		assembler: assemble.New(opts.Assembly),
		opts:      opts,
		logger:    logger,
	}
}

// Answer is the structured response from the ask pipeline.
type Answer struct {
	Text        string                  `json:"answer"`
	Sources     []Source                `json:"sources"`
	Blocks      []assemble.ContextBlock `json:"blocks,omitempty"`
	GeneratedBy string                  `json:"generated_by"`
	Confidence  float64                 `json:"confidence"`
	Grounded    bool                    `json:"grounded"`
	ElapsedMS   int64                   `json:"elapsed_ms"`
}

// Source reports which document backed the answer and how strongly.
type Source struct {
	Document   string  `json:"document"`
	ChunksUsed []int   `json:"chunks_used"`
	Relevance  float64 `json:"relevance"`
}

// Ask runs the full pipeline for a question.
func (s *Service) Ask(ctx context.Context, q domain.Question) (*Answer, error) {
	start := time.Now()
	if err := domain.ValidateQuestion(q); err != nil {
		return nil, err
	}
	topK := q.TopK
	if topK <= 0 {
		topK = s.opts.TopK
	}
	s.logger.Info("ask start", "question_len", len(q.Text), "top_k", topK)

	// 1. Condense the question into keywords.
	kw, err := s.optimizer.Optimize(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("rag: optimize query: %w", err)
	}
	searchText := kw.Text()
	if searchText == "" {
		searchText = q.Text
	}

	// 2. Embed the optimized query.
	embedding, err := s.embedder.Embed(ctx, searchText)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	// 3. Retrieve, retrying once wider when the net comes up light.
	cands, confidence, err := s.retrieve(ctx, embedding, searchText, topK)
	if err != nil {
		return nil, err
	}
	if len(cands) < s.opts.MinChunks {
		s.logger.Warn("thin retrieval, widening", "candidates", len(cands), "retry_top_k", topK*2)
		if wider, conf, werr := s.retrieve(ctx, embedding, searchText, topK*2); werr == nil && len(wider) > len(cands) {
			cands, confidence = wider, conf
		}
	}

	// 4. Rerank lexically and assemble the context.
	cands = rank.Rerank(searchText, cands)
	contextText, blocks := s.assembler.Assemble(cands)
	s.logger.Info("retrieval done", "candidates", len(cands), "blocks", len(blocks))
	if contextText == "" {
		return s.ungrounded(ctx, q.Text, start)
	}

	// 5. Generate a grounded answer.
	reply, err := s.generator.Generate(ctx, contextText, q.Text)
	if err != nil {
		return nil, fmt.Errorf("rag: generate: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" || domain.IsNoAnswer(reply) {
		s.logger.Info("context answer declined, falling back ungrounded")
		return s.ungrounded(ctx, q.Text, start)
	}

	return &Answer{
		Text:        reply,
		Sources:     buildSources(cands),
		Blocks:      blocks,
		GeneratedBy: "Hybrid (Docs + AI)",
		Confidence:  confidence,
		Grounded:    true,
		ElapsedMS:   time.Since(start).Milliseconds(),
	}, nil
}

// retrieve runs vector and keyword search in parallel, filters weak vector
// hits, and merges the sets. The returned confidence is the best vector
// score that survived the relevance filter.
func (s *Service) retrieve(ctx context.Context, embedding []float32, searchText string, topK int) ([]domain.Candidate, float64, error) {
	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	var vecHits, kwHits []domain.Hit
	if s.keyword == nil {
		hits, err := s.vector.Search(searchCtx, embedding, topK)
		if err != nil {
			return nil, 0, fmt.Errorf("rag: vector search: %w", err)
		}
		vecHits = hits
	} else {
		both, err := fn.FanOutResult(
			func() fn.Result[[]domain.Hit] {
				return fn.FromPair(s.vector.Search(searchCtx, embedding, topK))
			},
			func() fn.Result[[]domain.Hit] {
				return fn.FromPair(s.keyword.Search(searchCtx, searchText, topK))
			},
		).Unwrap()
		if err != nil {
			return nil, 0, fmt.Errorf("rag: hybrid search: %w", err)
		}
		vecHits, kwHits = both[0], both[1]
	}

	vecHits = fn.Filter(vecHits, func(h domain.Hit) bool { return h.Score >= s.opts.MinRelevance })
	confidence := 0.0
	if best, ok := fn.MaxBy(vecHits, func(h domain.Hit) float64 { return h.Score }); ok {
		confidence = round2(best.Score)
	}
	return Merge(vecHits, kwHits, topK), confidence, nil
}

// ungrounded answers from the model alone, with no context and no sources.
func (s *Service) ungrounded(ctx context.Context, question string, start time.Time) (*Answer, error) {
	reply, err := s.generator.Generate(ctx, "", question)
	if err != nil {
		return nil, fmt.Errorf("rag: ungrounded generate: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = domain.NoAnswer
	}
	return &Answer{
		Text:        reply,
		GeneratedBy: "AI-only",
		Grounded:    false,
		ElapsedMS:   time.Since(start).Milliseconds(),
	}, nil
}

// buildSources aggregates candidates per document: the chunk indices used,
// deduplicated and ascending, and the best score seen for that document.
func buildSources(cands []domain.Candidate) []Source {
	groups := fn.GroupBy(cands, func(c domain.Candidate) string { return docName(c) })

	sources := make([]Source, 0, len(groups))
	for doc, members := range groups {
		indices := fn.Unique(fn.Map(members, func(c domain.Candidate) int { return c.ChunkIndex }))
		sort.Ints(indices)
		best, _ := fn.MaxBy(members, func(c domain.Candidate) float64 { return c.Score })
		sources = append(sources, Source{
			Document:   doc,
			ChunksUsed: indices,
			Relevance:  round2(best.Score),
		})
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].Relevance != sources[j].Relevance {
			return sources[i].Relevance > sources[j].Relevance
		}
		return sources[i].Document < sources[j].Document
	})
	return sources
}

func docName(c domain.Candidate) string {
	if c.DocTitle != "" {
		return c.DocTitle
	}
	if c.SourceURI != "" {
		return c.SourceURI
	}
	return "Unknown source"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
