// Package query condenses free-form questions into the key concepts worth
// searching for. The optimizer normalizes the question, drops stopwords and
// short tokens, and ranks what remains by embedding similarity against the
// whole question, so the keyword search runs on the terms that carry the
// question's meaning.
package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/QuillAI/quill-engine/engine/domain"
)

// DefaultTopK is the number of keywords kept after ranking.
const DefaultTopK = 5

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9\s]`)

// KeywordSet is the optimizer's output: the normalized question plus its
// ranked key terms.
type KeywordSet struct {
	Query    string
	Keywords []string
}

// Text returns the keywords as a single search string.
func (k KeywordSet) Text() string {
	return strings.Join(k.Keywords, " ")
}

// Options configures an Optimizer.
type Options struct {
	TopK int
}

// DefaultOptions returns the standard optimizer parameters.
func DefaultOptions() Options {
	return Options{TopK: DefaultTopK}
}

// Optimizer extracts ranked keywords from questions.
type Optimizer struct {
	embedder domain.Embedder
	topK     int
}

// New creates an Optimizer backed by the given embedder.
func New(embedder domain.Embedder, opts Options) *Optimizer {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Optimizer{embedder: embedder, topK: opts.TopK}
}

// Optimize normalizes the question and returns its top keywords, ranked by
// cosine similarity between each candidate token and the full normalized
// question. Ranking uses one batched embed call. When every token is a
// stopword the raw tokens come back unranked, and a blank question yields an
// empty set; neither case touches the embedder.
func (o *Optimizer) Optimize(ctx context.Context, question string) (KeywordSet, error) {
	cleaned := clean(question)
	if cleaned == "" {
		return KeywordSet{}, nil
	}

	tokens := candidateTokens(cleaned)
	if len(tokens) == 0 {
		return KeywordSet{Query: cleaned, Keywords: strings.Fields(cleaned)}, nil
	}

	vecs, err := o.embedder.EmbedBatch(ctx, append([]string{cleaned}, tokens...))
	if err != nil {
		return KeywordSet{}, fmt.Errorf("optimize: embed candidates: %w", err)
	}
	if len(vecs) != len(tokens)+1 {
		return KeywordSet{}, fmt.Errorf("optimize: embedder returned %d vectors for %d inputs", len(vecs), len(tokens)+1)
	}

	queryVec := vecs[0]
	type scored struct {
		token string
		sim   float64
	}
	ranked := make([]scored, len(tokens))
	for i, t := range tokens {
		ranked[i] = scored{token: t, sim: domain.Cosine(queryVec, vecs[i+1])}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	if len(ranked) > o.topK {
		ranked = ranked[:o.topK]
	}
	keywords := make([]string, len(ranked))
	for i, r := range ranked {
		keywords[i] = r.token
	}
	return KeywordSet{Query: cleaned, Keywords: keywords}, nil
}

// clean lowercases the question and strips everything except letters, digits,
// and whitespace.
func clean(question string) string {
	question = strings.ToLower(strings.TrimSpace(question))
	return strings.TrimSpace(nonAlnumRe.ReplaceAllString(question, ""))
}

// candidateTokens drops stopwords and tokens too short to carry meaning.
func candidateTokens(cleaned string) []string {
	var tokens []string
	for _, t := range strings.Fields(cleaned) {
		if englishStopwords[t] || len(t) <= 2 {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}
