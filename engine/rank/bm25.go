// Package rank reorders retrieval candidates by BM25 relevance. The corpus
// statistics come from the candidate set itself, established once per query
// turn, so scores reflect how a candidate stands out among its peers rather
// than against the whole collection.
package rank

import (
	"math"
	"strings"
)

// BM25 free parameters. K1 controls term-frequency saturation, B controls
// document-length normalization.
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// Scorer computes BM25 scores over a fixed corpus. A Scorer is bound to the
// corpus snapshot given at construction and must be rebuilt for a different
// candidate set; scoring itself is read-only and safe for concurrent use.
type Scorer struct {
	k1, b   float64
	avgLen  float64
	docs    []docStats
	docFreq map[string]int
}

type docStats struct {
	counts map[string]int
	length int
}

// NewScorer indexes the corpus with the default BM25 parameters.
func NewScorer(corpus []string) *Scorer {
	return NewScorerParams(corpus, DefaultK1, DefaultB)
}

// NewScorerParams indexes the corpus with explicit k1 and b.
func NewScorerParams(corpus []string, k1, b float64) *Scorer {
	s := &Scorer{
		k1:      k1,
		b:       b,
		docs:    make([]docStats, len(corpus)),
		docFreq: make(map[string]int),
	}

	total := 0
	for i, doc := range corpus {
		counts := make(map[string]int)
		tokens := tokenize(doc)
		for _, t := range tokens {
			counts[t]++
		}
		for t := range counts {
			s.docFreq[t]++
		}
		s.docs[i] = docStats{counts: counts, length: len(tokens)}
		total += len(tokens)
	}
	if len(corpus) > 0 {
		s.avgLen = float64(total) / float64(len(corpus))
	}
	return s
}

// Score computes the BM25 score of corpus document i for the query.
func (s *Scorer) Score(query string, i int) float64 {
	if i < 0 || i >= len(s.docs) || s.avgLen == 0 {
		return 0
	}
	doc := s.docs[i]

	score := 0.0
	for _, term := range tokenize(query) {
		tf := doc.counts[term]
		if tf == 0 {
			continue
		}
		num := float64(tf) * (s.k1 + 1)
		den := float64(tf) + s.k1*(1-s.b+s.b*float64(doc.length)/s.avgLen)
		score += s.idf(term) * num / den
	}
	return score
}

// ScoreAll scores every corpus document for the query, in corpus order.
func (s *Scorer) ScoreAll(query string) []float64 {
	scores := make([]float64, len(s.docs))
	for i := range s.docs {
		scores[i] = s.Score(query, i)
	}
	return scores
}

// idf weights a term by how rare it is across the corpus. A term in every
// document still earns a small positive weight rather than going negative.
func (s *Scorer) idf(term string) float64 {
	n := s.docFreq[term]
	if n == 0 {
		return 0
	}
	total := float64(len(s.docs))
	return math.Log((total-float64(n)+0.5)/(float64(n)+0.5) + 1)
}

func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}
