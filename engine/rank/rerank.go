package rank

import (
	"sort"

	"github.com/QuillAI/quill-engine/engine/domain"
)

// Rerank scores each candidate against the query with BM25 over the
// candidate set and returns a new slice sorted by descending lexical score.
// Candidates tying on score keep their relative input order, and the input
// slice is left untouched. An empty candidate set is a no-op, not an error.
func Rerank(query string, cands []domain.Candidate) []domain.Candidate {
	if len(cands) == 0 {
		return cands
	}

	corpus := make([]string, len(cands))
	for i, c := range cands {
		corpus[i] = c.Text
	}
	scores := NewScorer(corpus).ScoreAll(query)

	out := append([]domain.Candidate(nil), cands...)
	for i := range out {
		out[i].LexicalScore = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LexicalScore > out[j].LexicalScore })
	for i := range out {
		out[i].Rank = i
	}
	return out
}
