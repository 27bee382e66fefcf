package rag

import (
	"sort"

	"github.com/QuillAI/quill-engine/engine/domain"
)

// Merge combines vector and keyword search hits into one deduplicated
// candidate list. The union is keyed by chunk ID and seeded from the vector
// hits; keyword hits overwrite on collision, so a chunk found by both
// searches carries the keyword hit's score and metadata. This is an
// override, not a score fusion. The result is sorted by each candidate's
// own score descending, truncated to topK, and re-ranked 0..n.
func Merge(vector, keyword []domain.Hit, topK int) []domain.Candidate {
	byID := make(map[string]int, len(vector)+len(keyword))
	var out []domain.Candidate

	upsert := func(h domain.Hit) {
		c := domain.Candidate{Chunk: h.Chunk, Score: h.Score}
		if i, ok := byID[h.Chunk.ID]; ok {
			out[i] = c
			return
		}
		byID[h.Chunk.ID] = len(out)
		out = append(out, c)
	}
	for _, h := range vector {
		upsert(h)
	}
	for _, h := range keyword {
		upsert(h)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i
	}
	return out
}
