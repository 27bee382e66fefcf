// Package assemble renders ranked retrieval candidates into a single bounded
// context string for the generation model. Candidates are grouped by section,
// index-adjacent chunks are stitched back together so the model sees
// continuous passages, near-duplicate blocks are dropped, and every block
// carries a provenance header naming its section, source, and chunk indices.
package assemble

import (
	"fmt"
	"sort"
	"strings"

	"github.com/QuillAI/quill-engine/engine/domain"
	"github.com/QuillAI/quill-engine/pkg/fn"
)

// Assembly defaults.
const (
	DefaultMaxBlocks           = 6
	DefaultSimilarityThreshold = 0.82
	DefaultNeighborGap         = 1

	blockSeparator = "\n\n---\n\n"
)

// ContextBlock is one stitched passage selected for the final context, kept
// for provenance reporting after the string itself is rendered.
type ContextBlock struct {
	Section      string  `json:"section"`
	Source       string  `json:"source"`
	Text         string  `json:"text"`
	ChunkIndices []int   `json:"chunk_indices"`
	AvgScore     float64 `json:"avg_score"`
}

// Options configures an Assembler.
type Options struct {
	MaxBlocks           int
	SimilarityThreshold float64
	NeighborGap         int
}

// DefaultOptions returns the standard assembly parameters.
func DefaultOptions() Options {
	return Options{
		MaxBlocks:           DefaultMaxBlocks,
		SimilarityThreshold: DefaultSimilarityThreshold,
		NeighborGap:         DefaultNeighborGap,
	}
}

// Assembler builds context strings from scored candidates.
type Assembler struct {
	opts Options
}

// New creates an Assembler.
func New(opts Options) *Assembler {
	if opts.MaxBlocks <= 0 {
		opts.MaxBlocks = DefaultMaxBlocks
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return &Assembler{opts: opts}
}

// Assemble groups, stitches, deduplicates, and bounds the candidates, then
// renders them with provenance headers. It returns the context string and
// the blocks it was built from; no candidates yield ("", nil), which callers
// treat as "no context" rather than an error.
func (a *Assembler) Assemble(cands []domain.Candidate) (string, []ContextBlock) {
	blocks := a.stitch(cands)
	if len(blocks) == 0 {
		return "", nil
	}

	blocks = a.dedupe(blocks)
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].AvgScore > blocks[j].AvgScore })
	if len(blocks) > a.opts.MaxBlocks {
		blocks = blocks[:a.opts.MaxBlocks]
	}

	rendered := make([]string, len(blocks))
	for i, b := range blocks {
		rendered[i] = fmt.Sprintf("### Section: %s\nSource: %s\nChunkIndices: %v\nAvgScore: %.3f\n%s",
			b.Section, b.Source, b.ChunkIndices, b.AvgScore, b.Text)
	}
	return strings.Join(rendered, blockSeparator), blocks
}

// stitch groups candidates by section and merges index-adjacent chunks
// within each group into single blocks, newline-joined in index order.
func (a *Assembler) stitch(cands []domain.Candidate) []ContextBlock {
	cands = fn.Filter(cands, func(c domain.Candidate) bool { return strings.TrimSpace(c.Text) != "" })
	if len(cands) == 0 {
		return nil
	}

	groups := fn.GroupBy(cands, groupKey)
	// Map order is random; replay sections in first-seen order so repeated
	// assembly of the same candidates renders identically.
	sections := fn.Unique(fn.Map(cands, groupKey))

	var blocks []ContextBlock
	for _, section := range sections {
		members := append([]domain.Candidate(nil), groups[section]...)
		sort.SliceStable(members, func(i, j int) bool { return members[i].ChunkIndex < members[j].ChunkIndex })

		run := []domain.Candidate{members[0]}
		for _, m := range members[1:] {
			if m.ChunkIndex-run[len(run)-1].ChunkIndex <= a.opts.NeighborGap {
				run = append(run, m)
				continue
			}
			blocks = append(blocks, a.block(section, run))
			run = []domain.Candidate{m}
		}
		blocks = append(blocks, a.block(section, run))
	}
	return blocks
}

func (a *Assembler) block(section string, run []domain.Candidate) ContextBlock {
	source := ""
	for _, c := range run {
		if s := sourceOf(c); s != "" {
			source = s
			break
		}
	}
	return ContextBlock{
		Section:      section,
		Source:       source,
		Text:         strings.Join(fn.Map(run, func(c domain.Candidate) string { return strings.TrimSpace(c.Text) }), "\n"),
		ChunkIndices: fn.Map(run, func(c domain.Candidate) int { return c.ChunkIndex }),
		AvgScore:     fn.MeanBy(run, func(c domain.Candidate) float64 { return c.Score }),
	}
}

// dedupe drops blocks whose text is nearly identical to an earlier block.
// Pairwise comparison is quadratic, which is fine at max-blocks scale.
func (a *Assembler) dedupe(blocks []ContextBlock) []ContextBlock {
	var unique []ContextBlock
	for _, b := range blocks {
		dup := false
		for _, u := range unique {
			if a.similar(b.Text, u.Text) {
				dup = true
				break
			}
		}
		if !dup {
			unique = append(unique, b)
		}
	}
	return unique
}

func (a *Assembler) similar(x, y string) bool {
	if x == "" || y == "" {
		return false
	}
	return Ratio(x, y) > a.opts.SimilarityThreshold
}

// groupKey is the section path, or a per-document placeholder for chunks
// with no section structure so they never mix across documents.
func groupKey(c domain.Candidate) string {
	if s := strings.TrimSpace(c.Section()); s != "" {
		return s
	}
	source := sourceOf(c)
	if source == "" {
		source = "unknown"
	}
	return "__no_section__::" + source
}

func sourceOf(c domain.Candidate) string {
	if c.SourceURI != "" {
		return c.SourceURI
	}
	return c.DocTitle
}
