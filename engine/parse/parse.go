// Package parse turns layout-aware PDF documents into section-annotated,
// provenance-carrying chunks.
//
// Parsing is two passes. The first pass collects font statistics over the
// whole document (the heaviest style is the body style, larger sizes are
// headings) and finds the short line texts that recur in the top and bottom
// page bands across the sampled first and last pages (running headers and
// footers). The second pass folds every page through an explicit
// accumulator: heading lines maintain a section stack, body lines extend the
// current section's text, and section text is flushed into sentence-bounded
// chunks carrying a contiguous per-document index.
package parse

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/QuillAI/quill-engine/engine/chunk"
	"github.com/QuillAI/quill-engine/engine/domain"
)

const (
	// DefaultMaxChunkChars bounds chunk text length. A single sentence
	// longer than the bound still becomes one oversize chunk.
	DefaultMaxChunkChars = 4000

	headerFooterPages  = 5
	headerFooterBand   = 0.15
	headerFooterRecur  = 0.70
	headerFooterMaxLen = 100
)

// Options configures a Parser.
type Options struct {
	MaxChunkChars int
	OCR           OCR // nil disables the scanned-page fallback
}

// DefaultOptions returns the standard parser parameters.
func DefaultOptions() Options {
	return Options{MaxChunkChars: DefaultMaxChunkChars}
}

// Parser extracts structured chunks from PDF files.
type Parser struct {
	opts Options
}

// New creates a Parser.
func New(opts Options) *Parser {
	if opts.MaxChunkChars <= 0 {
		opts.MaxChunkChars = DefaultMaxChunkChars
	}
	return &Parser{opts: opts}
}

// Parse reads the file at path and returns its chunks in reading order.
// The error is non-nil only when the file itself cannot be read as a PDF.
// Degraded pages (no text layer, failed OCR) are skipped without leaving
// gaps in the chunk numbering; a PDF with no extractable text at all
// parses to zero chunks.
func (p *Parser) Parse(ctx context.Context, path string) ([]domain.Chunk, error) {
	pages, err := readLayout(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w: %w", filepath.Base(path), domain.ErrUnreadableDocument, err)
	}
	title, uri := DocMetadata(path)
	return p.parsePages(ctx, pages, path, title, uri), nil
}

func (p *Parser) parsePages(ctx context.Context, pages []Page, path, title, uri string) []domain.Chunk {
	f := &fold{opts: p.opts, title: title, uri: uri}
	f.bodySize, f.headingSizes = analyzeFonts(pages)
	f.skip = detectHeadersFooters(pages)

	for i, page := range pages {
		if pageIsEmpty(page) {
			p.ocrPage(ctx, f, path, i+1)
			continue
		}
		f.feedPage(page)
	}
	f.flushSection()
	return f.chunks
}

// ocrPage routes an image-only page through the configured OCR. OCR output
// carries no layout, so it joins the current section as body text.
func (p *Parser) ocrPage(ctx context.Context, f *fold, path string, pageNum int) {
	if p.opts.OCR == nil {
		return
	}
	text, err := p.opts.OCR.PageText(ctx, path, pageNum)
	if err != nil || strings.TrimSpace(text) == "" {
		return
	}
	f.body(text)
}

// fold is the parse accumulator threaded across pages.
type fold struct {
	opts         Options
	title        string
	uri          string
	bodySize     int
	headingSizes []int
	skip         map[string]bool
	section      []string
	buf          strings.Builder
	chunks       []domain.Chunk
}

func (f *fold) feedPage(page Page) {
	for _, line := range page.Lines {
		f.feedLine(line, page)
	}
}

func (f *fold) feedLine(line Line, page Page) {
	text := normalizeWS(line.Text())
	if text == "" {
		return
	}
	if f.skip[text] && inBand(line, page) {
		return
	}

	size := line.MaxSize()
	if f.bodySize > 0 && size > f.bodySize {
		f.flushSection()
		rank := f.headingRank(size)
		if rank > len(f.section) {
			rank = len(f.section)
		}
		f.section = append(f.section[:rank:rank], text)
		return
	}
	f.body(line.Text())
}

func (f *fold) body(text string) {
	f.buf.WriteByte(' ')
	f.buf.WriteString(text)
}

// headingRank maps a heading's rounded size to its depth in the section
// stack: the largest size in the document is rank 0.
func (f *fold) headingRank(size int) int {
	for i, s := range f.headingSizes {
		if s == size {
			return i
		}
	}
	return len(f.headingSizes)
}

// flushSection converts the accumulated section text into sentence-bounded
// chunks. Sentences pack greedily up to MaxChunkChars; a sentence that alone
// exceeds the cap becomes its own chunk.
func (f *fold) flushSection() {
	text := f.buf.String()
	f.buf.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}

	section := append([]string(nil), f.section...)
	var current string
	for _, sentence := range chunk.SplitSentences(text) {
		if len(current)+len(sentence) <= f.opts.MaxChunkChars {
			current += " " + sentence
		} else {
			f.emit(current, section)
			current = sentence
		}
	}
	f.emit(current, section)
}

func (f *fold) emit(text string, section []string) {
	text = normalizeWS(text)
	if text == "" {
		return
	}
	idx := len(f.chunks)
	f.chunks = append(f.chunks, domain.Chunk{
		ID:          domain.ChunkID(f.uri, idx),
		Text:        text,
		DocTitle:    f.title,
		SectionPath: section,
		ChunkIndex:  idx,
		SourceURI:   f.uri,
	})
}

type fontStyle struct {
	size int
	font string
}

// analyzeFonts weighs every span's style by its text length. The heaviest
// style is the body style; every rounded size above it is a heading size,
// ranked largest first. Ties on weight resolve to the smaller size so noisy
// documents do not promote all their text to headings.
func analyzeFonts(pages []Page) (bodySize int, headingSizes []int) {
	weights := make(map[fontStyle]int)
	for _, page := range pages {
		for _, line := range page.Lines {
			for _, s := range line.Spans {
				if strings.TrimSpace(s.Text) == "" {
					continue
				}
				key := fontStyle{size: int(math.Round(s.Size)), font: s.Font}
				weights[key] += utf8.RuneCountInString(s.Text)
			}
		}
	}
	if len(weights) == 0 {
		return 0, nil
	}

	best := 0
	for key, w := range weights {
		if w > best || (w == best && key.size < bodySize) {
			best, bodySize = w, key.size
		}
	}

	seen := make(map[int]bool)
	for key := range weights {
		if key.size > bodySize && !seen[key.size] {
			seen[key.size] = true
			headingSizes = append(headingSizes, key.size)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(headingSizes)))
	return bodySize, headingSizes
}

// detectHeadersFooters finds short line texts recurring in the page bands
// across the sampled first and last pages. A single-page document has no
// repetition to detect.
func detectHeadersFooters(pages []Page) map[string]bool {
	if len(pages) <= 1 {
		return nil
	}

	sample := sampleIndices(len(pages))
	counts := make(map[string]int)
	for _, i := range sample {
		page := pages[i]
		for _, line := range page.Lines {
			if !inBand(line, page) {
				continue
			}
			text := normalizeWS(line.Text())
			if text == "" || utf8.RuneCountInString(text) > headerFooterMaxLen {
				continue
			}
			counts[text]++
		}
	}

	repeated := make(map[string]bool)
	for text, n := range counts {
		if float64(n) >= float64(len(sample))*headerFooterRecur {
			repeated[text] = true
		}
	}
	return repeated
}

// sampleIndices picks the first five pages, plus the last five when the
// document is long enough that the ranges cannot overlap.
func sampleIndices(n int) []int {
	count := headerFooterPages
	if count > n {
		count = n
	}
	idx := make([]int, 0, count*2)
	for i := 0; i < count; i++ {
		idx = append(idx, i)
	}
	if n > headerFooterPages*2 {
		for i := n - headerFooterPages; i < n; i++ {
			idx = append(idx, i)
		}
	}
	return idx
}

// inBand reports whether the line sits in the top or bottom band of its
// page, where running headers and footers live.
func inBand(line Line, page Page) bool {
	if page.Height <= 0 {
		return false
	}
	return line.Y >= page.Height*(1-headerFooterBand) || line.Y <= page.Height*headerFooterBand
}

func pageIsEmpty(page Page) bool {
	for _, line := range page.Lines {
		if strings.TrimSpace(line.Text()) != "" {
			return false
		}
	}
	return true
}

// DocMetadata derives the document title from the file name (underscores
// become spaces, extension dropped) and a file URI for provenance.
func DocMetadata(path string) (title, uri string) {
	base := filepath.Base(path)
	title = strings.ReplaceAll(strings.TrimSuffix(base, filepath.Ext(base)), "_", " ")
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return title, "file://" + filepath.ToSlash(abs)
}


var wsRe = regexp.MustCompile(`\s+`)

func normalizeWS(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}
