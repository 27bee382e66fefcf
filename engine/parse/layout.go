package parse

import (
	"io"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Default US Letter dimensions, used when a page carries no MediaBox.
const (
	defaultPageWidth  = 612
	defaultPageHeight = 792
)

// Span is one positioned text fragment from the page content stream.
type Span struct {
	Text string
	Font string
	Size float64
	X, W float64
}

// Line is a row of spans sharing a baseline.
type Line struct {
	Spans []Span
	Y     float64
}

// Text joins the span texts, inserting a space at visible horizontal gaps.
func (l Line) Text() string {
	var b strings.Builder
	var prevEnd float64
	for i, s := range l.Spans {
		if i > 0 && s.X-prevEnd > math.Max(1, 0.25*s.Size) {
			b.WriteByte(' ')
		}
		b.WriteString(s.Text)
		prevEnd = s.X + s.W
	}
	return b.String()
}

// MaxSize returns the largest rounded span size on the line, ignoring blank
// spans. Returns 0 when every span is blank.
func (l Line) MaxSize() int {
	size := 0
	for _, s := range l.Spans {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		if r := int(math.Round(s.Size)); r > size {
			size = r
		}
	}
	return size
}

// Page holds the layout of one page. Lines run top to bottom; Y is in PDF
// user space, origin at the bottom of the page.
type Page struct {
	Width  float64
	Height float64
	Lines  []Line
}

// readLayout opens a PDF and extracts per-page line layout. A page whose
// text cannot be decoded yields an empty Page rather than failing the
// document; only an unreadable file is an error.
func readLayout(path string) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pages := make([]Page, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, Page{Width: defaultPageWidth, Height: defaultPageHeight})
			continue
		}
		pages = append(pages, pageLayout(p))
	}
	return pages, nil
}

func pageLayout(p pdf.Page) Page {
	w, h := mediaBox(p)
	page := Page{Width: w, Height: h}

	rows, err := p.GetTextByRow()
	if err != nil {
		// Image-only or malformed content stream; OCR may still handle it.
		return page
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })

	for _, row := range rows {
		texts := append([]pdf.Text(nil), row.Content...)
		sort.SliceStable(texts, func(i, j int) bool { return texts[i].X < texts[j].X })

		line := Line{Y: float64(row.Position)}
		for _, t := range texts {
			line.Spans = append(line.Spans, Span{Text: t.S, Font: t.Font, Size: t.FontSize, X: t.X, W: t.W})
		}
		page.Lines = append(page.Lines, line)
	}
	return page
}

func mediaBox(p pdf.Page) (w, h float64) {
	w, h = defaultPageWidth, defaultPageHeight
	box := p.V.Key("MediaBox")
	if box.Len() == 4 {
		x0, y0 := box.Index(0).Float64(), box.Index(1).Float64()
		x1, y1 := box.Index(2).Float64(), box.Index(3).Float64()
		if x1 > x0 && y1 > y0 {
			w, h = x1-x0, y1-y0
		}
	}
	return w, h
}

// PlainText extracts the document's text without layout. It is the fallback
// for documents where the structural pass finds nothing usable.
func PlainText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
