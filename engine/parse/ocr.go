package parse

import "context"

// OCR recovers text from pages that have no extractable text layer.
// Implementations are best-effort: when no OCR is configured or a call
// fails, the parser skips the page silently and chunk numbering stays
// contiguous.
type OCR interface {
	PageText(ctx context.Context, path string, page int) (string, error)
}
