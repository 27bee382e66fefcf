// Package chunk splits raw text into semantically coherent chunks by
// comparing sentence embeddings: adjacent sentences merge into one chunk
// while they stay similar and the chunk stays under the size cap.
package chunk

import (
	"strings"
	"unicode"
)

// SplitSentences splits text into sentences on terminal punctuation
// (., !, ?) followed by whitespace. Punctuation stays attached to its
// sentence; blank sentences are dropped.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
