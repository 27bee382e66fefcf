package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Injection patterns: SQL/NoSQL fragments that should never appear in a
// user question.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(DROP|DELETE|INSERT|UPDATE|ALTER|EXEC|UNION)\b.*\b(TABLE|FROM|INTO|SELECT|SET)\b`),
	regexp.MustCompile(`(?i)(--|;)\s*(DROP|DELETE|SELECT)`),
	regexp.MustCompile(`(?i)\$\{.*\}`),            // template injection
	regexp.MustCompile(`(?i)\{\s*"\$[a-z]+"\s*:`), // NoSQL operator injection
}

const minQuestionLength = 3

// ValidateDocument checks a Document before ingestion. A document needs a
// source URI and either inline text or a readable file path with a
// recognised extension.
func ValidateDocument(doc Document) error {
	if strings.TrimSpace(doc.SourceURI) == "" {
		return NewValidationError("source_uri", doc.SourceURI, ErrMissingSource)
	}
	if doc.Path == "" && strings.TrimSpace(doc.Text) == "" {
		return NewValidationError("text", "", ErrEmptyDocument)
	}
	if doc.Path != "" {
		if _, ok := FormatForPath(doc.Path); !ok {
			return NewValidationError("path", doc.Path, ErrUnsupportedFormat)
		}
	}
	return nil
}

// ValidateQuestion validates a user question before retrieval.
func ValidateQuestion(q Question) error {
	text := strings.TrimSpace(q.Text)

	if text == "" {
		return NewValidationError("text", text, ErrEmptyQuestion)
	}
	if utf8.RuneCountInString(text) < minQuestionLength {
		return NewValidationError("text", text, ErrQuestionTooShort)
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(text) {
			return NewValidationError("text", text, ErrQuestionInjection)
		}
	}
	return nil
}
