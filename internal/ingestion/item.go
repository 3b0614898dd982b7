// Package ingestion turns training items into plain text and splits that
// text into overlapping chunks.
package ingestion

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/storage/models"
)

const (
	minContentLength  = 10
	warnContentLength = 100000
)

// Item is one piece of training data as submitted by the caller.
type Item struct {
	Type      models.ContentType `json:"type" validate:"required"`
	Content   string             `json:"content" validate:"required"`
	Title     string             `json:"title,omitempty"`
	SourceURL string             `json:"source_url,omitempty"`
	FileType  string             `json:"file_type,omitempty"`
	Question  string             `json:"question,omitempty"`
	Answer    string             `json:"answer,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

func (it Item) TitleOrDefault() string {
	if t := strings.TrimSpace(it.Title); t != "" {
		return t
	}
	return "Untitled"
}

func (it Item) metadataString(key string) string {
	if v, ok := it.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// FAQ returns the question and answer of a faq item, falling back to
// metadata.question and metadata.answer.
func (it Item) FAQ() (question, answer string) {
	question = strings.TrimSpace(it.Question)
	if question == "" {
		question = strings.TrimSpace(it.metadataString("question"))
	}
	answer = strings.TrimSpace(it.Answer)
	if answer == "" {
		answer = strings.TrimSpace(it.metadataString("answer"))
	}
	return question, answer
}

// Validate checks a whole batch. Any item error rejects the batch; overly
// long content only produces a warning.
func Validate(items []Item) (warnings []string, err error) {
	if len(items) == 0 {
		return nil, apperr.NewValidation("training data must contain at least one item")
	}

	var problems []string
	for i, it := range items {
		for _, p := range validateItem(it) {
			problems = append(problems, fmt.Sprintf("item %d: %s", i, p))
		}
		if len(it.Content) > warnContentLength {
			warnings = append(warnings, fmt.Sprintf("item %d: content very long (%d chars)", i, len(it.Content)))
		}
	}

	if len(problems) > 0 {
		return warnings, apperr.NewValidation(problems...)
	}
	return warnings, nil
}

func validateItem(it Item) []string {
	var problems []string

	if it.Type == "" {
		problems = append(problems, "missing 'type' field")
	} else if !it.Type.Valid() {
		problems = append(problems, fmt.Sprintf("invalid content type: %s", it.Type))
	}

	content := strings.TrimSpace(it.Content)
	switch {
	case content == "":
		problems = append(problems, "missing 'content' field")
	case len(content) < minContentLength:
		problems = append(problems, fmt.Sprintf("content too short (minimum %d characters)", minContentLength))
	}

	switch it.Type {
	case models.ContentURL:
		u, err := url.Parse(content)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "URL must start with http:// or https:// and name a host")
		}
	case models.ContentFAQ:
		if q, a := it.FAQ(); q == "" && a == "" {
			problems = append(problems, "FAQ must have question and/or answer")
		}
	}

	return problems
}
