package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/widgetrag/backend/internal/storage/models"
)

// PageFetcher retrieves a web page as text.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string) (Page, error)
}

type Extractor struct {
	fetcher PageFetcher
}

func NewExtractor(fetcher PageFetcher) *Extractor {
	return &Extractor{fetcher: fetcher}
}

// Extracted is the text of an item plus any title discovered on the way.
type Extracted struct {
	Text  string
	Title string
}

// Extract returns the text to chunk for an item. File items already carry
// text, produced by ExtractFile at upload; HTML file content is stripped
// here.
func (e *Extractor) Extract(ctx context.Context, it Item) (Extracted, error) {
	switch it.Type {
	case models.ContentText:
		return Extracted{Text: strings.TrimSpace(it.Content)}, nil

	case models.ContentURL:
		page, err := e.fetcher.Fetch(ctx, strings.TrimSpace(it.Content))
		if err != nil {
			return Extracted{}, fmt.Errorf("failed to load content from URL: %w", err)
		}
		return Extracted{Text: page.Text, Title: page.Title}, nil

	case models.ContentFile:
		if normalizeMime(it.FileType) == MimeHTML || looksLikeHTML([]byte(it.Content)) {
			text, err := htmlText(bytes.NewReader([]byte(it.Content)))
			if err != nil {
				return Extracted{}, err
			}
			return Extracted{Text: text}, nil
		}
		return Extracted{Text: strings.TrimSpace(it.Content)}, nil

	case models.ContentFAQ:
		return Extracted{Text: faqText(it)}, nil
	}
	return Extracted{}, fmt.Errorf("unsupported content type: %s", it.Type)
}

func faqText(it Item) string {
	question, answer := it.FAQ()
	if answer == "" {
		answer = strings.TrimSpace(it.Content)
	}
	switch {
	case question != "" && answer != "":
		return "Q: " + question + "\nA: " + answer
	case question != "":
		return "Question: " + question
	default:
		return "Answer: " + answer
	}
}
