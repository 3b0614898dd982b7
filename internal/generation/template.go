package generation

import (
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/widgetrag/backend/internal/retrieval"
	"github.com/widgetrag/backend/pkg/utils"
)

const (
	NoContextResponse = "I don't have enough information to answer that question. " +
		"Could you please provide more details or try asking about our product features, pricing, or general information?"

	maxExcerptLength = 500
)

type intent struct {
	keywords []string
	title    string
	format   func(excerpt string) string
}

var intents = []intent{
	{
		keywords: []string{"price", "cost", "pricing", "plan", "subscription"},
		title:    "pricing",
		format: func(s string) string {
			return "Here's our pricing information:\n\n" + s + "\n\nWould you like to know more about any specific plan?"
		},
	},
	{
		keywords: []string{"feature", "capability", "what", "how", "function"},
		title:    "feature",
		format: func(s string) string {
			return "Here are our key features:\n\n" + s + "\n\nIs there a specific feature you'd like to know more about?"
		},
	},
	{
		keywords: []string{"product", "overview", "about", "what is"},
		title:    "overview",
		format: func(s string) string {
			return "About our product:\n\n" + s + "\n\nWhat specific aspect would you like to explore further?"
		},
	},
}

func defaultReply(s string) string {
	return "Based on our documentation:\n\n" + s + "\n\nDoes this help answer your question?"
}

// templateResponse answers from the retrieved documents without a model.
func templateResponse(question string, docs []retrieval.Document) string {
	if len(docs) == 0 {
		return NoContextResponse
	}

	// only the first matching intent is tried
	if in, ok := matchIntent(strings.ToLower(question)); ok {
		for _, d := range docs {
			if strings.Contains(strings.ToLower(d.Metadata.Title), in.title) {
				return in.format(excerpt(d.Content, maxExcerptLength))
			}
		}
	}

	return defaultReply(excerpt(docs[0].Content, maxExcerptLength))
}

func matchIntent(q string) (intent, bool) {
	for _, in := range intents {
		if containsAny(q, in.keywords) {
			return in, true
		}
	}
	return intent{}, false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// excerpt returns whole leading sentences up to limit characters. A first
// sentence longer than limit is cut at the limit.
func excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}

	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return utils.Truncate(text, limit)
	}

	var b strings.Builder
	for _, s := range doc.Sentences() {
		sentence := strings.TrimSpace(s.Text)
		next := len(sentence)
		if b.Len() > 0 {
			next++
		}
		if b.Len()+next > limit {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(sentence)
	}
	if b.Len() == 0 {
		return utils.Truncate(text, limit)
	}
	return b.String()
}
