package generation

import (
	"strings"

	"github.com/widgetrag/backend/internal/retrieval"
)

const noContext = "No relevant context found."

// buildContext joins qualifying documents until the next one would overrun
// maxLength. Documents are never cut.
func buildContext(docs []retrieval.Document, minScore float64, maxLength int) (string, int) {
	var parts []string
	used := 0
	current := 0
	for _, d := range docs {
		if d.Score < minScore {
			continue
		}
		block := "Document: " + strings.TrimSpace(d.Content)
		if maxLength > 0 && current+len(block) >= maxLength {
			break
		}
		parts = append(parts, block)
		current += len(block)
		used++
	}
	if len(parts) == 0 {
		return noContext, 0
	}
	return strings.Join(parts, "\n\n"), used
}

func buildPrompt(systemPrompt, context, question string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nContext Information:\n")
	b.WriteString(context)
	b.WriteString("\n\nUser Question: ")
	b.WriteString(question)
	b.WriteString("\n\nInstructions:\n")
	b.WriteString("- Answer based primarily on the provided context\n")
	b.WriteString("- If the context doesn't contain enough information, say so politely\n")
	b.WriteString("- Be helpful, accurate, and concise\n")
	b.WriteString("- Maintain a friendly, professional tone\n")
	b.WriteString("\nAnswer:")
	return b.String()
}
