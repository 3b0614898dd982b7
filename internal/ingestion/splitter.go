package ingestion

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultSeparators are tried in order, from paragraph breaks down to
// single characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", ", ", " ", ""}

// Splitter cuts text into chunks of at most ChunkSize characters. Every
// chunk after the first starts with the last ChunkOverlap characters of the
// chunk before it. Chunk bodies break at the earliest separator in the list
// that occurs in the text.
type Splitter struct {
	ChunkSize      int
	ChunkOverlap   int
	MinChunkLength int
	Separators     []string
}

func NewSplitter(size, overlap, minLength int) *Splitter {
	return &Splitter{
		ChunkSize:      size,
		ChunkOverlap:   overlap,
		MinChunkLength: minLength,
		Separators:     DefaultSeparators,
	}
}

// Split returns the chunks of text, dropping any shorter than
// MinChunkLength.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	// a piece must fit next to a full overlap
	limit := max(s.ChunkSize-s.ChunkOverlap, 1)

	var out []string
	for _, c := range s.merge(s.pieces(text, s.Separators, limit)) {
		if strings.TrimSpace(c) == "" || length(c) < s.MinChunkLength {
			continue
		}
		out = append(out, c)
	}
	return out
}

// pieces breaks text into runs of at most limit characters, recursing into
// finer separators only for runs that are still too long.
func (s *Splitter) pieces(text string, separators []string, limit int) []string {
	separator := ""
	var rest []string
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var parts []string
	if separator == "" {
		parts = splitRunes(text)
	} else {
		parts = splitKeep(text, separator)
	}

	var out []string
	for _, p := range parts {
		switch {
		case length(p) <= limit:
			out = append(out, p)
		case len(rest) == 0:
			out = append(out, cut(p, limit)...)
		default:
			out = append(out, s.pieces(p, rest, limit)...)
		}
	}
	return out
}

// merge packs pieces into chunks. A finished chunk loses its trailing
// whitespace; that whitespace is placed after the overlap so words in the
// next chunk stay separated.
func (s *Splitter) merge(pieces []string) []string {
	var chunks []string
	var b strings.Builder
	total := 0
	fresh := false
	seed, gap := "", ""

	for _, p := range pieces {
		n := length(p)
		if fresh && total+n > s.ChunkSize {
			chunk := strings.TrimRightFunc(b.String(), unicode.IsSpace)
			chunks = append(chunks, chunk)

			gap = b.String()[len(chunk):]
			seed = tail(chunk, s.ChunkOverlap)
			b.Reset()
			total = 0
			fresh = false
		}
		if !fresh && len(chunks) > 0 {
			if length(seed)+length(gap)+n > s.ChunkSize {
				gap = ""
			}
			b.WriteString(seed)
			b.WriteString(gap)
			total = length(seed) + length(gap)
		}
		b.WriteString(p)
		total += n
		fresh = true
	}
	if fresh {
		chunks = append(chunks, strings.TrimRightFunc(b.String(), unicode.IsSpace))
	}
	return chunks
}

// splitKeep splits on sep and keeps sep attached to the end of each piece.
func splitKeep(text, sep string) []string {
	parts := strings.SplitAfter(text, sep)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitRunes(text string) []string {
	out := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}

// cut slices text into runs of n runes.
func cut(text string, n int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// tail returns the last n runes of text.
func tail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[len(runes)-n:])
}

func length(s string) int {
	return utf8.RuneCountInString(s)
}
