package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/widgetrag/backend/internal/apperr"
	"github.com/widgetrag/backend/internal/storage/models"
)

func numberedWords(n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "w%04d ", i)
	}
	return b.String()[:n]
}

func TestSplitterOverlap(t *testing.T) {
	s := NewSplitter(1000, 200, 50)
	chunks := s.Split(numberedWords(2500))

	require.GreaterOrEqual(t, len(chunks), 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 1000)
	}
	for i := 0; i+1 < len(chunks); i++ {
		assert.True(t, strings.HasSuffix(chunks[i], chunks[i+1][:200]),
			"chunk %d should start with the last 200 characters of chunk %d", i+1, i)
	}
	for i, c := range chunks {
		assert.NotRegexp(t, `\dw`, c, "chunk %d fused two words", i)
	}
}

func TestSplitterOverlapCountsRunes(t *testing.T) {
	text := strings.Repeat("größe ", 100)
	chunks := NewSplitter(120, 30, 10).Split(text)

	require.GreaterOrEqual(t, len(chunks), 2)
	for i, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 120, "chunk %d", i)
	}
	for i := 0; i+1 < len(chunks); i++ {
		head := string([]rune(chunks[i+1])[:30])
		assert.True(t, strings.HasSuffix(chunks[i], head), "chunk %d", i+1)
	}
}

func TestSplitterBreaksAtParagraphs(t *testing.T) {
	para := strings.Repeat("Plans are billed monthly and can be cancelled any time. ", 5)
	text := para + "\n\n" + para + "\n\n" + para
	chunks := NewSplitter(400, 50, 50).Split(text)

	require.Len(t, chunks, 3)
	assert.Equal(t, strings.TrimSpace(para), chunks[0])
	for i, c := range chunks {
		assert.True(t, strings.HasSuffix(c, strings.TrimSpace(para)), "chunk %d", i)
	}
	for i := 0; i+1 < len(chunks); i++ {
		assert.True(t, strings.HasSuffix(chunks[i], chunks[i+1][:50]), "chunk %d", i+1)
	}
}

func TestSplitterDropsShortChunks(t *testing.T) {
	assert.Empty(t, NewSplitter(1000, 200, 50).Split("too short"))
	assert.Empty(t, NewSplitter(1000, 200, 50).Split("   "))
}

func TestSplitterHandlesUnbrokenText(t *testing.T) {
	chunks := NewSplitter(100, 20, 10).Split(strings.Repeat("x", 450))
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 100)
	}
}

func TestValidate(t *testing.T) {
	warnings, err := Validate([]Item{
		{Type: models.ContentText, Content: "A perfectly fine paragraph."},
		{Type: models.ContentURL, Content: "https://example.com/docs"},
		{Type: models.ContentFAQ, Content: "How do I install it?", Metadata: map[string]any{"answer": "Run the installer."}},
		{Type: models.ContentText, Content: strings.Repeat("a", warnContentLength+1)},
	})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "item 3")

	_, err = Validate([]Item{
		{Type: models.ContentText, Content: "fine content here"},
		{Type: "video", Content: "whatever content"},
		{Type: models.ContentURL, Content: "ftp://example.com/file"},
		{Type: models.ContentFAQ, Content: "Question without answer"},
		{Type: models.ContentText, Content: "short"},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	msg := err.Error()
	assert.Contains(t, msg, "item 1: invalid content type")
	assert.Contains(t, msg, "item 2: URL must start")
	assert.Contains(t, msg, "item 3: FAQ must have")
	assert.Contains(t, msg, "item 4: content too short")
	assert.NotContains(t, msg, "item 0")
}

func TestFAQText(t *testing.T) {
	assert.Equal(t, "Q: How?\nA: Like this.", faqText(Item{Question: "How?", Answer: "Like this."}))
	assert.Equal(t, "Q: How?\nA: See the docs.", faqText(Item{Question: "How?", Content: "See the docs."}))
	assert.Equal(t, "Answer: Just the answer.",
		faqText(Item{Content: "ignored", Metadata: map[string]any{"answer": "Just the answer."}}))
}

func TestFAQFieldsFallBackToMetadataOnly(t *testing.T) {
	q, a := Item{Content: "See the docs.", Metadata: map[string]any{"question": "How?"}}.FAQ()
	assert.Equal(t, "How?", q)
	assert.Empty(t, a, "content is not treated as the answer")

	q, a = Item{Question: " Why? ", Metadata: map[string]any{"answer": "Because."}}.FAQ()
	assert.Equal(t, "Why?", q)
	assert.Equal(t, "Because.", a)
}

func TestExtractURLStripsMarkup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Pricing</title><script>var x=1;</script></head>
<body><nav>Home | Docs</nav><h1>Plans</h1><p>Starter is $10.</p><p>Pro is $49.</p><footer>(c) us</footer></body></html>`))
	}))
	defer srv.Close()

	e := NewExtractor(NewWebClient(time.Second, zap.NewNop()))
	out, err := e.Extract(context.Background(), Item{Type: models.ContentURL, Content: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "Pricing", out.Title)
	assert.Equal(t, "Plans Starter is $10. Pro is $49.", out.Text)
}

func TestExtractURLFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	e := NewExtractor(NewWebClient(time.Second, zap.NewNop()))
	_, err := e.Extract(context.Background(), Item{Type: models.ContentURL, Content: srv.URL})
	assert.ErrorContains(t, err, "HTTP 404")
}

func docxBytes(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractFile(t *testing.T) {
	text, err := ExtractFile("notes.txt", MimeText, []byte("  plain notes  "))
	require.NoError(t, err)
	assert.Equal(t, "plain notes", text)

	doc := docxBytes(t, `<w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p><w:p><w:r><w:t>Second </w:t></w:r><w:r><w:t>one.</w:t></w:r></w:p>`)
	text, err = ExtractFile("guide.docx", MimeDOCX, doc)
	require.NoError(t, err)
	assert.Equal(t, "First paragraph.\nSecond one.", text)

	text, err = ExtractFile("page.html", "", []byte("<html><body><p>Hello there</p></body></html>"))
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)

	_, err = ExtractFile("fake.pdf", MimePDF, []byte("not really a pdf"))
	assert.Error(t, err)

	_, err = ExtractFile("empty.txt", MimeText, nil)
	assert.Error(t, err)
}

func TestSupportedMime(t *testing.T) {
	assert.True(t, SupportedMime("application/pdf"))
	assert.True(t, SupportedMime("text/plain; charset=utf-8"))
	assert.False(t, SupportedMime("image/png"))
}
