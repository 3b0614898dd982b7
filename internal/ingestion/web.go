package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const maxPageBytes = 5 << 20

var whitespace = regexp.MustCompile(`\s+`)

// WebClient fetches pages for url training items.
type WebClient struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewWebClient(timeout time.Duration, logger *zap.Logger) *WebClient {
	return &WebClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type Page struct {
	Title string
	Text  string
}

// Fetch downloads a page and returns its title and visible text.
func (c *WebClient) Fetch(ctx context.Context, pageURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; WidgetRAG/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("HTTP %d: failed to fetch URL", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Page{}, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}

	text, err := htmlText(bytes.NewReader(body))
	if err != nil {
		return Page{}, err
	}

	c.logger.Debug("Fetched training page", zap.String("url", pageURL), zap.Int("chars", len(text)))
	return Page{Title: htmlTitle(body), Text: text}, nil
}

// htmlText strips markup, scripts and page chrome and collapses whitespace.
func htmlText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript, nav, footer, header, aside").Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	// Block elements end lines so adjacent paragraphs don't run together.
	body.Find("p, div, li, h1, h2, h3, h4, h5, h6, br, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	return strings.TrimSpace(whitespace.ReplaceAllString(body.Text(), " ")), nil
}

// htmlTitle returns the document's title, or its first h1.
func htmlTitle(html []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return title
}
