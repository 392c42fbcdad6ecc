package collectors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// maxExtractedChars caps the enriched content so a single long article
// cannot dominate downstream prompts.
const maxExtractedChars = 8000

// PageExtractor fetches a result URL and pulls readable text out of the
// page. Search APIs return short snippets; section writing benefits from
// fuller article text.
type PageExtractor struct {
	client *http.Client
}

func NewPageExtractor(client *http.Client) *PageExtractor {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &PageExtractor{client: client}
}

// Extract returns the main textual content of the page at pageURL.
func (p *PageExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "scribe/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", fmt.Errorf("unsupported content type %q", ct)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}

	doc.Find("script, style, nav, header, footer, aside, noscript").Remove()

	var sb strings.Builder
	scope := doc.Find("article")
	if scope.Length() == 0 {
		scope = doc.Find("body")
	}
	scope.Find("p, h1, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if len(text) < 20 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	})

	text := sb.String()
	if text == "" {
		return "", fmt.Errorf("no extractable text")
	}
	if len(text) > maxExtractedChars {
		text = text[:maxExtractedChars]
	}
	return text, nil
}
