package serve

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
)

const (
	fetchTimeout = 15 * time.Second

	// fetchMaxBody bounds how much of a response body is read.
	fetchMaxBody = 2 << 20

	// fetchMaxChars bounds the text returned to the model.
	fetchMaxChars = 20000

	truncationMarker = "\n\n[content truncated]"
)

// Fetcher retrieves a URL and extracts its readable content as
// markdown. It never returns an error: failures come back as
// human-readable messages for the model to read.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher with the standard timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: fetchTimeout}}
}

// Fetch gets rawURL and returns its article content as markdown,
// truncated past the character limit.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Sprintf("Cannot fetch %q: not a valid http(s) URL.", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return fmt.Sprintf("Cannot fetch %s: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", "vigil/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Failed to fetch %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("Failed to fetch %s: HTTP %d.", rawURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !textContentType(contentType) {
		return fmt.Sprintf("Cannot fetch %s: unsupported content type %q.", rawURL, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBody))
	if err != nil {
		return fmt.Sprintf("Failed to read %s: %v", rawURL, err)
	}

	// Non-HTML text passes through as-is.
	if !strings.Contains(contentType, "html") {
		return truncate(string(body), fetchMaxChars)
	}

	markdown, err := extractMarkdown(body, parsed)
	if err != nil {
		return fmt.Sprintf("Failed to extract content from %s: %v", rawURL, err)
	}
	if strings.TrimSpace(markdown) == "" {
		return fmt.Sprintf("No readable content found at %s.", rawURL)
	}
	return truncate(markdown, fetchMaxChars)
}

// extractMarkdown runs the readability extractor over an HTML page and
// converts the resulting article to markdown. When extraction finds no
// article, the full page is converted instead.
func extractMarkdown(page []byte, pageURL *url.URL) (string, error) {
	html := string(page)

	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		html = article.Content
		if article.Title != "" {
			html = "<h1>" + article.Title + "</h1>" + html
		}
	}

	return htmltomarkdown.ConvertString(html)
}

func textContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.Contains(ct, "html"), strings.Contains(ct, "xml"),
		strings.Contains(ct, "json"), strings.Contains(ct, "markdown"):
		return true
	}
	return false
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + truncationMarker
}
