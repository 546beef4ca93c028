package extract

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// maxLinkBytes caps how much of a response body is read.
const maxLinkBytes = 20 << 20

// Fetcher downloads a URL and extracts its text.
type Fetcher struct {
	client    *http.Client
	extractor *Extractor
	userAgent string
}

// NewFetcher creates a fetcher whose requests time out after timeout.
func NewFetcher(timeout time.Duration, extractor *Extractor) *Fetcher {
	if extractor == nil {
		extractor = NewExtractor()
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		extractor: extractor,
		userAgent: "kioku/1.0 (+https://github.com/hyperjump/kioku)",
	}
}

// Fetch returns the title and text of the resource at rawURL. HTML is reduced to its visible
// text; other content types are extracted by the extension implied by the media type or the
// URL path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: status %d", u.Host, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLinkBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" {
		mediaType = http.DetectContentType(body)
		mediaType, _, _ = mime.ParseMediaType(mediaType)
	}
	fallbackTitle := path.Base(u.Path)
	if fallbackTitle == "/" || fallbackTitle == "." {
		fallbackTitle = u.Host
	}

	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page, err := ParseHTML(body)
		if err != nil {
			return nil, err
		}
		if page.Title == "" {
			page.Title = fallbackTitle
		}
		return page, nil
	case mediaType == "application/pdf":
		text, err := f.extractor.ExtractBytes(body, ".pdf")
		if err != nil {
			return nil, err
		}
		return &Page{Title: fallbackTitle, Text: text}, nil
	case strings.HasPrefix(mediaType, "text/"):
		text, err := extractPlain(body)
		if err != nil {
			return nil, err
		}
		return &Page{Title: fallbackTitle, Text: text}, nil
	default:
		ext := path.Ext(u.Path)
		if !Supported(ext) {
			return nil, fmt.Errorf("unsupported content type %q", mediaType)
		}
		text, err := f.extractor.ExtractBytes(body, ext)
		if err != nil {
			return nil, err
		}
		return &Page{Title: fallbackTitle, Text: text}, nil
	}
}
