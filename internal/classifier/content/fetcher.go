package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"golang.org/x/net/html/charset"
)

var (
	// ErrBodyTooLarge is returned when a response exceeds the configured byte cap.
	ErrBodyTooLarge = errors.New("content: body exceeds size cap")
	// ErrUnsupportedContent is returned for bodies that are not text (images, archives).
	ErrUnsupportedContent = errors.New("content: unsupported content type")
)

// Page is a fetched document with its body decoded to UTF-8.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetcher retrieves the body of a target URL. Implementations must honor ctx.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (Page, error)
}

type HTTPOptions struct {
	MaxBodyBytes int64
	UserAgent    string
	Client       *http.Client
}

// HTTPFetcher performs a single GET per target. Any status code is scannable.
type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{
		client:    client,
		maxBytes:  opts.MaxBodyBytes,
		userAgent: opts.UserAgent,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("content: create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("content: do request: %w", err)
	}
	defer resp.Body.Close()

	page := Page{
		URL:         target,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return page, fmt.Errorf("%w: declared %d bytes", ErrBodyTooLarge, resp.ContentLength)
	}

	reader := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return page, fmt.Errorf("content: read body: %w", err)
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return page, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.maxBytes)
	}

	if page.ContentType == "" {
		page.ContentType = http.DetectContentType(body)
	}
	if !isTextual(page.ContentType) {
		return page, fmt.Errorf("%w: %s", ErrUnsupportedContent, page.ContentType)
	}

	decoded, err := decodeBody(body, page.ContentType)
	if err != nil {
		return page, fmt.Errorf("content: decode body: %w", err)
	}
	page.Body = decoded
	return page, nil
}

func decodeBody(body []byte, contentType string) ([]byte, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

func isTextual(contentType string) bool {
	mt := mediaType(contentType)
	switch {
	case strings.HasPrefix(mt, "text/"):
		return true
	case mt == "application/xhtml+xml", mt == "application/xml", mt == "application/json", mt == "application/javascript":
		return true
	default:
		return false
	}
}

func isHTML(contentType string) bool {
	mt := mediaType(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}
