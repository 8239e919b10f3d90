package content

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

type BrowserOptions struct {
	Pages        int
	MaxBodyBytes int64
}

// BrowserFetcher renders targets in headless Chrome so script-built phishing pages are
// scanned as a visitor sees them. The browser starts on first use and pages are pooled.
type BrowserFetcher struct {
	maxBytes int64
	size     int

	mu      sync.Mutex
	browser *rod.Browser
	pages   chan *rod.Page
	open    int
}

func NewBrowserFetcher(opts BrowserOptions) *BrowserFetcher {
	size := opts.Pages
	if size <= 0 {
		size = 1
	}
	return &BrowserFetcher{
		maxBytes: opts.MaxBodyBytes,
		size:     size,
		pages:    make(chan *rod.Page, size),
	}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, target string) (Page, error) {
	p, err := f.acquire(ctx)
	if err != nil {
		return Page{}, err
	}
	defer f.recycle(p)

	page := p.Context(ctx)

	_ = proto.PageSetDownloadBehavior{
		Behavior: proto.PageSetDownloadBehaviorBehaviorDeny,
	}.Call(page)

	if err := page.Navigate(target); err != nil {
		return Page{}, fmt.Errorf("content: navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return Page{}, fmt.Errorf("content: wait load: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return Page{}, fmt.Errorf("content: read html: %w", err)
	}
	if f.maxBytes > 0 && int64(len(html)) > f.maxBytes {
		return Page{}, fmt.Errorf("%w: rendered %d bytes", ErrBodyTooLarge, len(html))
	}

	return Page{
		URL:         target,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(html),
	}, nil
}

// Close shuts down every pooled page and the browser.
func (f *BrowserFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for drained := false; !drained; {
		select {
		case p := <-f.pages:
			_ = safeClosePage(p)
		default:
			drained = true
		}
	}
	if f.browser != nil {
		_ = rod.Try(func() { f.browser.MustClose() })
		f.browser = nil
	}
	f.open = 0
}

func (f *BrowserFetcher) acquire(ctx context.Context) (*rod.Page, error) {
	select {
	case p := <-f.pages:
		return p, nil
	default:
	}

	if p, err := f.newPage(); p != nil || err != nil {
		return p, err
	}

	select {
	case p := <-f.pages:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("content: waiting for browser page: %w", ctx.Err())
	}
}

// newPage opens a stealth page when the pool is below capacity. It returns (nil, nil)
// when the pool is full.
func (f *BrowserFetcher) newPage() (*rod.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.open >= f.size {
		return nil, nil
	}
	if err := f.ensureBrowser(); err != nil {
		return nil, err
	}

	p, err := stealth.Page(f.browser)
	if err != nil {
		if isConnClosed(err) {
			_ = rod.Try(func() { f.browser.MustClose() })
			f.browser = nil
		}
		return nil, fmt.Errorf("content: stealth page: %w", err)
	}
	f.open++
	return p, nil
}

func (f *BrowserFetcher) ensureBrowser() error {
	if f.browser != nil {
		return nil
	}

	controlURL, err := launcher.New().
		Leakless(true).
		Headless(true).
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Launch()
	if err != nil {
		return fmt.Errorf("content: launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("content: connect browser: %w", err)
	}
	if err := (proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorDeny,
		BrowserContextID: b.BrowserContextID,
	}).Call(b); err != nil {
		log.Warn("disable browser downloads failed", "error", err)
	}

	f.browser = b
	f.open = 0
	return nil
}

// recycle resets a page so nothing from one target leaks into the next, then returns it
// to the pool. Pages that fail to reset are closed.
func (f *BrowserFetcher) recycle(p *rod.Page) {
	if err := resetPage(p); err != nil {
		log.Debug("browser page reset failed, replacing", "error", err)
		_ = safeClosePage(p)
		f.mu.Lock()
		f.open--
		f.mu.Unlock()
		return
	}

	select {
	case f.pages <- p:
	default:
		_ = safeClosePage(p)
		f.mu.Lock()
		f.open--
		f.mu.Unlock()
	}
}

func resetPage(page *rod.Page) error {
	if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	if err := page.Navigate("about:blank"); err != nil {
		return fmt.Errorf("navigate blank: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait blank: %w", err)
	}
	_, _ = page.Eval(`() => {
		try { localStorage.clear(); sessionStorage.clear(); } catch (e) {}
		return true;
	}`)
	return nil
}

func safeClosePage(p *rod.Page) error {
	return rod.Try(func() { p.MustClose() })
}

func isConnClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "websocket: close")
}
