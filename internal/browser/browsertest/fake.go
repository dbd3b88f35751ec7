// Package browsertest provides in-memory fakes of the browser capability for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/headless-job-runner/internal/browser"
)

// Launcher hands out fake browsers and records how many it created.
type Launcher struct {
	mu       sync.Mutex
	browsers []*Browser
	launches atomic.Int32
	failures atomic.Int32

	// Err, when set, fails every launch. Use SetErr once the launcher is shared.
	Err error
	// MemoryMB seeds the memory sample of new browsers.
	MemoryMB float64
	// Delay is applied before each launch returns.
	Delay time.Duration
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Browser, error) {
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	err := l.Err
	l.mu.Unlock()
	if err != nil {
		l.failures.Add(1)
		return nil, err
	}
	n := l.launches.Add(1)
	b := &Browser{name: fmt.Sprintf("fake-%d", n), Headless: opts.Headless}
	b.SetMemory(l.MemoryMB)
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

// Launches reports how many browsers were created.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

// Failures reports how many launches returned Err.
func (l *Launcher) Failures() int {
	return int(l.failures.Load())
}

// SetErr changes the launch error; nil lets launches succeed again.
func (l *Launcher) SetErr(err error) {
	l.mu.Lock()
	l.Err = err
	l.mu.Unlock()
}

// Browsers returns the browsers launched so far.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Browser is a fake browser.Browser.
type Browser struct {
	name     string
	Headless bool

	mu       sync.Mutex
	memoryMB float64
	pages    []*Page
	closed   bool
	profiles []browser.Profile
}

// NewBrowser returns a standalone fake browser.
func NewBrowser(name string) *Browser {
	return &Browser{name: name}
}

// NewPage implements browser.Browser.
func (b *Browser) NewPage(_ context.Context, profile browser.Profile) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("browser closed")
	}
	p := NewPage()
	b.pages = append(b.pages, p)
	b.profiles = append(b.profiles, profile)
	return p, nil
}

// MemoryUsageMB implements browser.Browser.
func (b *Browser) MemoryUsageMB(context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.memoryMB, nil
}

// SetMemory changes the next memory sample.
func (b *Browser) SetMemory(mb float64) {
	b.mu.Lock()
	b.memoryMB = mb
	b.mu.Unlock()
}

// Version implements browser.Browser.
func (b *Browser) Version(context.Context) (string, error) {
	return "FakeChrome/1.0 (" + b.name + ")", nil
}

// Close implements browser.Browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, p := range b.pages {
		p.Close() //nolint:errcheck // fake
	}
	return nil
}

// Closed reports whether Close was called.
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// PageCount reports how many pages were opened.
func (b *Browser) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pages)
}

// Profiles returns the profiles pages were opened with.
func (b *Browser) Profiles() []browser.Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]browser.Profile(nil), b.profiles...)
}

// Page is a fake browser.Page backed by a tiny DOM of selector -> text.
type Page struct {
	mu       sync.Mutex
	url      string
	title    string
	elements map[string]string
	typed    map[string]string
	clicks   []string
	closed   bool

	// EvalResults maps expressions to values returned (JSON-encoded) by Evaluate.
	EvalResults map[string]any
	// NavigateErr fails every Navigate call.
	NavigateErr error
}

// NewPage returns an empty fake page at about:blank.
func NewPage() *Page {
	return &Page{
		url:         "about:blank",
		elements:    map[string]string{},
		typed:       map[string]string{},
		EvalResults: map[string]any{},
	}
}

// SetElement makes selector visible with the given text.
func (p *Page) SetElement(selector, text string) {
	p.mu.Lock()
	p.elements[selector] = text
	p.mu.Unlock()
}

// SetTitle sets the document title.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

// Navigate implements browser.Page.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

// Evaluate implements browser.Page.
func (p *Page) Evaluate(ctx context.Context, expr string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	v, ok := p.EvalResults[expr]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return raw, nil
}

// Content implements browser.Page.
func (p *Page) Content(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return "<html><head><title>" + p.title + "</title></head><body></body></html>", nil
}

// Title implements browser.Page.
func (p *Page) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

// URL implements browser.Page.
func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// WaitVisible blocks until selector exists or ctx is done.
func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		_, ok := p.elements[selector]
		p.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Click implements browser.Page.
func (p *Page) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.elements[selector]; !ok {
		return fmt.Errorf("no element matches %q", selector)
	}
	p.clicks = append(p.clicks, selector)
	return nil
}

// Type implements browser.Page.
func (p *Page) Type(_ context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed[selector] += text
	return nil
}

// Text implements browser.Page.
func (p *Page) Text(_ context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	text, ok := p.elements[selector]
	if !ok {
		return "", fmt.Errorf("no element matches %q", selector)
	}
	return text, nil
}

// Screenshot implements browser.Page.
func (p *Page) Screenshot(context.Context) ([]byte, error) {
	return []byte("\x89PNG fake"), nil
}

// Close implements browser.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Clicks returns the selectors clicked so far.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Typed returns the text typed into selector.
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}
