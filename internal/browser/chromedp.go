package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"
)

const bytesPerMB = 1024 * 1024

// ChromedpConfig controls how Chrome processes are started.
type ChromedpConfig struct {
	ExecPath          string
	NoSandbox         bool
	NavigationTimeout time.Duration
}

// ChromedpLauncher starts one Chrome process per Launch call.
type ChromedpLauncher struct {
	cfg ChromedpConfig
}

// NewChromedpLauncher builds a launcher backed by chromedp.
func NewChromedpLauncher(cfg ChromedpConfig) *ChromedpLauncher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	return &ChromedpLauncher{cfg: cfg}
}

// Launch starts Chrome and opens its first target.
func (l *ChromedpLauncher) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(),
		LaunchFlags(opts.Headless, l.cfg.NoSandbox, l.cfg.ExecPath)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	b := &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		navTimeout:  l.cfg.NavigationTimeout,
		sample:      heapUsedMB,
		pages:       make(map[*chromePage]struct{}),
	}
	if err := runInit(ctx, browserCtx, browserCancel, performance.Enable()); err != nil {
		b.Close() //nolint:errcheck // process failed to start
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	return b, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	navTimeout  time.Duration
	// sample reads the JS heap of the target held by a chromedp context.
	sample func(ctx, target context.Context) (float64, error)

	mu    sync.Mutex
	pages map[*chromePage]struct{}
}

func (b *chromeBrowser) run(ctx context.Context, actions ...chromedp.Action) error {
	return runBound(ctx, b.ctx, actions...)
}

func (b *chromeBrowser) NewPage(ctx context.Context, profile Profile) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	p := &chromePage{ctx: tabCtx, cancel: tabCancel, navTimeout: b.navTimeout, owner: b}
	if err := runInit(ctx, tabCtx, tabCancel, performance.Enable(), profileAction(profile)); err != nil {
		tabCancel()
		return nil, fmt.Errorf("configure page: %w", err)
	}
	b.track(p)
	return p, nil
}

func (b *chromeBrowser) track(p *chromePage) {
	b.mu.Lock()
	b.pages[p] = struct{}{}
	b.mu.Unlock()
}

func (b *chromeBrowser) untrack(p *chromePage) {
	b.mu.Lock()
	delete(b.pages, p)
	b.mu.Unlock()
}

func (b *chromeBrowser) openPages() []*chromePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*chromePage, 0, len(b.pages))
	for p := range b.pages {
		out = append(out, p)
	}
	return out
}

// MemoryUsageMB sums the JS heap of the root target and every open page.
// Pages that fail to report, usually because they are closing, are skipped.
func (b *chromeBrowser) MemoryUsageMB(ctx context.Context) (float64, error) {
	total, err := b.sample(ctx, b.ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range b.openPages() {
		mb, err := b.sample(ctx, p.ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			continue
		}
		total += mb
	}
	return total, nil
}

func heapUsedMB(ctx, target context.Context) (float64, error) {
	var heap float64
	err := runBound(ctx, target, chromedp.ActionFunc(func(ctx context.Context) error {
		metrics, err := performance.GetMetrics().Do(ctx)
		if err != nil {
			return fmt.Errorf("get performance metrics: %w", err)
		}
		for _, m := range metrics {
			if m.Name == "JSHeapUsedSize" {
				heap = m.Value
				break
			}
		}
		return nil
	}))
	if err != nil {
		return 0, err
	}
	return heap / bytesPerMB, nil
}

func (b *chromeBrowser) Version(ctx context.Context) (string, error) {
	var product string
	err := b.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		var err error
		_, product, _, _, _, err = cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, c.Browser))
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("get browser version: %w", err)
	}
	return product, nil
}

func (b *chromeBrowser) Close() error {
	if err := chromedp.Cancel(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.allocCancel()
		return fmt.Errorf("close chrome: %w", err)
	}
	b.cancel()
	b.allocCancel()
	b.mu.Lock()
	b.pages = make(map[*chromePage]struct{})
	b.mu.Unlock()
	return nil
}

type chromePage struct {
	ctx        context.Context
	cancel     context.CancelFunc
	navTimeout time.Duration
	owner      *chromeBrowser
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, p.navTimeout)
	defer cancel()
	if err := runBound(navCtx, p.ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *chromePage) Evaluate(ctx context.Context, expr string) ([]byte, error) {
	var raw []byte
	if err := runBound(ctx, p.ctx, chromedp.Evaluate(expr, &raw)); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return raw, nil
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	if err := runBound(ctx, p.ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := runBound(ctx, p.ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := runBound(ctx, p.ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	if err := runBound(ctx, p.ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	if err := runBound(ctx, p.ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	if err := runBound(ctx, p.ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("type into %q: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := runBound(ctx, p.ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read text of %q: %w", selector, err)
	}
	return text, nil
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := runBound(ctx, p.ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	if p.owner != nil {
		p.owner.untrack(p)
	}
	p.cancel()
	return nil
}

// runBound runs actions on the chromedp target held by target while honouring
// cancellation of the caller's ctx. Cancelling the derived context leaves the tab open.
func runBound(ctx, target context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(target)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err //nolint:wrapcheck // wrapped by callers
	}
	return nil
}

// runInit performs the first Run on a fresh chromedp context, which allocates the
// browser or tab. It must use that context directly; ctx cancellation tears it down.
func runInit(ctx, target context.Context, teardown context.CancelFunc, actions ...chromedp.Action) error {
	stop := context.AfterFunc(ctx, teardown)
	defer stop()
	if err := chromedp.Run(target, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err //nolint:wrapcheck // wrapped by callers
	}
	return nil
}

func profileAction(profile Profile) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if profile.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(profile.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if profile.Width > 0 && profile.Height > 0 {
			if err := emulation.SetDeviceMetricsOverride(profile.Width, profile.Height, 1, false).Do(ctx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if len(profile.Headers) > 0 {
			headers := network.Headers{}
			for k, v := range profile.Headers {
				headers[k] = v
			}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		if profile.Script != "" {
			if _, err := cdppage.AddScriptToEvaluateOnNewDocument(profile.Script).Do(ctx); err != nil {
				return fmt.Errorf("install init script: %w", err)
			}
		}
		return nil
	})
}
