// Package browser defines the browser-automation capability the pool lends out
// and a chromedp-backed implementation of it.
package browser

import "context"

// Launcher starts new browser processes.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// LaunchOptions selects the launch mode of a browser.
type LaunchOptions struct {
	Headless bool
}

// Browser is a running browser process able to open pages.
type Browser interface {
	NewPage(ctx context.Context, profile Profile) (Page, error)
	// MemoryUsageMB samples the JS heap in use, in megabytes.
	MemoryUsageMB(ctx context.Context) (float64, error)
	Version(ctx context.Context) (string, error)
	Close() error
}

// Page is a single tab. Every call honours ctx cancellation.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs expr and returns the JSON encoding of its value; undefined yields nil.
	Evaluate(ctx context.Context, expr string) ([]byte, error)
	Content(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}
