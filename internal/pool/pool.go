// Package pool lends browser instances and pages to running jobs.
//
// Browsers are reused while their sampled memory stays under a ceiling, launched
// lazily up to a maximum, evicted after an idle timeout and closed on shutdown.
// Every acquisition is spaced by a process-wide rate limiter.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/browser"
	"github.com/JakeFAU/headless-job-runner/internal/clock/system"
	"github.com/JakeFAU/headless-job-runner/internal/id/uuid"
	"github.com/JakeFAU/headless-job-runner/internal/policy/ratelimit"
	"github.com/JakeFAU/headless-job-runner/internal/progress"
	"github.com/JakeFAU/headless-job-runner/internal/telemetry"
)

var (
	// ErrBrowserNotFound is returned when a browser id is unknown, usually because it was evicted.
	ErrBrowserNotFound = errors.New("browser not found")
	// ErrPoolExhausted is returned when MaxAttempts polling passes found no capacity.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("browser pool closed")
)

const (
	rateLimitKey  = "browser_acquire"
	sampleTimeout = 5 * time.Second
)

// EventRecorder receives browser lifecycle events.
type EventRecorder interface {
	Record(evt progress.Event)
}

// Clock abstracts time for idle accounting.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues browser instance ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config tunes pool capacity and pacing.
type Config struct {
	MaxBrowsers     int
	MemoryCeilingMB float64
	IdleTimeout     time.Duration
	// RateLimit is the minimum spacing between acquisitions; zero disables it.
	RateLimit    time.Duration
	PollInterval time.Duration
	// MaxAttempts bounds polling passes while at capacity; zero polls until ctx is done.
	MaxAttempts int
}

// Options carries optional collaborators.
type Options struct {
	Recorder EventRecorder
	Clock    Clock
	IDs      IDGenerator
	Logger   *zap.Logger
}

// Pool manages browser instances and their pages.
type Pool struct {
	cfg      Config
	launcher browser.Launcher
	limiter  *ratelimit.Limiter
	recorder EventRecorder
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger

	mu        sync.Mutex
	instances map[string]*instance
	launching int
	closed    bool
}

type instance struct {
	id        string
	browser   browser.Browser
	headless  bool
	createdAt time.Time
	lastUsed  time.Time
	requests  int
	memoryMB  float64
	sampled   bool
	pages     []*pageSlot
}

type pageSlot struct {
	page  browser.Page
	inUse bool
}

func (in *instance) busyPages() int {
	n := 0
	for _, s := range in.pages {
		if s.inUse {
			n++
		}
	}
	return n
}

// New builds a Pool. Zero config values fall back to 3 browsers, a 500 MB ceiling,
// a 10 minute idle timeout and a 1 second poll interval.
func New(launcher browser.Launcher, cfg Config, opts Options) *Pool {
	if cfg.MaxBrowsers <= 0 {
		cfg.MaxBrowsers = 3
	}
	if cfg.MemoryCeilingMB <= 0 {
		cfg.MemoryCeilingMB = 500
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		launcher:  launcher,
		limiter:   ratelimit.New(ratelimit.Config{Interval: cfg.RateLimit}),
		recorder:  opts.Recorder,
		clock:     opts.Clock,
		ids:       opts.IDs,
		logger:    opts.Logger.Named("pool"),
		instances: make(map[string]*instance),
	}
}

// BrowserLease is a claim on a browser instance.
type BrowserLease struct {
	ID       string
	Browser  browser.Browser
	Headless bool

	pool *Pool
	once sync.Once
}

// Release records last use and refreshes the memory sample. It is safe to call more than once.
func (l *BrowserLease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
		defer cancel()
		l.pool.releaseBrowser(ctx, l.ID)
	})
}

// PageLease is an exclusive claim on a page of a browser.
type PageLease struct {
	Page      browser.Page
	BrowserID string

	pool *Pool
	slot *pageSlot
	once sync.Once
}

// Release returns the page to the free list. It is safe to call more than once.
func (l *PageLease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		l.slot.inUse = false
		l.pool.mu.Unlock()
		l.pool.publishUsage()
	})
}

// AcquireBrowser waits for the rate limiter, then returns the least-loaded eligible
// instance, launches a new one, or polls until one is available. Idle browsers are
// evicted before every pass. A failed launch frees its slot and counts as a pass.
func (p *Pool) AcquireBrowser(ctx context.Context, headless bool) (*BrowserLease, error) {
	start := time.Now()
	lease, err := p.acquireBrowser(ctx, headless)
	result := "acquired"
	if err != nil {
		result = "error"
	}
	telemetry.ObserveAcquireWait(result, time.Since(start))
	return lease, err
}

func (p *Pool) acquireBrowser(ctx context.Context, headless bool) (*BrowserLease, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := p.limiter.Wait(ctx, rateLimitKey); err != nil {
		return nil, fmt.Errorf("acquire browser: %w", err)
	}

	var launchErr error
	for attempt := 1; ; attempt++ {
		p.CleanupIdleBrowsers(ctx)
		lease, launch, err := p.selectOrReserve(headless)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
		if launch {
			lease, err := p.launch(ctx, headless)
			switch {
			case err == nil:
				return lease, nil
			case errors.Is(err, ErrPoolClosed):
				return nil, err
			case ctx.Err() != nil:
				return nil, fmt.Errorf("acquire browser: %w", ctx.Err())
			}
			launchErr = err
		}
		if p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts {
			if launchErr != nil {
				return nil, fmt.Errorf("acquire browser after %d attempts: %w: %w", attempt, ErrPoolExhausted, launchErr)
			}
			return nil, fmt.Errorf("acquire browser after %d attempts: %w", attempt, ErrPoolExhausted)
		}
		p.logger.Debug("no browser available, waiting",
			zap.Int("attempt", attempt),
			zap.Bool("launch_failed", launch),
			zap.Duration("poll_interval", p.cfg.PollInterval),
		)
		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire browser: %w", ctx.Err())
		case <-timer.C:
		}
		p.resampleOverCeiling(ctx, headless)
	}
}

// selectOrReserve picks and marks an instance, or reserves a launch slot, in one critical section.
func (p *Pool) selectOrReserve(headless bool) (*BrowserLease, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}

	var best *instance
	for _, in := range p.instances {
		if in.headless != headless || in.memoryMB >= p.cfg.MemoryCeilingMB {
			continue
		}
		if best == nil || lessLoaded(in, best) {
			best = in
		}
	}
	if best != nil {
		best.lastUsed = p.clock.Now()
		best.requests++
		return &BrowserLease{ID: best.id, Browser: best.browser, Headless: best.headless, pool: p}, false, nil
	}
	if len(p.instances)+p.launching < p.cfg.MaxBrowsers {
		p.launching++
		return nil, true, nil
	}
	return nil, false, nil
}

func lessLoaded(a, b *instance) bool {
	if ab, bb := a.busyPages(), b.busyPages(); ab != bb {
		return ab < bb
	}
	if a.requests != b.requests {
		return a.requests < b.requests
	}
	return a.createdAt.Before(b.createdAt)
}

func (p *Pool) launch(ctx context.Context, headless bool) (*BrowserLease, error) {
	id, err := p.ids.NewID()
	if err == nil {
		var b browser.Browser
		b, err = p.launcher.Launch(ctx, browser.LaunchOptions{Headless: headless})
		if err == nil {
			return p.register(id, b, headless)
		}
	}
	p.mu.Lock()
	p.launching--
	p.mu.Unlock()
	p.logger.Error("browser launch failed", zap.Error(err))
	return nil, fmt.Errorf("launch browser: %w", err)
}

func (p *Pool) register(id string, b browser.Browser, headless bool) (*BrowserLease, error) {
	now := p.clock.Now()
	p.mu.Lock()
	p.launching--
	if p.closed {
		p.mu.Unlock()
		p.closeBrowser(id, b, nil)
		return nil, ErrPoolClosed
	}
	p.instances[id] = &instance{
		id:        id,
		browser:   b,
		headless:  headless,
		createdAt: now,
		lastUsed:  now,
		requests:  1,
	}
	p.mu.Unlock()

	p.logger.Info("browser launched", zap.String("browser_id", id), zap.Bool("headless", headless))
	p.record(progress.Event{Kind: progress.KindBrowserCreated, BrowserID: id})
	p.publishUsage()
	return &BrowserLease{ID: id, Browser: b, Headless: headless, pool: p}, nil
}

func (p *Pool) releaseBrowser(ctx context.Context, id string) {
	p.mu.Lock()
	in, ok := p.instances[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	in.lastUsed = p.clock.Now()
	b := in.browser
	p.mu.Unlock()

	mb, err := b.MemoryUsageMB(ctx)
	if err != nil {
		p.logger.Warn("memory sample failed", zap.String("browser_id", id), zap.Error(err))
		return
	}
	p.mu.Lock()
	if in, ok := p.instances[id]; ok {
		in.memoryMB = mb
		in.sampled = true
	}
	p.mu.Unlock()
}

// resampleOverCeiling refreshes memory of instances currently excluded by the ceiling.
func (p *Pool) resampleOverCeiling(ctx context.Context, headless bool) {
	type target struct {
		id string
		b  browser.Browser
	}
	var targets []target
	p.mu.Lock()
	for _, in := range p.instances {
		if in.headless == headless && in.memoryMB >= p.cfg.MemoryCeilingMB {
			targets = append(targets, target{id: in.id, b: in.browser})
		}
	}
	p.mu.Unlock()

	for _, t := range targets {
		sctx, cancel := context.WithTimeout(ctx, sampleTimeout)
		mb, err := t.b.MemoryUsageMB(sctx)
		cancel()
		if err != nil {
			continue
		}
		p.mu.Lock()
		if in, ok := p.instances[t.id]; ok {
			in.memoryMB = mb
			in.sampled = true
		}
		p.mu.Unlock()
	}
}

// AcquirePage returns a free page of browserID or opens a new stealth-configured one.
func (p *Pool) AcquirePage(ctx context.Context, browserID string) (*PageLease, error) {
	p.mu.Lock()
	in, ok := p.instances[browserID]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("acquire page for %s: %w", browserID, ErrBrowserNotFound)
	}
	for _, slot := range in.pages {
		if !slot.inUse {
			slot.inUse = true
			p.mu.Unlock()
			p.publishUsage()
			return &PageLease{Page: slot.page, BrowserID: browserID, pool: p, slot: slot}, nil
		}
	}
	b := in.browser
	p.mu.Unlock()

	page, err := b.NewPage(ctx, browser.RandomProfile())
	if err != nil {
		return nil, fmt.Errorf("open page on %s: %w", browserID, err)
	}

	p.mu.Lock()
	in, ok = p.instances[browserID]
	if !ok {
		p.mu.Unlock()
		page.Close() //nolint:errcheck // browser already gone
		return nil, fmt.Errorf("acquire page for %s: %w", browserID, ErrBrowserNotFound)
	}
	slot := &pageSlot{page: page, inUse: true}
	in.pages = append(in.pages, slot)
	p.mu.Unlock()
	p.publishUsage()
	return &PageLease{Page: page, BrowserID: browserID, pool: p, slot: slot}, nil
}

// CleanupIdleBrowsers closes instances unused for longer than the idle timeout.
// Instances with a page in use are kept.
func (p *Pool) CleanupIdleBrowsers(_ context.Context) int {
	now := p.clock.Now()
	var evicted []*instance
	p.mu.Lock()
	for id, in := range p.instances {
		if now.Sub(in.lastUsed) > p.cfg.IdleTimeout && in.busyPages() == 0 {
			evicted = append(evicted, in)
			delete(p.instances, id)
		}
	}
	p.mu.Unlock()

	for _, in := range evicted {
		p.logger.Info("evicting idle browser",
			zap.String("browser_id", in.id),
			zap.Duration("idle", now.Sub(in.lastUsed)),
		)
		p.closeInstance(in)
	}
	if len(evicted) > 0 {
		p.publishUsage()
	}
	return len(evicted)
}

// Shutdown closes every instance and rejects further acquisitions.
func (p *Pool) Shutdown(_ context.Context) error {
	p.mu.Lock()
	p.closed = true
	all := make([]*instance, 0, len(p.instances))
	for _, in := range p.instances {
		all = append(all, in)
	}
	p.instances = make(map[string]*instance)
	p.mu.Unlock()

	var errs []error
	for _, in := range all {
		if err := p.closeInstance(in); err != nil {
			errs = append(errs, err)
		}
	}
	p.publishUsage()
	p.logger.Info("browser pool shut down", zap.Int("closed", len(all)))
	return errors.Join(errs...)
}

func (p *Pool) closeInstance(in *instance) error {
	for _, slot := range in.pages {
		if err := slot.page.Close(); err != nil {
			p.logger.Warn("page close failed", zap.String("browser_id", in.id), zap.Error(err))
		}
	}
	var memoryMB *float64
	if in.sampled {
		memoryMB = progress.WithMemory(in.memoryMB)
	}
	return p.closeBrowser(in.id, in.browser, memoryMB)
}

// closeBrowser closes b and records browser_closed. memoryMB is nil when the browser was never sampled.
func (p *Pool) closeBrowser(id string, b browser.Browser, memoryMB *float64) error {
	var closeErr error
	if err := b.Close(); err != nil {
		p.logger.Warn("browser close failed", zap.String("browser_id", id), zap.Error(err))
		closeErr = fmt.Errorf("close browser %s: %w", id, err)
	}
	p.record(progress.Event{
		Kind:      progress.KindBrowserClosed,
		BrowserID: id,
		MemoryMB:  memoryMB,
	})
	return closeErr
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	ActiveBrowsers int            `json:"activeBrowsers"`
	TotalPages     int            `json:"totalPages"`
	BusyPages      int            `json:"busyPages"`
	PerBrowser     []BrowserStats `json:"perBrowserDetails"`
}

// BrowserStats describes one instance.
type BrowserStats struct {
	ID            string    `json:"id"`
	Headless      bool      `json:"headless"`
	RequestCount  int       `json:"requestCount"`
	LastUsed      time.Time `json:"lastUsed"`
	MemoryUsageMB float64   `json:"memoryUsage"`
	Pages         int       `json:"pages"`
	BusyPages     int       `json:"busyPages"`
}

// Stats snapshots the pool, ordered by creation time.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	ordered := make([]*instance, 0, len(p.instances))
	for _, in := range p.instances {
		ordered = append(ordered, in)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].createdAt.Before(ordered[j].createdAt) })

	st := Stats{ActiveBrowsers: len(ordered), PerBrowser: make([]BrowserStats, 0, len(ordered))}
	for _, in := range ordered {
		busy := in.busyPages()
		st.TotalPages += len(in.pages)
		st.BusyPages += busy
		st.PerBrowser = append(st.PerBrowser, BrowserStats{
			ID:            in.id,
			Headless:      in.headless,
			RequestCount:  in.requests,
			LastUsed:      in.lastUsed,
			MemoryUsageMB: in.memoryMB,
			Pages:         len(in.pages),
			BusyPages:     busy,
		})
	}
	return st
}

func (p *Pool) publishUsage() {
	p.mu.Lock()
	browsers := len(p.instances)
	busy := 0
	for _, in := range p.instances {
		busy += in.busyPages()
	}
	p.mu.Unlock()
	telemetry.SetPoolUsage(browsers, busy)
}

func (p *Pool) record(evt progress.Event) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(evt)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
