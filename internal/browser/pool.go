// Package browser manages a pool of pre-warmed headless browser
// contexts used by the verification stage. A fixed number of browser
// processes each carry a fixed number of isolated incognito contexts;
// verifications lease a context, drive pages in it, and return it.
// Acquire blocks when all contexts are leased, which naturally caps
// verification concurrency at the pool capacity.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"golang.org/x/sync/errgroup"

	"github.com/shopscout/shopscout/internal/metrics"
	"github.com/shopscout/shopscout/pkg/useragent"
)

// Config controls pool shape and browser behavior. Zero values get
// defaults from New.
type Config struct {
	Browsers           int           // browser processes to launch
	ContextsPerBrowser int           // incognito contexts per process
	PageTimeout        time.Duration // per-page navigation budget
	Headless           bool
	BrowserPath        string // custom Chrome binary, optional
	UserAgents         *useragent.Pool
	Logger             *slog.Logger
}

// Handle is one leased browser context. It stays valid until Release.
type Handle struct {
	ctx          *rod.Browser
	browserIndex int
	userAgent    string
	pageTimeout  time.Duration
}

// BrowserIndex identifies which browser process backs this context.
func (h *Handle) BrowserIndex() int { return h.browserIndex }

// UserAgent is the identity assigned to pages opened via this handle.
func (h *Handle) UserAgent() string { return h.userAgent }

// Page opens a fresh page in the leased context with the stealth init
// script applied and the handle's user agent set. The caller owns the
// page and should close it before Release.
func (h *Handle) Page(ctx context.Context) (*rod.Page, error) {
	page, err := stealth.Page(h.ctx)
	if err != nil {
		return nil, fmt.Errorf("browser: open page: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: h.userAgent,
	}); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("browser: set user agent: %w", err)
	}

	return page.Context(ctx).Timeout(h.pageTimeout), nil
}

// Pool owns the browser processes and hands out context leases.
type Pool struct {
	cfg       Config
	browsers  []*rod.Browser
	launchers []*launcher.Launcher
	available chan *Handle
	closed    atomic.Bool
	logger    *slog.Logger
}

// New launches the configured browsers, carves each into incognito
// contexts, and pre-warms the lease channel. It blocks until every
// context is ready; a partial failure tears down what was started.
func New(cfg Config) (*Pool, error) {
	if cfg.Browsers <= 0 {
		cfg.Browsers = 3
	}
	if cfg.ContextsPerBrowser <= 0 {
		cfg.ContextsPerBrowser = 5
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	if cfg.UserAgents == nil {
		cfg.UserAgents = useragent.DefaultPool()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "browserpool")

	capacity := cfg.Browsers * cfg.ContextsPerBrowser
	p := &Pool{
		cfg:       cfg,
		available: make(chan *Handle, capacity),
		logger:    cfg.Logger,
	}

	p.logger.Info("warming browser pool",
		"browsers", cfg.Browsers, "contexts_per_browser", cfg.ContextsPerBrowser)

	for i := 0; i < cfg.Browsers; i++ {
		browser, l, err := p.spawn()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("browser: spawn %d: %w", i, err)
		}
		p.browsers = append(p.browsers, browser)
		p.launchers = append(p.launchers, l)
	}

	if err := p.warm(func(i int) (*rod.Browser, error) {
		return p.browsers[i].Incognito()
	}); err != nil {
		p.Close()
		return nil, err
	}

	p.logger.Info("browser pool ready", "capacity", capacity)
	return p, nil
}

// warm fills the lease channel interleaved across browsers, so FIFO
// acquisition round-robins the processes instead of draining one
// browser's contexts before touching the next.
func (p *Pool) warm(newContext func(browserIndex int) (*rod.Browser, error)) error {
	for j := 0; j < p.cfg.ContextsPerBrowser; j++ {
		for i := range p.browsers {
			inc, err := newContext(i)
			if err != nil {
				return fmt.Errorf("browser: context %d/%d: %w", i, j, err)
			}
			p.available <- &Handle{
				ctx:          inc,
				browserIndex: i,
				userAgent:    p.cfg.UserAgents.GetRandom(),
				pageTimeout:  p.cfg.PageTimeout,
			}
		}
	}
	return nil
}

// newLauncher builds the launch flags. They track what real installs
// look like while disabling the automation tells.
func (p *Pool) newLauncher() *launcher.Launcher {
	l := launcher.New()

	if p.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}
	if p.cfg.BrowserPath != "" {
		l = l.Bin(p.cfg.BrowserPath)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Set("accept-lang", "en-US,en").
		Set("disable-gpu").
		Set("no-first-run").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("window-size", "1920,1080")

	return l
}

func (p *Pool) spawn() (*rod.Browser, *launcher.Launcher, error) {
	l := p.newLauncher()
	url, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return browser, l, nil
}

// Acquire leases a context. It blocks until one is free or the context
// is cancelled; exhaustion is backpressure, never an error.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("browser: pool closed")
	}

	select {
	case h := <-p.available:
		metrics.PoolLeases.Inc()
		return h, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("browser: acquire: %w", ctx.Err())
	}
}

// Release returns a context to the pool after scrubbing its state so
// the next lease starts clean.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	if p.closed.Load() {
		return
	}

	// Close any pages the verifier left behind and drop cookies; the
	// incognito context itself is reused.
	if h.ctx != nil {
		if pages, err := h.ctx.Pages(); err == nil {
			for _, page := range pages {
				_ = page.Close()
			}
		}
		if err := h.ctx.SetCookies(nil); err != nil {
			p.logger.Warn("cookie scrub failed", "browser", h.browserIndex, "error", err)
		}
	}

	select {
	case p.available <- h:
		metrics.PoolLeases.Dec()
	default:
		// Double release; drop the extra handle.
		p.logger.Warn("release on full pool", "browser", h.browserIndex)
	}
}

// Capacity is the total number of leasable contexts.
func (p *Pool) Capacity() int {
	return p.cfg.Browsers * p.cfg.ContextsPerBrowser
}

// Available is how many contexts are currently leasable.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return len(p.available)
}

// Close tears the pool down: contexts stop being handed out, browser
// processes are closed in parallel, launchers are killed. Safe to call
// more than once.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.logger.Info("closing browser pool")

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, browser := range p.browsers {
		b := browser
		eg.Go(func() error {
			return b.Close()
		})
	}
	if err := eg.Wait(); err != nil {
		p.logger.Warn("browser close", "error", err)
	}

	for _, l := range p.launchers {
		l.Kill()
	}

	close(p.available)
	for range p.available {
	}
}
