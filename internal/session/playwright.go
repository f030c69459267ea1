package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightEngine implements Engine on a Chromium instance driven through
// playwright-go. One engine serves many sessions; each Open launches an
// isolated browser context.
type PlaywrightEngine struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	started bool
}

// NewPlaywrightEngine creates an unstarted engine.
func NewPlaywrightEngine() *PlaywrightEngine {
	return &PlaywrightEngine{}
}

// Start installs the driver if needed and boots Playwright. Driver output is
// discarded so it cannot interleave with our logs.
func (e *PlaywrightEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("playwright install: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("playwright run: %w", err)
	}
	e.pw = pw
	e.started = true
	return nil
}

// Open launches a browser session shaped by the context: fingerprint applied
// through context options, proxy at launch, init scripts registered before
// the first page loads.
func (e *PlaywrightEngine) Open(ctx Context) (Handle, error) {
	e.mu.Lock()
	pw, started := e.pw, e.started
	e.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("open session %s: engine not started", ctx.ID)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(ctx.Headless),
	}
	if ctx.Proxy != nil {
		launchOpts.Proxy = &playwright.Proxy{
			Server:   ctx.Proxy.Server,
			Username: playwright.String(ctx.Proxy.Username),
			Password: playwright.String(ctx.Proxy.Password),
		}
	}
	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("open session %s: launch: %w", ctx.ID, err)
	}

	fp := ctx.Fingerprint
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(fp.UserAgent),
		Viewport: &playwright.Size{
			Width:  fp.Viewport.Width,
			Height: fp.Viewport.Height,
		},
		Locale:            playwright.String(fp.Locale),
		TimezoneId:        playwright.String(fp.Timezone),
		DeviceScaleFactor: playwright.Float(fp.DeviceScale),
		IsMobile:          playwright.Bool(fp.IsMobile),
		HasTouch:          playwright.Bool(fp.HasTouch),
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("open session %s: context: %w", ctx.ID, err)
	}

	for _, script := range ctx.InitScripts {
		if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
			bctx.Close()
			browser.Close()
			return nil, fmt.Errorf("open session %s: init script: %w", ctx.ID, err)
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("open session %s: page: %w", ctx.ID, err)
	}

	return &playwrightHandle{browser: browser, bctx: bctx, page: page}, nil
}

// Stop shuts Playwright down.
func (e *PlaywrightEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("playwright stop: %w", err)
	}
	return nil
}

type playwrightHandle struct {
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
}

func (h *playwrightHandle) Navigate(url string) error {
	if _, err := h.page.Goto(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (h *playwrightHandle) URL() string { return h.page.URL() }

func (h *playwrightHandle) Close() error {
	h.page.Close()     //nolint:errcheck
	h.bctx.Close()     //nolint:errcheck
	if err := h.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
