package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
)

// hardeningArgs is the fixed launch flag set for chromium: containers have
// no usable sandbox and /dev/shm is typically too small.
var hardeningArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
}

// navigationGuard fails page scripts that steer to file: or about:blank.
const navigationGuard = `
(() => {
  const deny = (url) => {
    const s = String(url);
    if (s.startsWith('file:') || s === 'about:blank') {
      throw new Error('navigation to ' + s + ' is blocked');
    }
    return url;
  };
  const origAssign = window.location.assign.bind(window.location);
  window.location.assign = (url) => origAssign(deny(url));
  const origReplace = window.location.replace.bind(window.location);
  window.location.replace = (url) => origReplace(deny(url));
  const origOpen = window.open ? window.open.bind(window) : null;
  if (origOpen) { window.open = (url, ...rest) => origOpen(deny(url), ...rest); }
})();
`

// PlaywrightBackend drives real browsers through the playwright protocol.
// One driver process serves every launched browser.
type PlaywrightBackend struct {
	pw *playwright.Playwright
}

// NewPlaywrightBackend starts the playwright driver.
func NewPlaywrightBackend() (*PlaywrightBackend, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}
	return &PlaywrightBackend{pw: pw}, nil
}

// Launch starts a headless browser of the requested kind.
func (b *PlaywrightBackend) Launch(_ context.Context, opts CreateOptions) (Browser, error) {
	var bt playwright.BrowserType
	switch opts.Kind {
	case Firefox:
		bt = b.pw.Firefox
	case WebKit:
		bt = b.pw.WebKit
	default:
		bt = b.pw.Chromium
	}
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	}
	if opts.Kind == Chromium || opts.Kind == "" {
		launchOpts.Args = hardeningArgs
	}
	br, err := bt.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", opts.Kind, err)
	}
	return &pwBrowser{browser: br}, nil
}

// Close stops the driver process.
func (b *PlaywrightBackend) Close() error {
	return b.pw.Stop()
}

type pwBrowser struct {
	browser playwright.Browser
}

func (b *pwBrowser) NewContext(opts CreateOptions) (BrowserContext, error) {
	ctxOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 720},
	}
	if opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.Proxy != "" {
		ctxOpts.Proxy = &playwright.Proxy{Server: opts.Proxy}
	}
	bc, err := b.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	if err := bc.AddInitScript(playwright.Script{Content: playwright.String(navigationGuard)}); err != nil {
		_ = bc.Close()
		return nil, fmt.Errorf("installing navigation guard: %w", err)
	}
	return &pwContext{ctx: bc}, nil
}

func (b *pwBrowser) Close() error {
	return b.browser.Close()
}

type pwContext struct {
	ctx playwright.BrowserContext
}

func (c *pwContext) NewPage() (Page, error) {
	page, err := c.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	return &pwPage{page: page}, nil
}

func (c *pwContext) Close() error {
	return c.ctx.Close()
}

type pwPage struct {
	page playwright.Page
}

func (p *pwPage) Goto(url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	return err
}

func (p *pwPage) Click(selector string, timeout time.Duration) error {
	return p.page.Click(selector, playwright.PageClickOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *pwPage) Fill(selector, text string, timeout time.Duration) error {
	return p.page.Fill(selector, text, playwright.PageFillOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *pwPage) WaitForSelector(selector string, timeout time.Duration) error {
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err
}

func (p *pwPage) WaitMs(ms int) {
	p.page.WaitForTimeout(float64(ms))
}

func (p *pwPage) SelectValue(selector, value string, timeout time.Duration) error {
	_, err := p.page.SelectOption(selector, playwright.SelectOptionValues{
		Values: playwright.StringSlice(value),
	}, playwright.PageSelectOptionOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return err
}

func (p *pwPage) Evaluate(script string) (any, error) {
	return p.page.Evaluate(script)
}

func (p *pwPage) Screenshot(fullPage bool) ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
	})
}

func (p *pwPage) PDF() ([]byte, error) {
	return p.page.PDF()
}

func (p *pwPage) BlockDownloads() {
	p.page.OnDownload(func(d playwright.Download) {
		slog.Warn("Download blocked", "url", d.URL())
		if err := d.Cancel(); err != nil {
			slog.Warn("Failed to cancel download", "error", err)
		}
	})
}

func (p *pwPage) Close() error {
	return p.page.Close()
}

var _ Backend = (*PlaywrightBackend)(nil)
