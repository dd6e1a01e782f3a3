// Package browser owns the bounded pool of headless browser sessions.
// Admission is controlled by a weighted semaphore; every live session holds
// exactly one permit until closed. The playwright backend is hidden behind
// narrow interfaces so the manager and engine are testable without a real
// browser.
package browser

import (
	"context"
	"time"
)

// Kind selects the browser engine backing a session.
type Kind string

const (
	Chromium Kind = "chromium"
	Firefox  Kind = "firefox"
	WebKit   Kind = "webkit"
)

// Valid reports whether k names a supported engine.
func (k Kind) Valid() bool {
	switch k {
	case Chromium, Firefox, WebKit:
		return true
	}
	return false
}

// CreateOptions configures a new session.
type CreateOptions struct {
	Kind      Kind
	UserAgent string
	Proxy     string
}

// Backend launches browsers. Implemented by the playwright driver and by
// test fakes.
type Backend interface {
	Launch(ctx context.Context, opts CreateOptions) (Browser, error)
	Close() error
}

// Browser is one launched browser process.
type Browser interface {
	NewContext(opts CreateOptions) (BrowserContext, error)
	Close() error
}

// BrowserContext is an isolated profile within a browser. Sessions own one
// context; the engine opens a fresh page per action.
type BrowserContext interface {
	NewPage() (Page, error)
	Close() error
}

// Page is a single tab. Each method maps to one engine operation; timeouts
// are enforced by the implementation.
type Page interface {
	Goto(url string, timeout time.Duration) error
	Click(selector string, timeout time.Duration) error
	Fill(selector, text string, timeout time.Duration) error
	WaitForSelector(selector string, timeout time.Duration) error
	WaitMs(ms int)
	SelectValue(selector, value string, timeout time.Duration) error
	Evaluate(script string) (any, error)
	Screenshot(fullPage bool) ([]byte, error)
	PDF() ([]byte, error)
	// BlockDownloads registers a hook that cancels every download started
	// from this page.
	BlockDownloads()
	Close() error
}
