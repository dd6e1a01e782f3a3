package browser

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FakeBackend is an in-memory Backend for tests. It records launched
// browsers and lets tests inject failures at launch, context, and page
// level.
type FakeBackend struct {
	mu sync.Mutex

	LaunchErr  error
	ContextErr error
	PageErr    error

	// PageScript programs Evaluate results by script.
	PageScript map[string]any
	// OpErr programs per-operation failures: "goto", "click", "fill",
	// "wait", "select", "evaluate", "screenshot", "pdf".
	OpErr map[string]error
	// OpDelay stalls each page operation, for timeout tests.
	OpDelay time.Duration

	Launched []*FakeBrowser
	closed   bool
}

// NewFakeBackend builds an empty fake.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{PageScript: map[string]any{}, OpErr: map[string]error{}}
}

func (f *FakeBackend) Launch(_ context.Context, opts CreateOptions) (Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	br := &FakeBrowser{backend: f, Opts: opts}
	f.Launched = append(f.Launched, br)
	return br, nil
}

func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// LastPage returns the most recently opened page, or nil.
func (f *FakeBackend) LastPage() *FakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *FakePage
	for _, br := range f.Launched {
		if n := len(br.pages); n > 0 {
			last = br.pages[n-1]
		}
	}
	return last
}

// OpenPages counts pages not yet closed across all launched browsers.
func (f *FakeBackend) OpenPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, br := range f.Launched {
		for _, pg := range br.pages {
			if !pg.Closed {
				n++
			}
		}
	}
	return n
}

// FakeBrowser is a launched fake browser.
type FakeBrowser struct {
	backend *FakeBackend
	Opts    CreateOptions
	Closed  bool
	pages   []*FakePage
}

func (b *FakeBrowser) NewContext(CreateOptions) (BrowserContext, error) {
	if b.backend.ContextErr != nil {
		return nil, b.backend.ContextErr
	}
	return &FakeContext{browser: b}, nil
}

func (b *FakeBrowser) Close() error {
	b.Closed = true
	return nil
}

// FakeContext issues fake pages.
type FakeContext struct {
	browser *FakeBrowser
	Closed  bool
}

func (c *FakeContext) NewPage() (Page, error) {
	if c.browser.backend.PageErr != nil {
		return nil, c.browser.backend.PageErr
	}
	pg := &FakePage{backend: c.browser.backend}
	c.browser.backend.mu.Lock()
	c.browser.pages = append(c.browser.pages, pg)
	c.browser.backend.mu.Unlock()
	return pg, nil
}

func (c *FakeContext) Close() error {
	c.Closed = true
	return nil
}

// FakePage records every operation invoked on it.
type FakePage struct {
	backend *FakeBackend

	Calls            []string
	Closed           bool
	DownloadsBlocked bool
}

// ErrElementMissing is what a fake returns for a selector that never
// appears; the engine maps it to ElementNotFound.
var ErrElementMissing = errors.New("waiting for selector: timeout exceeded")

func (p *FakePage) op(name string) error {
	p.Calls = append(p.Calls, name)
	if p.backend.OpDelay > 0 {
		time.Sleep(p.backend.OpDelay)
	}
	return p.backend.OpErr[name]
}

func (p *FakePage) Goto(url string, _ time.Duration) error {
	return p.op("goto")
}

func (p *FakePage) Click(selector string, _ time.Duration) error {
	return p.op("click")
}

func (p *FakePage) Fill(selector, text string, _ time.Duration) error {
	return p.op("fill")
}

func (p *FakePage) WaitForSelector(selector string, _ time.Duration) error {
	return p.op("wait")
}

func (p *FakePage) WaitMs(ms int) {
	p.Calls = append(p.Calls, "wait_ms")
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

func (p *FakePage) SelectValue(selector, value string, _ time.Duration) error {
	return p.op("select")
}

func (p *FakePage) Evaluate(script string) (any, error) {
	if err := p.op("evaluate"); err != nil {
		return nil, err
	}
	if v, ok := p.backend.PageScript[script]; ok {
		return v, nil
	}
	return nil, nil
}

func (p *FakePage) Screenshot(fullPage bool) ([]byte, error) {
	if err := p.op("screenshot"); err != nil {
		return nil, err
	}
	return []byte("PNG"), nil
}

func (p *FakePage) PDF() ([]byte, error) {
	if err := p.op("pdf"); err != nil {
		return nil, err
	}
	return []byte("PDF"), nil
}

func (p *FakePage) BlockDownloads() {
	p.DownloadsBlocked = true
}

func (p *FakePage) Close() error {
	p.Closed = true
	return nil
}

var _ Backend = (*FakeBackend)(nil)
var _ Page = (*FakePage)(nil)
