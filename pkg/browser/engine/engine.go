// Package engine executes single browser actions against live sessions.
// Each call borrows a session from the manager, applies the safety policies,
// opens a fresh page, runs exactly one backend operation under a timeout,
// and closes the page whatever the outcome.
package engine

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/browser"
	"github.com/jarvislabs/jarvis/pkg/metrics"
	"github.com/jarvislabs/jarvis/pkg/policy"
)

// Type names one browser action.
type Type string

const (
	Goto       Type = "goto"
	Click      Type = "click"
	TypeText   Type = "type"
	WaitFor    Type = "waitFor"
	Select     Type = "select"
	Evaluate   Type = "evaluate"
	Screenshot Type = "screenshot"
	PDF        Type = "pdf"
)

// Valid reports whether t names a known action.
func (t Type) Valid() bool {
	switch t {
	case Goto, Click, TypeText, WaitFor, Select, Evaluate, Screenshot, PDF:
		return true
	}
	return false
}

// Request carries one action invocation. Only the fields relevant to the
// action type are read.
type Request struct {
	SessionID string `json:"session_id"`
	Type      Type   `json:"type"`

	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Target   string `json:"target,omitempty"`
	Value    string `json:"value,omitempty"`
	Script   string `json:"script,omitempty"`
	FullPage bool   `json:"full_page,omitempty"`
}

// Result is the typed outcome of one action.
type Result struct {
	Type       Type   `json:"type"`
	URL        string `json:"url,omitempty"`
	Value      any    `json:"value,omitempty"`
	Data       []byte `json:"data,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Budget caps the number of browser steps attributed to one run. Spend is
// safe for concurrent use.
type Budget struct {
	mu   sync.Mutex
	used int
	max  int
}

// NewBudget builds a budget of max steps.
func NewBudget(max int) *Budget {
	return &Budget{max: max}
}

// Spend consumes one step, failing BudgetExceeded once the cap is reached.
func (b *Budget) Spend() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.max {
		return apperr.Newf(apperr.KindBudgetExceeded, apperr.CodeBudgetExceeded,
			"browser step budget of %d exhausted", b.max)
	}
	b.used++
	return nil
}

// Used returns the number of steps spent so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Config tunes the engine's policy and timeout behavior.
type Config struct {
	URLPolicy         policy.URLPolicy
	AllowEvaluate     bool
	AllowDownloads    bool
	NavigationTimeout time.Duration
}

// Engine runs actions. It holds no per-action state; distinct sessions
// execute independently.
type Engine struct {
	sessions *browser.Manager
	cfg      Config
	metrics  *metrics.Metrics
}

// New builds an engine over the session manager.
func New(sessions *browser.Manager, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	return &Engine{sessions: sessions, cfg: cfg, metrics: m}
}

// Execute runs one action. A nil budget means the action is not attributed
// to a run; otherwise one step is spent before any backend work, and the
// step stays spent even when the action times out or fails.
func (e *Engine) Execute(ctx context.Context, req Request, budget *Budget) (Result, error) {
	if !req.Type.Valid() {
		return Result{}, apperr.Newf(apperr.KindValidation, apperr.CodeInvalidRequest,
			"unknown action type %q", req.Type)
	}
	// Session lookup precedes payload and policy checks: an unknown session
	// reports SessionNotFound even when the payload is also bad.
	sess, ok := e.sessions.Get(req.SessionID)
	if !ok {
		return Result{}, apperr.Newf(apperr.KindNotFound, apperr.CodeSessionNotFound,
			"session %s not found", req.SessionID)
	}
	req, err := e.validate(req)
	if err != nil {
		return Result{}, err
	}
	if budget != nil {
		if err := budget.Spend(); err != nil {
			return Result{}, err
		}
	}
	e.metrics.BrowserActions.WithLabelValues(string(req.Type)).Inc()

	page, err := sess.Context().NewPage()
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindExternalService, apperr.CodeLaunchFailed,
			"opening page", err)
	}
	defer func() {
		_ = page.Close()
	}()
	if !e.cfg.AllowDownloads {
		page.BlockDownloads()
	}

	started := time.Now()
	res, err := e.dispatch(ctx, sess, page, req)
	if err != nil {
		return Result{}, err
	}
	res.Type = req.Type
	res.DurationMs = time.Since(started).Milliseconds()
	return res, nil
}

// validate enforces the per-type schema contracts and safety policies
// before any budget spend, page, or backend work. A blocked URL or unsafe
// script never opens a page and never bills a step. Goto requests come back
// with the sanitized URL.
func (e *Engine) validate(req Request) (Request, error) {
	missing := func(field string) error {
		return apperr.Newf(apperr.KindValidation, apperr.CodeInvalidRequest,
			"%s requires %s", req.Type, field)
	}
	switch req.Type {
	case Goto:
		if req.URL == "" {
			return req, missing("url")
		}
		sanitized, err := e.cfg.URLPolicy.Check(req.URL)
		if err != nil {
			return req, err
		}
		req.URL = sanitized
	case Click:
		if req.Selector == "" {
			return req, missing("selector")
		}
	case TypeText:
		if req.Selector == "" {
			return req, missing("selector")
		}
	case WaitFor:
		if req.Target == "" {
			return req, missing("target")
		}
		if n, err := strconv.Atoi(req.Target); err == nil && n < 0 {
			return req, apperr.Newf(apperr.KindValidation, apperr.CodeInvalidRequest,
				"waitFor target must not be negative, got %d", n)
		}
	case Select:
		if req.Selector == "" {
			return req, missing("selector")
		}
		if req.Value == "" {
			return req, missing("value")
		}
	case Evaluate:
		if !e.cfg.AllowEvaluate {
			return req, apperr.New(apperr.KindPolicyViolation, apperr.CodeEvaluationDisabled,
				"script evaluation is disabled")
		}
		if err := policy.CheckScript(req.Script); err != nil {
			return req, err
		}
	}
	return req, nil
}

func (e *Engine) dispatch(ctx context.Context, sess *browser.Session, page browser.Page, req Request) (Result, error) {
	timeout := e.cfg.NavigationTimeout
	switch req.Type {
	case Goto:
		err := e.run(ctx, timeout, func() error { return page.Goto(req.URL, timeout) })
		if err != nil {
			return Result{}, classify(err, "navigation to "+req.URL)
		}
		return Result{URL: req.URL}, nil

	case Click:
		err := e.run(ctx, timeout, func() error { return page.Click(req.Selector, timeout) })
		if err != nil {
			return Result{}, classifySelector(err, req.Selector)
		}
		return Result{}, nil

	case TypeText:
		err := e.run(ctx, timeout, func() error { return page.Fill(req.Selector, req.Text, timeout) })
		if err != nil {
			return Result{}, classifySelector(err, req.Selector)
		}
		return Result{}, nil

	case WaitFor:
		if n, err := strconv.Atoi(req.Target); err == nil {
			if n == 0 {
				return Result{}, nil
			}
			capped := n
			if time.Duration(n)*time.Millisecond > timeout {
				capped = int(timeout.Milliseconds())
			}
			page.WaitMs(capped)
			return Result{}, nil
		}
		err := e.run(ctx, timeout, func() error { return page.WaitForSelector(req.Target, timeout) })
		if err != nil {
			return Result{}, classifySelector(err, req.Target)
		}
		return Result{}, nil

	case Select:
		err := e.run(ctx, timeout, func() error { return page.SelectValue(req.Selector, req.Value, timeout) })
		if err != nil {
			return Result{}, classifySelector(err, req.Selector)
		}
		return Result{}, nil

	case Evaluate:
		var value any
		err := e.run(ctx, timeout, func() error {
			var evalErr error
			value, evalErr = page.Evaluate(req.Script)
			return evalErr
		})
		if err != nil {
			return Result{}, classify(err, "script evaluation")
		}
		return Result{Value: value}, nil

	case Screenshot:
		var data []byte
		err := e.run(ctx, timeout, func() error {
			var shotErr error
			data, shotErr = page.Screenshot(req.FullPage)
			return shotErr
		})
		if err != nil {
			return Result{}, classify(err, "screenshot")
		}
		return Result{Data: data}, nil

	case PDF:
		if sess.Kind != browser.Chromium {
			return Result{}, apperr.Newf(apperr.KindValidation, apperr.CodeUnsupportedBrowser,
				"pdf rendering requires chromium, session is %s", sess.Kind)
		}
		var data []byte
		err := e.run(ctx, timeout, func() error {
			var pdfErr error
			data, pdfErr = page.PDF()
			return pdfErr
		})
		if err != nil {
			return Result{}, classify(err, "pdf rendering")
		}
		return Result{Data: data}, nil
	}
	return Result{}, apperr.Newf(apperr.KindValidation, apperr.CodeInvalidRequest,
		"unknown action type %q", req.Type)
}

// run invokes op on its own goroutine and bounds it by both the caller's
// context and the engine timeout. On expiry the page is closed by the
// caller's deferred close, which aborts the in-flight backend call.
func (e *Engine) run(ctx context.Context, timeout time.Duration, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, apperr.CodeExecutionTimeout,
			"action cancelled", ctx.Err())
	case <-timer.C:
		return apperr.Newf(apperr.KindTimeout, apperr.CodeExecutionTimeout,
			"action exceeded %s", timeout)
	}
}

// classify maps a backend error into the taxonomy. Playwright reports
// expired waits as timeout errors in the message text.
func classify(err error, what string) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	if isTimeoutErr(err) {
		return apperr.Wrap(apperr.KindTimeout, apperr.CodeExecutionTimeout, what+" timed out", err)
	}
	return apperr.Wrap(apperr.KindExternalService, apperr.CodeActionFailed, what+" failed", err)
}

// classifySelector maps selector-wait failures: an expired selector wait
// means the element never showed up.
func classifySelector(err error, selector string) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	if isTimeoutErr(err) {
		return apperr.Wrap(apperr.KindNotFound, apperr.CodeElementNotFound,
			"no element matched "+selector, err)
	}
	return apperr.Wrap(apperr.KindExternalService, apperr.CodeActionFailed,
		"selector operation failed", err)
}

func isTimeoutErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout")
}
