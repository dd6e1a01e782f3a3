package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/browser"
	"github.com/jarvislabs/jarvis/pkg/browser/engine"
	"github.com/jarvislabs/jarvis/pkg/llm"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// BrowserStep is one engine operation within a browser run.
type BrowserStep struct {
	Type     engine.Type `json:"type"`
	URL      string      `json:"url,omitempty"`
	Selector string      `json:"selector,omitempty"`
	Text     string      `json:"text,omitempty"`
	Target   string      `json:"target,omitempty"`
	Value    string      `json:"value,omitempty"`
	Script   string      `json:"script,omitempty"`
	FullPage bool        `json:"full_page,omitempty"`
}

// BrowserPayload is the structured data the browser agent understands. With
// no explicit steps the handler synthesizes them from the prompt with a
// single planning completion.
type BrowserPayload struct {
	Steps       []BrowserStep `json:"steps,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	BrowserKind string        `json:"browser_kind,omitempty"`
	UserAgent   string        `json:"user_agent,omitempty"`
	Proxy       string        `json:"proxy,omitempty"`
	KeepAlive   bool          `json:"keep_alive,omitempty"`
}

const plannerSystem = `You translate a task into browser automation steps.
Answer with a JSON object of the form {"steps": [...]} where each step has
"type" (one of goto, click, type, waitFor, select, evaluate, screenshot, pdf)
and the matching fields: url, selector, text, target, value, script.`

// BrowserHandler drives a browser session through the action engine.
type BrowserHandler struct {
	sessions *browser.Manager
	engine   *engine.Engine
	llm      Completer
}

// NewBrowserHandler builds the browser handler. The completer may be nil
// when planning from prompts is not wanted.
func NewBrowserHandler(sessions *browser.Manager, eng *engine.Engine, completer Completer) *BrowserHandler {
	return &BrowserHandler{sessions: sessions, engine: eng, llm: completer}
}

func (h *BrowserHandler) Kind() models.AgentKind { return models.AgentBrowser }

func (h *BrowserHandler) Execute(ctx context.Context, run *models.Run, budgets *Budgets) (*models.RunOutput, error) {
	var payload BrowserPayload
	if err := decodePayload(run.Input.Data, &payload); err != nil {
		return nil, err
	}

	steps := payload.Steps
	if len(steps) == 0 {
		if run.Input.Prompt == "" {
			return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
				"browser run needs steps or a prompt to plan from")
		}
		planned, err := h.plan(ctx, run.Input.Prompt, budgets)
		if err != nil {
			return nil, err
		}
		steps = planned
	}

	sessionID := payload.SessionID
	ownsSession := false
	if sessionID == "" {
		sess, err := h.sessions.Create(ctx, browser.CreateOptions{
			Kind:      browser.Kind(payload.BrowserKind),
			UserAgent: payload.UserAgent,
			Proxy:     payload.Proxy,
		})
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
		ownsSession = true
	}
	// A borrowed session always stays alive; an owned one is closed unless
	// the caller asked to keep it.
	if ownsSession && !payload.KeepAlive {
		defer h.sessions.Close(sessionID)
	}

	results := make([]map[string]any, 0, len(steps))
	for i, step := range steps {
		res, err := h.engine.Execute(ctx, engine.Request{
			SessionID: sessionID,
			Type:      step.Type,
			URL:       step.URL,
			Selector:  step.Selector,
			Text:      step.Text,
			Target:    step.Target,
			Value:     step.Value,
			Script:    step.Script,
			FullPage:  step.FullPage,
		}, budgets.Browser)
		if err != nil {
			slog.Warn("Browser step failed", "run_id", run.ID, "step", i, "type", step.Type, "error", err)
			return nil, err
		}
		results = append(results, summarize(step.Type, res))
	}

	out := map[string]any{"steps": results}
	if payload.KeepAlive || !ownsSession {
		out["session_id"] = sessionID
	}
	return &models.RunOutput{Result: out}, nil
}

// plan issues the single metered planning completion and decodes its steps.
func (h *BrowserHandler) plan(ctx context.Context, prompt string, budgets *Budgets) ([]BrowserStep, error) {
	if h.llm == nil {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
			"browser run has no steps and planning is unavailable")
	}
	if err := budgets.LLM.Check(); err != nil {
		return nil, err
	}
	resp, err := h.llm.Complete(ctx, llm.Request{
		System: plannerSystem,
		Prompt: prompt,
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}
	budgets.LLM.Inc()

	steps, err := parsePlan(resp.Text)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
			"planner produced no steps")
	}
	return steps, nil
}

func parsePlan(text string) ([]BrowserStep, error) {
	text = strings.TrimSpace(text)
	var wrapped struct {
		Steps []BrowserStep `json:"steps"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && len(wrapped.Steps) > 0 {
		return wrapped.Steps, nil
	}
	var bare []BrowserStep
	if err := json.Unmarshal([]byte(text), &bare); err == nil {
		return bare, nil
	}
	return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
		"planner answer is not a step list")
}

func summarize(t engine.Type, res engine.Result) map[string]any {
	out := map[string]any{
		"type":        string(t),
		"duration_ms": res.DurationMs,
	}
	if res.URL != "" {
		out["url"] = res.URL
	}
	if res.Value != nil {
		out["value"] = res.Value
	}
	if len(res.Data) > 0 {
		out["bytes"] = len(res.Data)
	}
	return out
}
