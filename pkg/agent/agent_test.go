package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/browser"
	"github.com/jarvislabs/jarvis/pkg/browser/engine"
	"github.com/jarvislabs/jarvis/pkg/llm"
	"github.com/jarvislabs/jarvis/pkg/metrics"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// stubCompleter answers with a fixed response or error.
type stubCompleter struct {
	resp  llm.Response
	err   error
	calls int
	last  llm.Request
}

func (s *stubCompleter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return llm.Response{}, s.err
	}
	return s.resp, nil
}

func newRun(kind models.AgentKind, prompt string, data map[string]any) *models.Run {
	run := models.NewRun("agent-"+string(kind), kind, "user-1", models.RunInput{
		Prompt: prompt,
		Data:   data,
	})
	return run
}

func TestSelectKind(t *testing.T) {
	tests := []struct {
		name  string
		input models.RunInput
		want  models.AgentKind
	}{
		{"plain question", models.RunInput{Prompt: "summarize this report"}, models.AgentGen},
		{"visit keyword", models.RunInput{Prompt: "visit example.com and grab the title"}, models.AgentBrowser},
		{"keyword inside word", models.RunInput{Prompt: "reopen the incident"}, models.AgentBrowser},
		{"keyword in data", models.RunInput{Prompt: "check this", Data: map[string]any{"kind": "website"}}, models.AgentBrowser},
		{"keyword in context", models.RunInput{Prompt: "check this", Context: map[string]any{"note": "the url is below"}}, models.AgentBrowser},
		{"uppercase prompt", models.RunInput{Prompt: "CLICK THE BUTTON"}, models.AgentBrowser},
		{"empty input", models.RunInput{}, models.AgentGen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectKind(tt.input))
		})
	}
}

func TestFactoryResolution(t *testing.T) {
	gen := NewGenHandler(&stubCompleter{})
	f := NewFactory(NewEchoHandler(), gen)

	h, err := f.Resolve(models.AgentEcho)
	require.NoError(t, err)
	assert.Equal(t, models.AgentEcho, h.Kind())

	// RESEARCH falls back to the gen handler.
	h, err = f.Resolve(models.AgentResearch)
	require.NoError(t, err)
	assert.Same(t, gen, h)

	_, err = f.Resolve(models.AgentBrowser)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestEchoReturnsInput(t *testing.T) {
	h := NewEchoHandler()
	h.ProcessingDelay = time.Millisecond
	run := newRun(models.AgentEcho, "hello", map[string]any{"k": "v"})

	out, err := h.Execute(context.Background(), run, NewBudgets(1, 1))
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Result["echo"])
	assert.Equal(t, map[string]any{"k": "v"}, out.Result["data"])
}

func TestGenCompletesAndMeters(t *testing.T) {
	stub := &stubCompleter{resp: llm.Response{
		Text: "answer", Provider: "mock", Model: "mock-1",
		InputTokens: 10, OutputTokens: 5, CostUSD: 0.01,
	}}
	h := NewGenHandler(stub)
	run := newRun(models.AgentGen, "question", nil)
	run.Input.Options = map[string]any{"system": "be brief", "temperature": 0.2}
	budgets := NewBudgets(3, 1)

	out, err := h.Execute(context.Background(), run, budgets)
	require.NoError(t, err)
	assert.Equal(t, "answer", out.Result["text"])
	assert.Equal(t, 10, out.Usage.InputTokens)
	assert.Equal(t, 0.01, out.Usage.CostUSD)
	assert.Equal(t, "be brief", stub.last.System)
	assert.Equal(t, 1, budgets.LLM.Used())
}

func TestGenBudgetExhausted(t *testing.T) {
	stub := &stubCompleter{resp: llm.Response{Text: "x"}}
	h := NewGenHandler(stub)
	budgets := NewBudgets(0, 1)

	_, err := h.Execute(context.Background(), newRun(models.AgentGen, "q", nil), budgets)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBudgetExceeded, apperr.CodeOf(err))
	assert.Zero(t, stub.calls, "budget check precedes the call")
}

func TestGenFailedCallNotMetered(t *testing.T) {
	stub := &stubCompleter{err: apperr.New(apperr.KindExternalService, "ProviderUnavailable", "down")}
	h := NewGenHandler(stub)
	budgets := NewBudgets(3, 1)

	_, err := h.Execute(context.Background(), newRun(models.AgentGen, "q", nil), budgets)
	require.Error(t, err)
	assert.Zero(t, budgets.LLM.Used())
}

func newBrowserFixture(t *testing.T) (*browser.FakeBackend, *browser.Manager, *engine.Engine) {
	t.Helper()
	fb := browser.NewFakeBackend()
	mgr := browser.NewManager(fb, 3, time.Minute, metrics.NewNop())
	t.Cleanup(mgr.Shutdown)
	eng := engine.New(mgr, engine.Config{NavigationTimeout: 2 * time.Second}, metrics.NewNop())
	return fb, mgr, eng
}

func TestBrowserExecutesStepsAndClosesSession(t *testing.T) {
	_, mgr, eng := newBrowserFixture(t)
	h := NewBrowserHandler(mgr, eng, nil)

	run := newRun(models.AgentBrowser, "", map[string]any{
		"steps": []any{
			map[string]any{"type": "goto", "url": "https://example.com"},
			map[string]any{"type": "click", "selector": "#go"},
		},
	})
	budgets := NewBudgets(1, 10)

	out, err := h.Execute(context.Background(), run, budgets)
	require.NoError(t, err)
	steps := out.Result["steps"].([]map[string]any)
	require.Len(t, steps, 2)
	assert.Equal(t, "goto", steps[0]["type"])
	assert.Equal(t, 2, budgets.Browser.Used())
	assert.Equal(t, 0, mgr.ActiveCount(), "session closed after the run")
}

func TestBrowserKeepAlive(t *testing.T) {
	_, mgr, eng := newBrowserFixture(t)
	h := NewBrowserHandler(mgr, eng, nil)

	run := newRun(models.AgentBrowser, "", map[string]any{
		"keep_alive": true,
		"steps":      []any{map[string]any{"type": "goto", "url": "https://example.com"}},
	})
	out, err := h.Execute(context.Background(), run, NewBudgets(1, 10))
	require.NoError(t, err)
	sid, ok := out.Result["session_id"].(string)
	require.True(t, ok)
	assert.Equal(t, 1, mgr.ActiveCount())
	assert.True(t, mgr.Close(sid))
}

func TestBrowserBudgetExhaustionFailsRun(t *testing.T) {
	_, mgr, eng := newBrowserFixture(t)
	h := NewBrowserHandler(mgr, eng, nil)

	run := newRun(models.AgentBrowser, "", map[string]any{
		"steps": []any{
			map[string]any{"type": "goto", "url": "https://ok.example"},
			map[string]any{"type": "click", "selector": "#a"},
			map[string]any{"type": "click", "selector": "#b"},
		},
	})
	budgets := NewBudgets(1, 2)

	_, err := h.Execute(context.Background(), run, budgets)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBudgetExceeded, apperr.CodeOf(err))
	// Exactly the first two steps were billed; the session is released.
	assert.Equal(t, 2, budgets.Browser.Used())
	assert.Equal(t, 0, mgr.ActiveCount())
}

func TestBrowserPlansFromPrompt(t *testing.T) {
	_, mgr, eng := newBrowserFixture(t)
	stub := &stubCompleter{resp: llm.Response{
		Text: `{"steps":[{"type":"goto","url":"https://example.com"},{"type":"screenshot"}]}`,
	}}
	h := NewBrowserHandler(mgr, eng, stub)

	run := newRun(models.AgentBrowser, "open example.com and screenshot it", nil)
	budgets := NewBudgets(2, 10)

	out, err := h.Execute(context.Background(), run, budgets)
	require.NoError(t, err)
	steps := out.Result["steps"].([]map[string]any)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, budgets.LLM.Used(), "one planning call")
	assert.True(t, stub.last.JSON)
}

func TestBrowserPlannerGarbageRejected(t *testing.T) {
	_, mgr, eng := newBrowserFixture(t)
	stub := &stubCompleter{resp: llm.Response{Text: "sorry, I cannot"}}
	h := NewBrowserHandler(mgr, eng, stub)

	_, err := h.Execute(context.Background(), newRun(models.AgentBrowser, "do things", nil), NewBudgets(2, 10))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, 0, mgr.ActiveCount(), "no session created for an unplannable run")
}

func TestBrowserNoStepsNoPrompt(t *testing.T) {
	_, mgr, eng := newBrowserFixture(t)
	h := NewBrowserHandler(mgr, eng, nil)

	_, err := h.Execute(context.Background(), newRun(models.AgentBrowser, "", nil), NewBudgets(1, 10))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
