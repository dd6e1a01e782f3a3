// Package agent implements the run execution handlers. Each handler owns
// the semantics of one agent kind and enforces the per-run budgets for the
// external calls it makes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/browser/engine"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// Handler executes one run to completion or failure.
type Handler interface {
	Kind() models.AgentKind
	Execute(ctx context.Context, run *models.Run, budgets *Budgets) (*models.RunOutput, error)
}

// Meter counts successful LLM completions against a cap. Check fails before
// any call that would push the count past the cap; Inc records a success.
type Meter struct {
	mu   sync.Mutex
	used int
	max  int
}

// NewMeter builds a meter of max successful calls.
func NewMeter(max int) *Meter { return &Meter{max: max} }

// Check fails BudgetExceeded when no capacity remains.
func (m *Meter) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used >= m.max {
		return apperr.Newf(apperr.KindBudgetExceeded, apperr.CodeBudgetExceeded,
			"llm call budget of %d exhausted", m.max)
	}
	return nil
}

// Inc records one successful completion.
func (m *Meter) Inc() {
	m.mu.Lock()
	m.used++
	m.mu.Unlock()
}

// Used returns successful completions so far.
func (m *Meter) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Budgets carries the per-run caps a handler must honor.
type Budgets struct {
	LLM     *Meter
	Browser *engine.Budget
}

// NewBudgets builds fresh budgets for one run.
func NewBudgets(maxLLMCalls, maxBrowserSteps int) *Budgets {
	return &Budgets{
		LLM:     NewMeter(maxLLMCalls),
		Browser: engine.NewBudget(maxBrowserSteps),
	}
}

// Counters snapshots budget consumption for attribution on the run.
func (b *Budgets) Counters() models.RunCounters {
	return models.RunCounters{
		LLMCalls:     b.LLM.Used(),
		BrowserSteps: b.Browser.Used(),
	}
}

// Factory resolves handlers by agent kind.
type Factory struct {
	handlers map[models.AgentKind]Handler
}

// NewFactory registers the given handlers. RESEARCH resolves to the GEN
// handler; it has no dedicated execution semantics beyond generation.
func NewFactory(handlers ...Handler) *Factory {
	f := &Factory{handlers: make(map[models.AgentKind]Handler)}
	for _, h := range handlers {
		f.handlers[h.Kind()] = h
	}
	if gen, ok := f.handlers[models.AgentGen]; ok {
		if _, ok := f.handlers[models.AgentResearch]; !ok {
			f.handlers[models.AgentResearch] = gen
		}
	}
	return f
}

// Resolve returns the handler for kind.
func (f *Factory) Resolve(kind models.AgentKind) (Handler, error) {
	h, ok := f.handlers[kind]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, apperr.CodeInvalidRequest,
			"no handler registered for agent kind %q", kind)
	}
	return h, nil
}

// Kinds lists registered agent kinds.
func (f *Factory) Kinds() []models.AgentKind {
	out := make([]models.AgentKind, 0, len(f.handlers))
	for k := range f.handlers {
		out = append(out, k)
	}
	return out
}

// browserKeywords routes a run to the browser agent when any of them occurs
// in the request text.
var browserKeywords = []string{
	"open", "click", "visit", "navigate", "browse",
	"web", "url", "page", "site", "website",
}

// SelectKind picks the agent kind for an unspecified request: BROWSER when
// the lower-cased prompt plus stringified data and context contains a
// browsing keyword, GEN otherwise. ECHO and RESEARCH are never inferred.
func SelectKind(input models.RunInput) models.AgentKind {
	text := strings.ToLower(input.Prompt + stringify(input.Data) + stringify(input.Context))
	for _, kw := range browserKeywords {
		if strings.Contains(text, kw) {
			return models.AgentBrowser
		}
	}
	return models.AgentGen
}

func stringify(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(b)
}

// decodePayload maps a run's structured data onto an agent payload through
// a JSON round trip, so transport-level maps and typed payloads stay in
// sync.
func decodePayload(data map[string]any, out any) error {
	if len(data) == 0 {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest,
			"unencodable run data", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest,
			"run data does not match the agent payload", err)
	}
	return nil
}
