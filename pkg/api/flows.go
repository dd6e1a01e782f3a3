package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jarvislabs/jarvis/pkg/agent"
	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/browser/engine"
	"github.com/jarvislabs/jarvis/pkg/jarvis"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// Flows synthesize deterministic browser step lists so common automations
// need no LLM planning call. Both flows honor Idempotency-Key replay: 201 on
// first creation, 200 with the original run on replay.

type priceMonitorRequest struct {
	URL        string `json:"url"`
	Selector   string `json:"selector"`
	Screenshot bool   `json:"screenshot"`
	SessionID  string `json:"session_id"`
	KeepAlive  bool   `json:"keep_alive"`
}

func (r priceMonitorRequest) steps() []agent.BrowserStep {
	steps := []agent.BrowserStep{
		{Type: engine.Goto, URL: r.URL},
		{Type: engine.WaitFor, Target: r.Selector},
		{Type: engine.Evaluate, Script: fmt.Sprintf("document.querySelector(%s).textContent", strconv.Quote(r.Selector))},
	}
	if r.Screenshot {
		steps = append(steps, agent.BrowserStep{Type: engine.Screenshot, FullPage: true})
	}
	return steps
}

func (s *Server) priceMonitorFlow(c *gin.Context) {
	var req priceMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest,
			"request body is not valid JSON", err))
		return
	}
	if req.URL == "" || req.Selector == "" {
		writeError(c, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
			"price-monitor flow requires url and selector"))
		return
	}
	s.createFlowRun(c, "price-monitor", req.steps(), req.SessionID, req.KeepAlive)
}

type formAutofillRequest struct {
	URL string `json:"url"`
	// Fields maps input selectors to the text typed into them.
	Fields         map[string]string `json:"fields"`
	SubmitSelector string            `json:"submit_selector"`
	SessionID      string            `json:"session_id"`
	KeepAlive      bool              `json:"keep_alive"`
}

func (r formAutofillRequest) steps() []agent.BrowserStep {
	steps := []agent.BrowserStep{{Type: engine.Goto, URL: r.URL}}
	for selector, text := range r.Fields {
		steps = append(steps, agent.BrowserStep{Type: engine.TypeText, Selector: selector, Text: text})
	}
	if r.SubmitSelector != "" {
		steps = append(steps, agent.BrowserStep{Type: engine.Click, Selector: r.SubmitSelector})
	}
	return steps
}

func (s *Server) formAutofillFlow(c *gin.Context) {
	var req formAutofillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest,
			"request body is not valid JSON", err))
		return
	}
	if req.URL == "" || len(req.Fields) == 0 {
		writeError(c, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
			"form-autofill flow requires url and at least one field"))
		return
	}
	s.createFlowRun(c, "form-autofill", req.steps(), req.SessionID, req.KeepAlive)
}

// createFlowRun packages flow steps as a browser run and creates it with
// replay semantics.
func (s *Server) createFlowRun(c *gin.Context, flow string, steps []agent.BrowserStep, sessionID string, keepAlive bool) {
	owner := currentUser(c)
	key, err := idempotencyKey(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.replayRun(c, owner, key) {
		return
	}

	rawSteps := make([]any, 0, len(steps))
	for _, step := range steps {
		rawSteps = append(rawSteps, step)
	}
	data := map[string]any{"steps": rawSteps}
	if sessionID != "" {
		data["session_id"] = sessionID
	}
	if keepAlive {
		data["keep_alive"] = true
	}

	run, err := s.orch.CreateRun(c.Request.Context(), jarvis.CreateRequest{
		OwnerUserID: owner,
		AgentKind:   models.AgentBrowser,
		Input:       models.RunInput{Data: data},
		Tags:        []string{"flow:" + flow},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.rememberRun(c, owner, key, run.ID)
	c.JSON(http.StatusCreated, gin.H{"run": run})
}
