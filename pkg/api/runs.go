package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/jarvis"
	"github.com/jarvislabs/jarvis/pkg/models"
	"github.com/jarvislabs/jarvis/pkg/store"
)

type createRunRequest struct {
	Prompt    string         `json:"prompt"`
	Data      map[string]any `json:"data"`
	Context   map[string]any `json:"context"`
	Options   map[string]any `json:"options"`
	AgentKind string         `json:"agent_kind"`
	Tags      []string       `json:"tags"`
	Priority  string         `json:"priority"`
}

func (r createRunRequest) input() models.RunInput {
	return models.RunInput{
		Prompt:  r.Prompt,
		Data:    r.Data,
		Context: r.Context,
		Options: r.Options,
	}
}

// replayRun serves a prior run for a repeated Idempotency-Key. Keys are
// namespaced by owner so tenants cannot collide or probe each other.
func (s *Server) replayRun(c *gin.Context, owner, key string) bool {
	if key == "" {
		return false
	}
	record, ok, err := s.orch.Store().Idempotency.Get(c.Request.Context(), owner+":"+key)
	if err != nil || !ok {
		return false
	}
	run, err := s.orch.GetRun(c.Request.Context(), record.RunID, owner)
	if err != nil {
		return false
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "replayed": true})
	return true
}

func (s *Server) rememberRun(c *gin.Context, owner, key, runID string) {
	if key == "" {
		return
	}
	record := &store.IdempotencyRecord{
		Key:       owner + ":" + key,
		RunID:     runID,
		OwnerID:   owner,
		ExpiresAt: time.Now().Add(s.cfg.IdempotencyTTL),
	}
	_ = s.orch.Store().Idempotency.Put(c.Request.Context(), record)
}

// createRun handles POST /v1/runs: 200 with the terminal run when dispatch
// is synchronous, 202 with the pending run when queued.
func (s *Server) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest,
			"request body is not valid JSON", err))
		return
	}
	owner := currentUser(c)
	key, err := idempotencyKey(c)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.replayRun(c, owner, key) {
		return
	}

	run, err := s.orch.CreateRun(c.Request.Context(), jarvis.CreateRequest{
		OwnerUserID: owner,
		AgentKind:   models.AgentKind(req.AgentKind),
		Input:       req.input(),
		Tags:        req.Tags,
		Priority:    models.RunPriority(req.Priority),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.rememberRun(c, owner, key, run.ID)

	status := http.StatusOK
	if s.cfg.AsyncJobs {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"run": run})
}

// createTask handles the legacy POST /v1/tasks/create body {prompt, agent?}.
func (s *Server) createTask(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
		Agent  string `json:"agent"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest,
			"request body is not valid JSON", err))
		return
	}
	run, err := s.orch.CreateRun(c.Request.Context(), jarvis.CreateRequest{
		OwnerUserID: currentUser(c),
		AgentKind:   models.AgentKind(req.Agent),
		Input:       models.RunInput{Prompt: req.Prompt},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run": run})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.orch.GetRun(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) listRuns(c *gin.Context) {
	filter := store.RunFilter{
		AgentID: c.Query("agent_id"),
		Status:  models.RunStatus(c.Query("status")),
	}
	page := store.Page{
		Limit:  intQuery(c, "limit", 0),
		Offset: intQuery(c, "offset", 0),
	}
	runs, total, err := s.orch.ListRuns(c.Request.Context(), currentUser(c), filter, page)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": total})
}

func (s *Server) getRunLogs(c *gin.Context) {
	entries, next, err := s.orch.Logs(c.Request.Context(), c.Param("id"), currentUser(c),
		c.Query("cursor"), intQuery(c, "limit", 50))
	if err != nil {
		writeError(c, err)
		return
	}
	out := gin.H{"logs": entries}
	if next != "" {
		out["next_cursor"] = next
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) cancelRun(c *gin.Context) {
	run, err := s.orch.CancelRun(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
