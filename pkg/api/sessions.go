package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/browser"
	"github.com/jarvislabs/jarvis/pkg/browser/engine"
)

// createSession handles POST /v1/session/create. Pool exhaustion surfaces
// as 429 CapacityExceeded.
func (s *Server) createSession(c *gin.Context) {
	var req struct {
		BrowserKind string `json:"browser_kind"`
		UserAgent   string `json:"user_agent"`
		Proxy       string `json:"proxy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest,
			"request body is not valid JSON", err))
		return
	}
	sess, err := s.sessions.Create(c.Request.Context(), browser.CreateOptions{
		Kind:      browser.Kind(req.BrowserKind),
		UserAgent: req.UserAgent,
		Proxy:     req.Proxy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": gin.H{
		"id":           sess.ID,
		"browser_kind": sess.Kind,
		"created_at":   sess.CreatedAt,
	}})
}

func (s *Server) closeSession(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		writeError(c, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
			"session close requires a session_id"))
		return
	}
	if !s.sessions.Close(req.SessionID) {
		writeError(c, apperr.Newf(apperr.KindNotFound, apperr.CodeSessionNotFound,
			"session %s not found", req.SessionID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": req.SessionID})
}

func (s *Server) listSessions(c *gin.Context) {
	infos := s.sessions.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": infos,
		"active":   len(infos),
		"capacity": s.sessions.MaxConcurrent(),
	})
}

// executeAction handles POST /v1/action/:type. The path parameter wins over
// any type in the body; direct API actions are not attributed to a run, so
// no budget is spent.
func (s *Server) executeAction(c *gin.Context) {
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest,
			"request body is not valid JSON", err))
		return
	}
	req.Type = engine.Type(c.Param("type"))
	res, err := s.engine.Execute(c.Request.Context(), req, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
