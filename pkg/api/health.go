package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ready checks that the queue bridge is reachable. With no pool on this pod
// readiness equals liveness.
func (s *Server) ready(c *gin.Context) {
	if s.pool != nil {
		h := s.pool.Health(c.Request.Context())
		if h.QueueError != "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unready", "queue_error": h.QueueError})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// healthDetailed reports session occupancy, provider breaker states, and
// the worker pool snapshot.
func (s *Server) healthDetailed(c *gin.Context) {
	body := gin.H{
		"status": "healthy",
		"sessions": gin.H{
			"active":   s.sessions.ActiveCount(),
			"capacity": s.sessions.MaxConcurrent(),
		},
	}

	if s.facade != nil {
		providers := gin.H{}
		for _, name := range s.facade.Providers() {
			if state, ok := s.facade.BreakerState(name); ok {
				providers[name] = string(state)
			}
		}
		body["providers"] = providers
	}

	if s.pool != nil {
		body["queue"] = s.pool.Health(c.Request.Context())
	}

	c.JSON(http.StatusOK, body)
}
