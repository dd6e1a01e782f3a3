// Package api is the HTTP surface: run intake, session and action
// endpoints, prebuilt flows, and diagnostics. Handlers stay thin; all
// semantics live in the orchestrator, session manager, and action engine.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jarvislabs/jarvis/pkg/browser"
	"github.com/jarvislabs/jarvis/pkg/browser/engine"
	"github.com/jarvislabs/jarvis/pkg/jarvis"
	"github.com/jarvislabs/jarvis/pkg/llm"
	"github.com/jarvislabs/jarvis/pkg/metrics"
	"github.com/jarvislabs/jarvis/pkg/queue"
)

// Config tunes the HTTP layer.
type Config struct {
	Auth               Authenticator
	RateLimitPerMinute int
	IdempotencyTTL     time.Duration
	// AsyncJobs mirrors the orchestrator's dispatch mode so run creation
	// can pick 200 vs 202.
	AsyncJobs bool
}

// Server wires the subsystems behind the gin router.
type Server struct {
	orch     *jarvis.Orchestrator
	sessions *browser.Manager
	engine   *engine.Engine
	facade   *llm.Facade
	pool     *queue.Pool
	metrics  *metrics.Metrics
	cfg      Config
}

// New builds the server. pool may be nil when no workers run on this pod.
func New(orch *jarvis.Orchestrator, sessions *browser.Manager, eng *engine.Engine, facade *llm.Facade, pool *queue.Pool, m *metrics.Metrics, cfg Config) *Server {
	if cfg.Auth == nil {
		cfg.Auth = TokenAuth(nil)
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Server{
		orch:     orch,
		sessions: sessions,
		engine:   eng,
		facade:   facade,
		pool:     pool,
		metrics:  m,
		cfg:      cfg,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID())

	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/health/detailed", s.healthDetailed)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1", requireAuth(s.cfg.Auth), rateLimit(s.cfg.RateLimitPerMinute))
	{
		v1.POST("/runs", s.createRun)
		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/:id", s.getRun)
		v1.GET("/runs/:id/logs", s.getRunLogs)
		v1.POST("/runs/:id/cancel", s.cancelRun)

		v1.POST("/tasks/create", s.createTask)

		v1.POST("/flows/price-monitor", s.priceMonitorFlow)
		v1.POST("/flows/form-autofill", s.formAutofillFlow)

		v1.POST("/session/create", s.createSession)
		v1.POST("/session/close", s.closeSession)
		v1.GET("/session/list", s.listSessions)

		v1.POST("/action/:type", s.executeAction)
	}
	return r
}
