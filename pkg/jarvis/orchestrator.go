// Package jarvis is the top-level orchestrator: run intake, agent
// selection, budget enforcement, sync and queued dispatch, and owner-scoped
// reads. All run and node state transitions flow through the store's
// serialized update callbacks.
package jarvis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jarvislabs/jarvis/pkg/agent"
	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/masking"
	"github.com/jarvislabs/jarvis/pkg/metrics"
	"github.com/jarvislabs/jarvis/pkg/models"
	"github.com/jarvislabs/jarvis/pkg/queue"
	"github.com/jarvislabs/jarvis/pkg/store"
)

// Config tunes the orchestrator's budgets, deadlines, and dispatch mode.
type Config struct {
	MaxLLMCallsPerRun     int
	MaxBrowserStepsPerRun int
	// NodeTimeout bounds one handler execution.
	NodeTimeout time.Duration
	// RunTimeout bounds a whole synchronous run call.
	RunTimeout time.Duration
	// UserMaxConcurrentRuns caps non-terminal runs per owner.
	UserMaxConcurrentRuns int
	// AsyncJobs switches dispatch to the queue bridge.
	AsyncJobs bool
}

// Canceller cancels in-flight queued runs on this pod.
type Canceller interface {
	CancelRun(runID string) bool
}

// Orchestrator is the platform entry point. Construct with New, inject into
// the HTTP layer, and tear down by stopping the queue pool first.
type Orchestrator struct {
	store     *store.Store
	factory   *agent.Factory
	bridge    queue.Bridge
	canceller Canceller
	metrics   *metrics.Metrics
	cfg       Config
}

// New builds an orchestrator. bridge may be nil when async dispatch is
// disabled; canceller may be nil when no worker pool runs on this pod.
func New(st *store.Store, factory *agent.Factory, bridge queue.Bridge, m *metrics.Metrics, cfg Config) *Orchestrator {
	if cfg.MaxLLMCallsPerRun <= 0 {
		cfg.MaxLLMCallsPerRun = 10
	}
	if cfg.MaxBrowserStepsPerRun <= 0 {
		cfg.MaxBrowserStepsPerRun = 25
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 2 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.UserMaxConcurrentRuns <= 0 {
		cfg.UserMaxConcurrentRuns = 5
	}
	return &Orchestrator{store: st, factory: factory, bridge: bridge, metrics: m, cfg: cfg}
}

// SetCanceller wires the worker pool's cancel registry after both exist.
func (o *Orchestrator) SetCanceller(c Canceller) { o.canceller = c }

// CreateRequest is a run creation call.
type CreateRequest struct {
	OwnerUserID string
	// AgentKind forces a handler; empty means keyword selection.
	AgentKind models.AgentKind
	Input     models.RunInput
	Tags      []string
	Priority  models.RunPriority
}

// CreateRun validates, persists, and dispatches a run. Synchronous dispatch
// returns the terminal run; queued dispatch returns it still pending.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRequest) (*models.Run, error) {
	if req.OwnerUserID == "" {
		return nil, apperr.New(apperr.KindAuthentication, apperr.CodeAccessDenied,
			"run creation requires an authenticated owner")
	}
	if req.Input.Prompt == "" && len(req.Input.Data) == 0 {
		return nil, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
			"run needs a prompt or structured data")
	}
	kind := req.AgentKind
	if kind != "" && !kind.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, apperr.CodeInvalidRequest,
			"unknown agent kind %q", kind)
	}
	if kind == "" {
		kind = agent.SelectKind(req.Input)
	}
	if _, err := o.factory.Resolve(kind); err != nil {
		return nil, err
	}

	active, err := o.store.Runs.CountActiveRuns(ctx, req.OwnerUserID)
	if err != nil {
		return nil, err
	}
	if active >= o.cfg.UserMaxConcurrentRuns {
		return nil, apperr.Newf(apperr.KindRateLimit, apperr.CodeCapacityExceeded,
			"user has %d active runs, limit is %d", active, o.cfg.UserMaxConcurrentRuns)
	}

	run := models.NewRun("agent-"+strings.ToLower(string(kind)), kind, req.OwnerUserID, req.Input)
	run.Tags = req.Tags
	if req.Priority != "" {
		run.Priority = req.Priority
	}
	node := models.NewNode(run.ID, "execute", string(kind), req.Input.Data)

	if err := o.store.Runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := o.store.Runs.AppendNode(ctx, run.ID, node); err != nil {
		return nil, err
	}
	o.audit(ctx, run.ID, req.OwnerUserID, "run.created", map[string]any{
		"agent_kind": string(kind),
		"input": masking.MaskMap(map[string]any{
			"prompt": masking.Truncate(req.Input.Prompt),
		}),
	})
	slog.Info("Run created", "run_id", run.ID, "agent_kind", kind, "owner", req.OwnerUserID)

	if o.cfg.AsyncJobs && o.bridge != nil {
		job := queue.Job{
			RunID:     run.ID,
			NodeID:    node.ID,
			AgentKind: kind,
			UserID:    req.OwnerUserID,
			Attempts:  queue.DefaultAttempts,
		}
		if err := o.bridge.Enqueue(ctx, job); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "EnqueueFailed",
				"could not enqueue run", err)
		}
		o.metrics.QueueJobs.WithLabelValues("runs", "enqueued").Inc()
		o.audit(ctx, run.ID, req.OwnerUserID, "run.enqueued", nil)
		return run, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()
	if err := o.execute(runCtx, run.ID, node.ID, true); err != nil {
		slog.Warn("Run failed", "run_id", run.ID, "error", err)
	}
	return o.store.Runs.GetRun(ctx, run.ID)
}

// ExecuteQueued runs a dequeued job. A terminal run is a no-op so stale
// redeliveries settle cleanly. The returned error drives the worker's
// retry decision; the run is marked terminal here only when the failure is
// fatal or this was the job's last attempt.
func (o *Orchestrator) ExecuteQueued(ctx context.Context, job queue.Job) error {
	run, err := o.store.Runs.GetRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		slog.Info("Skipping redelivered terminal run", "run_id", job.RunID, "status", run.Status)
		return nil
	}
	return o.execute(ctx, job.RunID, job.NodeID, job.Attempts <= 1)
}

// execute advances one run through its node: transition to running, race
// the handler against the node deadline, then persist the outcome. When
// lastAttempt is false a retryable failure leaves the run in running for
// the queue to redeliver.
func (o *Orchestrator) execute(ctx context.Context, runID, nodeID string, lastAttempt bool) error {
	run, err := o.store.Runs.UpdateRun(ctx, runID, func(r *models.Run) error {
		return r.Transition(models.RunRunning)
	})
	if err != nil {
		return err
	}
	if _, err := o.store.Runs.UpdateNode(ctx, nodeID, func(n *models.NodeExecution) error {
		n.Attempts++
		return n.Transition(models.NodeRunning)
	}); err != nil {
		return err
	}

	handler, err := o.factory.Resolve(run.AgentKind)
	if err != nil {
		o.finish(ctx, run, nodeID, models.RunFailed, nil, err, agent.NewBudgets(0, 0))
		return err
	}
	budgets := agent.NewBudgets(o.cfg.MaxLLMCallsPerRun, o.cfg.MaxBrowserStepsPerRun)

	nodeCtx, cancel := context.WithTimeout(ctx, o.cfg.NodeTimeout)
	defer cancel()

	type outcome struct {
		output *models.RunOutput
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, execErr := handler.Execute(nodeCtx, run, budgets)
		done <- outcome{output: out, err: execErr}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return o.failed(ctx, run, nodeID, res.err, budgets, lastAttempt)
		}
		o.finish(ctx, run, nodeID, models.RunCompleted, res.output, nil, budgets)
		return nil
	case <-nodeCtx.Done():
		var timeoutErr error
		status := models.RunFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The outer run deadline expired, not just this node's.
			status = models.RunTimeout
			timeoutErr = apperr.Newf(apperr.KindTimeout, apperr.CodeExecutionTimeout,
				"run timeout after %s", o.cfg.RunTimeout)
		} else if errors.Is(nodeCtx.Err(), context.Canceled) {
			status = models.RunCancelled
			timeoutErr = apperr.Wrap(apperr.KindTimeout, "RunCancelled",
				"run cancelled", nodeCtx.Err())
		} else {
			timeoutErr = apperr.Newf(apperr.KindTimeout, apperr.CodeExecutionTimeout,
				"Node execution timeout: %dms", o.cfg.NodeTimeout.Milliseconds())
		}
		o.finish(ctx, run, nodeID, status, nil, timeoutErr, budgets)
		return timeoutErr
	}
}

// failed persists a handler failure. Retryable failures on a non-final
// attempt keep the run in running and only record the error on the node.
func (o *Orchestrator) failed(ctx context.Context, run *models.Run, nodeID string, execErr error, budgets *agent.Budgets, lastAttempt bool) error {
	if !lastAttempt && !apperr.Fatal(execErr) {
		o.audit(ctx, run.ID, run.OwnerUserID, "run.retry", map[string]any{"error": execErr.Error()})
		return execErr
	}
	o.finish(ctx, run, nodeID, models.RunFailed, nil, execErr, budgets)
	return execErr
}

// finish writes the terminal node and run state, counters, metrics, and
// audit trail. Persistence runs on a background context: the run context
// may already be cancelled.
func (o *Orchestrator) finish(ctx context.Context, run *models.Run, nodeID string, status models.RunStatus, output *models.RunOutput, execErr error, budgets *agent.Budgets) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	nodeStatus := models.NodeCompleted
	if status != models.RunCompleted {
		nodeStatus = models.NodeFailed
		if status == models.RunCancelled {
			nodeStatus = models.NodeCancelled
		}
	}
	var runErr *models.RunError
	if execErr != nil {
		runErr = &models.RunError{Code: errCode(execErr), Message: errMessage(execErr)}
	}

	if _, err := o.store.Runs.UpdateNode(persistCtx, nodeID, func(n *models.NodeExecution) error {
		n.Error = runErr
		if output != nil {
			n.Output = output.Result
		}
		return n.Transition(nodeStatus)
	}); err != nil {
		slog.Error("Failed to persist node outcome", "node_id", nodeID, "error", err)
	}

	updated, err := o.store.Runs.UpdateRun(persistCtx, run.ID, func(r *models.Run) error {
		r.Counters = budgets.Counters()
		r.Output = output
		r.Error = runErr
		return r.Transition(status)
	})
	if err != nil {
		slog.Error("Failed to persist run outcome", "run_id", run.ID, "error", err)
		return
	}

	o.metrics.AgentRuns.WithLabelValues(string(run.AgentKind), string(status)).Inc()
	o.metrics.RunDuration.WithLabelValues(string(run.AgentKind)).Observe(updated.Duration().Seconds())
	detail := map[string]any{"status": string(status)}
	if runErr != nil {
		detail["error_code"] = runErr.Code
	}
	o.audit(persistCtx, run.ID, run.OwnerUserID, "run."+string(status), detail)
	slog.Info("Run finished", "run_id", run.ID, "status", status,
		"llm_calls", updated.Counters.LLMCalls, "browser_steps", updated.Counters.BrowserSteps)
}

// GetRun returns the run iff the requester owns it.
func (o *Orchestrator) GetRun(ctx context.Context, runID, requesterUserID string) (*models.Run, error) {
	run, err := o.store.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.OwnerUserID != requesterUserID {
		return nil, apperr.New(apperr.KindAuthorization, apperr.CodeAccessDenied,
			"run belongs to another user")
	}
	return run, nil
}

// ListRuns pages the requester's own runs. The owner filter is forced to
// the requester regardless of what the caller asked for.
func (o *Orchestrator) ListRuns(ctx context.Context, requesterUserID string, filter store.RunFilter, page store.Page) ([]*models.Run, int, error) {
	filter.OwnerUserID = requesterUserID
	return o.store.Runs.ListRuns(ctx, filter, page)
}

// Nodes returns the run's node executions, RBAC-checked.
func (o *Orchestrator) Nodes(ctx context.Context, runID, requesterUserID string) ([]*models.NodeExecution, error) {
	if _, err := o.GetRun(ctx, runID, requesterUserID); err != nil {
		return nil, err
	}
	return o.store.Runs.NodesForRun(ctx, runID)
}

// Logs pages the run's audit trail, RBAC-checked.
func (o *Orchestrator) Logs(ctx context.Context, runID, requesterUserID, cursor string, limit int) ([]*store.AuditEntry, string, error) {
	if _, err := o.GetRun(ctx, runID, requesterUserID); err != nil {
		return nil, "", err
	}
	return o.store.Audit.List(ctx, runID, cursor, limit)
}

// CancelRun cancels a pending or running run the requester owns. In-flight
// queued work on this pod is interrupted through the canceller.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, requesterUserID string) (*models.Run, error) {
	if _, err := o.GetRun(ctx, runID, requesterUserID); err != nil {
		return nil, err
	}
	run, err := o.store.Runs.UpdateRun(ctx, runID, func(r *models.Run) error {
		return r.Transition(models.RunCancelled)
	})
	if err != nil {
		return nil, err
	}
	if o.canceller != nil && o.canceller.CancelRun(runID) {
		slog.Info("Cancelled in-flight run", "run_id", runID)
	}
	o.audit(ctx, runID, requesterUserID, "run.cancelled", nil)
	return run, nil
}

// Store exposes the backing store for the HTTP layer's idempotency checks.
func (o *Orchestrator) Store() *store.Store { return o.store }

// audit appends best-effort; a failed audit write never fails the request.
func (o *Orchestrator) audit(ctx context.Context, runID, actor, event string, detail map[string]any) {
	entry := &store.AuditEntry{RunID: runID, Actor: actor, Event: event, Detail: detail}
	if err := o.store.Audit.Append(ctx, entry); err != nil {
		slog.Warn("Audit append failed", "run_id", runID, "event", event, "error", err)
	}
}

func errCode(err error) string {
	if code := apperr.CodeOf(err); code != "" {
		return code
	}
	return "Internal"
}

// errMessage extracts the user-facing message without the code prefix
// Error() prepends.
func errMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
