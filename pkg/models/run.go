// Package models defines the run/node/session entities and the pure state
// machine that governs their lifecycles. Runs hold ordered node identifiers
// rather than node pointers; the store resolves nodes by id.
package models

import (
	"time"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimeout   RunStatus = "timeout"
)

// RunPriority orders queued runs.
type RunPriority string

const (
	PriorityLow    RunPriority = "low"
	PriorityNormal RunPriority = "normal"
	PriorityHigh   RunPriority = "high"
)

// RunInput is the caller-supplied payload for a run.
type RunInput struct {
	Prompt  string         `json:"prompt,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// RunError is the user-visible failure attached to a failed run.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Usage accumulates token and cost accounting for a run.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// RunOutput is the result payload of a completed run.
type RunOutput struct {
	Result map[string]any `json:"result,omitempty"`
	Usage  *Usage         `json:"usage,omitempty"`
}

// Run is a user-initiated job executed by an agent. IDs are UUIDv7:
// time-ordered and lexicographically sortable.
type Run struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	AgentKind   AgentKind      `json:"agent_kind"`
	OwnerUserID string         `json:"owner_user_id"`
	Status      RunStatus      `json:"status"`
	Input       RunInput       `json:"input"`
	Output      *RunOutput     `json:"output,omitempty"`
	Error       *RunError      `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	NodeIDs     []string       `json:"node_ids"`
	Tags        []string       `json:"tags,omitempty"`
	Priority    RunPriority    `json:"priority"`
	Counters    RunCounters    `json:"counters"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunCounters tracks per-run budget consumption. Counters are monotonic
// non-decreasing for the lifetime of the run.
type RunCounters struct {
	LLMCalls     int `json:"llm_calls"`
	BrowserSteps int `json:"browser_steps"`
}

// NewRun builds a pending run owned by userID.
func NewRun(agentID string, kind AgentKind, ownerUserID string, input RunInput) *Run {
	return &Run{
		ID:          NewID(),
		AgentID:     agentID,
		AgentKind:   kind,
		OwnerUserID: ownerUserID,
		Status:      RunPending,
		Input:       input,
		StartedAt:   time.Now().UTC(),
		Priority:    PriorityNormal,
	}
}

// IsTerminal reports whether a run status is absorbing.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunTimeout:
		return true
	}
	return false
}

// runTransitions enumerates the legal run status edges.
var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunCompleted, RunFailed, RunCancelled, RunTimeout},
	RunRunning: {RunCompleted, RunFailed, RunCancelled, RunTimeout},
}

// ValidateRunTransition fails with IllegalTransition when from is terminal
// or the edge is not in the transition table. pending → completed is legal
// only for runs that attempted no work (echo-style short circuits).
func ValidateRunTransition(from, to RunStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range runTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperr.Newf(apperr.KindConflict, apperr.CodeIllegalTransition,
		"illegal run transition %s → %s", from, to)
}

// Transition advances the run to status, stamping completion metadata when
// the status is terminal. Terminal statuses are absorbing.
func (r *Run) Transition(to RunStatus) error {
	if err := ValidateRunTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	if to.IsTerminal() && r.CompletedAt == nil {
		now := time.Now().UTC()
		r.CompletedAt = &now
		d := now.Sub(r.StartedAt).Milliseconds()
		r.DurationMs = &d
	}
	return nil
}

// Duration returns completedAt − startedAt for terminal runs, zero otherwise.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
