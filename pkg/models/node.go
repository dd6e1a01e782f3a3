package models

import (
	"time"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

// NodeStatus is the lifecycle status of a node execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
	NodeSkipped   NodeStatus = "skipped"
	NodeWaiting   NodeStatus = "waiting"
)

// NodeExecution is one step of a run. Nodes track their owning run by id
// and advance monotonically toward a terminal status.
type NodeExecution struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Status       NodeStatus     `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        *RunError      `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DurationMs   *int64         `json:"duration_ms,omitempty"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	RetryDelayMs *int64         `json:"retry_delay_ms,omitempty"`
}

// NewNode builds a pending node owned by runID.
func NewNode(runID, name, nodeType string, input map[string]any) *NodeExecution {
	return &NodeExecution{
		ID:          NewID(),
		RunID:       runID,
		Name:        name,
		Type:        nodeType,
		Status:      NodePending,
		Input:       input,
		StartedAt:   time.Now().UTC(),
		MaxAttempts: 1,
	}
}

// IsTerminal reports whether a node status is absorbing. waiting is not
// terminal: a waiting node resumes.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped:
		return true
	}
	return false
}

var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodePending: {NodeRunning, NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped, NodeWaiting},
	NodeRunning: {NodeCompleted, NodeFailed, NodeCancelled, NodeWaiting},
	NodeWaiting: {NodeRunning, NodeFailed, NodeCancelled, NodeSkipped},
}

// ValidateNodeTransition fails with IllegalTransition for edges outside the
// transition table; terminal statuses have no outgoing edges.
func ValidateNodeTransition(from, to NodeStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range nodeTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperr.Newf(apperr.KindConflict, apperr.CodeIllegalTransition,
		"illegal node transition %s → %s", from, to)
}

// Transition advances the node to status, stamping completion metadata when
// the status is terminal.
func (n *NodeExecution) Transition(to NodeStatus) error {
	if err := ValidateNodeTransition(n.Status, to); err != nil {
		return err
	}
	n.Status = to
	if to.IsTerminal() && n.CompletedAt == nil {
		now := time.Now().UTC()
		n.CompletedAt = &now
		d := now.Sub(n.StartedAt).Milliseconds()
		n.DurationMs = &d
	}
	return nil
}
