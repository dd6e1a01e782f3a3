package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

func TestRunTransitionTable(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunPending, RunRunning, true},
		{RunPending, RunCompleted, true}, // no work attempted
		{RunPending, RunCancelled, true},
		{RunRunning, RunCompleted, true},
		{RunRunning, RunFailed, true},
		{RunRunning, RunTimeout, true},
		{RunRunning, RunPending, false},
		{RunCompleted, RunRunning, false},
		{RunFailed, RunCompleted, false},
		{RunTimeout, RunRunning, false},
		{RunCancelled, RunFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			err := ValidateRunTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, &apperr.Error{Code: apperr.CodeIllegalTransition}))
			}
		})
	}
}

func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	for _, s := range []RunStatus{RunCompleted, RunFailed, RunCancelled, RunTimeout} {
		assert.True(t, s.IsTerminal(), string(s))
		for _, to := range []RunStatus{RunPending, RunRunning, RunCompleted, RunFailed} {
			if to == s {
				continue
			}
			assert.Error(t, ValidateRunTransition(s, to), "%s → %s should be illegal", s, to)
		}
	}
	assert.False(t, RunPending.IsTerminal())
	assert.False(t, RunRunning.IsTerminal())
}

func TestRunTransitionStampsCompletion(t *testing.T) {
	r := NewRun("agent-1", AgentEcho, "user-a", RunInput{Prompt: "hi"})
	require.Equal(t, RunPending, r.Status)
	require.Nil(t, r.CompletedAt)

	require.NoError(t, r.Transition(RunRunning))
	assert.Nil(t, r.CompletedAt)

	require.NoError(t, r.Transition(RunCompleted))
	require.NotNil(t, r.CompletedAt)
	require.NotNil(t, r.DurationMs)
	assert.Equal(t, r.CompletedAt.Sub(r.StartedAt), r.Duration())
	assert.GreaterOrEqual(t, *r.DurationMs, int64(0))
}

func TestNodeTransitions(t *testing.T) {
	n := NewNode("run-1", "step-0", "goto", nil)
	require.NoError(t, n.Transition(NodeRunning))
	require.NoError(t, n.Transition(NodeWaiting))
	require.NoError(t, n.Transition(NodeRunning))
	require.NoError(t, n.Transition(NodeFailed))
	assert.Error(t, n.Transition(NodeRunning))
	require.NotNil(t, n.CompletedAt)
}

func TestNodeSkippedIsTerminal(t *testing.T) {
	assert.True(t, NodeSkipped.IsTerminal())
	assert.False(t, NodeWaiting.IsTerminal())
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	assert.Less(t, a, b, "v7 ids must sort by creation time")
}
