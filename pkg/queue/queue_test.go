package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/metrics"
	"github.com/jarvislabs/jarvis/pkg/models"
)

func TestMemoryBridgeFIFO(t *testing.T) {
	b := NewMemoryBridge()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Job{RunID: "r1"}))
	require.NoError(t, b.Enqueue(ctx, Job{RunID: "r2"}))

	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	d1, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", d1.Job.RunID)
	assert.Equal(t, DefaultAttempts, d1.Job.Attempts)

	d2, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", d2.Job.RunID)

	_, err = b.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, b.Ack(ctx, d1))
	require.NoError(t, b.Ack(ctx, d2))
}

func TestMemoryBridgeNackDecrementsAttempts(t *testing.T) {
	b := NewMemoryBridge()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, Job{RunID: "r1", Attempts: 2}))

	d, err := b.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Nack(ctx, d))

	d, err = b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Job.Attempts)

	// The final attempt is dropped on Nack, not requeued.
	require.NoError(t, b.Nack(ctx, d))
	_, err = b.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryBridgeClosed(t *testing.T) {
	b := NewMemoryBridge()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Enqueue(context.Background(), Job{}), ErrClosed)
	_, err := b.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

// recordingExecutor scripts per-run outcomes and records executions.
type recordingExecutor struct {
	mu       sync.Mutex
	outcomes map[string][]error
	executed []Job
	done     chan string
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		outcomes: make(map[string][]error),
		done:     make(chan string, 64),
	}
}

func (e *recordingExecutor) script(runID string, outcomes ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes[runID] = outcomes
}

func (e *recordingExecutor) ExecuteQueued(_ context.Context, job Job) error {
	e.mu.Lock()
	e.executed = append(e.executed, job)
	var err error
	if outs := e.outcomes[job.RunID]; len(outs) > 0 {
		err = outs[0]
		e.outcomes[job.RunID] = outs[1:]
	}
	e.mu.Unlock()
	e.done <- job.RunID
	return err
}

func (e *recordingExecutor) executions(runID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, j := range e.executed {
		if j.RunID == runID {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestPool(t *testing.T, exec Executor) (*Pool, *MemoryBridge) {
	t.Helper()
	bridge := NewMemoryBridge()
	pool := NewPool("test-pod", bridge, exec, Config{
		WorkerCount:  2,
		PollInterval: 10 * time.Millisecond,
		PollJitter:   5 * time.Millisecond,
		JobTimeout:   time.Second,
	}, metrics.NewNop())
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	return pool, bridge
}

func TestPoolProcessesJobs(t *testing.T) {
	exec := newRecordingExecutor()
	_, bridge := newTestPool(t, exec)

	ctx := context.Background()
	require.NoError(t, bridge.Enqueue(ctx, Job{RunID: "r1", AgentKind: models.AgentEcho}))
	require.NoError(t, bridge.Enqueue(ctx, Job{RunID: "r2", AgentKind: models.AgentGen}))

	waitFor(t, func() bool { return exec.executions("r1") == 1 && exec.executions("r2") == 1 })

	depth, err := bridge.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	exec := newRecordingExecutor()
	exec.script("r1",
		apperr.New(apperr.KindExternalService, "ProviderUnavailable", "blip"),
		nil)
	_, bridge := newTestPool(t, exec)

	require.NoError(t, bridge.Enqueue(context.Background(), Job{RunID: "r1"}))
	waitFor(t, func() bool { return exec.executions("r1") == 2 })
}

func TestPoolDoesNotRetryFatalFailure(t *testing.T) {
	exec := newRecordingExecutor()
	exec.script("r1",
		apperr.New(apperr.KindBudgetExceeded, apperr.CodeBudgetExceeded, "over"))
	_, bridge := newTestPool(t, exec)

	require.NoError(t, bridge.Enqueue(context.Background(), Job{RunID: "r1"}))
	waitFor(t, func() bool { return exec.executions("r1") == 1 })

	// Give the workers a chance to (incorrectly) redeliver.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, exec.executions("r1"))
}

func TestPoolExhaustsAttempts(t *testing.T) {
	exec := newRecordingExecutor()
	transient := apperr.New(apperr.KindExternalService, "ProviderUnavailable", "down")
	exec.script("r1", transient, transient, transient, transient)
	_, bridge := newTestPool(t, exec)

	require.NoError(t, bridge.Enqueue(context.Background(), Job{RunID: "r1", Attempts: 3}))
	waitFor(t, func() bool { return exec.executions("r1") == 3 })

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, exec.executions("r1"))
}

func TestPoolStartIdempotent(t *testing.T) {
	exec := newRecordingExecutor()
	pool, _ := newTestPool(t, exec)
	pool.Start(context.Background())
	assert.Len(t, pool.ActiveRunIDs(), 0)
}
