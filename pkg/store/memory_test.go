package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/models"
)

func newRun(owner string) *models.Run {
	return models.NewRun("agent-1", models.AgentEcho, owner, models.RunInput{Prompt: "hi"})
}

func TestCreateAndGetRun(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := newRun("user-a")

	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, models.RunPending, got.Status)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, &apperr.Error{Code: apperr.CodeRunNotFound}))
}

func TestGetRunReturnsSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := newRun("user-a")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	got.Status = models.RunFailed
	got.Tags = append(got.Tags, "mutated")

	fresh, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, fresh.Status)
	assert.Empty(t, fresh.Tags)
}

func TestUpdateRunSerializesTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := newRun("user-a")
	require.NoError(t, s.CreateRun(ctx, run))

	_, err := s.UpdateRun(ctx, run.ID, func(r *models.Run) error {
		return r.Transition(models.RunRunning)
	})
	require.NoError(t, err)

	// Failed mutation leaves the stored run untouched.
	_, err = s.UpdateRun(ctx, run.ID, func(r *models.Run) error {
		r.Status = models.RunCompleted
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)
}

func TestAppendNodePreservesOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := newRun("user-a")
	require.NoError(t, s.CreateRun(ctx, run))

	var ids []string
	for i := 0; i < 5; i++ {
		n := models.NewNode(run.ID, fmt.Sprintf("step-%d", i), "goto", nil)
		require.NoError(t, s.AppendNode(ctx, run.ID, n))
		ids = append(ids, n.ID)
	}

	nodes, err := s.NodesForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 5)
	for i, n := range nodes {
		assert.Equal(t, ids[i], n.ID)
	}

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ids, got.NodeIDs)
}

func TestListRunsOwnerScoped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateRun(ctx, newRun("user-a")))
	}
	require.NoError(t, s.CreateRun(ctx, newRun("user-b")))

	runs, total, err := s.ListRuns(ctx, RunFilter{OwnerUserID: "user-a"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, runs, 3)

	runs, total, err = s.ListRuns(ctx, RunFilter{OwnerUserID: "user-c"}, Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, runs)
}

func TestListRunsPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, s.CreateRun(ctx, newRun("user-a")))
	}

	first, total, err := s.ListRuns(ctx, RunFilter{OwnerUserID: "user-a"}, Page{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, first, 3)

	second, _, err := s.ListRuns(ctx, RunFilter{OwnerUserID: "user-a"}, Page{Limit: 3, Offset: 3})
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.NotEqual(t, first[0].ID, second[0].ID)

	// Newest first.
	assert.Greater(t, first[0].ID, first[2].ID)
}

func TestCountActiveRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	active := newRun("user-a")
	require.NoError(t, s.CreateRun(ctx, active))

	done := newRun("user-a")
	require.NoError(t, done.Transition(models.RunRunning))
	require.NoError(t, done.Transition(models.RunCompleted))
	require.NoError(t, s.CreateRun(ctx, done))

	count, err := s.CountActiveRuns(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAuditCursorPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, &AuditEntry{
			RunID: "run-1",
			Event: fmt.Sprintf("event-%d", i),
		}))
	}

	first, cursor, err := s.List(ctx, "run-1", "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, cursor)

	second, cursor2, err := s.List(ctx, "run-1", cursor, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "event-2", second[0].Event)

	third, _, err := s.List(ctx, "run-1", cursor2, 2)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "event-4", third[0].Event)
}

func TestAuditRejectsMalformedCursor(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.List(context.Background(), "run-1", "!!!not-base64!!!", 10)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestIdempotencyTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &IdempotencyRecord{
		Key:       "k1",
		RunID:     "run-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	rec, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-1", rec.RunID)

	require.NoError(t, s.Put(ctx, &IdempotencyRecord{
		Key:       "k2",
		RunID:     "run-2",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	_, ok, err = s.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	run := newRun("user-a")
	require.NoError(t, s.CreateRun(ctx, run))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateRun(ctx, run.ID, func(r *models.Run) error {
				r.Counters.BrowserSteps++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Counters.BrowserSteps)
}
