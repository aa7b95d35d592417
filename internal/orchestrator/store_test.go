package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/storage"
)

var errDiskGone = fmt.Errorf("update run: %w: disk I/O error", storage.ErrStoreUnavailable)

// unreliableStore fails the next N calls of selected operations.
type unreliableStore struct {
	*storage.Storage
	updateFailures   atomic.Int32
	pauseFailures    atomic.Int32
	decisionFailures atomic.Int32
}

func failNext(n *atomic.Int32) bool {
	return n.Add(-1) >= 0
}

func (s *unreliableStore) UpdateRun(ctx context.Context, run *models.Run) error {
	if failNext(&s.updateFailures) {
		return errDiskGone
	}
	return s.Storage.UpdateRun(ctx, run)
}

func (s *unreliableStore) IsPauseRequested(ctx context.Context, runID string) (bool, error) {
	if failNext(&s.pauseFailures) {
		return false, errDiskGone
	}
	return s.Storage.IsPauseRequested(ctx, runID)
}

func (s *unreliableStore) GetDecision(ctx context.Context, runID string, step models.Step) (*models.CheckpointDecision, error) {
	if failNext(&s.decisionFailures) {
		return nil, errDiskGone
	}
	return s.Storage.GetDecision(ctx, runID, step)
}

// runWithin runs the pipeline and fails the test if it does not return in time.
func runWithin(t *testing.T, o *Orchestrator, input models.TaskInput) *models.PipelineContext {
	t.Helper()
	type result struct {
		pc  *models.PipelineContext
		err error
	}
	done := make(chan result, 1)
	go func() {
		pc, err := o.Run(context.Background(), input, models.RunOptions{})
		done <- result{pc, err}
	}()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.pc)
		return r.pc
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
		return nil
	}
}

func TestUpdateFailureAfterStepFailsRun(t *testing.T) {
	ctx := context.Background()
	store := &unreliableStore{Storage: newStore(t)}
	c := &calls{}
	o := newOrchestrator(t, store, executors(c, map[models.Step]ExecutorFunc{
		models.StepDetect: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			store.updateFailures.Store(1)
			return models.StepUsage{}, nil
		},
	}), Settings{})

	pc := runWithin(t, o, task("x"))

	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Contains(t, pc.ErrorMessage, "Store unavailable")
	assert.Contains(t, pc.ErrorMessage, "disk I/O error")
	assert.Equal(t, 1, c.get(models.StepDetect))
	assert.Zero(t, c.get(models.StepRequirements))
	assert.Zero(t, c.get(models.StepCoding))

	// The final write went through once the store recovered.
	run, err := store.GetRun(ctx, pc.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, string(models.StepDetect), run.CurrentStep)
	assert.Contains(t, run.ErrorMessage, "Store unavailable")
}

func TestStoreDownForGoodStillReturnsFailure(t *testing.T) {
	ctx := context.Background()
	store := &unreliableStore{Storage: newStore(t)}
	c := &calls{}
	o := newOrchestrator(t, store, executors(c, map[models.Step]ExecutorFunc{
		models.StepDetect: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			store.updateFailures.Store(1 << 20)
			return models.StepUsage{}, nil
		},
	}), Settings{})

	pc := runWithin(t, o, task("x"))

	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Contains(t, pc.ErrorMessage, "Store unavailable")
	assert.Equal(t, 1, c.total())

	// Nothing after detect started reached the store.
	run, err := store.Storage.GetRun(ctx, pc.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, string(models.StepDetect), run.CurrentStep)
}

func TestPauseFlagFailureStopsRunBeforeAnyStep(t *testing.T) {
	store := &unreliableStore{Storage: newStore(t)}
	store.pauseFailures.Store(1)
	c := &calls{}
	o := newOrchestrator(t, store, executors(c, nil), Settings{})

	pc := runWithin(t, o, task("x"))

	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Contains(t, pc.ErrorMessage, "Store unavailable: failed to read pause flag")
	assert.Zero(t, c.total())
}

func TestDecisionPollFailuresAreBounded(t *testing.T) {
	ctx := context.Background()
	store := &unreliableStore{Storage: newStore(t)}
	store.decisionFailures.Store(1 << 20)
	c := &calls{}
	o := newOrchestrator(t, store, executors(c, nil), Settings{RequireCheckpoints: true})

	pc := runWithin(t, o, task("x"))

	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Contains(t, pc.ErrorMessage, "Store unavailable")
	assert.Equal(t, models.StepRequirements, pc.CurrentStep)
	assert.Zero(t, c.get(models.StepPlanning))

	run, err := store.GetRun(ctx, pc.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestTransientDecisionPollFailureIsTolerated(t *testing.T) {
	store := &unreliableStore{Storage: newStore(t)}
	store.decisionFailures.Store(maxPollFailures - 1)
	decisionWriter(t, store.Storage, approveAll)
	o := newOrchestrator(t, store, executors(&calls{}, nil), Settings{RequireCheckpoints: true})

	pc := runWithin(t, o, task("x"))

	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	assert.Empty(t, pc.ErrorMessage)
}
