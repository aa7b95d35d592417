package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mpataki/levelup/internal/journal"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/workspace"
)

const pollInterval = 5 * time.Millisecond

type calls struct {
	mu     sync.Mutex
	counts map[models.Step]int
}

func (c *calls) inc(step models.Step) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[models.Step]int)
	}
	c.counts[step]++
	return c.counts[step]
}

func (c *calls) get(step models.Step) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[step]
}

func (c *calls) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

// executors returns a counting pass-through executor for every step, with
// overrides taking the place of the defaults.
func executors(c *calls, overrides map[models.Step]ExecutorFunc) map[models.Step]Executor {
	out := make(map[models.Step]Executor, len(models.Pipeline))
	for _, step := range models.Pipeline {
		step := step
		override := overrides[step]
		out[step] = ExecutorFunc(func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			n := c.inc(step)
			if override != nil {
				return override(ctx, pc)
			}
			pc.Outputs[step] = step.Description()
			return models.StepUsage{CostUSD: 0.01, InputTokens: int64(10 * n), OutputTokens: 5}, nil
		})
	}
	return out
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "state.db"), storage.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newOrchestrator(t *testing.T, store Store, execs map[models.Step]Executor, settings Settings, opts ...Option) *Orchestrator {
	t.Helper()
	if settings.ProjectPath == "" {
		settings.ProjectPath = t.TempDir()
	}
	settings.PollInterval = pollInterval
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	o, err := New(store, execs, settings, opts...)
	require.NoError(t, err)
	return o
}

// decisionWriter plays the part of a separate approver process: it polls the
// pending checkpoints and answers them with decide.
func decisionWriter(t *testing.T, store *storage.Storage, decide func(req *models.CheckpointRequest) (models.Decision, string, bool)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pending, err := store.ListPendingCheckpoints(ctx)
			if err != nil {
				continue
			}
			for _, req := range pending {
				if d, fb, ok := decide(req); ok {
					_ = store.SubmitDecision(ctx, req.ID, d, fb)
				}
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func approveAll(*models.CheckpointRequest) (models.Decision, string, bool) {
	return models.DecisionApprove, "", true
}

func task(title string) models.TaskInput {
	return models.TaskInput{Title: title, Description: "do the thing"}
}

func TestNewRequiresEveryExecutor(t *testing.T) {
	execs := executors(&calls{}, nil)
	delete(execs, models.StepReview)

	_, err := New(newStore(t), execs, Settings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review")
}

func TestRunCompletesWithoutCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := &calls{}
	o := newOrchestrator(t, store, executors(c, nil), Settings{})

	pc, err := o.Run(ctx, task("Add login"), models.RunOptions{Model: "sonnet"})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	assert.Empty(t, pc.CurrentStep)
	assert.Empty(t, pc.ErrorMessage)
	for _, step := range models.Pipeline {
		assert.Equal(t, 1, c.get(step), step)
	}
	assert.Len(t, pc.AuditEvents(models.AuditStepCompleted), len(models.Pipeline))
	assert.InDelta(t, 0.07, pc.TotalCostUSD, 1e-9)
	assert.Len(t, pc.RunID, 12)

	run, err := store.GetRun(ctx, pc.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "Add login", run.TaskTitle)
	assert.Equal(t, os.Getpid(), run.PID)
	assert.Equal(t, int64(70), run.InputTokens)

	stored, err := models.UnmarshalPipelineContext(run.ContextJSON)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", stored.Options.Model)
}

func TestSkipPlanning(t *testing.T) {
	c := &calls{}
	o := newOrchestrator(t, newStore(t), executors(c, nil), Settings{})

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{SkipPlanning: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	assert.Zero(t, c.get(models.StepPlanning))
	assert.Len(t, pc.AuditEvents(models.AuditPlanningSkipped), 1)
}

func alwaysCritical(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
	pc.SecurityFindings = []models.SecurityFinding{{Severity: "critical", Category: "injection", File: "db.go"}}
	pc.RequiresCodingRework = true
	pc.SecurityFeedback = "parameterize the query in db.go"
	return models.StepUsage{}, nil
}

func TestSecurityLoopBackRunsImplementationTwice(t *testing.T) {
	store := newStore(t)
	c := &calls{}
	var reworkSeen string
	o := newOrchestrator(t, store, executors(c, map[models.Step]ExecutorFunc{
		models.StepSecurity: alwaysCritical,
		models.StepCoding: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			if pc.ReworkFeedback != "" {
				reworkSeen = pc.ReworkFeedback
			}
			return models.StepUsage{}, nil
		},
	}), Settings{})

	pc, err := o.Run(context.Background(), task("Query users"), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	assert.Equal(t, 2, c.get(models.StepCoding))
	assert.Equal(t, 2, c.get(models.StepSecurity))
	assert.Equal(t, 1, c.get(models.StepReview))
	assert.Equal(t, "parameterize the query in db.go", reworkSeen)
	assert.True(t, pc.SecurityIssuesRemain)
	assert.Equal(t, 1, pc.SecurityReworks)
	assert.Len(t, pc.SecurityFindings, 1)
	assert.Len(t, pc.AuditEvents(models.AuditSecurityRework), 1)
	assert.Len(t, pc.AuditEvents(models.AuditSecurityRemains), 1)
	assert.Empty(t, pc.ReworkFeedback)
}

func TestSecurityLoopBackResolved(t *testing.T) {
	c := &calls{}
	o := newOrchestrator(t, newStore(t), executors(c, map[models.Step]ExecutorFunc{
		models.StepSecurity: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			if pc.SecurityReworks == 0 {
				return alwaysCritical(ctx, pc)
			}
			pc.SecurityFindings = nil
			return models.StepUsage{}, nil
		},
	}), Settings{})

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	assert.Equal(t, 2, c.get(models.StepCoding))
	assert.False(t, pc.SecurityIssuesRemain)
	assert.Empty(t, pc.AuditEvents(models.AuditSecurityRemains))
}

func TestRequiredBranchWithoutRepositoryFailsBeforeAnyStep(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := &calls{}
	manager := workspace.NewManager(t.TempDir(), zaptest.NewLogger(t))
	o := newOrchestrator(t, store, executors(c, nil), Settings{
		ProjectPath:   t.TempDir(),
		CreateBranch:  true,
		RequireBranch: true,
	}, WithWorktrees(manager))

	pc, err := o.Run(ctx, task("x"), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Contains(t, pc.ErrorMessage, "Branch creation failed")
	assert.Zero(t, c.total())

	run, err := store.GetRun(ctx, pc.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestBranchFailureIsNotFatal(t *testing.T) {
	c := &calls{}
	manager := workspace.NewManager(t.TempDir(), nil)
	o := newOrchestrator(t, newStore(t), executors(c, nil), Settings{CreateBranch: true}, WithWorktrees(manager))

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	assert.Empty(t, pc.WorktreePath)
	assert.Len(t, pc.AuditEvents(models.AuditBranchSkipped), 1)
	assert.Equal(t, len(models.Pipeline), c.total())
}

type fakeWorktrees struct {
	dir string
}

func (f fakeWorktrees) Create(ctx context.Context, projectPath, runID, branch string) (*workspace.Worktree, error) {
	path := filepath.Join(f.dir, runID)
	return &workspace.Worktree{Path: path, Branch: branch, BaseSHA: "base"}, os.MkdirAll(path, 0755)
}

func (f fakeWorktrees) Reattach(ctx context.Context, projectPath, runID, branch string) (*workspace.Worktree, error) {
	return &workspace.Worktree{Path: filepath.Join(f.dir, runID), Branch: branch}, nil
}

func TestWorktreeStepCommitsAndJournal(t *testing.T) {
	var mu sync.Mutex
	var messages []string
	commit := func(ctx context.Context, dir, message string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, message)
		return "sha-" + message[:12], nil
	}

	c := &calls{}
	o := newOrchestrator(t, newStore(t), executors(c, nil), Settings{
		CreateBranch: true,
		BranchNaming: "feature/task-title",
		Journal:      true,
	}, WithWorktrees(fakeWorktrees{dir: t.TempDir()}), withCommitter(commit))

	pc, err := o.Run(context.Background(), task("Add Search"), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	assert.Equal(t, "feature/add-search", pc.BranchName)
	assert.Equal(t, "feature/{task_title}", pc.BranchNaming)
	assert.Len(t, pc.StepCommits, len(models.Pipeline))
	assert.Len(t, messages, len(models.Pipeline)+1, "one commit per step plus the journal")
	assert.DirExists(t, pc.WorktreePath, "worktrees are never removed")
	assert.FileExists(t, filepath.Join(pc.WorktreePath, journal.Dir, journal.FileName(pc)))
}

func TestAutoApproveProjectDefault(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	o := newOrchestrator(t, store, executors(&calls{}, nil), Settings{RequireCheckpoints: true, AutoApprove: true})

	pc, err := o.Run(ctx, task("x"), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	auto := pc.AuditEvents(models.AuditAutoApproved)
	require.Len(t, auto, 4)
	assert.Equal(t, models.StepRequirements, auto[0].Step)
	assert.Equal(t, "project", auto[0].Detail)

	pending, err := store.ListPendingCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	dec, err := store.GetDecision(ctx, pc.RunID, models.StepRequirements)
	require.NoError(t, err)
	assert.Nil(t, dec)
}

func TestTicketAutoApproveOverridesProjectDefault(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	project := t.TempDir()
	ticket, err := store.AddTicket(ctx, project, "Ticketed", "", map[string]any{"auto_approve": true})
	require.NoError(t, err)

	o := newOrchestrator(t, store, executors(&calls{}, nil), Settings{
		ProjectPath:        project,
		RequireCheckpoints: true,
		AutoApprove:        false,
	})

	pc, err := o.Run(ctx, ticket.TaskInput(), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	auto := pc.AuditEvents(models.AuditAutoApproved)
	require.Len(t, auto, 4)
	assert.Equal(t, "ticket", auto[0].Detail)

	run, err := store.GetRunForTicket(ctx, project, ticket.Number)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, pc.RunID, run.ID)
}

func TestActiveRunForTicketIsRefused(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	project := t.TempDir()
	three := 3
	require.NoError(t, store.RegisterRun(ctx, &models.Run{
		ID: "busy", TaskTitle: "t", ProjectPath: project, Status: models.RunStatusRunning, TicketNumber: &three,
	}))

	c := &calls{}
	o := newOrchestrator(t, store, executors(c, nil), Settings{ProjectPath: project})
	ticket := &models.Ticket{Number: 3, Title: "t"}

	pc, err := o.Run(ctx, ticket.TaskInput(), models.RunOptions{})
	assert.ErrorIs(t, err, ErrActiveRun)
	assert.Nil(t, pc)
	assert.Zero(t, c.total())
}

func TestCheckpointsApprovedByAnotherWriter(t *testing.T) {
	store := newStore(t)
	decisionWriter(t, store, approveAll)
	o := newOrchestrator(t, store, executors(&calls{}, nil), Settings{RequireCheckpoints: true})

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	decisions := pc.AuditEvents(models.AuditDecision)
	require.Len(t, decisions, 4)
	for i, step := range []models.Step{models.StepRequirements, models.StepTestWriting, models.StepSecurity, models.StepReview} {
		assert.Equal(t, step, decisions[i].Step)
		assert.Equal(t, "approve", decisions[i].Detail)
	}
}

func TestCheckpointRejectFailsRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	decisionWriter(t, store, func(req *models.CheckpointRequest) (models.Decision, string, bool) {
		return models.DecisionReject, "scope is too large", true
	})
	c := &calls{}
	o := newOrchestrator(t, store, executors(c, nil), Settings{RequireCheckpoints: true})

	pc, err := o.Run(ctx, task("x"), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Equal(t, "scope is too large", pc.ErrorMessage)
	assert.Equal(t, 1, c.get(models.StepRequirements))
	assert.Zero(t, c.get(models.StepPlanning))

	run, err := store.GetRun(ctx, pc.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "scope is too large", run.ErrorMessage)
}

func TestCheckpointRejectWithoutFeedback(t *testing.T) {
	store := newStore(t)
	decisionWriter(t, store, func(req *models.CheckpointRequest) (models.Decision, string, bool) {
		return models.DecisionReject, "", true
	})
	o := newOrchestrator(t, store, executors(&calls{}, nil), Settings{RequireCheckpoints: true})

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Equal(t, "Checkpoint rejected", pc.ErrorMessage)
}

func TestCheckpointReviseRerunsStep(t *testing.T) {
	store := newStore(t)
	var mu sync.Mutex
	revised := false
	decisionWriter(t, store, func(req *models.CheckpointRequest) (models.Decision, string, bool) {
		mu.Lock()
		defer mu.Unlock()
		if req.StepName == string(models.StepRequirements) && !revised {
			revised = true
			return models.DecisionRevise, "add acceptance criteria", true
		}
		return models.DecisionApprove, "", true
	})

	c := &calls{}
	var feedback []string
	o := newOrchestrator(t, store, executors(c, map[models.Step]ExecutorFunc{
		models.StepRequirements: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			feedback = append(feedback, pc.RevisionFeedback)
			return models.StepUsage{}, nil
		},
	}), Settings{RequireCheckpoints: true})

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, pc.Status)
	assert.Equal(t, 2, c.get(models.StepRequirements))
	assert.Equal(t, []string{"", "add acceptance criteria"}, feedback)
	assert.Empty(t, pc.RevisionFeedback)
}

func TestPauseWhileWaitingThenResume(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := &calls{}
	o := newOrchestrator(t, store, executors(c, nil), Settings{RequireCheckpoints: true})

	var mu sync.Mutex
	var firstRequest int64
	pausing := true
	decisionWriter(t, store, func(req *models.CheckpointRequest) (models.Decision, string, bool) {
		mu.Lock()
		defer mu.Unlock()
		if pausing {
			if firstRequest == 0 {
				firstRequest = req.ID
				_ = store.RequestPause(ctx, req.RunID)
			}
			return "", "", false
		}
		return models.DecisionApprove, "", true
	})

	pc, err := o.Run(ctx, task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, pc.Status)
	assert.Equal(t, models.StepRequirements, pc.CurrentStep)
	assert.True(t, pc.StepDone)

	run, err := store.GetRun(ctx, pc.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, run.Status)
	assert.False(t, run.PauseRequested, "the pause request is consumed")
	stored, err := models.UnmarshalPipelineContext(run.ContextJSON)
	require.NoError(t, err)
	assert.Equal(t, models.StepRequirements, stored.CurrentStep)

	pending, err := store.PendingCheckpoint(ctx, pc.RunID, models.StepRequirements)
	require.NoError(t, err)
	require.NotNil(t, pending, "the request survives the pause")

	mu.Lock()
	pausing = false
	mu.Unlock()

	resumed, err := o.Resume(ctx, pc.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, resumed.Status)
	assert.Equal(t, 1, c.get(models.StepRequirements), "a finished step is not executed again")
	assert.Len(t, resumed.AuditEvents(models.AuditResumed), 1)

	mu.Lock()
	id := firstRequest
	mu.Unlock()
	cp, err := store.GetCheckpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointDecided, cp.Status)
	assert.Equal(t, pending.ID, id)
}

func TestPauseBetweenStepsAndResume(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := &calls{}
	o := newOrchestrator(t, store, executors(c, map[models.Step]ExecutorFunc{
		models.StepDetect: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			if c.get(models.StepDetect) == 1 {
				require.NoError(t, store.RequestPause(ctx, pc.RunID))
			}
			pc.Language = "go"
			return models.StepUsage{}, nil
		},
	}), Settings{})

	pc, err := o.Run(ctx, task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, pc.Status)
	assert.Equal(t, models.StepRequirements, pc.CurrentStep)
	assert.Zero(t, c.get(models.StepRequirements))

	run, err := store.GetRun(ctx, pc.RunID)
	require.NoError(t, err)
	assert.Equal(t, "go", run.Language)
	assert.Equal(t, string(models.StepRequirements), run.CurrentStep)

	resumed, err := o.Resume(ctx, pc.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, resumed.Status)
	assert.Equal(t, 1, c.get(models.StepDetect))
	assert.Equal(t, 1, c.get(models.StepReview))
	assert.Equal(t, "go", resumed.Language)
}

func TestExecutorPauseStopsAtSafePoint(t *testing.T) {
	c := &calls{}
	store := newStore(t)
	o := newOrchestrator(t, store, executors(c, map[models.Step]ExecutorFunc{
		models.StepCoding: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			if c.get(models.StepCoding) == 1 {
				return models.StepUsage{}, ErrPaused
			}
			return models.StepUsage{}, nil
		},
	}), Settings{})

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPaused, pc.Status)
	assert.Equal(t, models.StepCoding, pc.CurrentStep)

	resumed, err := o.Resume(context.Background(), pc.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, resumed.Status)
	assert.Equal(t, 2, c.get(models.StepCoding))
}

func TestExecutorErrorFailsRun(t *testing.T) {
	c := &calls{}
	o := newOrchestrator(t, newStore(t), executors(c, map[models.Step]ExecutorFunc{
		models.StepCoding: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			return models.StepUsage{CostUSD: 0.5}, errors.New("tests still failing")
		},
	}), Settings{})

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Equal(t, "Step coding failed: tests still failing", pc.ErrorMessage)
	assert.Equal(t, models.StepCoding, pc.CurrentStep)
	assert.Zero(t, c.get(models.StepSecurity))
	assert.InDelta(t, 0.5, pc.StepUsage[models.StepCoding].CostUSD, 1e-9)
}

func TestExecutorPanicFailsRun(t *testing.T) {
	o := newOrchestrator(t, newStore(t), executors(&calls{}, map[models.Step]ExecutorFunc{
		models.StepPlanning: func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
			panic("nil map")
		},
	}), Settings{})

	pc, err := o.Run(context.Background(), task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, pc.Status)
	assert.Contains(t, pc.ErrorMessage, "panic: nil map")
}

func TestCancelWhileWaitingAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newStore(t)
	decisionWriter(t, store, func(req *models.CheckpointRequest) (models.Decision, string, bool) {
		cancel()
		return "", "", false
	})
	o := newOrchestrator(t, store, executors(&calls{}, nil), Settings{RequireCheckpoints: true})

	pc, err := o.Run(ctx, task("x"), models.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, pc.Status)

	run, err := store.GetRun(context.Background(), pc.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, run.Status)
}

func TestResumeErrors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	o := newOrchestrator(t, store, executors(&calls{}, nil), Settings{})
	_, err := o.Resume(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, store.RegisterRun(ctx, &models.Run{
		ID: "owned", TaskTitle: "t", ProjectPath: "/p", Status: models.RunStatusRunning, PID: 4242,
	}))
	busy := newOrchestrator(t, store, executors(&calls{}, nil), Settings{},
		WithProcess(1, func(int) bool { return true }))
	_, err = busy.Resume(ctx, "owned", "")
	assert.ErrorIs(t, err, ErrRunBusy)

	pc, err := o.Run(ctx, task("done"), models.RunOptions{})
	require.NoError(t, err)
	_, err = o.Resume(ctx, pc.RunID, "")
	assert.Error(t, err, "completed runs need an explicit step")

	again, err := o.Resume(ctx, pc.RunID, models.StepReview)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, again.Status)
}

func TestCheckpointPayloadCarriesSecurityFindings(t *testing.T) {
	store := newStore(t)
	var mu sync.Mutex
	seen := map[string]models.CheckpointPayload{}
	decisionWriter(t, store, func(req *models.CheckpointRequest) (models.Decision, string, bool) {
		mu.Lock()
		seen[req.StepName] = req.Payload()
		mu.Unlock()
		return models.DecisionApprove, "", true
	})
	o := newOrchestrator(t, store, executors(&calls{}, map[models.Step]ExecutorFunc{
		models.StepSecurity: alwaysCritical,
	}), Settings{RequireCheckpoints: true})

	pc, err := o.Run(context.Background(), task("Query users"), models.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, pc.Status)

	mu.Lock()
	defer mu.Unlock()
	sec := seen[string(models.StepSecurity)]
	assert.Equal(t, pc.RunID, sec.RunID)
	assert.Equal(t, models.StepSecurity, sec.Step)
	assert.Equal(t, "Query users", sec.TaskTitle)
	assert.True(t, sec.IssuesRemain)
	require.Len(t, sec.SecurityFindings, 1)
	assert.Equal(t, "injection", sec.SecurityFindings[0].Category)

	req := seen[string(models.StepRequirements)]
	assert.Equal(t, models.StepRequirements.Description(), req.Description)
	assert.Empty(t, req.SecurityFindings)
}
