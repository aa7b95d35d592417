package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/journal"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/workspace"
)

const DefaultPollInterval = time.Second

var (
	// ErrActiveRun is returned by Run when the ticket already has a run that
	// has not finished.
	ErrActiveRun = errors.New("ticket already has an active run")

	ErrRunNotFound = errors.New("run not found")
	ErrRunBusy     = errors.New("run is owned by a live process")
)

// Store is the slice of the coordination store the orchestrator drives.
type Store interface {
	// RegisterRunForTicket inserts run unless its ticket already has an
	// active run, which is returned instead.
	RegisterRunForTicket(ctx context.Context, run *models.Run) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	GetTicket(ctx context.Context, projectPath string, number int) (*models.Ticket, error)

	IsPauseRequested(ctx context.Context, runID string) (bool, error)
	ClearPauseRequest(ctx context.Context, runID string) error

	CreateCheckpoint(ctx context.Context, runID string, step models.Step, data string) (int64, error)
	PendingCheckpoint(ctx context.Context, runID string, step models.Step) (*models.CheckpointRequest, error)
	GetCheckpoint(ctx context.Context, id int64) (*models.CheckpointRequest, error)
	GetDecision(ctx context.Context, runID string, step models.Step) (*models.CheckpointDecision, error)
}

// Worktrees creates the isolated working copy of a run.
type Worktrees interface {
	Create(ctx context.Context, projectPath, runID, branch string) (*workspace.Worktree, error)
	Reattach(ctx context.Context, projectPath, runID, branch string) (*workspace.Worktree, error)
}

// Settings is the pipeline policy for one orchestrator.
type Settings struct {
	ProjectPath        string
	RequireCheckpoints bool
	AutoApprove        bool
	CreateBranch       bool
	RequireBranch      bool
	BranchNaming       string
	Journal            bool
	PollInterval       time.Duration
}

type Orchestrator struct {
	store     Store
	executors map[models.Step]Executor
	settings  Settings
	worktrees Worktrees
	commit    func(ctx context.Context, dir, message string) (string, error)
	metrics   Recorder
	logger    *zap.Logger
	now       func() time.Time
	pid       int
	alive     func(pid int) bool
}

type Option func(*Orchestrator)

func WithWorktrees(w Worktrees) Option {
	return func(o *Orchestrator) { o.worktrees = w }
}

func WithMetrics(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.metrics = r
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithProcess overrides the pid recorded as the run owner and the check used
// to decide whether another owner is still alive.
func WithProcess(pid int, alive func(pid int) bool) Option {
	return func(o *Orchestrator) {
		o.pid = pid
		if alive != nil {
			o.alive = alive
		}
	}
}

func withCommitter(fn func(ctx context.Context, dir, message string) (string, error)) Option {
	return func(o *Orchestrator) { o.commit = fn }
}

// New builds an orchestrator. executors must provide every pipeline step.
func New(store Store, executors map[models.Step]Executor, settings Settings, opts ...Option) (*Orchestrator, error) {
	var missing []string
	for _, step := range models.Pipeline {
		if executors[step] == nil {
			missing = append(missing, string(step))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no executor for steps: %s", strings.Join(missing, ", "))
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultPollInterval
	}

	o := &Orchestrator{
		store:     store,
		executors: executors,
		settings:  settings,
		commit:    workspace.CommitAll,
		metrics:   nopRecorder{},
		logger:    zap.NewNop(),
		now:       time.Now,
		pid:       os.Getpid(),
		alive:     func(int) bool { return true },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// NewRunID returns a 12 character hex id.
func NewRunID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Run starts a new run of the full pipeline for task. An error is returned
// only when the run could not be started; once registered, every outcome is
// reported through the returned context's Status and ErrorMessage.
func (o *Orchestrator) Run(ctx context.Context, task models.TaskInput, opts models.RunOptions) (*models.PipelineContext, error) {
	project := o.settings.ProjectPath

	pc := models.NewPipelineContext(NewRunID(), task, project, o.now())
	pc.Options = opts
	pc.Status = models.RunStatusRunning
	pc.BranchNaming = workspace.NormalizeConvention(o.settings.BranchNaming)

	run, err := models.RunFromContext(pc, o.pid)
	if err != nil {
		return nil, err
	}
	active, err := o.store.RegisterRunForTicket(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to register run: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("%w: ticket #%d is in run %s (%s)", ErrActiveRun, *run.TicketNumber, active.ID, active.Status)
	}

	log := o.runLogger(pc)
	log.Info("run started", zap.String("task", task.Title), zap.String("project", project))
	o.metrics.RunStarted()

	if o.settings.CreateBranch || o.settings.RequireBranch {
		if err := o.createWorktree(ctx, pc); err != nil {
			if o.settings.RequireBranch {
				o.finish(ctx, pc, nil, models.RunStatusFailed, fmt.Sprintf("Branch creation failed: %v", err))
				return pc, nil
			}
			log.Warn("continuing without a branch", zap.Error(err))
			pc.AddAudit(o.now(), "", models.AuditBranchSkipped, err.Error())
		}
	}

	j := o.openJournal(pc)
	if j != nil {
		j.WriteHeader(pc)
	}

	if err := o.persist(ctx, pc); err != nil {
		o.storeFailed(ctx, pc, j, err)
		return pc, nil
	}
	return o.execute(ctx, pc, j, 0), nil
}

func (o *Orchestrator) createWorktree(ctx context.Context, pc *models.PipelineContext) error {
	if o.worktrees == nil {
		return errors.New("branch creation is not available")
	}
	branch := workspace.BranchName(pc.BranchNaming, pc.Task.Title, pc.RunID, o.now())
	wt, err := o.worktrees.Create(ctx, pc.ProjectPath, pc.RunID, branch)
	if err != nil {
		return err
	}
	pc.BranchName = wt.Branch
	pc.WorktreePath = wt.Path
	pc.PreRunSHA = wt.BaseSHA
	pc.AddAudit(o.now(), "", models.AuditBranchCreated, wt.Branch)
	o.runLogger(pc).Info("branch created", zap.String("branch", wt.Branch), zap.String("worktree", wt.Path))
	return nil
}

// Resume continues a stored run. fromStep may be empty to continue from the
// step recorded in the run. A completed run is only resumed from an explicit
// step.
func (o *Orchestrator) Resume(ctx context.Context, runID string, fromStep models.Step) (*models.PipelineContext, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.Status.IsLive() && run.PID > 0 && run.PID != o.pid && o.alive(run.PID) {
		return nil, fmt.Errorf("%w: %s is %s under pid %d", ErrRunBusy, runID, run.Status, run.PID)
	}
	if run.Status == models.RunStatusCompleted && fromStep == "" {
		return nil, fmt.Errorf("run %s already completed; pass a step to re-run from", runID)
	}

	pc, err := models.UnmarshalPipelineContext(run.ContextJSON)
	if err != nil {
		return nil, fmt.Errorf("run %s cannot be resumed: %w", runID, err)
	}

	target := pc.CurrentStep
	if fromStep != "" {
		if fromStep.Index() < 0 {
			return nil, fmt.Errorf("unknown step %q", fromStep)
		}
		if fromStep != pc.CurrentStep {
			pc.StepDone = false
		}
		target = fromStep
	}
	if target == "" {
		return nil, fmt.Errorf("run %s has no step to resume from", runID)
	}

	if err := o.store.ClearPauseRequest(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to clear pause request: %w", err)
	}

	pc.Status = models.RunStatusRunning
	pc.ErrorMessage = ""
	pc.CurrentStep = target
	pc.AddAudit(o.now(), target, models.AuditResumed, "")

	log := o.runLogger(pc)
	log.Info("run resumed", zap.String("step", string(target)))
	o.metrics.RunStarted()

	if pc.WorktreePath != "" {
		if err := o.reattachWorktree(ctx, pc); err != nil {
			if o.settings.RequireBranch {
				o.finish(ctx, pc, nil, models.RunStatusFailed, fmt.Sprintf("Worktree unavailable: %v", err))
				return pc, nil
			}
			log.Warn("resuming in the project directory", zap.Error(err))
			pc.AddAudit(o.now(), target, models.AuditBranchSkipped, err.Error())
			pc.WorktreePath = ""
		}
	}

	j := o.openJournal(pc)
	if j != nil {
		j.LogNote("Resumed from step: "+string(target), "")
	}

	if err := o.persist(ctx, pc); err != nil {
		o.storeFailed(ctx, pc, j, err)
		return pc, nil
	}
	return o.execute(ctx, pc, j, target.Index()), nil
}

func (o *Orchestrator) reattachWorktree(ctx context.Context, pc *models.PipelineContext) error {
	if o.worktrees == nil {
		if _, err := os.Stat(pc.WorktreePath); err != nil {
			return err
		}
		return nil
	}
	wt, err := o.worktrees.Reattach(ctx, pc.ProjectPath, pc.RunID, pc.BranchName)
	if err != nil {
		return err
	}
	pc.WorktreePath = wt.Path
	return nil
}

func (o *Orchestrator) openJournal(pc *models.PipelineContext) *journal.Journal {
	if !o.settings.Journal {
		return nil
	}
	return journal.New(pc, pc.EffectivePath(), o.logger)
}

// persist writes the context snapshot. It outlives cancellation of ctx so the
// final status of an aborted run is recorded.
func (o *Orchestrator) persist(ctx context.Context, pc *models.PipelineContext) error {
	run, err := models.RunFromContext(pc, o.pid)
	if err != nil {
		return fmt.Errorf("failed to snapshot run: %w", err)
	}
	if err := o.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("failed to persist run: %w", err)
	}
	return nil
}

// storeFailed stops a run whose state can no longer be read or written. The
// final write is best effort; the returned context carries the failure either
// way.
func (o *Orchestrator) storeFailed(ctx context.Context, pc *models.PipelineContext, j *journal.Journal, err error) {
	o.runLogger(pc).Error("store unavailable", zap.Error(err))
	o.finish(ctx, pc, j, models.RunStatusFailed, fmt.Sprintf("Store unavailable: %v", err))
}

func (o *Orchestrator) runLogger(pc *models.PipelineContext) *zap.Logger {
	return o.logger.With(zap.String("run_id", pc.RunID))
}
