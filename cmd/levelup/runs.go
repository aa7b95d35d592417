package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/levelup/internal/approval"
	"github.com/mpataki/levelup/internal/config"
	"github.com/mpataki/levelup/internal/lua"
	"github.com/mpataki/levelup/internal/metrics"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/orchestrator"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/workspace"
)

func (e *env) orchestrator(collector *metrics.Collector) (*orchestrator.Orchestrator, error) {
	s := e.settings
	agent := lua.NewClaude(s.LLM.ClaudeExecutable, s.LLM.Model, e.logger)

	opts := []orchestrator.Option{
		orchestrator.WithWorktrees(workspace.NewManager(e.cfg.WorktreesDir(), e.logger)),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithProcess(os.Getpid(), storage.ProcessAlive),
	}
	if collector != nil {
		opts = append(opts, orchestrator.WithMetrics(collector))
	}

	return orchestrator.New(e.store, lua.Executors(agent, e.store, e.logger), orchestrator.Settings{
		ProjectPath:        e.project,
		RequireCheckpoints: s.Pipeline.RequireCheckpoints,
		AutoApprove:        s.Pipeline.AutoApprove,
		CreateBranch:       s.Pipeline.CreateGitBranch,
		RequireBranch:      s.Pipeline.RequireBranch,
		BranchNaming:       s.Project.BranchNaming,
		Journal:            s.Pipeline.Journal,
		PollInterval:       s.Pipeline.CheckpointPollInterval,
	}, opts...)
}

// applyPipelineFlags copies the pipeline switches given on the command line
// over the loaded settings.
func applyPipelineFlags(cmd *cobra.Command, s *config.Settings) {
	flags := cmd.Flags()
	if flags.Changed("no-checkpoints") {
		v, _ := flags.GetBool("no-checkpoints")
		s.Pipeline.RequireCheckpoints = !v
	}
	if flags.Changed("auto-approve") {
		s.Pipeline.AutoApprove, _ = flags.GetBool("auto-approve")
	}
	if flags.Changed("no-branch") {
		v, _ := flags.GetBool("no-branch")
		s.Pipeline.CreateGitBranch = !v
	}
	if flags.Changed("require-branch") {
		s.Pipeline.RequireBranch, _ = flags.GetBool("require-branch")
	}
}

func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-checkpoints", false, "Run without human checkpoints")
	cmd.Flags().Bool("auto-approve", false, "Auto-approve checkpoints unless the ticket says otherwise")
	cmd.Flags().Bool("no-branch", false, "Work in the project directory instead of a new branch")
	cmd.Flags().Bool("require-branch", false, "Fail the run if its branch cannot be created")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [title] [description]",
		Short: "Start a new run",
		Long: "Start a new run for a task given on the command line, a stored ticket (--ticket)\n" +
			"or the next pending ticket of the project (--next).",
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()
			applyPipelineFlags(cmd, e.settings)

			task, ticket, err := taskFor(cmd, e, args)
			if err != nil {
				return err
			}

			var overrides approval.Overrides
			overrides.Model, _ = cmd.Flags().GetString("model")
			overrides.Effort, _ = cmd.Flags().GetString("effort")
			if cmd.Flags().Changed("skip-planning") {
				v, _ := cmd.Flags().GetBool("skip-planning")
				overrides.SkipPlanning = &v
			}
			opts := approval.ResolveRunOptions(overrides, e.settings.RunDefaults())

			if err := e.store.AddProject(cmd.Context(), e.project, ""); err != nil {
				e.logger.Warn("failed to register project", zap.Error(err))
			}

			return runPipeline(cmd, e, func(o *orchestrator.Orchestrator) (*models.PipelineContext, error) {
				if ticket != nil {
					if err := e.store.SetTicketStatus(cmd.Context(), e.project, ticket.Number, models.TicketStatusInProgress); err != nil {
						return nil, err
					}
				}
				pc, err := o.Run(cmd.Context(), task, opts)
				if err == nil && ticket != nil && pc.Status == models.RunStatusCompleted {
					if err := e.store.SetTicketStatus(cmd.Context(), e.project, ticket.Number, models.TicketStatusDone); err != nil {
						e.logger.Warn("failed to mark ticket done", zap.Error(err))
					}
				}
				return pc, err
			})
		},
	}

	cmd.Flags().Int("ticket", 0, "Run the project's ticket with this number")
	cmd.Flags().Bool("next", false, "Run the project's next pending ticket")
	cmd.Flags().StringP("description", "d", "", "Task description")
	cmd.Flags().String("model", "", "Model for this run")
	cmd.Flags().String("effort", "", "Effort level for this run")
	cmd.Flags().Bool("skip-planning", false, "Skip the planning step")
	addPipelineFlags(cmd)
	return cmd
}

func taskFor(cmd *cobra.Command, e *env, args []string) (models.TaskInput, *models.Ticket, error) {
	number, _ := cmd.Flags().GetInt("ticket")
	next, _ := cmd.Flags().GetBool("next")

	var (
		ticket *models.Ticket
		err    error
	)
	switch {
	case number > 0:
		ticket, err = e.store.GetTicket(cmd.Context(), e.project, number)
		if err == nil && ticket == nil {
			err = fmt.Errorf("ticket #%d not found", number)
		}
	case next:
		ticket, err = e.store.NextPendingTicket(cmd.Context(), e.project)
		if err == nil && ticket == nil {
			err = errors.New("no pending tickets")
		}
	}
	if err != nil {
		return models.TaskInput{}, nil, err
	}
	if ticket != nil {
		if len(args) > 0 {
			return models.TaskInput{}, nil, errors.New("a title cannot be combined with --ticket or --next")
		}
		return ticket.TaskInput(), ticket, nil
	}

	if len(args) == 0 {
		return models.TaskInput{}, nil, errors.New("a title, --ticket or --next is required")
	}
	desc, _ := cmd.Flags().GetString("description")
	if len(args) > 1 {
		desc = args[1]
	}
	return models.TaskInput{Title: args[0], Description: desc, Source: "cli"}, nil, nil
}

// runPipeline drives one Run or Resume, serving metrics alongside when
// asked, and reports the outcome.
func runPipeline(cmd *cobra.Command, e *env, drive func(*orchestrator.Orchestrator) (*models.PipelineContext, error)) error {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	var collector *metrics.Collector
	if addr != "" {
		collector = metrics.NewCollector(metrics.Namespace, e.logger)
	}

	o, err := e.orchestrator(collector)
	if err != nil {
		return err
	}

	var pc *models.PipelineContext
	g, gctx := errgroup.WithContext(cmd.Context())
	stopMetrics := func() {}
	if collector != nil {
		ctx, cancel := context.WithCancel(gctx)
		stopMetrics = cancel
		g.Go(func() error { return serveMetrics(ctx, addr, collector, e.logger) })
	}
	g.Go(func() error {
		defer stopMetrics()
		var err error
		pc, err = drive(o)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	printOutcome(pc)
	if pc.Status == models.RunStatusFailed || pc.Status == models.RunStatusAborted {
		return exitError(1)
	}
	return nil
}

func printOutcome(pc *models.PipelineContext) {
	fmt.Printf("Run %s: %s\n", pc.RunID, pc.Status)
	if pc.BranchName != "" {
		fmt.Printf("Branch:   %s\n", pc.BranchName)
	}
	if pc.WorktreePath != "" {
		fmt.Printf("Worktree: %s\n", pc.WorktreePath)
	}
	in, out := pc.TotalTokens()
	fmt.Printf("Usage:    $%.4f, %d in / %d out tokens\n", pc.TotalCostUSD, in, out)
	if pc.SecurityIssuesRemain {
		fmt.Printf("Security: %d finding(s) remain\n", len(pc.SecurityFindings))
	}
	if pc.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", pc.ErrorMessage)
	}
	if pc.Status == models.RunStatusPaused {
		fmt.Printf("Resume with: levelup resume %s\n", pc.RunID)
	}
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused, failed or interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			project := ""
			if !cmd.Flags().Changed("project") {
				// Settings come from the run's project, not the current directory.
				if project, err = runProject(cmd, args[0]); err != nil {
					return err
				}
			}

			e, err := openEnv(cmd, envOptions{projectPath: project})
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no such run %s", args[0])
			}
			applyPipelineFlags(cmd, e.settings)

			var from models.Step
			if s, _ := cmd.Flags().GetString("from"); s != "" {
				if from, err = models.ParseStep(s); err != nil {
					return err
				}
			}

			return runPipeline(cmd, e, func(o *orchestrator.Orchestrator) (*models.PipelineContext, error) {
				return o.Resume(cmd.Context(), run.ID, from)
			})
		},
	}

	cmd.Flags().String("from", "", "Restart from this step")
	addPipelineFlags(cmd)
	return cmd
}

// runProject looks up the project a stored run belongs to.
func runProject(cmd *cobra.Command, runID string) (string, error) {
	e, err := openEnv(cmd, envOptions{})
	if err != nil {
		return "", err
	}
	defer e.Close()

	run, err := e.store.GetRun(cmd.Context(), runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("no such run %s", runID)
	}
	return run.ProjectPath, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no such run %s", args[0])
			}

			fmt.Printf("Run %s: %s\n", run.ID, run.TaskTitle)
			fmt.Printf("Status:  %s\n", run.Status)
			fmt.Printf("Project: %s\n", run.ProjectPath)
			if run.CurrentStep != "" {
				fmt.Printf("Step:    %s\n", run.CurrentStep)
			}
			if run.TicketNumber != nil {
				fmt.Printf("Ticket:  #%d\n", *run.TicketNumber)
			}
			if run.Language != "" {
				fmt.Printf("Stack:   %s\n", strings.Join(nonEmpty(run.Language, run.Framework, run.TestRunner), " / "))
			}
			if run.PID > 0 && run.Status.IsLive() {
				state := "alive"
				if !storage.ProcessAlive(run.PID) {
					state = "not running"
				}
				fmt.Printf("PID:     %d (%s)\n", run.PID, state)
			}
			if run.PauseRequested {
				fmt.Println("Pause:   requested")
			}
			fmt.Printf("Usage:   $%.4f, %d in / %d out tokens\n", run.TotalCostUSD, run.InputTokens, run.OutputTokens)
			fmt.Printf("Updated: %s\n", storage.FormatTimeAgo(run.UpdatedAt))
			if run.ErrorMessage != "" {
				fmt.Printf("Error:   %s\n", run.ErrorMessage)
			}

			pc, err := models.UnmarshalPipelineContext(run.ContextJSON)
			if err != nil {
				return nil
			}
			if pc.BranchName != "" {
				fmt.Printf("Branch:  %s\n", pc.BranchName)
			}
			if pc.WorktreePath != "" {
				fmt.Printf("Worktree: %s\n", pc.WorktreePath)
			}

			fmt.Println("\nSteps:")
			for _, step := range models.Pipeline {
				usage, ok := pc.StepUsage[step]
				if !ok {
					continue
				}
				fmt.Printf("  %-14s $%.4f  %d in / %d out\n", step, usage.CostUSD, usage.InputTokens, usage.OutputTokens)
			}

			if req, err := e.store.PendingCheckpoint(cmd.Context(), run.ID, models.Step(run.CurrentStep)); err == nil && req != nil {
				fmt.Printf("\nWaiting for checkpoint #%d (%s): levelup decide %d approve|revise|reject\n", req.ID, req.StepName, req.ID)
			}
			return nil
		},
	}
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			var status models.RunStatus
			if s, _ := cmd.Flags().GetString("status"); s != "" {
				var ok bool
				if status, ok = models.ParseRunStatus(s); !ok {
					return fmt.Errorf("unknown status %q", s)
				}
			}
			limit, _ := cmd.Flags().GetInt("limit")

			runs, err := e.store.ListRuns(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				step := run.CurrentStep
				if step == "" {
					step = "-"
				}
				fmt.Printf("%-12s %-17s %-14s %6s  %s\n",
					run.ID, run.Status, step, storage.FormatTimeAgo(run.UpdatedAt), truncate(run.TaskTitle, 50))
			}
			return nil
		},
	}

	cmd.Flags().String("status", "", "Only runs with this status")
	cmd.Flags().Int("limit", 20, "Maximum number of runs")
	return cmd
}

func newForgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget <run-id>",
		Short: "Delete a run and its checkpoints from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				fmt.Println("no such run")
				return nil
			}
			if run.Status.IsLive() && run.PID > 0 && storage.ProcessAlive(run.PID) {
				return fmt.Errorf("run %s is %s under pid %d; abort it first", run.ID, run.Status, run.PID)
			}

			if withWorktree, _ := cmd.Flags().GetBool("worktree"); withWorktree {
				m := workspace.NewManager(e.cfg.WorktreesDir(), e.logger)
				if err := m.Remove(cmd.Context(), run.ProjectPath, run.ID); err != nil {
					e.logger.Warn("failed to remove worktree", zap.String("run_id", run.ID), zap.Error(err))
				}
			}

			deleted, err := e.store.DeleteRun(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Println("no such run")
				return nil
			}
			fmt.Printf("Forgot run %s\n", run.ID)
			return nil
		},
	}

	cmd.Flags().Bool("worktree", false, "Also remove the run's worktree")
	return cmd
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Ask a run to stop at its next safe point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.RequestPause(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no such run %s", args[0])
				}
				return err
			}
			fmt.Printf("Pause requested for run %s\n", args[0])
			return nil
		},
	}
}

func newAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Stop a run now",
		Long: "Interrupt the process driving a run so it stops as aborted. A run whose\n" +
			"process is gone is marked aborted directly. Where the process cannot be\n" +
			"interrupted (Windows) a pause is requested instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no such run %s", args[0])
			}
			if run.Status.IsTerminal() {
				fmt.Printf("Run %s already %s\n", run.ID, run.Status)
				return nil
			}

			if run.Status.IsLive() && run.PID > 0 && run.PID != os.Getpid() && storage.ProcessAlive(run.PID) {
				return stopLiveRun(cmd.Context(), e.store, run, interruptProcess, cmd.OutOrStdout())
			}

			run.Status = models.RunStatusAborted
			run.ErrorMessage = "Run aborted"
			if pc, err := models.UnmarshalPipelineContext(run.ContextJSON); err == nil {
				pc.Status = run.Status
				pc.ErrorMessage = run.ErrorMessage
				if snap, err := models.RunFromContext(pc, run.PID); err == nil {
					run.ContextJSON = snap.ContextJSON
				}
			}
			if err := e.store.UpdateRun(cmd.Context(), run); err != nil {
				return fmt.Errorf("failed to abort run: %w", err)
			}
			fmt.Printf("Aborted run %s\n", run.ID)
			return nil
		},
	}
}

var errInterruptUnsupported = errors.New("cannot interrupt another process on this platform")

type pauseRequester interface {
	RequestPause(ctx context.Context, runID string) error
}

// stopLiveRun interrupts the process that owns run. When interrupting is not
// possible the run is asked to pause at its next safe point instead.
func stopLiveRun(ctx context.Context, store pauseRequester, run *models.Run, interrupt func(pid int) error, out io.Writer) error {
	err := interrupt(run.PID)
	switch {
	case errors.Is(err, errInterruptUnsupported):
		if err := store.RequestPause(ctx, run.ID); err != nil {
			return fmt.Errorf("failed to request pause: %w", err)
		}
		fmt.Fprintf(out, "Cannot interrupt pid %d here; run %s will pause at its next safe point\n", run.PID, run.ID)
		return nil
	case err != nil:
		return fmt.Errorf("failed to interrupt process %d: %w", run.PID, err)
	}
	fmt.Fprintf(out, "Interrupted run %s (pid %d)\n", run.ID, run.PID)
	return nil
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark runs whose process died as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.store.MarkDeadRuns(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Marked %d dead run(s) as failed\n", n)
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
