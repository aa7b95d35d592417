package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/journal"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/workspace"
)

// maxSecurityReworks bounds the security loop-back per run.
const maxSecurityReworks = 1

// execute advances pc from Pipeline[start] to the end, or until the run stops.
func (o *Orchestrator) execute(ctx context.Context, pc *models.PipelineContext, j *journal.Journal, start int) *models.PipelineContext {
	for i := start; i < len(models.Pipeline); i++ {
		step := models.Pipeline[i]

		if ctx.Err() != nil {
			o.abort(ctx, pc, j)
			return pc
		}
		paused, err := o.pauseRequested(ctx, pc)
		switch {
		case err != nil && ctx.Err() != nil:
			o.abort(ctx, pc, j)
			return pc
		case err != nil:
			o.storeFailed(ctx, pc, j, err)
			return pc
		}
		if paused {
			o.pause(ctx, pc, j, step)
			return pc
		}

		if step == models.StepPlanning && pc.Options.SkipPlanning && !pc.StepDone {
			pc.AddAudit(o.now(), step, models.AuditPlanningSkipped, "")
			o.runLogger(pc).Info("planning skipped")
			continue
		}

		if !o.advance(ctx, pc, j, step) {
			return pc
		}
	}

	o.finish(ctx, pc, j, models.RunStatusCompleted, "")
	return pc
}

// advance runs one step and the checkpoint after it. It returns false once the
// run has stopped; pc then carries the final status.
func (o *Orchestrator) advance(ctx context.Context, pc *models.PipelineContext, j *journal.Journal, step models.Step) bool {
	if !pc.StepDone {
		if !o.runStep(ctx, pc, j, step) {
			return false
		}
	}

	pc.CurrentStep = step
	if step.Checkpointable() && o.settings.RequireCheckpoints {
		if !o.checkpoint(ctx, pc, j, step) {
			return false
		}
	}

	pc.StepDone = false
	pc.Status = models.RunStatusRunning
	if next := step.Next(); next != "" {
		pc.CurrentStep = next
	}
	if err := o.persist(ctx, pc); err != nil {
		o.storeFailed(ctx, pc, j, err)
		return false
	}
	return true
}

// runStep executes step and, for the security step, the loop-back that
// follows it.
func (o *Orchestrator) runStep(ctx context.Context, pc *models.PipelineContext, j *journal.Journal, step models.Step) bool {
	if !o.executeStep(ctx, pc, j, step) {
		return false
	}
	if step == models.StepSecurity {
		return o.securityLoopBack(ctx, pc, j)
	}
	return true
}

// securityLoopBack reruns implementation and security review once when the
// review asks for it. Findings that survive the retry are recorded and the
// pipeline carries on.
func (o *Orchestrator) securityLoopBack(ctx context.Context, pc *models.PipelineContext, j *journal.Journal) bool {
	if !pc.RequiresCodingRework {
		return true
	}
	log := o.runLogger(pc)

	if pc.SecurityReworks < maxSecurityReworks {
		pc.SecurityReworks++
		pc.RequiresCodingRework = false
		pc.ReworkFeedback = pc.SecurityFeedback
		pc.AddAudit(o.now(), models.StepSecurity, models.AuditSecurityRework, pc.SecurityFeedback)
		o.metrics.SecurityRework()
		log.Info("security review requested rework", zap.Int("findings", len(pc.SecurityFindings)))

		if !o.executeStep(ctx, pc, j, models.StepCoding) {
			return false
		}
		if !o.executeStep(ctx, pc, j, models.StepSecurity) {
			return false
		}
		if !pc.RequiresCodingRework {
			return true
		}
	}

	pc.RequiresCodingRework = false
	pc.SecurityIssuesRemain = true
	detail := fmt.Sprintf("%d finding(s) remain after rework", len(pc.SecurityFindings))
	pc.AddAudit(o.now(), models.StepSecurity, models.AuditSecurityRemains, detail)
	log.Warn("security issues remain", zap.Int("findings", len(pc.SecurityFindings)))
	if err := o.persist(ctx, pc); err != nil {
		o.storeFailed(ctx, pc, j, err)
		return false
	}
	return true
}

// executeStep runs one executor invocation and records its outcome.
func (o *Orchestrator) executeStep(ctx context.Context, pc *models.PipelineContext, j *journal.Journal, step models.Step) bool {
	log := o.runLogger(pc).With(zap.String("step", string(step)))

	pc.CurrentStep = step
	pc.StepDone = false
	pc.Status = models.RunStatusRunning
	if err := o.persist(ctx, pc); err != nil {
		o.storeFailed(ctx, pc, j, err)
		return false
	}

	revised := pc.RevisionFeedback != ""
	started := o.now()
	log.Info("step started", zap.Bool("revision", revised))

	usage, err := o.invoke(ctx, step, pc)
	pc.RecordUsage(step, usage)

	switch {
	case errors.Is(err, ErrPaused):
		o.pause(ctx, pc, j, step)
		return false
	case ctx.Err() != nil:
		o.abort(ctx, pc, j)
		return false
	case err != nil:
		log.Error("step failed", zap.Error(err))
		o.metrics.StepFailed(step)
		o.finish(ctx, pc, j, models.RunStatusFailed, fmt.Sprintf("Step %s failed: %v", step, err))
		return false
	}

	pc.RevisionFeedback = ""
	pc.ReworkFeedback = ""

	if pc.WorktreePath != "" {
		msg := workspace.StepCommitMessage(string(step), pc.Task.Title, pc.RunID, revised)
		sha, err := o.commit(ctx, pc.WorktreePath, msg)
		if err != nil {
			log.Warn("step commit failed", zap.Error(err))
		} else if sha != "" {
			pc.StepCommits[step] = sha
		}
	}

	elapsed := o.now().Sub(started)
	pc.StepDone = true
	pc.AddAudit(o.now(), step, models.AuditStepCompleted, "")
	o.metrics.StepCompleted(step, usage, elapsed)
	if j != nil {
		j.LogStep(step, pc)
	}
	log.Info("step completed", zap.Duration("elapsed", elapsed), zap.Float64("cost_usd", usage.CostUSD))

	if err := o.persist(ctx, pc); err != nil {
		o.storeFailed(ctx, pc, j, err)
		return false
	}
	return true
}

func (o *Orchestrator) invoke(ctx context.Context, step models.Step, pc *models.PipelineContext) (usage models.StepUsage, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.runLogger(pc).Error("step panicked", zap.String("step", string(step)), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return o.executors[step].Execute(ctx, pc)
}

func (o *Orchestrator) pauseRequested(ctx context.Context, pc *models.PipelineContext) (bool, error) {
	paused, err := o.store.IsPauseRequested(ctx, pc.RunID)
	if err != nil {
		return false, fmt.Errorf("failed to read pause flag: %w", err)
	}
	return paused, nil
}

// pause stops the run so that Resume continues with next. The pause request
// is consumed.
func (o *Orchestrator) pause(ctx context.Context, pc *models.PipelineContext, j *journal.Journal, next models.Step) {
	pc.Status = models.RunStatusPaused
	pc.CurrentStep = next
	pc.AddAudit(o.now(), next, models.AuditPaused, "")

	if err := o.store.ClearPauseRequest(context.WithoutCancel(ctx), pc.RunID); err != nil {
		o.runLogger(pc).Warn("failed to clear pause request", zap.Error(err))
	}
	if err := o.persist(ctx, pc); err != nil {
		o.storeFailed(ctx, pc, j, err)
		return
	}
	if j != nil {
		j.LogNote("Paused", "Next step: "+string(next))
	}
	o.metrics.RunFinished(models.RunStatusPaused)
	o.runLogger(pc).Info("run paused", zap.String("next_step", string(next)))
}

func (o *Orchestrator) abort(ctx context.Context, pc *models.PipelineContext, j *journal.Journal) {
	msg := "Run aborted"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		msg = fmt.Sprintf("Run aborted: %v", cause)
	}
	o.finish(ctx, pc, j, models.RunStatusAborted, msg)
}

func (o *Orchestrator) finish(ctx context.Context, pc *models.PipelineContext, j *journal.Journal, status models.RunStatus, msg string) {
	pc.Status = status
	pc.ErrorMessage = msg
	if status == models.RunStatusCompleted {
		pc.CurrentStep = ""
		pc.StepDone = false
	}
	if err := o.persist(ctx, pc); err != nil {
		o.runLogger(pc).Error("final run state not recorded", zap.Error(err))
	}

	if j != nil {
		j.LogOutcome(pc)
		if pc.WorktreePath != "" && status == models.RunStatusCompleted {
			msg := workspace.StepCommitMessage("journal", pc.Task.Title, pc.RunID, false)
			if _, err := o.commit(context.WithoutCancel(ctx), pc.WorktreePath, msg); err != nil {
				o.runLogger(pc).Warn("journal commit failed", zap.Error(err))
			}
		}
	}

	o.metrics.RunFinished(status)
	log := o.runLogger(pc)
	switch status {
	case models.RunStatusCompleted:
		log.Info("run completed", zap.Float64("total_cost_usd", pc.TotalCostUSD))
	default:
		log.Warn("run stopped", zap.String("status", string(status)), zap.String("error", msg))
	}
}
