package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/approval"
	"github.com/mpataki/levelup/internal/journal"
	"github.com/mpataki/levelup/internal/models"
)

type waitOutcome int

const (
	waitDecided waitOutcome = iota
	waitPaused
	waitAborted
	waitLost
	waitStoreFailed
)

// maxPollFailures is how many consecutive failed polls a checkpoint wait
// tolerates before the store is treated as unavailable.
const maxPollFailures = 3

// checkpoint gates the pipeline after step until a human (or the auto-approve
// policy) approves it. A revision reruns the step and gates it again.
func (o *Orchestrator) checkpoint(ctx context.Context, pc *models.PipelineContext, j *journal.Journal, step models.Step) bool {
	log := o.runLogger(pc).With(zap.String("step", string(step)))

	for {
		auto, source, err := o.resolveAutoApprove(ctx, pc)
		if err != nil {
			o.storeFailed(ctx, pc, j, err)
			return false
		}
		if auto {
			pc.AddAudit(o.now(), step, models.AuditAutoApproved, string(source))
			o.metrics.CheckpointResolved(step, "auto_approved")
			if j != nil {
				j.LogCheckpoint(step, "auto-approved", "")
			}
			log.Info("checkpoint auto-approved", zap.String("source", string(source)))
			return true
		}

		reqID, err := o.openRequest(ctx, pc, step)
		if err != nil {
			log.Error("failed to request checkpoint", zap.Error(err))
			o.finish(ctx, pc, j, models.RunStatusFailed, fmt.Sprintf("Checkpoint for %s failed: %v", step, err))
			return false
		}

		pc.Status = models.RunStatusWaitingForInput
		if err := o.persist(ctx, pc); err != nil {
			o.storeFailed(ctx, pc, j, err)
			return false
		}
		log.Info("waiting for checkpoint decision", zap.Int64("request_id", reqID))

		dec, outcome, err := o.waitForDecision(ctx, pc, step, reqID)
		switch outcome {
		case waitStoreFailed:
			o.storeFailed(ctx, pc, j, err)
			return false
		case waitPaused:
			o.pause(ctx, pc, j, step)
			return false
		case waitAborted:
			o.abort(ctx, pc, j)
			return false
		case waitLost:
			o.finish(ctx, pc, j, models.RunStatusAborted, fmt.Sprintf("Checkpoint request %d disappeared", reqID))
			return false
		}

		pc.Status = models.RunStatusRunning
		pc.AddAudit(o.now(), step, models.AuditDecision, string(dec.Decision))
		o.metrics.CheckpointResolved(step, string(dec.Decision))
		if j != nil {
			j.LogCheckpoint(step, string(dec.Decision), dec.Feedback)
		}
		log.Info("checkpoint decided", zap.String("decision", string(dec.Decision)))

		switch dec.Decision {
		case models.DecisionApprove:
			return true
		case models.DecisionRevise:
			pc.RevisionFeedback = dec.Feedback
			if !o.runStep(ctx, pc, j, step) {
				return false
			}
		case models.DecisionReject:
			msg := dec.Feedback
			if msg == "" {
				msg = "Checkpoint rejected"
			}
			o.finish(ctx, pc, j, models.RunStatusFailed, msg)
			return false
		default:
			o.finish(ctx, pc, j, models.RunStatusFailed, fmt.Sprintf("Unknown checkpoint decision %q", dec.Decision))
			return false
		}
	}
}

func (o *Orchestrator) resolveAutoApprove(ctx context.Context, pc *models.PipelineContext) (bool, approval.Source, error) {
	var meta map[string]any
	if n := pc.Task.TicketNumber(); n != nil {
		t, err := o.store.GetTicket(ctx, pc.ProjectPath, *n)
		if err != nil {
			return false, "", fmt.Errorf("failed to read ticket #%d: %w", *n, err)
		}
		if t != nil {
			meta = t.Metadata
		}
	}
	auto, source := approval.ResolveAutoApprove(meta, o.settings.AutoApprove)
	return auto, source, nil
}

// openRequest returns the outstanding request for the step, creating one if
// there is none, so a resumed run never asks twice.
func (o *Orchestrator) openRequest(ctx context.Context, pc *models.PipelineContext, step models.Step) (int64, error) {
	pending, err := o.store.PendingCheckpoint(ctx, pc.RunID, step)
	if err != nil {
		return 0, err
	}
	if pending != nil {
		return pending.ID, nil
	}

	data, err := checkpointPayload(pc, step)
	if err != nil {
		return 0, err
	}
	id, err := o.store.CreateCheckpoint(ctx, pc.RunID, step, data)
	if err != nil {
		return 0, err
	}
	o.metrics.CheckpointRequested(step)
	return id, nil
}

// waitForDecision polls until request reqID is decided. Each poll also honours
// a pause request and cancellation of ctx. No store connection is held
// between polls. After maxPollFailures consecutive failed polls it gives up
// with waitStoreFailed and the last error.
func (o *Orchestrator) waitForDecision(ctx context.Context, pc *models.PipelineContext, step models.Step, reqID int64) (*models.CheckpointDecision, waitOutcome, error) {
	log := o.runLogger(pc).With(zap.String("step", string(step)), zap.Int64("request_id", reqID))
	ticker := time.NewTicker(o.settings.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil, waitAborted, nil
		}

		dec, err := o.decisionFor(ctx, pc.RunID, step, reqID)
		switch {
		case errors.Is(err, errRequestGone):
			return nil, waitLost, nil
		case dec != nil:
			return dec, waitDecided, nil
		}

		if err == nil {
			var paused bool
			paused, err = o.pauseRequested(ctx, pc)
			if err == nil && paused {
				return nil, waitPaused, nil
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, waitAborted, nil
			}
			failures++
			if failures >= maxPollFailures {
				return nil, waitStoreFailed, err
			}
			log.Warn("checkpoint poll failed", zap.Int("failures", failures), zap.Error(err))
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return nil, waitAborted, nil
		case <-ticker.C:
		}
	}
}

var errRequestGone = errors.New("checkpoint request no longer exists")

func (o *Orchestrator) decisionFor(ctx context.Context, runID string, step models.Step, reqID int64) (*models.CheckpointDecision, error) {
	dec, err := o.store.GetDecision(ctx, runID, step)
	if err != nil {
		return nil, err
	}
	if dec != nil && dec.RequestID == reqID {
		return dec, nil
	}

	// The latest decision for the step belongs to an earlier request; look at
	// ours directly.
	req, err := o.store.GetCheckpoint(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errRequestGone
	}
	if req.Status != models.CheckpointDecided {
		return nil, nil
	}
	return &models.CheckpointDecision{RequestID: req.ID, Decision: req.Decision, Feedback: req.Feedback}, nil
}

func checkpointPayload(pc *models.PipelineContext, step models.Step) (string, error) {
	p := models.CheckpointPayload{
		RunID:       pc.RunID,
		Step:        step,
		Description: step.Description(),
		TaskTitle:   pc.Task.Title,
		Output:      pc.Outputs[step],
		Commit:      pc.StepCommits[step],
		Branch:      pc.BranchName,
		Usage:       pc.StepUsage[step],
	}
	if step == models.StepSecurity {
		p.SecurityFindings = pc.SecurityFindings
		p.IssuesRemain = pc.SecurityIssuesRemain
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode checkpoint payload: %w", err)
	}
	return string(data), nil
}
