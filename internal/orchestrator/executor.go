package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/mpataki/levelup/internal/models"
)

// ErrPaused is returned by an executor that stopped at a safe point because a
// pause was requested. The step is run again on resume.
var ErrPaused = errors.New("pause requested")

// Executor performs one pipeline step. It reads and updates pc and reports
// what the step consumed.
type Executor interface {
	Execute(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error)
}

type ExecutorFunc func(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error)

func (f ExecutorFunc) Execute(ctx context.Context, pc *models.PipelineContext) (models.StepUsage, error) {
	return f(ctx, pc)
}

// Recorder receives pipeline events for metrics.
type Recorder interface {
	RunStarted()
	RunFinished(status models.RunStatus)
	StepCompleted(step models.Step, usage models.StepUsage, elapsed time.Duration)
	StepFailed(step models.Step)
	CheckpointRequested(step models.Step)
	CheckpointResolved(step models.Step, decision string)
	SecurityRework()
}

type nopRecorder struct{}

func (nopRecorder) RunStarted() {}
func (nopRecorder) RunFinished(models.RunStatus) {}
func (nopRecorder) StepCompleted(models.Step, models.StepUsage, time.Duration) {}
func (nopRecorder) StepFailed(models.Step) {}
func (nopRecorder) CheckpointRequested(models.Step) {}
func (nopRecorder) CheckpointResolved(models.Step, string) {}
func (nopRecorder) SecurityRework() {}
