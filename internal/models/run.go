package models

import "time"

type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingForInput RunStatus = "waiting_for_input"
	RunStatusPaused          RunStatus = "paused"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusAborted         RunStatus = "aborted"
)

// IsTerminal reports whether a run in this status will never be advanced again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// IsLive reports whether a run in this status is expected to have a live
// owning process. Paused runs are not: nobody is driving them.
func (s RunStatus) IsLive() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusWaitingForInput:
		return true
	}
	return false
}

func ParseRunStatus(s string) (RunStatus, bool) {
	st := RunStatus(s)
	switch st {
	case RunStatusPending, RunStatusRunning, RunStatusWaitingForInput, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return st, true
	}
	return "", false
}

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID              string
	TaskTitle       string
	TaskDescription string
	ProjectPath     string
	Status          RunStatus
	CurrentStep     string
	Language        string
	Framework       string
	TestRunner      string
	ErrorMessage    string
	ContextJSON     string
	StartedAt       time.Time
	UpdatedAt       time.Time
	PID             int
	TicketNumber    *int
	PauseRequested  bool
	TotalCostUSD    float64
	InputTokens     int64
	OutputTokens    int64
}

// RunFromContext builds the persisted record for a pipeline context. The
// context snapshot is serialized into ContextJSON.
func RunFromContext(pc *PipelineContext, pid int) (*Run, error) {
	snapshot, err := pc.Marshal()
	if err != nil {
		return nil, err
	}
	in, out := pc.TotalTokens()
	return &Run{
		ID:              pc.RunID,
		TaskTitle:       pc.Task.Title,
		TaskDescription: pc.Task.Description,
		ProjectPath:     pc.ProjectPath,
		Status:          pc.Status,
		CurrentStep:     string(pc.CurrentStep),
		Language:        pc.Language,
		Framework:       pc.Framework,
		TestRunner:      pc.TestRunner,
		ErrorMessage:    pc.ErrorMessage,
		ContextJSON:     snapshot,
		StartedAt:       pc.StartedAt,
		PID:             pid,
		TicketNumber:    pc.Task.TicketNumber(),
		TotalCostUSD:    pc.TotalCostUSD,
		InputTokens:     in,
		OutputTokens:    out,
	}, nil
}
