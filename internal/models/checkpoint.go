package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type CheckpointStatus string

const (
	CheckpointPending CheckpointStatus = "pending"
	CheckpointDecided CheckpointStatus = "decided"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionRevise, DecisionReject:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q (want approve, revise or reject)", s)
}

type CheckpointRequest struct {
	ID        int64
	RunID     string
	StepName  string
	Data      string
	Status    CheckpointStatus
	Decision  Decision
	Feedback  string
	CreatedAt time.Time
	DecidedAt *time.Time
}

// CheckpointDecision is a resolved checkpoint as seen by the waiting run.
type CheckpointDecision struct {
	RequestID int64
	Decision  Decision
	Feedback  string
}

// CheckpointPayload is the JSON stored in CheckpointRequest.Data: what the
// approver needs to judge the step.
type CheckpointPayload struct {
	RunID            string            `json:"run_id"`
	Step             Step              `json:"step"`
	Description      string            `json:"description"`
	TaskTitle        string            `json:"task_title"`
	Output           string            `json:"output,omitempty"`
	Commit           string            `json:"commit,omitempty"`
	Branch           string            `json:"branch,omitempty"`
	SecurityFindings []SecurityFinding `json:"security_findings,omitempty"`
	IssuesRemain     bool              `json:"security_issues_remain,omitempty"`
	Usage            StepUsage         `json:"usage"`
}

// Payload decodes Data. Missing or malformed data yields the zero payload.
func (r *CheckpointRequest) Payload() CheckpointPayload {
	var p CheckpointPayload
	if r.Data != "" {
		_ = json.Unmarshal([]byte(r.Data), &p)
	}
	return p
}
