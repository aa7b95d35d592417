package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TaskInput is the raw task handed to the pipeline, typed in by a user or
// taken from a ticket.
type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Source      string `json:"source"`
	SourceID    string `json:"source_id,omitempty"`
}

// TicketNumber extracts N from a "ticket:N" source id.
func (t TaskInput) TicketNumber() *int {
	if !strings.HasPrefix(t.SourceID, ticketSourcePrefix) {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(t.SourceID, ticketSourcePrefix))
	if err != nil {
		return nil
	}
	return &n
}

// RunOptions are per-run execution parameters. They are resolved from
// explicit overrides and configured defaults only.
type RunOptions struct {
	Model        string `json:"model,omitempty"`
	Effort       string `json:"effort,omitempty"`
	SkipPlanning bool   `json:"skip_planning,omitempty"`
}

type StepUsage struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	DurationMS   float64 `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
}

func (u StepUsage) Add(o StepUsage) StepUsage {
	return StepUsage{
		CostUSD:      u.CostUSD + o.CostUSD,
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		DurationMS:   u.DurationMS + o.DurationMS,
		NumTurns:     u.NumTurns + o.NumTurns,
	}
}

type SecurityFinding struct {
	Severity          string `json:"severity"`
	Category          string `json:"category"`
	File              string `json:"file"`
	Line              int    `json:"line,omitempty"`
	Description       string `json:"description"`
	RequiresManualFix bool   `json:"requires_manual_fix,omitempty"`
}

// Audit events recorded in PipelineContext.Audit.
const (
	AuditStepCompleted   = "step_completed"
	AuditAutoApproved    = "auto_approved"
	AuditDecision        = "decision"
	AuditSecurityRework  = "security_rework"
	AuditSecurityRemains = "security_issues_remain"
	AuditBranchSkipped   = "branch_skipped"
	AuditBranchCreated   = "branch_created"
	AuditPaused          = "paused"
	AuditResumed         = "resumed"
	AuditPlanningSkipped = "planning_skipped"
)

type AuditEntry struct {
	Time   time.Time `json:"time"`
	Step   Step      `json:"step,omitempty"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// PipelineContext is the single state object threaded through every step.
// It is persisted as JSON after each step so a run can be resumed.
type PipelineContext struct {
	RunID     string     `json:"run_id"`
	StartedAt time.Time  `json:"started_at"`
	Task      TaskInput  `json:"task"`
	Options   RunOptions `json:"options"`

	ProjectPath  string `json:"project_path"`
	Language     string `json:"language,omitempty"`
	Framework    string `json:"framework,omitempty"`
	TestRunner   string `json:"test_runner,omitempty"`
	TestCommand  string `json:"test_command,omitempty"`
	BranchNaming string `json:"branch_naming,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`
	PreRunSHA    string `json:"pre_run_sha,omitempty"`

	// Free-form step output keyed by step, owned by the executors.
	Outputs     map[Step]string `json:"outputs,omitempty"`
	StepCommits map[Step]string `json:"step_commits,omitempty"`

	SecurityFindings     []SecurityFinding `json:"security_findings,omitempty"`
	RequiresCodingRework bool              `json:"requires_coding_rework,omitempty"`
	SecurityFeedback     string            `json:"security_feedback,omitempty"`
	SecurityReworks      int               `json:"security_reworks,omitempty"`
	SecurityIssuesRemain bool              `json:"security_issues_remain,omitempty"`

	// Extra input for the executor currently running: security feedback for
	// the coding rework and reviewer feedback for a revision.
	ReworkFeedback   string `json:"rework_feedback,omitempty"`
	RevisionFeedback string `json:"revision_feedback,omitempty"`

	Status       RunStatus `json:"status"`
	CurrentStep  Step      `json:"current_step,omitempty"`
	StepDone     bool      `json:"step_done,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	StepUsage    map[Step]StepUsage `json:"step_usage,omitempty"`
	TotalCostUSD float64            `json:"total_cost_usd"`

	Audit []AuditEntry `json:"audit,omitempty"`
}

func NewPipelineContext(runID string, task TaskInput, projectPath string, now time.Time) *PipelineContext {
	if task.Source == "" {
		task.Source = "manual"
	}
	return &PipelineContext{
		RunID:       runID,
		StartedAt:   now.UTC(),
		Task:        task,
		ProjectPath: projectPath,
		Status:      RunStatusPending,
		Outputs:     make(map[Step]string),
		StepCommits: make(map[Step]string),
		StepUsage:   make(map[Step]StepUsage),
	}
}

// EffectivePath is the worktree when one exists, the project otherwise.
func (c *PipelineContext) EffectivePath() string {
	if c.WorktreePath != "" {
		return c.WorktreePath
	}
	return c.ProjectPath
}

// RecordUsage accumulates usage for a step; a step that runs more than once
// (revision, security rework) sums its usage.
func (c *PipelineContext) RecordUsage(step Step, usage StepUsage) {
	if c.StepUsage == nil {
		c.StepUsage = make(map[Step]StepUsage)
	}
	c.StepUsage[step] = c.StepUsage[step].Add(usage)
	c.TotalCostUSD += usage.CostUSD
}

func (c *PipelineContext) TotalTokens() (in, out int64) {
	for _, u := range c.StepUsage {
		in += u.InputTokens
		out += u.OutputTokens
	}
	return in, out
}

func (c *PipelineContext) AddAudit(now time.Time, step Step, event, detail string) {
	c.Audit = append(c.Audit, AuditEntry{Time: now.UTC(), Step: step, Event: event, Detail: detail})
}

// AuditEvents returns the audit entries matching event, in order.
func (c *PipelineContext) AuditEvents(event string) []AuditEntry {
	var out []AuditEntry
	for _, e := range c.Audit {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *PipelineContext) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pipeline context: %w", err)
	}
	return string(data), nil
}

func UnmarshalPipelineContext(data string) (*PipelineContext, error) {
	if strings.TrimSpace(data) == "" {
		return nil, fmt.Errorf("empty pipeline context")
	}
	var c PipelineContext
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline context: %w", err)
	}
	if c.Outputs == nil {
		c.Outputs = make(map[Step]string)
	}
	if c.StepCommits == nil {
		c.StepCommits = make(map[Step]string)
	}
	if c.StepUsage == nil {
		c.StepUsage = make(map[Step]StepUsage)
	}
	return &c, nil
}
