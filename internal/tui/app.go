package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/storage"
)

type View int

const (
	ViewCheckpoints View = iota
	ViewCheckpoint
	ViewFeedback
	ViewRuns
)

// Backend is the store the monitor reads and writes decisions to.
type Backend interface {
	ListRuns(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error)
	ListPendingCheckpoints(ctx context.Context) ([]*models.CheckpointRequest, error)
	SubmitDecision(ctx context.Context, id int64, decision models.Decision, feedback string) error
	RequestPause(ctx context.Context, runID string) error
	DeleteRun(ctx context.Context, runID string) (bool, error)
}

type App struct {
	ctx     context.Context
	backend Backend
	refresh time.Duration

	// onPending is told how many checkpoints are waiting after each refresh.
	onPending func(n int)

	view        View
	runs        []*models.Run
	pending     []*models.CheckpointRequest
	selectedIdx int
	selectedRun int
	selected    *models.CheckpointRequest
	decision    models.Decision
	feedback    textinput.Model
	status      string

	width  int
	height int
	err    error
}

type Option func(*App)

func WithRefresh(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.refresh = d
		}
	}
}

func WithPendingObserver(fn func(n int)) Option {
	return func(a *App) { a.onPending = fn }
}

func NewApp(ctx context.Context, backend Backend, opts ...Option) *App {
	ti := textinput.New()
	ti.Placeholder = "feedback for the agent"
	ti.CharLimit = 2000
	ti.Width = 72

	a := &App{
		ctx:      ctx,
		backend:  backend,
		refresh:  2 * time.Second,
		view:     ViewCheckpoints,
		feedback: ti,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadPending, a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case pendingLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.pending = msg.pending
			if a.selectedIdx >= len(a.pending) {
				a.selectedIdx = max(len(a.pending)-1, 0)
			}
			if a.onPending != nil {
				a.onPending(len(a.pending))
			}
		}
		return a, nil

	case runsLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.runs = msg.runs
			if a.selectedRun >= len(a.runs) {
				a.selectedRun = max(len(a.runs)-1, 0)
			}
		}
		return a, nil

	case tickMsg:
		// Typing feedback is not interrupted by refreshes.
		if a.view == ViewFeedback {
			return a, a.tickCmd()
		}
		return a, tea.Batch(a.loadPending, a.loadRuns, a.tickCmd())

	case decisionSubmittedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = fmt.Sprintf("%s sent for checkpoint #%d", msg.decision, msg.id)
		}
		a.view = ViewCheckpoints
		a.selected = nil
		return a, a.loadPending

	case runActionMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = msg.status
		}
		return a, a.loadRuns
	}

	if a.view == ViewFeedback {
		var cmd tea.Cmd
		a.feedback, cmd = a.feedback.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}
	switch a.view {
	case ViewCheckpoints:
		return a.handleCheckpointsKey(msg)
	case ViewCheckpoint:
		return a.handleCheckpointKey(msg)
	case ViewFeedback:
		return a.handleFeedbackKey(msg)
	case ViewRuns:
		return a.handleRunsKey(msg)
	}
	return a, nil
}

func (a *App) handleCheckpointsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "tab":
		a.view = ViewRuns

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.pending)-1 {
			a.selectedIdx++
		}

	case "enter":
		if req := a.current(); req != nil {
			a.selected = req
			a.view = ViewCheckpoint
		}

	case "a":
		if req := a.current(); req != nil {
			return a, a.submit(req.ID, models.DecisionApprove, "")
		}

	case "r":
		a.askFeedback(a.current(), models.DecisionRevise)

	case "x":
		a.askFeedback(a.current(), models.DecisionReject)

	case "g":
		return a, a.loadPending
	}

	return a, nil
}

func (a *App) handleCheckpointKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewCheckpoints
		a.selected = nil

	case "a":
		return a, a.submit(a.selected.ID, models.DecisionApprove, "")

	case "r":
		a.askFeedback(a.selected, models.DecisionRevise)

	case "x":
		a.askFeedback(a.selected, models.DecisionReject)
	}

	return a, nil
}

func (a *App) handleFeedbackKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		a.feedback.Blur()
		a.feedback.Reset()
		a.view = ViewCheckpoints
		a.selected = nil
		return a, nil

	case tea.KeyEnter:
		text := strings.TrimSpace(a.feedback.Value())
		if a.decision == models.DecisionRevise && text == "" {
			a.status = "revise needs feedback"
			return a, nil
		}
		a.feedback.Blur()
		a.feedback.Reset()
		return a, a.submit(a.selected.ID, a.decision, text)
	}

	var cmd tea.Cmd
	a.feedback, cmd = a.feedback.Update(msg)
	return a, cmd
}

func (a *App) handleRunsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "tab", "esc":
		a.view = ViewCheckpoints

	case "up", "k":
		if a.selectedRun > 0 {
			a.selectedRun--
		}

	case "down", "j":
		if a.selectedRun < len(a.runs)-1 {
			a.selectedRun++
		}

	case "p":
		if run := a.currentRun(); run != nil && run.Status.IsLive() {
			return a, a.pauseRun(run.ID)
		}

	case "d":
		if run := a.currentRun(); run != nil && !run.Status.IsLive() {
			return a, a.forgetRun(run.ID)
		}

	case "g":
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) current() *models.CheckpointRequest {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.pending) {
		return nil
	}
	return a.pending[a.selectedIdx]
}

func (a *App) currentRun() *models.Run {
	if a.selectedRun < 0 || a.selectedRun >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedRun]
}

func (a *App) askFeedback(req *models.CheckpointRequest, decision models.Decision) {
	if req == nil {
		return
	}
	a.selected = req
	a.decision = decision
	a.status = ""
	a.feedback.Reset()
	a.feedback.Focus()
	a.view = ViewFeedback
}

func (a *App) View() string {
	var s string
	switch a.view {
	case ViewCheckpoints:
		s = a.viewCheckpoints()
	case ViewCheckpoint:
		s = a.viewCheckpoint()
	case ViewFeedback:
		s = a.viewFeedback()
	case ViewRuns:
		s = a.viewRuns()
	}
	if a.width > 0 {
		s = lipgloss.NewStyle().MaxWidth(a.width).Render(s)
	}
	return s
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusWaiting  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPaused   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	severityHigh = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	severityLow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) header(title string) string {
	s := titleStyle.Render(title) + "\n\n"
	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	} else if a.status != "" {
		s += dimStyle.Render(a.status) + "\n\n"
	}
	return s
}

func (a *App) viewCheckpoints() string {
	s := a.header("levelup · checkpoints")

	if len(a.pending) == 0 {
		s += "No checkpoints waiting.\n"
	} else {
		s += "Waiting for a decision\n"
		s += "──────────────────────\n"
		for i, req := range a.pending {
			line := fmt.Sprintf("#%-4d %-12s %-14s %6s  %s",
				req.ID, req.RunID, req.StepName, storage.FormatTimeAgo(req.CreatedAt), truncate(req.Payload().TaskTitle, 40))
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] details  [a] approve  [r] revise  [x] reject  [tab] runs  [q] quit")
	return s
}

func (a *App) viewCheckpoint() string {
	req := a.selected
	if req == nil {
		return "No checkpoint selected"
	}
	p := req.Payload()

	s := a.header(fmt.Sprintf("Checkpoint #%d: %s", req.ID, req.StepName))
	s += p.TaskTitle + "\n"
	if p.Description != "" {
		s += dimStyle.Render(p.Description) + "\n"
	}
	s += "\n"

	s += labelStyle.Render("Run:     ") + req.RunID + "\n"
	if p.Branch != "" {
		s += labelStyle.Render("Branch:  ") + p.Branch + "\n"
	}
	if p.Commit != "" {
		s += labelStyle.Render("Commit:  ") + shortSHA(p.Commit) + "\n"
	}
	if p.Usage.CostUSD > 0 || p.Usage.InputTokens > 0 {
		s += labelStyle.Render("Usage:   ") + fmt.Sprintf("$%.4f, %d in / %d out tokens", p.Usage.CostUSD, p.Usage.InputTokens, p.Usage.OutputTokens) + "\n"
	}

	if len(p.SecurityFindings) > 0 {
		s += "\nSecurity findings\n"
		s += "─────────────────\n"
		for _, f := range p.SecurityFindings {
			sev := severityLow.Render(f.Severity)
			if f.Severity == "critical" || f.Severity == "high" {
				sev = severityHigh.Render(f.Severity)
			}
			loc := f.File
			if f.Line > 0 {
				loc = fmt.Sprintf("%s:%d", f.File, f.Line)
			}
			s += fmt.Sprintf("  %s  %s  %s\n", sev, loc, f.Description)
		}
		if p.IssuesRemain {
			s += statusFailed.Render("  issues remain after rework") + "\n"
		}
	}

	if p.Output != "" {
		s += "\nOutput\n──────\n" + limitLines(p.Output, a.outputLines()) + "\n"
	}

	s += "\n" + helpStyle.Render("[a] approve  [r] revise  [x] reject  [esc] back")
	return s
}

func (a *App) viewFeedback() string {
	verb := "Revise"
	if a.decision == models.DecisionReject {
		verb = "Reject"
	}
	title := verb
	if a.selected != nil {
		title = fmt.Sprintf("%s checkpoint #%d (%s)", verb, a.selected.ID, a.selected.StepName)
	}

	s := a.header(title)
	s += a.feedback.View() + "\n"
	s += "\n" + helpStyle.Render("[enter] send  [esc] cancel")
	return s
}

func (a *App) viewRuns() string {
	s := a.header("levelup · runs")

	if len(a.runs) == 0 {
		s += "No runs yet.\n"
	} else {
		s += "Recent runs\n"
		s += "───────────\n"
		for i, run := range a.runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.selectedRun:
				line = selectedStyle.Render("▶ " + line)
			case run.Status.IsTerminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[p] pause  [d] forget  [tab] checkpoints  [q] quit")
	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	step := run.CurrentStep
	if step == "" {
		step = "-"
	}
	return fmt.Sprintf("%-12s %s  %-14s %6s  %s",
		run.ID, formatStatus(run.Status), step, storage.FormatTimeAgo(run.UpdatedAt), truncate(run.TaskTitle, 35))
}

func formatStatus(status models.RunStatus) string {
	var s string
	switch status {
	case models.RunStatusRunning, models.RunStatusPending:
		s = statusRunning.Render("● " + string(status))
	case models.RunStatusWaitingForInput:
		s = statusWaiting.Render("? waiting")
	case models.RunStatusPaused:
		s = statusPaused.Render("‖ paused")
	case models.RunStatusCompleted:
		s = statusComplete.Render("✓ completed")
	case models.RunStatusFailed:
		s = statusFailed.Render("✗ failed")
	case models.RunStatusAborted:
		s = statusFailed.Render("✗ aborted")
	default:
		s = string(status)
	}
	return lipgloss.NewStyle().Width(12).Render(s)
}

func (a *App) outputLines() int {
	if a.height <= 0 {
		return 20
	}
	return max(a.height-20, 5)
}

// Messages

type pendingLoadedMsg struct {
	pending []*models.CheckpointRequest
	err     error
}

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type decisionSubmittedMsg struct {
	id       int64
	decision models.Decision
	err      error
}

type runActionMsg struct {
	status string
	err    error
}

// Commands

func (a *App) loadPending() tea.Msg {
	pending, err := a.backend.ListPendingCheckpoints(a.ctx)
	return pendingLoadedMsg{pending: pending, err: err}
}

func (a *App) loadRuns() tea.Msg {
	runs, err := a.backend.ListRuns(a.ctx, "", 30)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) submit(id int64, decision models.Decision, feedback string) tea.Cmd {
	return func() tea.Msg {
		err := a.backend.SubmitDecision(a.ctx, id, decision, feedback)
		return decisionSubmittedMsg{id: id, decision: decision, err: err}
	}
}

func (a *App) pauseRun(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.backend.RequestPause(a.ctx, id); err != nil {
			return runActionMsg{err: err}
		}
		return runActionMsg{status: "pause requested for " + id}
	}
}

func (a *App) forgetRun(id string) tea.Cmd {
	return func() tea.Msg {
		deleted, err := a.backend.DeleteRun(a.ctx, id)
		if err != nil {
			return runActionMsg{err: err}
		}
		if !deleted {
			return runActionMsg{status: "no such run " + id}
		}
		return runActionMsg{status: "forgot " + id}
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func limitLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + "\n" + dimStyle.Render(fmt.Sprintf("… %d more lines", len(lines)-n))
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
