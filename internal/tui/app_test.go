package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
)

type submitted struct {
	id       int64
	decision models.Decision
	feedback string
}

type fakeBackend struct {
	runs      []*models.Run
	pending   []*models.CheckpointRequest
	decisions []submitted
	paused    []string
	deleted   []string
}

func (f *fakeBackend) ListRuns(context.Context, models.RunStatus, int) ([]*models.Run, error) {
	return f.runs, nil
}

func (f *fakeBackend) ListPendingCheckpoints(context.Context) ([]*models.CheckpointRequest, error) {
	return f.pending, nil
}

func (f *fakeBackend) SubmitDecision(_ context.Context, id int64, d models.Decision, fb string) error {
	f.decisions = append(f.decisions, submitted{id, d, fb})
	return nil
}

func (f *fakeBackend) RequestPause(_ context.Context, runID string) error {
	f.paused = append(f.paused, runID)
	return nil
}

func (f *fakeBackend) DeleteRun(_ context.Context, runID string) (bool, error) {
	f.deleted = append(f.deleted, runID)
	return true, nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends msg and feeds back the message of a synchronous command.
func press(t *testing.T, a *App, msg tea.Msg) {
	t.Helper()
	_, cmd := a.Update(msg)
	if cmd == nil {
		return
	}
	if out := cmd(); out != nil {
		switch out.(type) {
		case decisionSubmittedMsg, runActionMsg, pendingLoadedMsg, runsLoadedMsg:
			press(t, a, out)
		}
	}
}

func newApp(t *testing.T) (*App, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{
		pending: []*models.CheckpointRequest{
			{ID: 1, RunID: "aaa", StepName: "requirements", Data: `{"task_title":"Add login","output":"reqs"}`, CreatedAt: time.Now()},
			{ID: 2, RunID: "bbb", StepName: "security", Data: `{"task_title":"Fix db","security_findings":[{"severity":"critical","file":"db.go","line":3,"description":"sqli"}]}`, CreatedAt: time.Now()},
		},
		runs: []*models.Run{
			{ID: "aaa", TaskTitle: "Add login", Status: models.RunStatusWaitingForInput, UpdatedAt: time.Now()},
			{ID: "ccc", TaskTitle: "Old", Status: models.RunStatusCompleted, UpdatedAt: time.Now()},
		},
	}
	var seen []int
	a := NewApp(context.Background(), backend, WithPendingObserver(func(n int) { seen = append(seen, n) }))
	press(t, a, a.loadPending())
	press(t, a, a.loadRuns())
	require.Equal(t, []int{2}, seen)
	return a, backend
}

func TestApprove(t *testing.T) {
	a, backend := newApp(t)

	press(t, a, key("a"))
	require.Len(t, backend.decisions, 1)
	assert.Equal(t, submitted{1, models.DecisionApprove, ""}, backend.decisions[0])
	assert.Equal(t, ViewCheckpoints, a.view)
	assert.Contains(t, a.View(), "approve sent for checkpoint #1")
}

func TestReviseNeedsFeedback(t *testing.T) {
	a, backend := newApp(t)

	press(t, a, key("down"))
	press(t, a, key("r"))
	assert.Equal(t, ViewFeedback, a.view)

	press(t, a, key("enter"))
	assert.Empty(t, backend.decisions)
	assert.Contains(t, a.View(), "revise needs feedback")

	press(t, a, key("use prepared statements"))
	press(t, a, key("enter"))
	require.Len(t, backend.decisions, 1)
	assert.Equal(t, submitted{2, models.DecisionRevise, "use prepared statements"}, backend.decisions[0])
	assert.Equal(t, ViewCheckpoints, a.view)
}

func TestRejectFromDetail(t *testing.T) {
	a, backend := newApp(t)

	press(t, a, key("down"))
	press(t, a, key("enter"))
	require.Equal(t, ViewCheckpoint, a.view)
	view := a.View()
	assert.Contains(t, view, "Checkpoint #2: security")
	assert.Contains(t, view, "db.go:3")

	press(t, a, key("x"))
	press(t, a, key("enter"))
	require.Len(t, backend.decisions, 1)
	assert.Equal(t, submitted{2, models.DecisionReject, ""}, backend.decisions[0])
}

func TestFeedbackCancel(t *testing.T) {
	a, backend := newApp(t)

	press(t, a, key("x"))
	press(t, a, key("nope"))
	press(t, a, key("esc"))
	assert.Equal(t, ViewCheckpoints, a.view)
	assert.Empty(t, backend.decisions)
	assert.Empty(t, a.feedback.Value())
}

func TestRunsView(t *testing.T) {
	a, backend := newApp(t)

	press(t, a, key("tab"))
	require.Equal(t, ViewRuns, a.view)
	assert.Contains(t, a.View(), "Add login")

	press(t, a, key("d"))
	assert.Empty(t, backend.deleted, "live runs are not forgotten")
	press(t, a, key("p"))
	assert.Equal(t, []string{"aaa"}, backend.paused)

	press(t, a, key("down"))
	press(t, a, key("p"))
	assert.Equal(t, []string{"aaa"}, backend.paused, "finished runs cannot be paused")
	press(t, a, key("d"))
	assert.Equal(t, []string{"ccc"}, backend.deleted)
}

func TestSelectionClampsWhenListShrinks(t *testing.T) {
	a, backend := newApp(t)
	press(t, a, key("down"))
	assert.Equal(t, 1, a.selectedIdx)

	backend.pending = backend.pending[:1]
	press(t, a, a.loadPending())
	assert.Equal(t, 0, a.selectedIdx)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
