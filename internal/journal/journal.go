// Package journal writes a Markdown log of a run into the working copy, next
// to the code it describes.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/workspace"
)

// Dir is the journal directory relative to the working copy.
const Dir = "levelup"

// Journal appends to one Markdown file. Write failures are logged and
// otherwise ignored.
type Journal struct {
	path   string
	logger *zap.Logger
	now    func() time.Time
}

func New(pc *models.PipelineContext, basePath string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		path:   filepath.Join(basePath, Dir, FileName(pc)),
		logger: logger,
		now:    time.Now,
	}
}

func (j *Journal) Path() string { return j.path }

// FileName is <YYYYMMDD>-[ticket-N-]<slug>.md.
func FileName(pc *models.PipelineContext) string {
	date := pc.StartedAt.UTC().Format("20060102")
	slug := workspace.SanitizeTitle(pc.Task.Title)
	if n := pc.Task.TicketNumber(); n != nil {
		return fmt.Sprintf("%s-ticket-%d-%s.md", date, *n, slug)
	}
	return fmt.Sprintf("%s-%s.md", date, slug)
}

// WriteHeader creates the file, replacing any previous content.
func (j *Journal) WriteHeader(pc *models.PipelineContext) {
	lines := []string{
		"# Run Journal: " + pc.Task.Title,
		"",
		"- **Run ID:** " + pc.RunID,
		"- **Started:** " + pc.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		"- **Task:** " + pc.Task.Title,
	}
	if pc.Task.SourceID != "" {
		lines = append(lines, fmt.Sprintf("- **Ticket:** %s (%s)", pc.Task.SourceID, pc.Task.Source))
	}
	if pc.BranchName != "" {
		lines = append(lines, "- **Branch:** "+pc.BranchName)
	}
	if pc.Task.Description != "" {
		lines = append(lines, "", "## Task Description", "", pc.Task.Description)
	}
	lines = append(lines, "")

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		j.logger.Warn("failed to create journal directory", zap.String("path", j.path), zap.Error(err))
		return
	}
	if err := os.WriteFile(j.path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		j.logger.Warn("failed to write journal header", zap.String("path", j.path), zap.Error(err))
	}
}

func (j *Journal) LogStep(step models.Step, pc *models.PipelineContext) {
	lines := []string{
		fmt.Sprintf("## Step: %s  (%s)", step, j.now().UTC().Format("15:04:05")),
		"",
	}
	if out := pc.Outputs[step]; out != "" {
		lines = append(lines, out, "")
	} else {
		lines = append(lines, fmt.Sprintf("Step `%s` completed.", step))
	}
	if sha := pc.StepCommits[step]; sha != "" {
		lines = append(lines, "- **Commit:** `"+shortSHA(sha)+"`")
	}
	if usage, ok := pc.StepUsage[step]; ok {
		if s := formatUsage(usage); s != "" {
			lines = append(lines, "- **Usage:** "+s)
		}
	}
	lines = append(lines, "")
	j.append(lines)
}

func (j *Journal) LogCheckpoint(step models.Step, decision, feedback string) {
	lines := []string{
		"### Checkpoint: " + string(step),
		"",
		"- **Decision:** " + decision,
	}
	if feedback != "" {
		lines = append(lines, "- **Feedback:** "+feedback)
	}
	lines = append(lines, "")
	j.append(lines)
}

// LogNote appends a free-form section, used for resumes and pauses.
func (j *Journal) LogNote(title, body string) {
	lines := []string{"## " + title, ""}
	if body != "" {
		lines = append(lines, body, "")
	}
	j.append(lines)
}

func (j *Journal) LogOutcome(pc *models.PipelineContext) {
	lines := []string{"## Outcome", "", "- **Status:** " + string(pc.Status)}
	if pc.ErrorMessage != "" {
		lines = append(lines, "- **Error:** "+pc.ErrorMessage)
	}
	if pc.SecurityIssuesRemain {
		lines = append(lines, fmt.Sprintf("- **Unresolved security findings:** %d", len(pc.SecurityFindings)))
	}
	if pc.TotalCostUSD > 0 {
		lines = append(lines, fmt.Sprintf("- **Total cost:** $%.4f", pc.TotalCostUSD))
	}
	lines = append(lines, "")
	j.append(lines)
}

func (j *Journal) append(lines []string) {
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		j.logger.Warn("failed to open journal", zap.String("path", j.path), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		j.logger.Warn("failed to append to journal", zap.String("path", j.path), zap.Error(err))
	}
}

func formatUsage(u models.StepUsage) string {
	var parts []string
	if u.CostUSD > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", u.CostUSD))
	}
	if tokens := u.InputTokens + u.OutputTokens; tokens > 0 {
		parts = append(parts, groupThousands(tokens)+" tokens")
	}
	if u.DurationMS > 0 {
		parts = append(parts, fmt.Sprintf("%.1fs", u.DurationMS/1000))
	}
	return strings.Join(parts, " | ")
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
