package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/levelup/internal/models"
	"go.uber.org/zap"
)

const defaultListLimit = 50

const deadRunMessage = "Process died"

const runColumns = `run_id, task_title, task_description, project_path, status, current_step,
	language, framework, test_runner, started_at, updated_at, pid, ticket_number,
	context_json, pause_requested, error_message, total_cost_usd, input_tokens, output_tokens`

// RegisterRun inserts a new run. started_at and updated_at are set to now
// when the run does not carry a start time.
func (s *Storage) RegisterRun(ctx context.Context, run *models.Run) error {
	return s.insertRun(ctx, s.db, run)
}

// RegisterRunForTicket inserts run unless its ticket already has an active
// run, which is then returned instead. The check and the insert share one
// immediate transaction, so two processes cannot both start the same ticket.
func (s *Storage) RegisterRunForTicket(ctx context.Context, run *models.Run) (*models.Run, error) {
	if run.TicketNumber == nil {
		return nil, s.RegisterRun(ctx, run)
	}

	var active *models.Run
	err := s.withTx(ctx, "register run", func(tx *sql.Tx) error {
		var err error
		active, err = activeRunForTicket(ctx, tx, run.ProjectPath, *run.TicketNumber)
		if err != nil || active != nil {
			return err
		}
		return s.insertRun(ctx, tx, run)
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Storage) insertRun(ctx context.Context, db execer, run *models.Run) error {
	now := s.now()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now

	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		run.ID, run.TaskTitle, run.TaskDescription, run.ProjectPath, string(run.Status),
		nullString(run.CurrentStep), nullString(run.Language), nullString(run.Framework),
		nullString(run.TestRunner), formatTime(run.StartedAt), formatTime(run.UpdatedAt),
		nullPID(run.PID), nullInt(run.TicketNumber), nullString(run.ContextJSON),
		nullString(run.ErrorMessage), run.TotalCostUSD, run.InputTokens, run.OutputTokens,
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return unavailable("register run", err)
	}

	s.logger.Debug("run registered", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
	return nil
}

// UpdateRun replaces every mutable field of an existing run and bumps
// updated_at. The pause flag is owned by RequestPause/ClearPauseRequest and is
// left alone.
func (s *Storage) UpdateRun(ctx context.Context, run *models.Run) error {
	run.UpdatedAt = s.now()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET task_title = ?, task_description = ?, project_path = ?, status = ?,
			current_step = ?, language = ?, framework = ?, test_runner = ?, updated_at = ?,
			pid = ?, ticket_number = ?, context_json = ?, error_message = ?,
			total_cost_usd = ?, input_tokens = ?, output_tokens = ?
		 WHERE run_id = ?`,
		run.TaskTitle, run.TaskDescription, run.ProjectPath, string(run.Status),
		nullString(run.CurrentStep), nullString(run.Language), nullString(run.Framework),
		nullString(run.TestRunner), formatTime(run.UpdatedAt), nullPID(run.PID),
		nullInt(run.TicketNumber), nullString(run.ContextJSON), nullString(run.ErrorMessage),
		run.TotalCostUSD, run.InputTokens, run.OutputTokens, run.ID,
	)
	if err != nil {
		return unavailable("update run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update run", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetRun returns the run or nil when it does not exist.
func (s *Storage) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get run", err)
	}
	return run, nil
}

// ListRuns returns runs most recently updated first. An empty status matches
// every run; a limit of zero or less means the default of 50.
func (s *Storage) ListRuns(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list runs", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, unavailable("list runs", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list runs", err)
	}
	return runs, nil
}

// DeleteRun removes a run and all of its checkpoint requests in one
// transaction. It reports false when no such run existed.
func (s *Storage) DeleteRun(ctx context.Context, runID string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, "delete run", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_requests WHERE run_id = ?`, runID); err != nil {
			return unavailable("delete checkpoint requests", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			return unavailable("delete run", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("delete run", err)
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("run forgotten", zap.String("run_id", runID))
	}
	return deleted, nil
}

// GetRunForTicket returns the most recently updated run linked to the
// ticket, whatever its status.
func (s *Storage) GetRunForTicket(ctx context.Context, projectPath string, ticketNumber int) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_path = ? AND ticket_number = ?
		 ORDER BY updated_at DESC, rowid DESC LIMIT 1`,
		projectPath, ticketNumber,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get run for ticket", err)
	}
	return run, nil
}

// HasActiveRunForTicket returns a non-terminal run linked to the ticket, or
// nil when there is none.
func (s *Storage) HasActiveRunForTicket(ctx context.Context, projectPath string, ticketNumber int) (*models.Run, error) {
	return activeRunForTicket(ctx, s.db, projectPath, ticketNumber)
}

func activeRunForTicket(ctx context.Context, db rowQueryer, projectPath string, ticketNumber int) (*models.Run, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_path = ? AND ticket_number = ? AND status NOT IN (?, ?, ?)
		 ORDER BY updated_at DESC, rowid DESC LIMIT 1`,
		projectPath, ticketNumber,
		string(models.RunStatusCompleted), string(models.RunStatusFailed), string(models.RunStatusAborted),
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("check active run for ticket", err)
	}
	return run, nil
}

func (s *Storage) RequestPause(ctx context.Context, runID string) error {
	return s.setPauseFlag(ctx, runID, true)
}

func (s *Storage) ClearPauseRequest(ctx context.Context, runID string) error {
	return s.setPauseFlag(ctx, runID, false)
}

func (s *Storage) setPauseFlag(ctx context.Context, runID string, on bool) error {
	flag := 0
	if on {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET pause_requested = ?, updated_at = ? WHERE run_id = ?`,
		flag, s.timestamp(), runID,
	)
	if err != nil {
		return unavailable("set pause flag", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("set pause flag", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// IsPauseRequested reports the pause flag; an absent run reads as false.
func (s *Storage) IsPauseRequested(ctx context.Context, runID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT pause_requested FROM runs WHERE run_id = ?`, runID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("read pause flag", err)
	}
	return flag != 0, nil
}

// MarkDeadRuns fails every live-status run whose owning process is confirmed
// dead and returns how many were changed. Runs without a recorded pid are
// skipped. Running it twice in a row changes nothing the second time.
func (s *Storage) MarkDeadRuns(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pid FROM runs WHERE status IN (?, ?, ?) AND pid IS NOT NULL`,
		string(models.RunStatusRunning), string(models.RunStatusPending), string(models.RunStatusWaitingForInput),
	)
	if err != nil {
		return 0, unavailable("scan live runs", err)
	}

	type candidate struct {
		runID string
		pid   int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.runID, &c.pid); err != nil {
			rows.Close()
			return 0, unavailable("scan live runs", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, unavailable("scan live runs", err)
	}
	rows.Close()

	marked := 0
	for _, c := range candidates {
		if c.pid <= 0 || s.alive(c.pid) {
			continue
		}
		// The status guard keeps a run that finished since the scan intact.
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, error_message = ?, updated_at = ?
			 WHERE run_id = ? AND pid = ? AND status IN (?, ?, ?)`,
			string(models.RunStatusFailed), deadRunMessage, s.timestamp(), c.runID, c.pid,
			string(models.RunStatusRunning), string(models.RunStatusPending), string(models.RunStatusWaitingForInput),
		)
		if err != nil {
			return marked, unavailable("mark dead run", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return marked, unavailable("mark dead run", err)
		}
		if n > 0 {
			marked++
			s.logger.Warn("run marked dead", zap.String("run_id", c.runID), zap.Int("pid", c.pid))
		}
	}
	return marked, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var status, startedAt, updatedAt string
	var currentStep, language, framework, testRunner, contextJSON, errorMessage sql.NullString
	var pid, ticketNumber sql.NullInt64
	var pause int

	err := row.Scan(
		&run.ID, &run.TaskTitle, &run.TaskDescription, &run.ProjectPath, &status, &currentStep,
		&language, &framework, &testRunner, &startedAt, &updatedAt, &pid, &ticketNumber,
		&contextJSON, &pause, &errorMessage, &run.TotalCostUSD, &run.InputTokens, &run.OutputTokens,
	)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.Language = language.String
	run.Framework = framework.String
	run.TestRunner = testRunner.String
	run.ContextJSON = contextJSON.String
	run.ErrorMessage = errorMessage.String
	run.StartedAt = parseTime(startedAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.PauseRequested = pause != 0
	if pid.Valid {
		run.PID = int(pid.Int64)
	}
	if ticketNumber.Valid {
		n := int(ticketNumber.Int64)
		run.TicketNumber = &n
	}

	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullPID(pid int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(pid), Valid: pid != 0}
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("Jan 2")
	}
}
