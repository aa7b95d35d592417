package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mpataki/levelup/internal/models"
	"go.uber.org/zap"
)

const checkpointColumns = `id, run_id, step_name, checkpoint_data, status, decision, feedback, created_at, decided_at`

// CreateCheckpoint inserts a pending request and returns its id. It never
// deduplicates; callers that must not create a second outstanding request for
// the same step use PendingCheckpoint first.
func (s *Storage) CreateCheckpoint(ctx context.Context, runID string, step models.Step, data string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint_requests (run_id, step_name, checkpoint_data, status, feedback, created_at)
		 VALUES (?, ?, ?, ?, '', ?)`,
		runID, string(step), nullString(data), string(models.CheckpointPending), s.timestamp(),
	)
	if err != nil {
		return 0, unavailable("create checkpoint", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("create checkpoint", err)
	}

	s.logger.Debug("checkpoint requested", zap.String("run_id", runID), zap.String("step", string(step)), zap.Int64("request_id", id))
	return id, nil
}

// PendingCheckpoint returns the oldest outstanding request for the run and
// step, or nil.
func (s *Storage) PendingCheckpoint(ctx context.Context, runID string, step models.Step) (*models.CheckpointRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoint_requests
		 WHERE run_id = ? AND step_name = ? AND status = ?
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		runID, string(step), string(models.CheckpointPending),
	)
	req, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get pending checkpoint", err)
	}
	return req, nil
}

// ListPendingCheckpoints returns every undecided request across all runs,
// oldest first.
func (s *Storage) ListPendingCheckpoints(ctx context.Context) ([]*models.CheckpointRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoint_requests
		 WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(models.CheckpointPending),
	)
	if err != nil {
		return nil, unavailable("list pending checkpoints", err)
	}
	defer rows.Close()

	var reqs []*models.CheckpointRequest
	for rows.Next() {
		req, err := scanCheckpoint(rows)
		if err != nil {
			return nil, unavailable("list pending checkpoints", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pending checkpoints", err)
	}
	return reqs, nil
}

func (s *Storage) GetCheckpoint(ctx context.Context, id int64) (*models.CheckpointRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoint_requests WHERE id = ?`, id)
	req, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get checkpoint", err)
	}
	return req, nil
}

// GetDecision returns the most recently decided request for the run and step,
// or nil. Pending requests are never returned.
func (s *Storage) GetDecision(ctx context.Context, runID string, step models.Step) (*models.CheckpointDecision, error) {
	var id int64
	var decision sql.NullString
	var feedback string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, decision, feedback FROM checkpoint_requests
		 WHERE run_id = ? AND step_name = ? AND status = ?
		 ORDER BY decided_at DESC, id DESC LIMIT 1`,
		runID, string(step), string(models.CheckpointDecided),
	).Scan(&id, &decision, &feedback)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get decision", err)
	}

	return &models.CheckpointDecision{
		RequestID: id,
		Decision:  models.Decision(decision.String),
		Feedback:  feedback,
	}, nil
}

// SubmitDecision records a decision on a request. Deciding an already decided
// request overwrites the earlier decision.
func (s *Storage) SubmitDecision(ctx context.Context, id int64, decision models.Decision, feedback string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint_requests SET status = ?, decision = ?, feedback = ?, decided_at = ? WHERE id = ?`,
		string(models.CheckpointDecided), string(decision), feedback, s.timestamp(), id,
	)
	if err != nil {
		return unavailable("submit decision", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("submit decision", err)
	}
	if n == 0 {
		return fmt.Errorf("checkpoint request %d: %w", id, ErrNotFound)
	}

	s.logger.Info("checkpoint decided", zap.Int64("request_id", id), zap.String("decision", string(decision)))
	return nil
}

func scanCheckpoint(row scanner) (*models.CheckpointRequest, error) {
	var req models.CheckpointRequest
	var status, createdAt string
	var data, decision, decidedAt sql.NullString

	err := row.Scan(&req.ID, &req.RunID, &req.StepName, &data, &status, &decision, &req.Feedback, &createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	req.Data = data.String
	req.Status = models.CheckpointStatus(status)
	req.Decision = models.Decision(decision.String)
	req.CreatedAt = parseTime(createdAt)
	req.DecidedAt = parseNullTime(decidedAt)
	return &req, nil
}
