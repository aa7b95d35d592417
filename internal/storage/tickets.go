package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mpataki/levelup/internal/approval"
	"github.com/mpataki/levelup/internal/models"
)

const ticketColumns = `id, project_path, ticket_number, title, description, status, metadata_json, created_at, updated_at`

// TicketUpdate is a partial update. Nil fields are left untouched; metadata is
// only written when SetMetadata is true, so it can be cleared explicitly.
type TicketUpdate struct {
	Title       *string
	Description *string
	SetMetadata bool
	Metadata    map[string]any
}

// AddTicket appends a pending ticket to the project. The number is one past
// the project's current maximum, allocated in the same statement as the
// insert so concurrent adders never collide.
func (s *Storage) AddTicket(ctx context.Context, projectPath, title, description string, metadata map[string]any) (*models.Ticket, error) {
	meta, err := encodeMetadata(approval.StripRunOptions(metadata))
	if err != nil {
		return nil, err
	}
	now := s.timestamp()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (project_path, ticket_number, title, description, status, metadata_json, created_at, updated_at)
		 SELECT ?, COALESCE(MAX(ticket_number), 0) + 1, ?, ?, ?, ?, ?, ?
		 FROM tickets WHERE project_path = ?`,
		projectPath, title, description, string(models.TicketStatusPending), meta, now, now, projectPath,
	)
	if err != nil {
		return nil, unavailable("add ticket", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable("add ticket", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		return nil, unavailable("read added ticket", err)
	}
	return t, nil
}

// ListTickets returns the project's tickets by number. An empty status
// matches every ticket.
func (s *Storage) ListTickets(ctx context.Context, projectPath string, status models.TicketStatus) ([]*models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE project_path = ?`
	args := []any{projectPath}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY ticket_number ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list tickets", err)
	}
	defer rows.Close()

	var tickets []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, unavailable("list tickets", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list tickets", err)
	}
	return tickets, nil
}

// GetTicket returns the ticket or nil when it does not exist.
func (s *Storage) GetTicket(ctx context.Context, projectPath string, number int) (*models.Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE project_path = ? AND ticket_number = ?`,
		projectPath, number,
	)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get ticket", err)
	}
	return t, nil
}

// NextPendingTicket returns the lowest numbered pending ticket, or nil.
func (s *Storage) NextPendingTicket(ctx context.Context, projectPath string) (*models.Ticket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE project_path = ? AND status = ?
		 ORDER BY ticket_number ASC LIMIT 1`,
		projectPath, string(models.TicketStatusPending),
	)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get next pending ticket", err)
	}
	return t, nil
}

func (s *Storage) UpdateTicket(ctx context.Context, projectPath string, number int, upd TicketUpdate) (*models.Ticket, error) {
	var updated *models.Ticket
	err := s.withTx(ctx, "update ticket", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+ticketColumns+` FROM tickets WHERE project_path = ? AND ticket_number = ?`,
			projectPath, number,
		)
		t, err := scanTicket(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ticket #%d: %w", number, ErrNotFound)
		}
		if err != nil {
			return unavailable("read ticket", err)
		}

		if upd.Title != nil {
			t.Title = *upd.Title
		}
		if upd.Description != nil {
			t.Description = *upd.Description
		}
		if upd.SetMetadata {
			t.Metadata = upd.Metadata
		}
		t.Metadata = approval.StripRunOptions(t.Metadata)

		meta, err := encodeMetadata(t.Metadata)
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE tickets SET title = ?, description = ?, metadata_json = ?, updated_at = ? WHERE id = ?`,
			t.Title, t.Description, meta, formatTime(now), t.ID,
		); err != nil {
			return unavailable("update ticket", err)
		}
		t.UpdatedAt = now.UTC()
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetTicketStatus moves the ticket to status. Like every other save it drops
// legacy run option keys from the stored metadata.
func (s *Storage) SetTicketStatus(ctx context.Context, projectPath string, number int, status models.TicketStatus) error {
	return s.withTx(ctx, "set ticket status", func(tx *sql.Tx) error {
		var id int64
		var raw sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT id, metadata_json FROM tickets WHERE project_path = ? AND ticket_number = ?`,
			projectPath, number,
		).Scan(&id, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ticket #%d: %w", number, ErrNotFound)
		}
		if err != nil {
			return unavailable("read ticket", err)
		}

		meta := raw
		if raw.Valid && raw.String != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(raw.String), &m); err == nil {
				if meta, err = encodeMetadata(approval.StripRunOptions(m)); err != nil {
					return err
				}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tickets SET status = ?, metadata_json = ?, updated_at = ? WHERE id = ?`,
			string(status), meta, s.timestamp(), id,
		); err != nil {
			return unavailable("set ticket status", err)
		}
		return nil
	})
}

// DeleteTicket removes the ticket and returns its title. Runs that referenced
// it keep their ticket number.
func (s *Storage) DeleteTicket(ctx context.Context, projectPath string, number int) (string, error) {
	var title string
	err := s.withTx(ctx, "delete ticket", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT title FROM tickets WHERE project_path = ? AND ticket_number = ?`,
			projectPath, number,
		).Scan(&title)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ticket #%d: %w", number, ErrNotFound)
		}
		if err != nil {
			return unavailable("read ticket", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tickets WHERE project_path = ? AND ticket_number = ?`,
			projectPath, number,
		); err != nil {
			return unavailable("delete ticket", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return title, nil
}

func encodeMetadata(meta map[string]any) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode ticket metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanTicket(row scanner) (*models.Ticket, error) {
	var t models.Ticket
	var status, createdAt, updatedAt string
	var meta sql.NullString

	err := row.Scan(&t.ID, &t.ProjectPath, &t.Number, &t.Title, &t.Description, &status, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = models.TicketStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if meta.Valid && meta.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(meta.String), &m); err == nil && len(m) > 0 {
			t.Metadata = m
		}
	}
	return &t, nil
}
