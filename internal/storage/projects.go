package storage

import (
	"context"

	"github.com/mpataki/levelup/internal/models"
)

// AddProject registers a project path. Adding a known path is a no-op.
func (s *Storage) AddProject(ctx context.Context, path, displayName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO projects (project_path, display_name, added_at) VALUES (?, ?, ?)`,
		path, displayName, s.timestamp(),
	)
	if err != nil {
		return unavailable("add project", err)
	}
	return nil
}

func (s *Storage) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_path, display_name, added_at FROM projects ORDER BY added_at ASC, project_path ASC`,
	)
	if err != nil {
		return nil, unavailable("list projects", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		var p models.Project
		var addedAt string
		if err := rows.Scan(&p.Path, &p.DisplayName, &addedAt); err != nil {
			return nil, unavailable("list projects", err)
		}
		p.AddedAt = parseTime(addedAt)
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list projects", err)
	}
	return projects, nil
}

// RemoveProject forgets a project path. Its runs and tickets are kept.
func (s *Storage) RemoveProject(ctx context.Context, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE project_path = ?`, path)
	if err != nil {
		return false, unavailable("remove project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("remove project", err)
	}
	return n > 0, nil
}
