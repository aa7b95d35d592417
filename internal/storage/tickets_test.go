package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
)

const project = "/work/app"

func TestAddTicketNumbersPerProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t1, err := s.AddTicket(ctx, project, "First", "", nil)
	require.NoError(t, err)
	t2, err := s.AddTicket(ctx, project, "Second", "body", nil)
	require.NoError(t, err)
	other, err := s.AddTicket(ctx, "/work/other", "Elsewhere", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, t1.Number)
	assert.Equal(t, 2, t2.Number)
	assert.Equal(t, 1, other.Number)
	assert.Equal(t, models.TicketStatusPending, t2.Status)
	assert.Equal(t, "body", t2.Description)
}

func TestAddTicketConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddTicket(ctx, project, "t", "", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tickets, err := s.ListTickets(ctx, project, "")
	require.NoError(t, err)
	require.Len(t, tickets, 8)
	for i, tk := range tickets {
		assert.Equal(t, i+1, tk.Number)
	}
}

func TestAddTicketStripsRunOptions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tk, err := s.AddTicket(ctx, project, "Meta", "", map[string]any{
		"model":        "opus",
		"effort":       "high",
		"auto_approve": true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"auto_approve": true}, tk.Metadata)

	only, err := s.AddTicket(ctx, project, "Only legacy", "", map[string]any{"skip_planning": true})
	require.NoError(t, err)
	assert.Nil(t, only.Metadata)
}

func TestUpdateTicketPartial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AddTicket(ctx, project, "Old", "desc", map[string]any{"auto_approve": false})
	require.NoError(t, err)

	title := "New"
	tk, err := s.UpdateTicket(ctx, project, 1, TicketUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "New", tk.Title)
	assert.Equal(t, "desc", tk.Description)
	assert.Equal(t, map[string]any{"auto_approve": false}, tk.Metadata)

	tk, err = s.UpdateTicket(ctx, project, 1, TicketUpdate{
		SetMetadata: true,
		Metadata:    map[string]any{"model": "sonnet", "labels": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"labels": "x"}, tk.Metadata)

	got, err := s.GetTicket(ctx, project, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "New", got.Title)
	assert.Equal(t, map[string]any{"labels": "x"}, got.Metadata)

	_, err = s.UpdateTicket(ctx, project, 99, TicketUpdate{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTicketStatusAndNextPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, title := range []string{"a", "b", "c"} {
		_, err := s.AddTicket(ctx, project, title, "", nil)
		require.NoError(t, err)
	}

	require.NoError(t, s.SetTicketStatus(ctx, project, 1, models.TicketStatusDone))
	next, err := s.NextPendingTicket(ctx, project)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Number)

	done, err := s.ListTickets(ctx, project, models.TicketStatusDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "a", done[0].Title)

	assert.ErrorIs(t, s.SetTicketStatus(ctx, project, 42, models.TicketStatusDone), ErrNotFound)
}

func TestSetTicketStatusStripsLegacyRunOptions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (project_path, ticket_number, title, description, status, metadata_json, created_at, updated_at)
		 VALUES (?, 1, 'old', '', 'pending', ?, ?, ?)`,
		project, `{"model":"opus","effort":"high","auto_approve":true}`, s.timestamp(), s.timestamp(),
	)
	require.NoError(t, err)

	require.NoError(t, s.SetTicketStatus(ctx, project, 1, models.TicketStatusInProgress))

	got, err := s.GetTicket(ctx, project, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.TicketStatusInProgress, got.Status)
	assert.Equal(t, map[string]any{"auto_approve": true}, got.Metadata)
}

func TestDeleteTicket(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AddTicket(ctx, project, "Goner", "", nil)
	require.NoError(t, err)

	title, err := s.DeleteTicket(ctx, project, 1)
	require.NoError(t, err)
	assert.Equal(t, "Goner", title)

	tk, err := s.GetTicket(ctx, project, 1)
	require.NoError(t, err)
	assert.Nil(t, tk)

	_, err = s.DeleteTicket(ctx, project, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AddProject(ctx, project, "app"))
	require.NoError(t, s.AddProject(ctx, project, "renamed"))
	require.NoError(t, s.AddProject(ctx, "/work/other", ""))

	_, err := s.AddTicket(ctx, project, "kept", "", nil)
	require.NoError(t, err)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "app", projects[0].DisplayName)

	removed, err := s.RemoveProject(ctx, project)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.RemoveProject(ctx, project)
	require.NoError(t, err)
	assert.False(t, removed)

	tickets, err := s.ListTickets(ctx, project, "")
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}
