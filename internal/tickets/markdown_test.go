package tickets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/storage"
)

const sample = "# Tickets\n" +
	"\n" +
	"## Add login\n" +
	"<!--metadata\n" +
	"auto_approve: true\n" +
	"priority: high\n" +
	"-->\n" +
	"Users sign in with email.\n" +
	"\n" +
	"```go\n" +
	"## not a heading\n" +
	"```\n" +
	"\n" +
	"### Notes\n" +
	"keep it short\n" +
	"\n" +
	"## [done] Fix footer\n" +
	"\n" +
	"## [In Progress] Refactor db\n" +
	"<!--metadata\n" +
	"tags: [unclosed\n" +
	"-->\n" +
	"\n" +
	"## [pending] Literal tag\n" +
	"## [someday] Unknown tag\n"

func TestParse(t *testing.T) {
	entries := Parse(sample)
	require.Len(t, entries, 5)

	first := entries[0]
	assert.Equal(t, "Add login", first.Title)
	assert.Equal(t, models.TicketStatusPending, first.Status)
	assert.Equal(t, map[string]any{"auto_approve": true, "priority": "high"}, first.Metadata)
	assert.Equal(t, "Users sign in with email.\n\n```go\n## not a heading\n```\n\n### Notes\nkeep it short", first.Description)

	assert.Equal(t, "Fix footer", entries[1].Title)
	assert.Equal(t, models.TicketStatusDone, entries[1].Status)
	assert.Empty(t, entries[1].Description)

	assert.Equal(t, "Refactor db", entries[2].Title)
	assert.Equal(t, models.TicketStatusInProgress, entries[2].Status)
	assert.Nil(t, entries[2].Metadata, "malformed metadata is dropped")

	assert.Equal(t, "[pending] Literal tag", entries[3].Title)
	assert.Equal(t, "[someday] Unknown tag", entries[4].Title)
	assert.Equal(t, models.TicketStatusPending, entries[4].Status)
}

func TestParseIgnoresTextBeforeFirstTicket(t *testing.T) {
	entries := Parse("intro\n<!--metadata\nx: 1\n-->\n## Only\nbody\n")
	require.Len(t, entries, 1)
	assert.Equal(t, "Only", entries[0].Title)
	assert.Equal(t, "body", entries[0].Description)
	assert.Nil(t, entries[0].Metadata)
}

func TestRenderParses(t *testing.T) {
	tickets := []*models.Ticket{
		{Number: 1, Title: "One", Description: "first\n\n```\n## code\n```", Status: models.TicketStatusPending, Metadata: map[string]any{"b": 2, "a": "x"}},
		{Number: 2, Title: "Two", Status: models.TicketStatusMerged},
	}

	entries := Parse(Render(tickets))
	require.Len(t, entries, 2)
	assert.Equal(t, "One", entries[0].Title)
	assert.Equal(t, "first\n\n```\n## code\n```", entries[0].Description)
	assert.Equal(t, map[string]any{"a": "x", "b": 2}, entries[0].Metadata)
	assert.Equal(t, models.TicketStatusMerged, entries[1].Status)
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	store, err := storage.New(filepath.Join(t.TempDir(), "state.db"), storage.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer store.Close()
	project := t.TempDir()

	created, err := Import(ctx, store, project, Parse(sample))
	require.NoError(t, err)
	require.Len(t, created, 5)
	assert.Equal(t, 1, created[0].Number)
	assert.Equal(t, 5, created[4].Number)

	got, err := store.GetTicket(ctx, project, 2)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusDone, got.Status)

	next, err := store.NextPendingTicket(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, "Add login", next.Title)
	assert.Equal(t, true, next.Metadata["auto_approve"])
}
