package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func TestCreateWorktree(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	m := NewManager(filepath.Join(t.TempDir(), "worktrees"), zaptest.NewLogger(t))

	wt, err := m.Create(ctx, repo, "run1", "levelup/run1")
	require.NoError(t, err)
	assert.Equal(t, m.PathFor("run1"), wt.Path)
	assert.Equal(t, "levelup/run1", wt.Branch)
	assert.NotEmpty(t, wt.BaseSHA)
	assert.FileExists(t, filepath.Join(wt.Path, "README.md"))
	assert.True(t, BranchExists(ctx, repo, "levelup/run1"))

	_, err = m.Create(ctx, repo, "run2", "levelup/run1")
	assert.ErrorIs(t, err, ErrBranchExists)
}

func TestCreateWorktreeDetachedHead(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	runGit(t, repo, "checkout", "-q", "--detach", "HEAD")

	m := NewManager(t.TempDir(), nil)
	wt, err := m.Create(ctx, repo, "det", "levelup/det")
	require.NoError(t, err)
	assert.DirExists(t, wt.Path)
}

func TestCreateWorktreeClearsStaleDirectory(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	m := NewManager(t.TempDir(), nil)

	stale := m.PathFor("again")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "junk"), []byte("x"), 0644))

	wt, err := m.Create(ctx, repo, "again", "levelup/again")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(wt.Path, "junk"))
}

func TestCreateWorktreeNoRepository(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	_, err := m.Create(context.Background(), t.TempDir(), "x", "levelup/x")
	assert.ErrorIs(t, err, ErrNoRepository)
}

func TestCreateWorktreeInvalidBranch(t *testing.T) {
	requireGit(t)
	repo := initRepo(t)
	m := NewManager(t.TempDir(), nil)
	_, err := m.Create(context.Background(), repo, "x", "bad..name")
	assert.ErrorIs(t, err, ErrInvalidBranch)
}

func TestCommitAll(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	m := NewManager(t.TempDir(), nil)
	wt, err := m.Create(ctx, repo, "c", "levelup/c")
	require.NoError(t, err)

	sha, err := CommitAll(ctx, wt.Path, "nothing")
	require.NoError(t, err)
	assert.Empty(t, sha)

	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "new.go"), []byte("package x\n"), 0644))
	sha, err = CommitAll(ctx, wt.Path, StepCommitMessage("coding", "Add x", "c", false))
	require.NoError(t, err)
	assert.Len(t, sha, 40)
	assert.NotEqual(t, wt.BaseSHA, sha)
}

func TestReattachAndRemove(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	repo := initRepo(t)
	m := NewManager(t.TempDir(), nil)

	wt, err := m.Create(ctx, repo, "r", "levelup/r")
	require.NoError(t, err)

	same, err := m.Reattach(ctx, repo, "r", "levelup/r")
	require.NoError(t, err)
	assert.Equal(t, wt.Path, same.Path)

	require.NoError(t, m.Remove(ctx, repo, "r"))
	assert.NoDirExists(t, wt.Path)
	assert.True(t, BranchExists(ctx, repo, "levelup/r"), "branch outlives the worktree")

	back, err := m.Reattach(ctx, repo, "r", "levelup/r")
	require.NoError(t, err)
	assert.DirExists(t, back.Path)

	assert.Error(t, m.Remove(ctx, repo, "unknown"))
}

func TestStepCommitMessage(t *testing.T) {
	assert.Equal(t, "levelup(review, revised): Title\n\nRun ID: abc", StepCommitMessage("review", "Title", "abc", true))
	assert.Equal(t, "levelup(coding): Title\n\nRun ID: abc", StepCommitMessage("coding", "Title", "abc", false))
}
