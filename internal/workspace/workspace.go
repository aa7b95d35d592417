package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrNoRepository  = errors.New("not a git repository")
	ErrBranchExists  = errors.New("branch already exists")
	ErrInvalidBranch = errors.New("invalid branch name")
	ErrNoCommits     = errors.New("repository has no commits")
)

// Worktree is the isolated working copy created for one run.
type Worktree struct {
	Path     string
	Branch   string
	BaseSHA  string
	RepoRoot string
}

// Manager creates and removes per-run worktrees under a base directory. It
// never removes a worktree on its own; Remove is an explicit operator action.
type Manager struct {
	baseDir string
	logger  *zap.Logger
}

func NewManager(baseDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{baseDir: baseDir, logger: logger}
}

// PathFor is where the worktree for runID lives.
func (m *Manager) PathFor(runID string) string {
	return filepath.Join(m.baseDir, runID)
}

// Create adds a worktree for runID on a new branch forked from the project's
// current HEAD. A detached HEAD is fine. A leftover directory for the same run
// id is cleared first.
func (m *Manager) Create(ctx context.Context, projectPath, runID, branch string) (*Worktree, error) {
	root, err := RepoRoot(ctx, projectPath)
	if err != nil {
		return nil, err
	}

	if _, err := git(ctx, root, "check-ref-format", "--branch", branch); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}
	if BranchExists(ctx, root, branch) {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}

	sha, err := HeadSHA(ctx, root)
	if err != nil {
		return nil, err
	}

	path := m.PathFor(runID)
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}
	m.clearStale(ctx, root, path)

	if _, err := git(ctx, root, "worktree", "add", "-b", branch, path, sha); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	m.logger.Info("worktree created",
		zap.String("run_id", runID),
		zap.String("branch", branch),
		zap.String("path", path),
	)
	return &Worktree{Path: path, Branch: branch, BaseSHA: sha, RepoRoot: root}, nil
}

// Reattach returns the run's worktree for a resumed run. If the directory is
// gone but the branch still exists, the worktree is added again on it.
func (m *Manager) Reattach(ctx context.Context, projectPath, runID, branch string) (*Worktree, error) {
	path := m.PathFor(runID)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return &Worktree{Path: path, Branch: branch}, nil
	}

	root, err := RepoRoot(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	if !BranchExists(ctx, root, branch) {
		return nil, fmt.Errorf("branch %s no longer exists", branch)
	}

	m.clearStale(ctx, root, path)
	if _, err := git(ctx, root, "worktree", "add", path, branch); err != nil {
		return nil, fmt.Errorf("failed to re-create worktree: %w", err)
	}

	m.logger.Info("worktree re-created", zap.String("run_id", runID), zap.String("path", path))
	return &Worktree{Path: path, Branch: branch, RepoRoot: root}, nil
}

// Remove deletes the worktree for runID. The branch stays in the repository.
func (m *Manager) Remove(ctx context.Context, projectPath, runID string) error {
	path := m.PathFor(runID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("no worktree for run %s", runID)
	}

	root, err := RepoRoot(ctx, projectPath)
	if err != nil {
		return err
	}
	if _, err := git(ctx, root, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree: %w", err)
		}
		_, _ = git(ctx, root, "worktree", "prune")
	}
	m.logger.Info("worktree removed", zap.String("run_id", runID), zap.String("path", path))
	return nil
}

func (m *Manager) clearStale(ctx context.Context, root, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	m.logger.Warn("removing stale worktree", zap.String("path", path))
	if _, err := git(ctx, root, "worktree", "remove", "--force", path); err != nil {
		os.RemoveAll(path)
	}
	_, _ = git(ctx, root, "worktree", "prune")
}

// RepoRoot returns the top level of the repository containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if _, err := exec.LookPath("git"); err != nil {
		return "", fmt.Errorf("%w: git executable not found", ErrNoRepository)
	}
	out, err := git(ctx, abs, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoRepository, abs)
	}
	return out, nil
}

func HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoCommits, dir)
	}
	return out, nil
}

func BranchExists(ctx context.Context, dir, branch string) bool {
	_, err := git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CommitAll stages everything in dir and commits it. It returns the new
// commit sha, or "" when there was nothing to commit.
func CommitAll(ctx context.Context, dir, message string) (string, error) {
	if _, err := git(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}

	diff := exec.CommandContext(ctx, "git", "diff", "--cached", "--quiet")
	diff.Dir = dir
	if err := diff.Run(); err == nil {
		return "", nil
	}

	cmd := exec.CommandContext(ctx, "git", "commit", "--no-verify", "-m", message)
	cmd.Dir = dir
	cmd.Env = commitEnv(ctx, dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to commit: %s", strings.TrimSpace(string(output)))
	}

	return HeadSHA(ctx, dir)
}

// commitEnv supplies a committer identity when the repository has none, so
// step commits work on fresh machines and in CI.
func commitEnv(ctx context.Context, dir string) []string {
	env := os.Environ()
	if email, err := git(ctx, dir, "config", "user.email"); err == nil && email != "" {
		return env
	}
	return append(env,
		"GIT_AUTHOR_NAME=levelup",
		"GIT_AUTHOR_EMAIL=levelup@localhost",
		"GIT_COMMITTER_NAME=levelup",
		"GIT_COMMITTER_EMAIL=levelup@localhost",
	)
}

// StepCommitMessage formats the commit recorded after a pipeline step.
func StepCommitMessage(step, title, runID string, revised bool) string {
	suffix := ""
	if revised {
		suffix = ", revised"
	}
	return fmt.Sprintf("levelup(%s%s): %s\n\nRun ID: %s", step, suffix, title, runID)
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(string(out)), nil
}
