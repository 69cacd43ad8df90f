package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// GitManager implements Manager with git worktrees: each step gets its own
// working directory and branch carved out of a shared repository checkout.
// Worktrees keep steps isolated from each other while sharing the object
// store, so Prepare stays cheap even for large repositories.
type GitManager struct {
	// RepoPath is the primary checkout worktrees are added from.
	RepoPath string
	// Root is where step working directories are created.
	Root   string
	logger *zap.Logger
}

// NewGitManager creates a GitManager rooted at root.
func NewGitManager(repoPath, root string, logger *zap.Logger) (*GitManager, error) {
	if repoPath == "" {
		return nil, fmt.Errorf("repo path is required")
	}
	if root == "" {
		root = "workspaces"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitManager{
		RepoPath: repoPath,
		Root:     root,
		logger:   logger.With(zap.String("component", "git_workspace")),
	}, nil
}

// Prepare implements Manager. It adds a worktree on a fresh branch cut from
// the base branch. An existing branch with the same name is reused only if
// no worktree currently holds it; otherwise Prepare fails rather than share
// a working directory between steps.
func (m *GitManager) Prepare(ctx context.Context, workflowID, stepID string, branch BranchInfo) (*Workspace, error) {
	if branch.BranchName == "" {
		branch.BranchName = "step/" + stepID
	}
	if branch.BaseBranch == "" {
		branch.BaseBranch = "main"
	}

	path, err := filepath.Abs(filepath.Join(m.Root, workflowID, stepID))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create workflow dir: %w", err)
	}

	if _, err := m.git(ctx, m.RepoPath, "worktree", "add", "-B", branch.BranchName, path, branch.BaseBranch); err != nil {
		return nil, fmt.Errorf("add worktree for step %s: %w", stepID, err)
	}

	m.logger.Info("workspace prepared",
		zap.String("step_id", stepID),
		zap.String("branch", branch.BranchName),
		zap.String("path", path),
	)
	return &Workspace{Path: path, BranchName: branch.BranchName, BaseBranch: branch.BaseBranch}, nil
}

// Commit implements Manager. An empty diff still produces a commit so every
// approved step leaves a traceable mark on its branch.
func (m *GitManager) Commit(ctx context.Context, ws *Workspace, message, author string) (string, error) {
	if _, err := m.git(ctx, ws.Path, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	args := []string{"commit", "--allow-empty", "-m", message}
	if author != "" {
		args = append(args, "--author", author)
	}
	if _, err := m.git(ctx, ws.Path, args...); err != nil {
		return "", fmt.Errorf("commit workspace: %w", err)
	}

	hash, err := m.git(ctx, ws.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve commit hash: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// Discard implements Manager. The branch itself is left behind for forensic
// inspection; only the working directory goes away.
func (m *GitManager) Discard(ctx context.Context, ws *Workspace) error {
	if _, err := m.git(ctx, m.RepoPath, "worktree", "remove", "--force", ws.Path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", ws.Path, err)
	}
	return nil
}

func (m *GitManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
