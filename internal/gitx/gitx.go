package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeResult is the structured outcome of a worktree operation.
// Domain failures (no repo, branch exists, git errors) come back as
// Status "error" with a message, not as a Go error.
type WorktreeResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Output  string `json:"output,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Manager shells out to the git binary.
type Manager struct {
	// Bin overrides the git executable, for tests.
	Bin string
}

func (m Manager) bin() string {
	if m.Bin != "" {
		return m.Bin
	}
	return "git"
}

// Available reports whether git is on PATH.
func (m Manager) Available() bool {
	_, err := exec.LookPath(m.bin())
	return err == nil
}

// IsRepository reports whether path is inside a git work tree.
func (m Manager) IsRepository(ctx context.Context, path string) bool {
	out, err := m.run(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the checked-out branch name.
func (m Manager) CurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := m.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HeadCommit returns the full sha of HEAD.
func (m Manager) HeadCommit(ctx context.Context, path string) (string, error) {
	out, err := m.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// OriginURL returns the origin remote URL, empty when none is set.
func (m Manager) OriginURL(ctx context.Context, path string) string {
	out, err := m.run(ctx, path, "remote", "get-url", "origin")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// CreateWorktree adds a worktree with a new branch under root.
func (m Manager) CreateWorktree(ctx context.Context, repoPath, root, branch, base string) WorktreeResult {
	if !m.Available() {
		return WorktreeResult{Status: StatusError, Message: "git is not available"}
	}
	if !m.IsRepository(ctx, repoPath) {
		return WorktreeResult{Status: StatusError, Message: fmt.Sprintf("%s is not a git repository", repoPath)}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return WorktreeResult{Status: StatusError, Message: fmt.Sprintf("create worktree root: %v", err)}
	}
	target := filepath.Join(root, branch)
	if _, err := os.Stat(target); err == nil {
		return WorktreeResult{Status: StatusError, Message: fmt.Sprintf("worktree path %s already exists", target)}
	}
	args := []string{"worktree", "add", "-b", branch, target}
	if base != "" {
		args = append(args, base)
	}
	out, err := m.run(ctx, repoPath, args...)
	if err != nil {
		return WorktreeResult{
			Status:  StatusError,
			Message: fmt.Sprintf("git worktree add failed: %v", err),
			Output:  out,
		}
	}
	return WorktreeResult{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("created worktree %s on branch %s", target, branch),
		Path:    target,
		Output:  out,
	}
}

// RemoveWorktree removes a worktree, forcing if needed.
func (m Manager) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) WorktreeResult {
	out, err := m.run(ctx, repoPath, "worktree", "remove", "--force", worktreePath)
	if err != nil {
		return WorktreeResult{Status: StatusError, Message: fmt.Sprintf("git worktree remove failed: %v", err), Output: out}
	}
	return WorktreeResult{Status: StatusSuccess, Message: fmt.Sprintf("removed worktree %s", worktreePath), Output: out}
}

func (m Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.bin(), args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
