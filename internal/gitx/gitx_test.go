package gitx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if !(Manager{}).Available() {
		t.Skip("git not installed")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestMissingBinary(t *testing.T) {
	m := Manager{Bin: "definitely-not-git"}
	if m.Available() {
		t.Fatal("missing binary reported available")
	}
	res := m.CreateWorktree(context.Background(), t.TempDir(), t.TempDir(), "b", "")
	if res.Status != StatusError {
		t.Fatalf("expected error status, got %+v", res)
	}
	if !strings.Contains(res.Message, "not available") {
		t.Fatalf("unexpected message: %q", res.Message)
	}
}

func TestIsRepository(t *testing.T) {
	requireGit(t)
	m := Manager{}
	ctx := context.Background()
	repo := initRepo(t)
	if !m.IsRepository(ctx, repo) {
		t.Fatal("repo not detected")
	}
	if m.IsRepository(ctx, t.TempDir()) {
		t.Fatal("plain directory detected as repo")
	}
}

func TestRepoMetadata(t *testing.T) {
	requireGit(t)
	m := Manager{}
	ctx := context.Background()
	repo := initRepo(t)

	branch, err := m.CurrentBranch(ctx, repo)
	if err != nil || branch != "main" {
		t.Fatalf("current branch: %q %v", branch, err)
	}
	sha, err := m.HeadCommit(ctx, repo)
	if err != nil || len(sha) != 40 {
		t.Fatalf("head commit: %q %v", sha, err)
	}
	if url := m.OriginURL(ctx, repo); url != "" {
		t.Fatalf("no origin expected, got %q", url)
	}
}

func TestCreateWorktree(t *testing.T) {
	requireGit(t)
	m := Manager{}
	ctx := context.Background()
	repo := initRepo(t)
	root := filepath.Join(repo, ".worktrees")

	res := m.CreateWorktree(ctx, repo, root, "feature-x", "main")
	if res.Status != StatusSuccess {
		t.Fatalf("create failed: %+v", res)
	}
	if res.Path != filepath.Join(root, "feature-x") {
		t.Fatalf("unexpected path: %q", res.Path)
	}
	if !m.IsRepository(ctx, res.Path) {
		t.Fatal("worktree is not a repository")
	}
	branch, err := m.CurrentBranch(ctx, res.Path)
	if err != nil || branch != "feature-x" {
		t.Fatalf("worktree branch: %q %v", branch, err)
	}

	// Same target again is a structured error, not a Go error.
	res = m.CreateWorktree(ctx, repo, root, "feature-x", "main")
	if res.Status != StatusError || !strings.Contains(res.Message, "already exists") {
		t.Fatalf("expected already-exists error, got %+v", res)
	}

	res = m.RemoveWorktree(ctx, repo, filepath.Join(root, "feature-x"))
	if res.Status != StatusSuccess {
		t.Fatalf("remove failed: %+v", res)
	}
}

func TestCreateWorktreeOutsideRepo(t *testing.T) {
	requireGit(t)
	m := Manager{}
	res := m.CreateWorktree(context.Background(), t.TempDir(), t.TempDir(), "b", "")
	if res.Status != StatusError || !strings.Contains(res.Message, "not a git repository") {
		t.Fatalf("expected not-a-repo error, got %+v", res)
	}
}
