package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/unbracketed/prunejuice/internal/domain"
	"github.com/unbracketed/prunejuice/internal/steps"
)

// builtins is the closed registry of in-process steps. Script steps
// of the same name never shadow these.
func (e *Executor) builtins() map[string]steps.Func {
	return map[string]steps.Func{
		"setup-environment":      e.stepSetupEnvironment,
		"validate-prerequisites": e.stepValidatePrerequisites,
		"create-worktree":        e.stepCreateWorktree,
		"start-session":          e.stepStartSession,
		"gather-context":         e.stepGatherContext,
		"store-artifacts":        e.stepStoreArtifacts,
		"cleanup":                e.stepCleanup,
	}
}

func (e *Executor) stepSetupEnvironment(ctx context.Context, rc *steps.RunContext) steps.Result {
	for _, sub := range []string{"logs", "outputs", "prompts", "specs"} {
		if err := os.MkdirAll(filepath.Join(rc.ArtifactDir, sub), 0o755); err != nil {
			return steps.Failure("create %s dir: %v", sub, err)
		}
	}
	rc.State.Set("environment_ready", true)
	return steps.Success("environment ready at " + rc.ArtifactDir)
}

func (e *Executor) stepValidatePrerequisites(ctx context.Context, rc *steps.RunContext) steps.Result {
	if !e.Worktrees.IsRepository(ctx, rc.ProjectPath) {
		return steps.Failure("%s is not a git repository", rc.ProjectPath)
	}
	if needsWorktree(rc) && !e.Worktrees.Available() {
		return steps.Failure("command needs git worktrees but git is not available")
	}
	rc.State.Set("prerequisites_ok", true)
	return steps.Success("prerequisites satisfied")
}

func needsWorktree(rc *steps.RunContext) bool {
	for k := range rc.Args {
		if strings.HasPrefix(k, "worktree-") {
			return true
		}
	}
	return strings.HasPrefix(rc.Command, "worktree-")
}

// stepCreateWorktree creates a worktree named after the task argument.
// Without git the step degrades to the project path so later steps
// still have a working directory.
func (e *Executor) stepCreateWorktree(ctx context.Context, rc *steps.RunContext) steps.Result {
	task := rc.Args["task"]
	if task == "" {
		task = rc.Args["branch"]
	}
	if task == "" {
		task = rc.SessionID
	}
	branch := slug.Make(task)

	if !e.Worktrees.Available() || !e.Worktrees.IsRepository(ctx, rc.ProjectPath) {
		rc.State.Set("worktree_path", rc.ProjectPath)
		return steps.Success("git unavailable; using project path " + rc.ProjectPath)
	}

	base := rc.Args["base"]
	res := e.Worktrees.CreateWorktree(ctx, rc.ProjectPath, e.Settings.WorktreeRoot, branch, base)
	if res.Status != "success" {
		return steps.Failure("create worktree: %s", res.Message)
	}
	rc.State.Set("worktree_path", res.Path)
	rc.State.Set("worktree_branch", branch)
	rc.WorkingDir = res.Path
	return steps.Success(res.Message)
}

func (e *Executor) stepStartSession(ctx context.Context, rc *steps.RunContext) steps.Result {
	task := rc.Args["task"]
	if task == "" {
		task = slug.Make(rc.Command)
	} else {
		task = slug.Make(task)
	}
	dir := rc.WorkingDir
	if wt := rc.State.GetString("worktree_path"); wt != "" {
		dir = wt
	}
	res := e.Sessions.CreateSession(ctx, task, dir)
	if res.Status == "error" {
		return steps.Failure("start session: %s", res.Message)
	}
	rc.State.Set("session_name", res.Name)
	if res.Status == "skipped" {
		return steps.Success(res.Message)
	}
	return steps.Success("session " + res.Name + ": " + res.Message)
}

// stepGatherContext snapshots the repository state into
// specs/context.json for later steps and humans.
func (e *Executor) stepGatherContext(ctx context.Context, rc *steps.RunContext) steps.Result {
	info := map[string]any{
		"command":      rc.Command,
		"session_id":   rc.SessionID,
		"project_path": rc.ProjectPath,
		"gathered_at":  time.Now().UTC().Format(time.RFC3339),
		"args":         rc.Args,
	}
	if e.Worktrees.IsRepository(ctx, rc.ProjectPath) {
		if branch, err := e.Worktrees.CurrentBranch(ctx, rc.ProjectPath); err == nil {
			info["branch"] = branch
		}
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return steps.Failure("encode context: %v", err)
	}
	path, size, err := e.Artifacts.Write(rc.SessionID, "specs", "context.json", data)
	if err != nil {
		return steps.Failure("write context: %v", err)
	}
	e.recordArtifact(ctx, rc, "context", path, size)
	rc.State.Set("context_path", path)
	return steps.Success("context written to " + path)
}

// stepStoreArtifacts registers every file in the session directory in
// the artifacts table. Bookkeeping failures are logged, not fatal.
func (e *Executor) stepStoreArtifacts(ctx context.Context, rc *steps.RunContext) steps.Result {
	execID, _ := rc.State.Get("execution_id")
	eventID, _ := execID.(int64)
	var count int
	err := filepath.WalkDir(rc.ArtifactDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		count++
		if eventID == 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		size := info.Size()
		kind := filepath.Base(filepath.Dir(path))
		_, err = e.Repo.InsertArtifact(ctx, domain.Artifact{
			EventID:   eventID,
			Type:      kind,
			FilePath:  path,
			FileSize:  &size,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			e.Log.Warn("register artifact", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return steps.Failure("walk artifacts: %v", err)
	}
	return steps.Success(fmt.Sprintf("registered %d artifact(s)", count))
}

// stepCleanup tears down what earlier steps started. It never fails
// the run; trouble is reported in the output.
func (e *Executor) stepCleanup(ctx context.Context, rc *steps.RunContext) steps.Result {
	var notes []string
	if name := rc.State.GetString("session_name"); name != "" && e.Sessions.Available() {
		if err := e.Sessions.KillSession(ctx, name); err != nil {
			notes = append(notes, fmt.Sprintf("kill session %s: %v", name, err))
		} else {
			notes = append(notes, "killed session "+name)
		}
	}
	if len(notes) == 0 {
		notes = append(notes, "nothing to clean up")
	}
	return steps.Success(strings.Join(notes, "; "))
}
