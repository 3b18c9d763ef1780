package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unbracketed/prunejuice/internal/artifacts"
	"github.com/unbracketed/prunejuice/internal/commands"
	"github.com/unbracketed/prunejuice/internal/config"
	"github.com/unbracketed/prunejuice/internal/domain"
	"github.com/unbracketed/prunejuice/internal/gitx"
	"github.com/unbracketed/prunejuice/internal/repo"
	"github.com/unbracketed/prunejuice/internal/steps"
	"github.com/unbracketed/prunejuice/internal/tmux"
)

// Phase names for the execution state machine.
const (
	PhaseLoading    = "loading"
	PhaseValidating = "validating"
	PhasePreparing  = "preparing"
	PhaseRunning    = "running"
	PhaseCompleting = "completing"
	PhaseFailing    = "failing"
	PhaseCleaningUp = "cleaning-up"
	PhaseDone       = "done"
)

// WorktreeTool is the git capability the executor needs. gitx.Manager
// satisfies it.
type WorktreeTool interface {
	Available() bool
	IsRepository(ctx context.Context, path string) bool
	CurrentBranch(ctx context.Context, path string) (string, error)
	CreateWorktree(ctx context.Context, repoPath, root, branch, base string) gitx.WorktreeResult
}

// SessionTool is the terminal-session capability. tmux.Manager
// satisfies it.
type SessionTool interface {
	Available() bool
	CreateSession(ctx context.Context, task, dir string) tmux.SessionResult
	KillSession(ctx context.Context, name string) error
}

// Executor drives one command run through its phases.
type Executor struct {
	DB        *sql.DB
	Repo      repo.Repo
	Store     *commands.Store
	Artifacts artifacts.Store
	Runner    *steps.Runner
	Settings  config.Settings
	Project   domain.Project
	Worktrees WorktreeTool
	Sessions  SessionTool
	Log       *zap.Logger
	Now       func() time.Time
}

func New(db *sql.DB, project domain.Project, settings config.Settings, store *commands.Store, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Store:     store,
		Artifacts: artifacts.Store{Root: settings.ArtifactsDir},
		Settings:  settings,
		Project:   project,
		Worktrees: gitx.Manager{},
		Sessions:  tmux.Manager{Server: settings.TmuxServer},
		Log:       log,
		Now:       time.Now,
	}
	e.Runner = steps.NewRunner(project.Path, e.builtins(), log)
	return e
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Options parameterize one run.
type Options struct {
	Command string
	Args    map[string]string
	DryRun  bool
}

// StepReport is the recorded outcome of one step.
type StepReport struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Output   string        `json:"output,omitempty"`
	LogPath  string        `json:"log_path,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Cleanup  bool          `json:"cleanup,omitempty"`
}

// Report is the final result of a run. Success mirrors the process
// exit code; Error carries the first terminal failure.
type Report struct {
	Command       string       `json:"command"`
	SessionID     string       `json:"session_id,omitempty"`
	ArtifactsPath string       `json:"artifacts_path,omitempty"`
	InvocationID  string       `json:"invocation_id"`
	DryRun        bool         `json:"dry_run,omitempty"`
	Success       bool         `json:"success"`
	Error         string       `json:"error,omitempty"`
	Phases        []string     `json:"phases"`
	Steps         []StepReport `json:"steps,omitempty"`
	PlannedSteps  []string     `json:"planned_steps,omitempty"`
}

func (r *Report) enter(phase string) {
	r.Phases = append(r.Phases, phase)
}

func (r *Report) fail(format string, args ...any) Report {
	r.Success = false
	r.Error = fmt.Sprintf(format, args...)
	return *r
}

// Execute runs a command to completion. All outcomes, including load
// and validation failures, come back as a Report.
func (e *Executor) Execute(ctx context.Context, opts Options) Report {
	report := Report{
		Command:      opts.Command,
		DryRun:       opts.DryRun,
		InvocationID: uuid.NewString(),
	}

	report.enter(PhaseLoading)
	def, err := e.Store.Get(opts.Command)
	if err != nil {
		return report.fail("load command: %v", err)
	}

	report.enter(PhaseValidating)
	args, err := def.ResolveArgs(opts.Args)
	if err != nil {
		return report.fail("validate arguments: %v", err)
	}

	if opts.DryRun {
		return e.dryRun(def, report)
	}

	report.enter(PhasePreparing)
	sessionID := fmt.Sprintf("%s-%d", e.Project.Name, e.now().Unix())
	report.SessionID = sessionID
	sessionDir, err := e.Artifacts.CreateSession(sessionID, def.Name, e.Project.Path)
	if err != nil {
		return report.fail("prepare artifacts: %v", err)
	}
	report.ArtifactsPath = sessionDir

	workingDir := e.Project.Path
	if def.WorkingDirectory != "" {
		workingDir = def.WorkingDirectory
	}
	rc := &steps.RunContext{
		Command:     def.Name,
		SessionID:   sessionID,
		ProjectPath: e.Project.Path,
		WorkingDir:  workingDir,
		ArtifactDir: sessionDir,
		Args:        args,
		Env:         def.Environment,
		State:       steps.NewState(),
	}

	execID := e.recordStart(ctx, def, sessionID, sessionDir, args)
	rc.State.Set("execution_id", execID)

	report.enter(PhaseRunning)
	timeout := time.Duration(e.Settings.DefaultTimeout) * time.Second
	if def.Timeout > 0 {
		timeout = time.Duration(def.Timeout) * time.Second
	}

	failed := false
	sequence := def.StepSequence()
	for i, name := range sequence {
		sr := e.runStep(ctx, rc, i, name, timeout, false)
		report.Steps = append(report.Steps, sr)
		if !sr.OK {
			failed = true
			report.Error = fmt.Sprintf("step %q failed", name)
			break
		}
	}

	if failed {
		report.enter(PhaseFailing)
		e.recordEnd(ctx, execID, "failed", 1, report.Error)
		report.enter(PhaseCleaningUp)
		e.runCleanup(ctx, rc, def, &report)
	} else {
		report.enter(PhaseCompleting)
		e.recordEnd(ctx, execID, "completed", 0, "")
		report.Success = true
	}

	report.enter(PhaseDone)
	return report
}

// dryRun renders the resolved plan without touching the database,
// the filesystem, or any step.
func (e *Executor) dryRun(def *commands.Definition, report Report) Report {
	for _, name := range def.StepSequence() {
		how := e.Runner.Resolve(name)
		if how == "" {
			how = "unresolved"
		}
		report.PlannedSteps = append(report.PlannedSteps, fmt.Sprintf("%s (%s)", name, how))
	}
	for _, name := range def.CleanupOnFailure {
		how := e.Runner.Resolve(name)
		if how == "" {
			how = "unresolved"
		}
		report.PlannedSteps = append(report.PlannedSteps, fmt.Sprintf("%s (on failure, %s)", name, how))
	}
	report.Success = true
	report.enter(PhaseDone)
	return report
}

func (e *Executor) runStep(ctx context.Context, rc *steps.RunContext, index int, name string, timeout time.Duration, cleanup bool) StepReport {
	start := e.now()
	rc.State.Set("step."+name, "begun")
	res := e.Runner.Run(ctx, name, rc, timeout)
	if res.OK {
		rc.State.Set("step."+name, "completed")
	} else {
		rc.State.Set("step."+name, "failed")
	}
	sr := StepReport{
		Index:    index,
		Name:     name,
		OK:       res.OK,
		Output:   res.Output,
		Duration: e.now().Sub(start),
		Cleanup:  cleanup,
	}
	logName := artifacts.StepLogName(index, name)
	if path, size, err := e.Artifacts.Write(rc.SessionID, "logs", logName, []byte(res.Output)); err != nil {
		e.Log.Warn("write step log", zap.String("step", name), zap.Error(err))
	} else {
		sr.LogPath = path
		e.recordArtifact(ctx, rc, "log", path, size)
	}
	return sr
}

// runCleanup runs the command's cleanup steps with a short fixed
// timeout. Cleanup failures are logged and never change the outcome.
func (e *Executor) runCleanup(ctx context.Context, rc *steps.RunContext, def *commands.Definition, report *Report) {
	timeout := time.Duration(e.Settings.CleanupTimeout) * time.Second
	base := len(def.StepSequence())
	for i, name := range def.CleanupOnFailure {
		sr := e.runStep(ctx, rc, base+i, name, timeout, true)
		report.Steps = append(report.Steps, sr)
		if !sr.OK {
			e.Log.Warn("cleanup step failed", zap.String("step", name), zap.String("output", sr.Output))
		}
	}
}

// recordStart inserts the execution row. Bookkeeping is best effort:
// a failure is logged and the run continues with id 0.
func (e *Executor) recordStart(ctx context.Context, def *commands.Definition, sessionID, sessionDir string, args map[string]string) int64 {
	meta, err := json.Marshal(map[string]any{"args": args})
	if err != nil {
		meta = []byte("{}")
	}
	id, err := e.Repo.StartExecution(ctx, domain.Execution{
		Command:       def.Name,
		ProjectPath:   e.Project.Path,
		SessionID:     sessionID,
		ArtifactsPath: sessionDir,
		Metadata:      string(meta),
		Status:        "running",
		StartTime:     e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		e.Log.Warn("record execution start", zap.String("command", def.Name), zap.Error(err))
		return 0
	}
	return id
}

func (e *Executor) recordEnd(ctx context.Context, id int64, status string, exitCode int, errorMessage string) {
	if id == 0 {
		return
	}
	err := e.Repo.EndExecution(ctx, id, status, &exitCode, errorMessage, e.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		e.Log.Warn("record execution end", zap.Int64("id", id), zap.Error(err))
	}
}

func (e *Executor) recordArtifact(ctx context.Context, rc *steps.RunContext, kind, path string, size int64) {
	execID, ok := rc.State.Get("execution_id")
	eventID, _ := execID.(int64)
	if !ok || eventID == 0 {
		return
	}
	_, err := e.Repo.InsertArtifact(ctx, domain.Artifact{
		EventID:   eventID,
		Type:      kind,
		FilePath:  path,
		FileSize:  &size,
		CreatedAt: e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		e.Log.Warn("record artifact", zap.String("path", path), zap.Error(err))
	}
}
