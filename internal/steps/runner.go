package steps

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of one step. Steps never propagate panics or
// raw errors to the caller; everything terminal is folded into OK and
// Output.
type Result struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`
}

func Success(output string) Result {
	return Result{OK: true, Output: output}
}

func Failure(format string, args ...any) Result {
	return Result{OK: false, Output: fmt.Sprintf(format, args...)}
}

// State is the run-scoped scratch space shared by the steps of a
// single execution. It is created per run and discarded afterwards.
type State struct {
	mu     sync.Mutex
	values map[string]any
}

func NewState() *State {
	return &State{values: map[string]any{}}
}

func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *State) GetString(key string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// Snapshot returns a copy of the current values.
func (s *State) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// RunContext carries everything a step may need. A fresh context is
// built per run; nothing here outlives the execution.
type RunContext struct {
	Command     string
	SessionID   string
	ProjectPath string
	WorkingDir  string
	ArtifactDir string
	Args        map[string]string
	Env         map[string]string
	State       *State
}

// EnvVars renders the environment exported to step scripts: the
// process environment, the command's declared environment, and the
// primitive run context values as PRUNEJUICE_-prefixed variables.
func (rc *RunContext) EnvVars() []string {
	env := os.Environ()
	for k, v := range rc.Env {
		env = append(env, k+"="+v)
	}
	extras := map[string]string{
		"PRUNEJUICE_COMMAND":           rc.Command,
		"PRUNEJUICE_SESSION_ID":        rc.SessionID,
		"PRUNEJUICE_PROJECT_PATH":      rc.ProjectPath,
		"PRUNEJUICE_WORKING_DIRECTORY": rc.WorkingDir,
		"PRUNEJUICE_ARTIFACT_DIR":      rc.ArtifactDir,
	}
	for k, v := range rc.Args {
		extras["PRUNEJUICE_ARG_"+sanitizeEnvKey(k)] = v
	}
	if rc.State != nil {
		for k, v := range rc.State.Snapshot() {
			switch val := v.(type) {
			case string:
				extras["PRUNEJUICE_"+sanitizeEnvKey(k)] = val
			case bool:
				extras["PRUNEJUICE_"+sanitizeEnvKey(k)] = fmt.Sprintf("%t", val)
			case int:
				extras["PRUNEJUICE_"+sanitizeEnvKey(k)] = fmt.Sprintf("%d", val)
			case int64:
				extras["PRUNEJUICE_"+sanitizeEnvKey(k)] = fmt.Sprintf("%d", val)
			case float64:
				extras["PRUNEJUICE_"+sanitizeEnvKey(k)] = fmt.Sprintf("%g", val)
			}
		}
	}
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extras[k])
	}
	return env
}

func sanitizeEnvKey(k string) string {
	k = strings.ToUpper(k)
	var b strings.Builder
	for _, r := range k {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Func is a builtin step. Builtins run in-process under the same
// deadline as scripts.
type Func func(ctx context.Context, rc *RunContext) Result

// Runner resolves and runs steps: the builtin registry is consulted
// first by exact name, then .prj/steps/<name>.sh, then
// .prj/steps/<name>.py.
type Runner struct {
	Builtins    map[string]Func
	ProjectPath string
	Log         *zap.Logger
}

func NewRunner(projectPath string, builtins map[string]Func, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Builtins: builtins, ProjectPath: projectPath, Log: log}
}

// BuiltinNames lists registered builtins, sorted.
func (r *Runner) BuiltinNames() []string {
	names := make([]string, 0, len(r.Builtins))
	for n := range r.Builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) stepsDir() string {
	return filepath.Join(r.ProjectPath, ".prj", "steps")
}

// Resolve reports how a step name would be satisfied: "builtin", the
// script path, or empty when unknown.
func (r *Runner) Resolve(name string) string {
	if _, ok := r.Builtins[name]; ok {
		return "builtin"
	}
	for _, ext := range []string{".sh", ".py"} {
		path := filepath.Join(r.stepsDir(), name+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Run executes a single step under the given timeout.
func (r *Runner) Run(ctx context.Context, name string, rc *RunContext, timeout time.Duration) Result {
	if fn, ok := r.Builtins[name]; ok {
		return r.runBuiltin(ctx, name, fn, rc, timeout)
	}
	if path := r.Resolve(name); path != "" && path != "builtin" {
		return r.runScript(ctx, name, path, rc, timeout)
	}
	return Failure("step %q not found: not a builtin and no script in %s", name, r.stepsDir())
}

func (r *Runner) runBuiltin(ctx context.Context, name string, fn Func, rc *RunContext, timeout time.Duration) (res Result) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Failure("step %q panicked: %v", name, p)
			}
		}()
		done <- fn(runCtx, rc)
	}()

	select {
	case res = <-done:
		return res
	case <-runCtx.Done():
		r.Log.Warn("builtin step timed out", zap.String("step", name), zap.Duration("timeout", timeout))
		return Failure("step %q timed out after %s", name, timeout)
	}
}

func (r *Runner) runScript(ctx context.Context, name, path string, rc *RunContext, timeout time.Duration) Result {
	interpreter, err := interpreterFor(path)
	if err != nil {
		return Failure("step %q: %v", name, err)
	}

	cmd := exec.Command(interpreter, path)
	cmd.Dir = rc.WorkingDir
	cmd.Env = rc.EnvVars()
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	configureCommandProcess(cmd)

	if err := cmd.Start(); err != nil {
		return Failure("step %q: start %s: %v", name, path, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		if err != nil {
			return Failure("step %q failed: %v\n%s", name, err, buf.String())
		}
		return Success(buf.String())
	case <-ctx.Done():
		terminateCommandProcess(cmd)
		<-waitErr
		return Failure("step %q canceled: %v\n%s", name, ctx.Err(), buf.String())
	case <-timer.C:
		terminateCommandProcess(cmd)
		<-waitErr
		r.Log.Warn("script step timed out", zap.String("step", name), zap.String("path", path), zap.Duration("timeout", timeout))
		return Failure("step %q timed out after %s\n%s", name, timeout, buf.String())
	}
}

func interpreterFor(path string) (string, error) {
	switch filepath.Ext(path) {
	case ".sh":
		return "bash", nil
	case ".py":
		return "python3", nil
	}
	return "", fmt.Errorf("unsupported script type %s", filepath.Ext(path))
}
