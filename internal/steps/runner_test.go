package steps

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
}

func writeScript(t *testing.T, projectPath, name, body string) {
	t.Helper()
	dir := filepath.Join(projectPath, ".prj", "steps")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func testRunContext(projectPath string) *RunContext {
	return &RunContext{
		Command:     "demo",
		SessionID:   "demo-1",
		ProjectPath: projectPath,
		WorkingDir:  projectPath,
		ArtifactDir: projectPath,
		Args:        map[string]string{"task": "login"},
		State:       NewState(),
	}
}

func TestResolveOrder(t *testing.T) {
	projectPath := t.TempDir()
	writeScript(t, projectPath, "greet.sh", "#!/bin/bash\necho hi\n")
	builtins := map[string]Func{
		"greet": func(ctx context.Context, rc *RunContext) Result { return Success("builtin") },
	}
	r := NewRunner(projectPath, builtins, nil)

	if got := r.Resolve("greet"); got != "builtin" {
		t.Fatalf("builtin should win over script, got %q", got)
	}
	delete(builtins, "greet")
	if got := r.Resolve("greet"); !strings.HasSuffix(got, "greet.sh") {
		t.Fatalf("expected script path, got %q", got)
	}
	if got := r.Resolve("nothing"); got != "" {
		t.Fatalf("unknown step should resolve empty, got %q", got)
	}
}

func TestShellExtensionWinsOverPython(t *testing.T) {
	projectPath := t.TempDir()
	writeScript(t, projectPath, "build.py", "print('py')\n")
	writeScript(t, projectPath, "build.sh", "#!/bin/bash\necho sh\n")
	r := NewRunner(projectPath, nil, nil)
	if got := r.Resolve("build"); !strings.HasSuffix(got, "build.sh") {
		t.Fatalf("expected .sh preferred, got %q", got)
	}
}

func TestRunScriptEnv(t *testing.T) {
	requireBash(t)
	projectPath := t.TempDir()
	writeScript(t, projectPath, "env.sh",
		"#!/bin/bash\necho cmd=$PRUNEJUICE_COMMAND task=$PRUNEJUICE_ARG_TASK branch=$PRUNEJUICE_BRANCH_NAME\n")
	r := NewRunner(projectPath, nil, nil)
	rc := testRunContext(projectPath)
	rc.State.Set("branch_name", "feature/login")

	res := r.Run(context.Background(), "env", rc, 10*time.Second)
	if !res.OK {
		t.Fatalf("script failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "cmd=demo") {
		t.Fatalf("missing command env: %s", res.Output)
	}
	if !strings.Contains(res.Output, "task=login") {
		t.Fatalf("missing arg env: %s", res.Output)
	}
	if !strings.Contains(res.Output, "branch=feature/login") {
		t.Fatalf("missing state env: %s", res.Output)
	}
}

func TestRunScriptMergesStderr(t *testing.T) {
	requireBash(t)
	projectPath := t.TempDir()
	writeScript(t, projectPath, "noisy.sh", "#!/bin/bash\necho out\necho err >&2\n")
	r := NewRunner(projectPath, nil, nil)

	res := r.Run(context.Background(), "noisy", testRunContext(projectPath), 10*time.Second)
	if !res.OK {
		t.Fatalf("script failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("stdout and stderr should be merged: %q", res.Output)
	}
}

func TestRunScriptFailure(t *testing.T) {
	requireBash(t)
	projectPath := t.TempDir()
	writeScript(t, projectPath, "boom.sh", "#!/bin/bash\necho before\nexit 3\n")
	r := NewRunner(projectPath, nil, nil)

	res := r.Run(context.Background(), "boom", testRunContext(projectPath), 10*time.Second)
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Output, "before") {
		t.Fatalf("output before exit should be captured: %q", res.Output)
	}
}

func TestRunScriptTimeoutKillsChildren(t *testing.T) {
	requireBash(t)
	projectPath := t.TempDir()
	writeScript(t, projectPath, "slow.sh", "#!/bin/bash\nsleep 30 &\nwait\n")
	r := NewRunner(projectPath, nil, nil)

	start := time.Now()
	res := r.Run(context.Background(), "slow", testRunContext(projectPath), 500*time.Millisecond)
	elapsed := time.Since(start)
	if res.OK {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Output, "timed out") {
		t.Fatalf("expected timeout message: %q", res.Output)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("kill took too long: %s", elapsed)
	}
}

func TestBuiltinPanicBecomesFailure(t *testing.T) {
	builtins := map[string]Func{
		"explode": func(ctx context.Context, rc *RunContext) Result { panic("kaboom") },
	}
	r := NewRunner(t.TempDir(), builtins, nil)
	res := r.Run(context.Background(), "explode", testRunContext("."), time.Second)
	if res.OK {
		t.Fatal("panic should fail the step")
	}
	if !strings.Contains(res.Output, "kaboom") {
		t.Fatalf("panic value should appear in output: %q", res.Output)
	}
}

func TestBuiltinTimeout(t *testing.T) {
	builtins := map[string]Func{
		"stall": func(ctx context.Context, rc *RunContext) Result {
			<-ctx.Done()
			return Failure("canceled")
		},
	}
	r := NewRunner(t.TempDir(), builtins, nil)
	res := r.Run(context.Background(), "stall", testRunContext("."), 100*time.Millisecond)
	if res.OK {
		t.Fatal("expected timeout")
	}
}

func TestUnknownStep(t *testing.T) {
	r := NewRunner(t.TempDir(), nil, nil)
	res := r.Run(context.Background(), "ghost", testRunContext("."), time.Second)
	if res.OK {
		t.Fatal("unknown step must fail, not panic")
	}
	if !strings.Contains(res.Output, "not found") {
		t.Fatalf("unexpected output: %q", res.Output)
	}
}

func TestEnvVarsSanitizesKeys(t *testing.T) {
	rc := testRunContext(".")
	rc.Args = map[string]string{"issue-number": "42"}
	var found bool
	for _, kv := range rc.EnvVars() {
		if kv == "PRUNEJUICE_ARG_ISSUE_NUMBER=42" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected PRUNEJUICE_ARG_ISSUE_NUMBER=42 in env")
	}
}

func TestStateSnapshotIsCopy(t *testing.T) {
	st := NewState()
	st.Set("key", "value")
	snap := st.Snapshot()
	snap["key"] = "mutated"
	if st.GetString("key") != "value" {
		t.Fatal("snapshot mutation must not leak into state")
	}
}
