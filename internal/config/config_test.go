package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	projectPath := t.TempDir()
	s, err := Load(projectPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DefaultTimeout != 1800 {
		t.Fatalf("unexpected default_timeout: %d", s.DefaultTimeout)
	}
	if s.CleanupTimeout != 60 {
		t.Fatalf("unexpected cleanup_timeout: %d", s.CleanupTimeout)
	}
	if s.TmuxServer != "prunejuice" {
		t.Fatalf("unexpected tmux_server: %q", s.TmuxServer)
	}
	if s.DBPath != filepath.Join(projectPath, ".prj", "prunejuice.db") {
		t.Fatalf("unexpected db_path: %q", s.DBPath)
	}
	if s.WorktreeRoot != filepath.Join(projectPath, ".worktrees") {
		t.Fatalf("unexpected worktree_root: %q", s.WorktreeRoot)
	}
	if len(s.Webhooks) != 0 {
		t.Fatalf("no webhooks expected by default: %+v", s.Webhooks)
	}
}

func writeSettings(t *testing.T, projectPath, content string) {
	t.Helper()
	dir := filepath.Join(projectPath, ".prj", "configs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	projectPath := t.TempDir()
	writeSettings(t, projectPath, `
default_timeout: 600
tmux_server: custom
webhooks:
  - url: https://example.com/hook
    actions: [workspace-created]
`)
	s, err := Load(projectPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DefaultTimeout != 600 {
		t.Fatalf("file override lost: %d", s.DefaultTimeout)
	}
	if s.TmuxServer != "custom" {
		t.Fatalf("file override lost: %q", s.TmuxServer)
	}
	if s.CleanupTimeout != 60 {
		t.Fatalf("default should survive partial file: %d", s.CleanupTimeout)
	}
	if len(s.Webhooks) != 1 || s.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhooks not decoded: %+v", s.Webhooks)
	}
	if len(s.Webhooks[0].Actions) != 1 || s.Webhooks[0].Actions[0] != "workspace-created" {
		t.Fatalf("webhook actions not decoded: %+v", s.Webhooks[0])
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PRUNEJUICE_DEFAULT_TIMEOUT", "90")
	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DefaultTimeout != 90 {
		t.Fatalf("env override lost: %d", s.DefaultTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	projectPath := t.TempDir()
	writeSettings(t, projectPath, "default_timeout: -5\n")
	if _, err := Load(projectPath); err == nil || !strings.Contains(err.Error(), "default_timeout") {
		t.Fatalf("expected validation error, got %v", err)
	}

	writeSettings(t, projectPath, "max_parallel_steps: 0\n")
	if _, err := Load(projectPath); err == nil || !strings.Contains(err.Error(), "max_parallel_steps") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPath(t *testing.T) {
	if got := Path("/work/demo"); got != filepath.Join("/work/demo", ".prj", "configs", "settings.yaml") {
		t.Fatalf("unexpected path: %q", got)
	}
}
