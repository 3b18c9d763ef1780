package tmux

import (
	"context"
	"strings"
	"testing"
)

func TestMissingBinaryFallsBack(t *testing.T) {
	m := Manager{Bin: "definitely-not-tmux"}
	if m.Available() {
		t.Fatal("missing binary reported available")
	}
	res := m.CreateSession(context.Background(), "fix-login", t.TempDir())
	if res.Status != "skipped" {
		t.Fatalf("expected skipped, got %+v", res)
	}
	if res.Name != "prunejuice-fix-login" {
		t.Fatalf("fallback name must be deterministic, got %q", res.Name)
	}
}

func TestAttachCommand(t *testing.T) {
	m := Manager{}
	got := m.AttachCommand("prunejuice-demo")
	if got != "tmux -L prunejuice attach -t prunejuice-demo" {
		t.Fatalf("unexpected attach command: %q", got)
	}
	m.Server = "custom"
	if !strings.Contains(m.AttachCommand("x"), "-L custom") {
		t.Fatal("custom server not used")
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := Manager{Server: "prunejuice-test"}
	if !m.Available() {
		t.Skip("tmux not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()

	res := m.CreateSession(ctx, "lifecycle", dir)
	if res.Status != "success" {
		t.Fatalf("create session: %+v", res)
	}
	t.Cleanup(func() { m.KillSession(ctx, res.Name) })

	if !m.HasSession(ctx, res.Name) {
		t.Fatal("session not found after create")
	}
	sessions, err := m.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	var found bool
	for _, s := range sessions {
		if s.Name == res.Name {
			found = true
			if s.Windows < 1 {
				t.Fatalf("unexpected window count: %+v", s)
			}
		}
	}
	if !found {
		t.Fatalf("session missing from list: %+v", sessions)
	}

	// Creating again reuses the existing session.
	res = m.CreateSession(ctx, "lifecycle", dir)
	if res.Status != "success" || !strings.Contains(res.Message, "already exists") {
		t.Fatalf("expected reuse, got %+v", res)
	}

	if err := m.KillSession(ctx, res.Name); err != nil {
		t.Fatalf("kill session: %v", err)
	}
	if m.HasSession(ctx, res.Name) {
		t.Fatal("session survived kill")
	}
}

func TestListSessionsNoServer(t *testing.T) {
	m := Manager{Server: "prunejuice-empty-test"}
	if !m.Available() {
		t.Skip("tmux not installed")
	}
	sessions, err := m.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("expected empty list when server is down, got error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %+v", sessions)
	}
}
