package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultServer is the dedicated tmux socket name so prunejuice
// sessions never collide with the user's own server.
const DefaultServer = "prunejuice"

// Session describes one tmux session on the prunejuice server.
type Session struct {
	Name     string `json:"name"`
	Windows  int    `json:"windows"`
	Created  string `json:"created"`
	Attached bool   `json:"attached"`
}

// SessionResult is the structured outcome of starting a session.
// When tmux is unavailable the session is not started but a
// deterministic name is still returned so callers can proceed.
type SessionResult struct {
	Status  string `json:"status"`
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// Manager shells out to tmux on a named server socket.
type Manager struct {
	Server string
	Bin    string
}

func (m Manager) server() string {
	if m.Server != "" {
		return m.Server
	}
	return DefaultServer
}

func (m Manager) bin() string {
	if m.Bin != "" {
		return m.Bin
	}
	return "tmux"
}

// Available reports whether tmux is on PATH and answers -V.
func (m Manager) Available() bool {
	path, err := exec.LookPath(m.bin())
	if err != nil {
		return false
	}
	return exec.Command(path, "-V").Run() == nil
}

const listFormat = "#{session_name}|#{session_windows}|#{session_created}|#{session_attached}"

// ListSessions lists sessions on the prunejuice server. A server that
// has never been started yields an empty list, not an error.
func (m Manager) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := m.run(ctx, "list-sessions", "-F", listFormat)
	if err != nil {
		// tmux exits non-zero when the server is not running.
		if strings.Contains(out, "no server running") || strings.Contains(out, "error connecting") {
			return nil, nil
		}
		return nil, err
	}
	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) != 4 {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		sessions = append(sessions, Session{
			Name:     parts[0],
			Windows:  windows,
			Created:  parts[2],
			Attached: parts[3] != "0",
		})
	}
	return sessions, nil
}

// HasSession reports whether a session with the given name exists.
func (m Manager) HasSession(ctx context.Context, name string) bool {
	_, err := m.run(ctx, "has-session", "-t", name)
	return err == nil
}

// NewDetached starts a detached session in the given directory.
func (m Manager) NewDetached(ctx context.Context, name, dir string) error {
	_, err := m.run(ctx, "new-session", "-d", "-s", name, "-c", dir)
	if err != nil {
		return fmt.Errorf("new tmux session %s: %w", name, err)
	}
	return nil
}

// KillSession terminates a session by name.
func (m Manager) KillSession(ctx context.Context, name string) error {
	_, err := m.run(ctx, "kill-session", "-t", name)
	return err
}

// AttachCommand renders the shell command a user runs to attach.
func (m Manager) AttachCommand(name string) string {
	return fmt.Sprintf("tmux -L %s attach -t %s", m.server(), name)
}

// CreateSession starts a detached session named after the task. When
// tmux is missing it falls back to a deterministic name so downstream
// steps still have a stable identifier.
func (m Manager) CreateSession(ctx context.Context, task, dir string) SessionResult {
	name := "prunejuice-" + task
	if !m.Available() {
		return SessionResult{
			Status:  "skipped",
			Name:    name,
			Message: "tmux is not available; using deterministic session name",
		}
	}
	if m.HasSession(ctx, name) {
		return SessionResult{Status: "success", Name: name, Message: "session already exists"}
	}
	if err := m.NewDetached(ctx, name, dir); err != nil {
		return SessionResult{Status: "error", Name: name, Message: err.Error()}
	}
	return SessionResult{Status: "success", Name: name, Message: m.AttachCommand(name)}
}

func (m Manager) run(ctx context.Context, args ...string) (string, error) {
	all := append([]string{"-L", m.server()}, args...)
	cmd := exec.CommandContext(ctx, m.bin(), all...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
