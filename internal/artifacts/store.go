package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Session subdirectories created for every run.
var sessionSubdirs = []string{"logs", "outputs", "prompts", "specs"}

// Store manages per-session artifact directories under the project
// artifacts root.
type Store struct {
	Root string
	Now  func() time.Time
}

func (s Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// SessionDir returns the directory for a session id without creating it.
func (s Store) SessionDir(sessionID string) string {
	return filepath.Join(s.Root, sessionID)
}

// CreateSession creates the session directory tree and writes a
// session.info metadata file. Returns the session directory.
func (s Store) CreateSession(sessionID, command, projectPath string) (string, error) {
	dir := s.SessionDir(sessionID)
	for _, sub := range sessionSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create session dir: %w", err)
		}
	}
	info := fmt.Sprintf("session_id: %s\ncommand: %s\nproject_path: %s\ncreated_at: %s\n",
		sessionID, command, projectPath, s.now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(dir, "session.info"), []byte(info), 0o644); err != nil {
		return "", fmt.Errorf("write session.info: %w", err)
	}
	return dir, nil
}

// Write stores content under a session subdirectory and returns the
// file path and size.
func (s Store) Write(sessionID, subdir, name string, content []byte) (string, int64, error) {
	dir := filepath.Join(s.SessionDir(sessionID), subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", 0, err
	}
	return path, int64(len(content)), nil
}

// StepLogName is the canonical log filename for a step at a given
// position in the run.
func StepLogName(index int, step string) string {
	return fmt.Sprintf("step-%d-%s.log", index, step)
}

// CleanupOld removes session directories whose modification time is
// older than the given number of days. Returns the removed directories.
func (s Store) CleanupOld(days int) ([]string, error) {
	if days < 0 {
		return nil, fmt.Errorf("days must be non-negative, got %d", days)
	}
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.Root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			return removed, err
		}
		removed = append(removed, dir)
	}
	return removed, nil
}
