package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	// Dir is the hidden per-project directory holding the database,
	// command definitions, step scripts and artifacts.
	Dir = ".prj"

	defaultDBName = "prunejuice.db"
)

type Config struct {
	ProjectPath string
}

func dbPath(projectPath string) string {
	if projectPath == "" {
		projectPath = "."
	}
	return filepath.Join(projectPath, Dir, defaultDBName)
}

// EnsureDir creates the .prj directory and its standard
// subdirectories if missing.
func EnsureDir(projectPath string) (string, error) {
	root := filepath.Join(projectPath, Dir)
	for _, sub := range []string{"", "commands", "steps", "configs", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return "", err
		}
	}
	return root, nil
}

// Open opens the project SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg.ProjectPath); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.ProjectPath))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the project.
func Path(projectPath string) string {
	return dbPath(projectPath)
}
