package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/unbracketed/prunejuice/internal/config"
	"github.com/unbracketed/prunejuice/internal/db"
	"github.com/unbracketed/prunejuice/internal/domain"
	"github.com/unbracketed/prunejuice/internal/migrate"
	"github.com/unbracketed/prunejuice/internal/repo"
)

// Env bundles what a CLI command needs for one invocation: an open
// database, the resolved project row and the settings. Close the
// database when done.
type Env struct {
	DB       *sql.DB
	Repo     repo.Repo
	Project  domain.Project
	Settings config.Settings
}

func (e Env) Close() error {
	if e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// ResolveProject opens the database for the project at path and loads
// its row. The project must have been initialized with `prj init`.
func ResolveProject(ctx context.Context, path string) (Env, error) {
	abs, err := absPath(path)
	if err != nil {
		return Env{}, err
	}
	settings, err := config.Load(abs)
	if err != nil {
		return Env{}, err
	}
	conn, err := db.Open(db.Config{ProjectPath: abs})
	if err != nil {
		return Env{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return Env{}, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	p, err := r.GetProjectByPath(ctx, abs)
	if err != nil {
		conn.Close()
		if errors.Is(err, repo.ErrNotFound) {
			return Env{}, fmt.Errorf("no project at %s; run `prj init` first", abs)
		}
		return Env{}, err
	}
	return Env{DB: conn, Repo: r, Project: p, Settings: settings}, nil
}

// OpenUninitialized opens the database without requiring a project
// row, for `prj init` itself.
func OpenUninitialized(path string) (*sql.DB, string, config.Settings, error) {
	abs, err := absPath(path)
	if err != nil {
		return nil, "", config.Settings{}, err
	}
	settings, err := config.Load(abs)
	if err != nil {
		return nil, "", config.Settings{}, err
	}
	conn, err := db.Open(db.Config{ProjectPath: abs})
	if err != nil {
		return nil, "", config.Settings{}, err
	}
	return conn, abs, settings, nil
}

func absPath(path string) (string, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = wd
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
