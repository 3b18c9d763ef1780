package workspace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/unbracketed/prunejuice/internal/commands"
	"github.com/unbracketed/prunejuice/internal/config"
	"github.com/unbracketed/prunejuice/internal/db"
	"github.com/unbracketed/prunejuice/internal/domain"
	"github.com/unbracketed/prunejuice/internal/events"
	"github.com/unbracketed/prunejuice/internal/gitx"
	"github.com/unbracketed/prunejuice/internal/migrate"
	"github.com/unbracketed/prunejuice/internal/repo"
)

// Service creates projects and workspaces.
type Service struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Service
	Git      gitx.Manager
	Settings config.Settings
	Log      *zap.Logger
	Now      func() time.Time
}

func New(conn *sql.DB, settings config.Settings, log *zap.Logger) Service {
	if log == nil {
		log = zap.NewNop()
	}
	return Service{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Service{DB: conn},
		Git:      gitx.Manager{},
		Settings: settings,
		Log:      log,
		Now:      time.Now,
	}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Init registers a project: scaffolds .prj, copies the command
// templates, migrates the database, snapshots git state when the
// directory is a repository, and auto-creates the "main" workspace.
// Without git the project row is created alone.
func (s Service) Init(ctx context.Context, projectPath, name string) (domain.Project, error) {
	if name == "" {
		name = filepath.Base(projectPath)
	}

	if _, err := db.EnsureDir(projectPath); err != nil {
		return domain.Project{}, fmt.Errorf("scaffold %s: %w", db.Dir, err)
	}
	if err := copyTemplates(projectPath); err != nil {
		s.Log.Warn("copy command templates", zap.Error(err))
	}
	if err := migrate.Migrate(s.DB); err != nil {
		return domain.Project{}, fmt.Errorf("migrate: %w", err)
	}

	if existing, err := s.Repo.GetProjectByPath(ctx, projectPath); err == nil {
		return existing, fmt.Errorf("project already initialized at %s", existing.Path)
	}

	p := domain.Project{
		Name:         name,
		Slug:         slug.Make(name),
		Path:         projectPath,
		WorktreePath: s.Settings.WorktreeRoot,
		CreatedAt:    s.now().UTC().Format(time.RFC3339Nano),
	}

	inRepo := s.Git.Available() && s.Git.IsRepository(ctx, projectPath)
	var branch string
	if inRepo {
		p.GitOrigin = s.Git.OriginURL(ctx, projectPath)
		if sha, err := s.Git.HeadCommit(ctx, projectPath); err == nil {
			p.InitialCommit = sha
		}
		if b, err := s.Git.CurrentBranch(ctx, projectPath); err == nil {
			branch = b
			p.InitBranch = b
		}
	}

	id, err := s.Repo.InsertProject(ctx, p)
	if err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	p.ID = id

	if inRepo {
		wsID, err := s.Repo.InsertWorkspace(ctx, domain.Workspace{
			ProjectID:     p.ID,
			Name:          "main",
			Slug:          "main",
			Path:          projectPath,
			Branch:        branch,
			ArtifactsPath: filepath.Join(projectPath, db.Dir, "artifacts", "main"),
			CreatedAt:     s.now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return p, fmt.Errorf("create main workspace: %w", err)
		}
		if _, err := s.Events.Add(ctx, p.ID, &wsID, "workspace-created", "success", "auto-created main workspace"); err != nil {
			s.Log.Warn("record workspace event", zap.Error(err))
		}
	}

	return p, nil
}

// Create adds a workspace backed by a git worktree. The database row
// and event are written only after the worktree exists; a worktree
// failure leaves the database untouched.
func (s Service) Create(ctx context.Context, project domain.Project, name, branchName, baseBranch string) (domain.Workspace, error) {
	if name == "" {
		return domain.Workspace{}, fmt.Errorf("workspace name is required")
	}
	wsSlug := slug.Make(name)
	if branchName == "" {
		branchName = wsSlug
	}

	if _, err := s.Repo.GetWorkspaceBySlug(ctx, project.ID, wsSlug); err == nil {
		return domain.Workspace{}, fmt.Errorf("workspace %q already exists", wsSlug)
	}

	worktreeRoot := project.WorktreePath
	if worktreeRoot == "" {
		worktreeRoot = s.Settings.WorktreeRoot
	}
	res := s.Git.CreateWorktree(ctx, project.Path, worktreeRoot, branchName, baseBranch)
	if res.Status != gitx.StatusSuccess {
		// No workspace row, no event: a failed worktree leaves the
		// database untouched.
		s.Log.Error("create worktree", zap.String("slug", wsSlug), zap.String("message", res.Message))
		return domain.Workspace{}, fmt.Errorf("create worktree: %s", res.Message)
	}

	w := domain.Workspace{
		ProjectID:     project.ID,
		Name:          name,
		Slug:          wsSlug,
		Path:          res.Path,
		Branch:        branchName,
		BaseBranch:    baseBranch,
		ArtifactsPath: filepath.Join(project.Path, db.Dir, "artifacts", wsSlug),
		CreatedAt:     s.now().UTC().Format(time.RFC3339Nano),
	}
	id, err := s.Repo.InsertWorkspace(ctx, w)
	if err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	w.ID = id
	if _, err := s.Events.Add(ctx, project.ID, &id, "workspace-created", "success", res.Message); err != nil {
		s.Log.Warn("record workspace event", zap.Error(err))
	}
	return w, nil
}

func copyTemplates(projectPath string) error {
	files, err := commands.TemplateFiles()
	if err != nil {
		return err
	}
	dir := filepath.Join(projectPath, db.Dir, "commands")
	for name, data := range files {
		dest := filepath.Join(dir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
