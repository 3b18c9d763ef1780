package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/unbracketed/prunejuice/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,name,slug,path,worktree_path,git_origin,initial_commit,init_branch,created_at`

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(name,slug,path,worktree_path,git_origin,initial_commit,init_branch,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.Name, p.Slug, p.Path, nullable(p.WorktreePath), nullable(p.GitOrigin), nullable(p.InitialCommit), nullable(p.InitBranch), p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var worktree, origin, commit, branch sql.NullString
	err := scan(&p.ID, &p.Name, &p.Slug, &p.Path, &worktree, &origin, &commit, &branch, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if worktree.Valid {
		p.WorktreePath = worktree.String
	}
	if origin.Valid {
		p.GitOrigin = origin.String
	}
	if commit.Valid {
		p.InitialCommit = commit.String
	}
	if branch.Valid {
		p.InitBranch = branch.String
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id).Scan)
}

func (r Repo) GetProjectByPath(ctx context.Context, path string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE path=?`, path).Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const workspaceColumns = `id,project_id,name,slug,path,branch,base_branch,artifacts_path,created_at`

func (r Repo) InsertWorkspace(ctx context.Context, w domain.Workspace) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO workspaces(project_id,name,slug,path,branch,base_branch,artifacts_path,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		w.ProjectID, w.Name, w.Slug, w.Path, nullable(w.Branch), nullable(w.BaseBranch), nullable(w.ArtifactsPath), w.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanWorkspace(scan func(dest ...any) error) (domain.Workspace, error) {
	var w domain.Workspace
	var branch, base, artifacts sql.NullString
	err := scan(&w.ID, &w.ProjectID, &w.Name, &w.Slug, &w.Path, &branch, &base, &artifacts, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if branch.Valid {
		w.Branch = branch.String
	}
	if base.Valid {
		w.BaseBranch = base.String
	}
	if artifacts.Valid {
		w.ArtifactsPath = artifacts.String
	}
	return w, err
}

func (r Repo) GetWorkspace(ctx context.Context, id int64) (domain.Workspace, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=?`, id)
	return scanWorkspace(row.Scan)
}

func (r Repo) GetWorkspaceBySlug(ctx context.Context, projectID int64, slug string) (domain.Workspace, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE project_id=? AND slug=?`, projectID, slug)
	return scanWorkspace(row.Scan)
}

func (r Repo) ListWorkspaces(ctx context.Context, projectID int64) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWorkspace(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workspaces WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO event_log(project_id,workspace_id,action,status,details,timestamp) VALUES (?,?,?,?,?,?)`,
		e.ProjectID, nullableInt64Ptr(e.WorkspaceID), e.Action, e.Status, nullable(e.Details), e.Timestamp)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type EventFilters struct {
	ProjectID   int64
	WorkspaceID int64
	Action      string
	Limit       int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.WorkspaceID > 0 {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,project_id,workspace_id,action,status,details,timestamp FROM event_log ` + where + ` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ws sql.NullInt64
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &ws, &e.Action, &e.Status, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		if ws.Valid {
			e.WorkspaceID = &ws.Int64
		}
		if details.Valid {
			e.Details = details.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with an id greater than after,
// oldest first. Used by the webhook dispatcher cursor.
func (r Repo) EventsAfter(ctx context.Context, projectID, after int64, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,project_id,workspace_id,action,status,details,timestamp FROM event_log WHERE project_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		projectID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ws sql.NullInt64
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &ws, &e.Action, &e.Status, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		if ws.Valid {
			e.WorkspaceID = &ws.Int64
		}
		if details.Valid {
			e.Details = details.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id for a project, 0 when the
// log is empty.
func (r Repo) LatestEventID(ctx context.Context, projectID int64) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM event_log WHERE project_id=?`, projectID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// DeleteEventsBefore removes event_log rows older than the cutoff.
// Used by the retention sweep only.
func (r Repo) DeleteEventsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM event_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
