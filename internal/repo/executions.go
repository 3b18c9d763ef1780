package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/unbracketed/prunejuice/internal/domain"
)

// StartExecution inserts a running execution row and returns its id.
func (r Repo) StartExecution(ctx context.Context, e domain.Execution) (int64, error) {
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
	if e.Status == "" {
		e.Status = "running"
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(command,project_path,worktree_name,session_id,artifacts_path,metadata,status,start_time) VALUES (?,?,?,?,?,?,?,?)`,
		e.Command, e.ProjectPath, nullable(e.WorktreeName), e.SessionID, e.ArtifactsPath, e.Metadata, e.Status, e.StartTime)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EndExecution records the terminal status of an execution.
func (r Repo) EndExecution(ctx context.Context, id int64, status string, exitCode *int, errorMessage, endTime string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE events SET status=?, exit_code=?, error_message=?, end_time=? WHERE id=?`,
		status, nullableIntPtr(exitCode), nullable(errorMessage), endTime, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanExecution(scan func(dest ...any) error) (domain.Execution, error) {
	var e domain.Execution
	var worktree, errMsg, endTime sql.NullString
	var exitCode sql.NullInt64
	err := scan(&e.ID, &e.Command, &e.ProjectPath, &worktree, &e.SessionID, &e.ArtifactsPath, &e.Metadata, &e.Status, &exitCode, &errMsg, &e.StartTime, &endTime)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if worktree.Valid {
		e.WorktreeName = worktree.String
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		e.ExitCode = &c
	}
	if errMsg.Valid {
		e.ErrorMessage = errMsg.String
	}
	if endTime.Valid {
		e.EndTime = endTime.String
	}
	return e, err
}

const executionColumns = `id,command,project_path,worktree_name,session_id,artifacts_path,metadata,status,exit_code,error_message,start_time,end_time`

func (r Repo) GetExecution(ctx context.Context, id int64) (domain.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM events WHERE id=?`, id)
	return scanExecution(row.Scan)
}

type ExecutionFilters struct {
	ProjectPath string
	Status      string
	Command     string
	Limit       int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectPath != "" {
		clauses = append(clauses, "project_path=?")
		args = append(args, f.ProjectPath)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Command != "" {
		clauses = append(clauses, "command=?")
		args = append(args, f.Command)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + executionColumns + ` FROM events ` + where + ` ORDER BY start_time DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ActiveExecutions lists executions still marked running.
func (r Repo) ActiveExecutions(ctx context.Context, projectPath string) ([]domain.Execution, error) {
	return r.ListExecutions(ctx, ExecutionFilters{ProjectPath: projectPath, Status: "running"})
}

// DeleteExecutionsBefore removes finished executions that started before
// the cutoff. Running executions are never swept.
func (r Repo) DeleteExecutionsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM events WHERE start_time < ? AND status != 'running'`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertArtifact(ctx context.Context, a domain.Artifact) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO artifacts(event_id,artifact_type,file_path,file_size,created_at) VALUES (?,?,?,?,?)`,
		a.EventID, a.Type, a.FilePath, nullableInt64Ptr(a.FileSize), a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListArtifacts(ctx context.Context, eventID int64) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,event_id,artifact_type,file_path,file_size,created_at FROM artifacts WHERE event_id=? ORDER BY id ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var size sql.NullInt64
		if err := rows.Scan(&a.ID, &a.EventID, &a.Type, &a.FilePath, &size, &a.CreatedAt); err != nil {
			return nil, err
		}
		if size.Valid {
			a.FileSize = &size.Int64
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertCommandDefinition refreshes the stored copy of a discovered
// YAML command by name.
func (r Repo) UpsertCommandDefinition(ctx context.Context, c domain.StoredCommand) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO command_definitions(name,description,yaml_path,yaml_hash,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET description=excluded.description, yaml_path=excluded.yaml_path, yaml_hash=excluded.yaml_hash, updated_at=excluded.updated_at`,
		c.Name, nullable(c.Description), c.YAMLPath, c.YAMLHash, c.UpdatedAt)
	return err
}

func (r Repo) ListCommandDefinitions(ctx context.Context) ([]domain.StoredCommand, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,yaml_path,yaml_hash,updated_at FROM command_definitions ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StoredCommand
	for rows.Next() {
		var c domain.StoredCommand
		var desc sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &desc, &c.YAMLPath, &c.YAMLHash, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			c.Description = desc.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
