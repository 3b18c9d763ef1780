package server

import (
	"encoding/json"

	"github.com/unbracketed/prunejuice/internal/commands"
	"github.com/unbracketed/prunejuice/internal/domain"
)

// Response payloads

type ProjectResponse struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	Path          string `json:"path"`
	WorktreePath  string `json:"worktree_path,omitempty"`
	GitOrigin     string `json:"git_origin,omitempty"`
	InitialCommit string `json:"initial_commit,omitempty"`
	InitBranch    string `json:"init_branch,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type WorkspaceResponse struct {
	ID            int64  `json:"id"`
	ProjectID     int64  `json:"project_id"`
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	Path          string `json:"path"`
	Branch        string `json:"branch,omitempty"`
	BaseBranch    string `json:"base_branch,omitempty"`
	ArtifactsPath string `json:"artifacts_path,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	ProjectID   int64          `json:"project_id"`
	WorkspaceID *int64         `json:"workspace_id,omitempty"`
	Action      string         `json:"action"`
	Status      string         `json:"status" enum:"success,failed,pending"`
	Details     map[string]any `json:"details,omitempty"`
	DetailsRaw  string         `json:"details_raw,omitempty"`
	Timestamp   string         `json:"timestamp" format:"date-time"`
}

type ExecutionResponse struct {
	ID            int64          `json:"id"`
	Command       string         `json:"command"`
	ProjectPath   string         `json:"project_path"`
	WorktreeName  string         `json:"worktree_name,omitempty"`
	SessionID     string         `json:"session_id"`
	ArtifactsPath string         `json:"artifacts_path"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        string         `json:"status" enum:"running,completed,failed"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	StartTime     string         `json:"start_time" format:"date-time"`
	EndTime       string         `json:"end_time,omitempty" format:"date-time"`
}

type ArtifactResponse struct {
	ID        int64  `json:"id"`
	Type      string `json:"artifact_type"`
	FilePath  string `json:"file_path"`
	FileSize  *int64 `json:"file_size,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CommandArgumentResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     string `json:"default,omitempty"`
}

type CommandResponse struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Category    string                    `json:"category,omitempty"`
	Arguments   []CommandArgumentResponse `json:"arguments,omitempty"`
	PreSteps    []string                  `json:"pre_steps,omitempty"`
	Steps       []string                  `json:"steps"`
	PostSteps   []string                  `json:"post_steps,omitempty"`
	Source      string                    `json:"source,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func workspaceResponse(w domain.Workspace) WorkspaceResponse {
	return WorkspaceResponse(w)
}

func eventResponse(e domain.Event) EventResponse {
	res := EventResponse{
		ID:          e.ID,
		ProjectID:   e.ProjectID,
		WorkspaceID: e.WorkspaceID,
		Action:      e.Action,
		Status:      e.Status,
		Timestamp:   e.Timestamp,
	}
	if details := decodeJSONMap(e.Details); details != nil {
		res.Details = details
	} else {
		res.DetailsRaw = e.Details
	}
	return res
}

func executionResponse(e domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:            e.ID,
		Command:       e.Command,
		ProjectPath:   e.ProjectPath,
		WorktreeName:  e.WorktreeName,
		SessionID:     e.SessionID,
		ArtifactsPath: e.ArtifactsPath,
		Metadata:      decodeJSONMap(e.Metadata),
		Status:        e.Status,
		ExitCode:      e.ExitCode,
		ErrorMessage:  e.ErrorMessage,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
	}
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse{
		ID:        a.ID,
		Type:      a.Type,
		FilePath:  a.FilePath,
		FileSize:  a.FileSize,
		CreatedAt: a.CreatedAt,
	}
}

func commandResponse(d *commands.Definition) CommandResponse {
	args := make([]CommandArgumentResponse, 0, len(d.Arguments))
	for _, a := range d.Arguments {
		args = append(args, CommandArgumentResponse(a))
	}
	return CommandResponse{
		Name:        d.Name,
		Description: d.Description,
		Category:    d.Category,
		Arguments:   args,
		PreSteps:    d.PreSteps,
		Steps:       d.Steps,
		PostSteps:   d.PostSteps,
		Source:      d.Source,
	}
}

func mapWorkspaces(in []domain.Workspace) []WorkspaceResponse {
	out := make([]WorkspaceResponse, 0, len(in))
	for _, w := range in {
		out = append(out, workspaceResponse(w))
	}
	return out
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

func mapExecutions(in []domain.Execution) []ExecutionResponse {
	out := make([]ExecutionResponse, 0, len(in))
	for _, e := range in {
		out = append(out, executionResponse(e))
	}
	return out
}

func mapArtifacts(in []domain.Artifact) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(in))
	for _, a := range in {
		out = append(out, artifactResponse(a))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
