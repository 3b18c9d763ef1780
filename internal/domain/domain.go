package domain

// Project is a directory registered with prunejuice. Path is unique.
type Project struct {
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

// Workspace is an isolated working area for a project, usually backed
// by a git worktree. The auto-created "main" workspace points at the
// project path itself.
type Workspace struct {
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

// Event is a lifecycle audit record in event_log.
type Event struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	WorkspaceID *int64 `json:"workspace_id,omitempty"`
	Action      string `json:"action"`
	Status      string `json:"status" enum:"success,failed,pending"`
	Details     string `json:"details,omitempty"`
	Timestamp   string `json:"timestamp" format:"date-time"`
}

// Execution records one command run in the events table.
type Execution struct {
	ID            int64  `json:"id"`
	Command       string `json:"command"`
	ProjectPath   string `json:"project_path"`
	WorktreeName  string `json:"worktree_name,omitempty"`
	SessionID     string `json:"session_id"`
	ArtifactsPath string `json:"artifacts_path"`
	Metadata      string `json:"metadata"`
	Status        string `json:"status" enum:"running,completed,failed"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	StartTime     string `json:"start_time" format:"date-time"`
	EndTime       string `json:"end_time,omitempty" format:"date-time"`
}

// Artifact is a file produced by an execution.
type Artifact struct {
	ID        int64  `json:"id"`
	EventID   int64  `json:"event_id"`
	Type      string `json:"artifact_type"`
	FilePath  string `json:"file_path"`
	FileSize  *int64 `json:"file_size,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StoredCommand mirrors a discovered YAML command definition.
type StoredCommand struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	YAMLPath    string `json:"yaml_path"`
	YAMLHash    string `json:"yaml_hash"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}
