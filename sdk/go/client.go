package prunejuicesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal PruneJuice HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project is the registered project.
type Project struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	Path          string `json:"path"`
	WorktreePath  string `json:"worktree_path,omitempty"`
	GitOrigin     string `json:"git_origin,omitempty"`
	InitialCommit string `json:"initial_commit,omitempty"`
	InitBranch    string `json:"init_branch,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Workspace is an isolated working area, usually a git worktree.
type Workspace struct {
	ID            int64  `json:"id"`
	ProjectID     int64  `json:"project_id"`
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	Path          string `json:"path"`
	Branch        string `json:"branch,omitempty"`
	BaseBranch    string `json:"base_branch,omitempty"`
	ArtifactsPath string `json:"artifacts_path,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Event is a lifecycle audit entry.
type Event struct {
	ID          int64          `json:"id"`
	ProjectID   int64          `json:"project_id"`
	WorkspaceID *int64         `json:"workspace_id,omitempty"`
	Action      string         `json:"action"`
	Status      string         `json:"status"`
	Details     map[string]any `json:"details,omitempty"`
	DetailsRaw  string         `json:"details_raw,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

// Execution is one command run.
type Execution struct {
	ID            int64          `json:"id"`
	Command       string         `json:"command"`
	ProjectPath   string         `json:"project_path"`
	WorktreeName  string         `json:"worktree_name,omitempty"`
	SessionID     string         `json:"session_id"`
	ArtifactsPath string         `json:"artifacts_path"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Status        string         `json:"status"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	StartTime     string         `json:"start_time"`
	EndTime       string         `json:"end_time,omitempty"`
}

// Artifact is a file produced by an execution.
type Artifact struct {
	ID        int64  `json:"id"`
	Type      string `json:"artifact_type"`
	FilePath  string `json:"file_path"`
	FileSize  *int64 `json:"file_size,omitempty"`
	CreatedAt string `json:"created_at"`
}

// CommandArgument describes one argument of a command definition.
type CommandArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     string `json:"default,omitempty"`
}

// Command is a runnable YAML command definition.
type Command struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category,omitempty"`
	Arguments   []CommandArgument `json:"arguments,omitempty"`
	PreSteps    []string          `json:"pre_steps,omitempty"`
	Steps       []string          `json:"steps"`
	PostSteps   []string          `json:"post_steps,omitempty"`
	Source      string            `json:"source,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the server. It needs no authentication.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil)
}

// Project returns the project the server is bound to.
func (c *Client) Project(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/project", &resp)
	return resp, err
}

// Status returns a summary of project state.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, "v0/status", &resp)
	return resp, err
}

// Workspaces lists workspaces.
func (c *Client) Workspaces(ctx context.Context) ([]Workspace, error) {
	var resp []Workspace
	err := c.do(ctx, http.MethodGet, "v0/workspaces", &resp)
	return resp, err
}

// Workspace fetches one workspace by slug.
func (c *Client) Workspace(ctx context.Context, slug string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodGet, "v0/workspaces/"+url.PathEscape(slug), &resp)
	return resp, err
}

// EventFilters narrows an event listing. Zero values are ignored.
type EventFilters struct {
	Workspace string
	Action    string
	Limit     int
}

// Events lists lifecycle events, newest first.
func (c *Client) Events(ctx context.Context, f EventFilters) ([]Event, error) {
	q := url.Values{}
	if f.Workspace != "" {
		q.Set("workspace", f.Workspace)
	}
	if f.Action != "" {
		q.Set("action", f.Action)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// ExecutionFilters narrows an execution listing. Zero values are ignored.
type ExecutionFilters struct {
	Command string
	Status  string
	Limit   int
}

// Executions lists command runs, newest first.
func (c *Client) Executions(ctx context.Context, f ExecutionFilters) ([]Execution, error) {
	q := url.Values{}
	if f.Command != "" {
		q.Set("command", f.Command)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	endpoint := "v0/executions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Execution
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

// Execution fetches one execution by id.
func (c *Client) Execution(ctx context.Context, id int64) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/executions/%d", id), &resp)
	return resp, err
}

// ExecutionArtifacts lists the artifacts recorded for an execution.
func (c *Client) ExecutionArtifacts(ctx context.Context, id int64) ([]Artifact, error) {
	var resp []Artifact
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/executions/%d/artifacts", id), &resp)
	return resp, err
}

// Commands lists available command definitions.
func (c *Client) Commands(ctx context.Context) ([]Command, error) {
	var resp []Command
	err := c.do(ctx, http.MethodGet, "v0/commands", &resp)
	return resp, err
}

// Command fetches one command definition by name.
func (c *Client) Command(ctx context.Context, name string) (Command, error) {
	var resp Command
	err := c.do(ctx, http.MethodGet, "v0/commands/"+url.PathEscape(name), &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
