package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unbracketed/prunejuice/internal/db"
	"github.com/unbracketed/prunejuice/internal/domain"
	"github.com/unbracketed/prunejuice/internal/migrate"
)

func newTestRepo(t *testing.T) (Repo, string) {
	t.Helper()
	projectPath := t.TempDir()
	conn, err := db.Open(db.Config{ProjectPath: projectPath})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}, projectPath
}

func ts(t *testing.T, offset time.Duration) string {
	t.Helper()
	return time.Now().Add(offset).UTC().Format(time.RFC3339Nano)
}

func seedProject(t *testing.T, r Repo, path string) domain.Project {
	t.Helper()
	p := domain.Project{
		Name:         "demo",
		Slug:         "demo",
		Path:         path,
		WorktreePath: path + "/.worktrees",
		InitBranch:   "main",
		CreatedAt:    ts(t, 0),
	}
	id, err := r.InsertProject(context.Background(), p)
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	p.ID = id
	return p
}

func TestProjectRoundTrip(t *testing.T) {
	r, path := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, path)

	got, err := r.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "demo" || got.Path != path {
		t.Fatalf("unexpected project: %+v", got)
	}
	if got.Slug != "demo" || got.WorktreePath != path+"/.worktrees" || got.InitBranch != "main" {
		t.Fatalf("project columns did not round-trip: %+v", got)
	}
	byPath, err := r.GetProjectByPath(ctx, path)
	if err != nil {
		t.Fatalf("get by path: %v", err)
	}
	if byPath.ID != p.ID {
		t.Fatalf("expected id %d, got %d", p.ID, byPath.ID)
	}
	if _, err := r.GetProjectByPath(ctx, "/nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHostileInputStoredVerbatim(t *testing.T) {
	r, path := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, path)

	hostile := `'; DROP TABLE workspaces; --`
	id, err := r.InsertWorkspace(ctx, domain.Workspace{
		ProjectID:     p.ID,
		Name:          hostile,
		Slug:          hostile,
		Path:          path,
		ArtifactsPath: path + "/.prj/artifacts/ws",
		CreatedAt:     ts(t, 0),
	})
	if err != nil {
		t.Fatalf("insert workspace: %v", err)
	}
	got, err := r.GetWorkspace(ctx, id)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.Name != hostile || got.Slug != hostile {
		t.Fatalf("hostile input mangled: %+v", got)
	}
	if got.ArtifactsPath != path+"/.prj/artifacts/ws" {
		t.Fatalf("artifacts path did not round-trip: %+v", got)
	}
	// The table must still exist and answer queries.
	if _, err := r.ListWorkspaces(ctx, p.ID); err != nil {
		t.Fatalf("list workspaces after hostile insert: %v", err)
	}
	bySlug, err := r.GetWorkspaceBySlug(ctx, p.ID, hostile)
	if err != nil {
		t.Fatalf("get by hostile slug: %v", err)
	}
	if bySlug.ID != id {
		t.Fatalf("expected id %d, got %d", id, bySlug.ID)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := r.InsertWorkspace(ctx, domain.Workspace{
		ProjectID: 9999,
		Name:      "orphan",
		Slug:      "orphan",
		Path:      "/tmp/orphan",
		CreatedAt: ts(t, 0),
	})
	if err == nil {
		t.Fatal("expected FK violation inserting workspace for missing project")
	}
	_, err = r.InsertEvent(ctx, domain.Event{
		ProjectID: 9999,
		Action:    "workspace-created",
		Status:    "success",
		Timestamp: ts(t, 0),
	})
	if err == nil {
		t.Fatal("expected FK violation inserting event for missing project")
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	r, path := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, path)
	wsID, err := r.InsertWorkspace(ctx, domain.Workspace{
		ProjectID: p.ID, Name: "main", Slug: "main", Path: path, CreatedAt: ts(t, 0),
	})
	if err != nil {
		t.Fatalf("insert workspace: %v", err)
	}
	if _, err := r.InsertEvent(ctx, domain.Event{
		ProjectID: p.ID, WorkspaceID: &wsID, Action: "workspace-created", Status: "success", Timestamp: ts(t, 0),
	}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	if err := r.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := r.GetWorkspace(ctx, wsID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected workspace cascade delete, got %v", err)
	}
	events, err := r.ListEvents(ctx, EventFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events cascade delete, got %d", len(events))
	}
}

func TestListEventsNewestFirst(t *testing.T) {
	r, path := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, path)

	for i, action := range []string{"first", "second", "third"} {
		if _, err := r.InsertEvent(ctx, domain.Event{
			ProjectID: p.ID,
			Action:    action,
			Status:    "success",
			Timestamp: ts(t, time.Duration(i)*time.Millisecond),
		}); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	events, err := r.ListEvents(ctx, EventFilters{ProjectID: p.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Action != "third" || events[2].Action != "first" {
		t.Fatalf("expected newest first, got %v %v %v", events[0].Action, events[1].Action, events[2].Action)
	}

	limited, err := r.ListEvents(ctx, EventFilters{ProjectID: p.ID, Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].Action != "third" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	filtered, err := r.ListEvents(ctx, EventFilters{ProjectID: p.ID, Action: "second"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Action != "second" {
		t.Fatalf("unexpected filtered result: %+v", filtered)
	}
}

func TestEventsAfterCursor(t *testing.T) {
	r, path := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, path)

	var ids []int64
	for _, action := range []string{"a", "b", "c"} {
		id, err := r.InsertEvent(ctx, domain.Event{
			ProjectID: p.ID, Action: action, Status: "success", Timestamp: ts(t, 0),
		})
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
		ids = append(ids, id)
	}

	latest, err := r.LatestEventID(ctx, p.ID)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if latest != ids[2] {
		t.Fatalf("expected latest %d, got %d", ids[2], latest)
	}

	after, err := r.EventsAfter(ctx, p.ID, ids[0], 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 || after[0].Action != "b" || after[1].Action != "c" {
		t.Fatalf("unexpected cursor result: %+v", after)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	r, path := newTestRepo(t)
	ctx := context.Background()

	id, err := r.StartExecution(ctx, domain.Execution{
		Command:       "feature-branch",
		ProjectPath:   path,
		SessionID:     "demo-1",
		ArtifactsPath: path,
		StartTime:     ts(t, 0),
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	active, err := r.ActiveExecutions(ctx, path)
	if err != nil {
		t.Fatalf("active executions: %v", err)
	}
	if len(active) != 1 || active[0].Status != "running" {
		t.Fatalf("unexpected active executions: %+v", active)
	}

	exitCode := 0
	if err := r.EndExecution(ctx, id, "completed", &exitCode, "", ts(t, time.Second)); err != nil {
		t.Fatalf("end execution: %v", err)
	}
	got, err := r.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != "completed" || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if got.EndTime == "" {
		t.Fatal("end time not recorded")
	}

	if err := r.EndExecution(ctx, 9999, "failed", nil, "x", ts(t, 0)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepKeepsRunningExecutions(t *testing.T) {
	r, path := newTestRepo(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339Nano)
	runningID, err := r.StartExecution(ctx, domain.Execution{
		Command: "a", ProjectPath: path, SessionID: "s1", ArtifactsPath: path, StartTime: old,
	})
	if err != nil {
		t.Fatalf("start running: %v", err)
	}
	doneID, err := r.StartExecution(ctx, domain.Execution{
		Command: "b", ProjectPath: path, SessionID: "s2", ArtifactsPath: path, StartTime: old,
	})
	if err != nil {
		t.Fatalf("start done: %v", err)
	}
	code := 0
	if err := r.EndExecution(ctx, doneID, "completed", &code, "", old); err != nil {
		t.Fatalf("end done: %v", err)
	}

	cutoff := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339Nano)
	n, err := r.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, err := r.GetExecution(ctx, runningID); err != nil {
		t.Fatalf("running execution swept: %v", err)
	}
	if _, err := r.GetExecution(ctx, doneID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("finished execution not swept: %v", err)
	}
}

func TestArtifactsForExecution(t *testing.T) {
	r, path := newTestRepo(t)
	ctx := context.Background()

	execID, err := r.StartExecution(ctx, domain.Execution{
		Command: "a", ProjectPath: path, SessionID: "s1", ArtifactsPath: path, StartTime: ts(t, 0),
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	size := int64(42)
	if _, err := r.InsertArtifact(ctx, domain.Artifact{
		EventID: execID, Type: "log", FilePath: "/tmp/step-0-setup.log", FileSize: &size, CreatedAt: ts(t, 0),
	}); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
	items, err := r.ListArtifacts(ctx, execID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(items) != 1 || items[0].Type != "log" || *items[0].FileSize != 42 {
		t.Fatalf("unexpected artifacts: %+v", items)
	}
}

func TestUpsertCommandDefinition(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	c := domain.StoredCommand{
		Name: "feature-branch", Description: "old", YAMLPath: "/p/a.yaml", YAMLHash: "h1", UpdatedAt: ts(t, 0),
	}
	if err := r.UpsertCommandDefinition(ctx, c); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	c.Description = "new"
	c.YAMLHash = "h2"
	if err := r.UpsertCommandDefinition(ctx, c); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	items, err := r.ListCommandDefinitions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].YAMLHash != "h2" || items[0].Description != "new" {
		t.Fatalf("unexpected definitions: %+v", items)
	}
}

func TestNullableHelpers(t *testing.T) {
	if nullable("") != nil {
		t.Fatal("empty string should map to NULL")
	}
	if nullable("x") != any("x") {
		t.Fatal("non-empty string should pass through")
	}
	if nullableInt64Ptr(nil) != nil {
		t.Fatal("nil pointer should map to NULL")
	}
}
