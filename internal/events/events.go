package events

import (
	"context"
	"database/sql"
	"time"

	"github.com/unbracketed/prunejuice/internal/domain"
	"github.com/unbracketed/prunejuice/internal/repo"
)

// Service appends and reads lifecycle events in event_log.
type Service struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Add appends an event row. workspaceID may be nil for project-level
// events. Timestamps use RFC3339Nano so descending order is strict.
func (s Service) Add(ctx context.Context, projectID int64, workspaceID *int64, action, status, details string) (int64, error) {
	r := repo.Repo{DB: s.DB}
	return r.InsertEvent(ctx, domain.Event{
		ProjectID:   projectID,
		WorkspaceID: workspaceID,
		Action:      action,
		Status:      status,
		Details:     details,
		Timestamp:   s.now().UTC().Format(time.RFC3339Nano),
	})
}

// List returns events for a project, newest first.
func (s Service) List(ctx context.Context, projectID int64, workspaceID int64, limit int) ([]domain.Event, error) {
	r := repo.Repo{DB: s.DB}
	return r.ListEvents(ctx, repo.EventFilters{ProjectID: projectID, WorkspaceID: workspaceID, Limit: limit})
}
