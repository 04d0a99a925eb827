package store

import (
	"context"
	"time"

	"mozhi/pkg/domain"
)

// Store defines persistence operations for users, projects and transcripts.
//
// Transcript reads only ever return committed rows; a transcript whose audio is
// still being written is invisible until CommitTranscriptAudio runs.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	// FirstUser returns the oldest user with role, or the oldest user of any
	// role when role is empty.
	FirstUser(ctx context.Context, role domain.UserRole) (domain.User, bool, error)
	UserCount(ctx context.Context) (int, error)

	// projects
	CreateProject(ctx context.Context, p domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, bool, error)
	GetProjectByName(ctx context.Context, name string) (domain.Project, bool, error)
	ListProjects(ctx context.Context, offset, limit int) ([]domain.Project, error)
	CountProjects(ctx context.Context) (int, error)
	// DeleteProject removes the project with its transcripts and export runs.
	DeleteProject(ctx context.Context, id string) error

	// transcripts
	CreateTranscript(ctx context.Context, t domain.Transcript) error
	// CreateTranscripts inserts a batch in a single statement.
	CreateTranscripts(ctx context.Context, ts []domain.Transcript) error
	GetTranscript(ctx context.Context, id string) (domain.Transcript, bool, error)
	UpdateTranscriptText(ctx context.Context, id, text string) error
	CommitTranscriptAudio(ctx context.Context, id, audioFile string) error
	DeleteTranscript(ctx context.Context, id string) error
	CountTranscripts(ctx context.Context, projectID string) (int, error)
	// ListTranscripts pages newest first by offset, for list views.
	ListTranscripts(ctx context.Context, projectID string, offset, limit int) ([]domain.Transcript, error)
	// ListTranscriptsAfter pages newest first by keyset. A nil cursor starts
	// from the newest transcript.
	ListTranscriptsAfter(ctx context.Context, projectID string, after *Cursor, limit int) ([]domain.Transcript, error)

	// export history
	SaveExportRun(ctx context.Context, run domain.ExportRun) error
	ListExportRuns(ctx context.Context, projectID string, limit int) ([]domain.ExportRun, error)
}

// Cursor is a position in the (created_at DESC, id DESC) transcript order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor positioned just past t.
func CursorAfter(t domain.Transcript) *Cursor {
	return &Cursor{CreatedAt: t.CreatedAt, ID: t.ID}
}

// before reports whether t sorts after c in newest-first order.
func (c *Cursor) before(t domain.Transcript) bool {
	if c == nil {
		return true
	}
	if t.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return t.CreatedAt.Equal(c.CreatedAt) && t.ID < c.ID
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
