package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/reposync/internal/models"
)

// ErrNotFound is wrapped by every lookup that finds no row.
var ErrNotFound = errors.New("not found")

// Content is the full record set of a project, as rebuilt by an import.
type Content struct {
	// Project carries the identity metadata read from the imported manifest.
	// Only manifest-derived fields are written back.
	Project   *models.Project
	Sources   []*models.SourceFile
	Resources []*models.ResourceFile
	// Commit, when set, finalizes a pending pull in the same transaction.
	Commit string
}

// Store defines the persistence interface for reposync.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id string) error

	// Content
	ListSources(ctx context.Context, projectID string) ([]*models.SourceFile, error)
	PutSource(ctx context.Context, f *models.SourceFile) error
	DeleteSource(ctx context.Context, id string) error
	ListResources(ctx context.Context, projectID string) ([]*models.ResourceFile, error)
	PutResource(ctx context.Context, r *models.ResourceFile) error
	DeleteResource(ctx context.Context, id string) error
	ReplaceContent(ctx context.Context, projectID string, c *Content) error

	// Sync state
	GetSyncState(ctx context.Context, projectID string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, st *models.SyncState) error
	DeleteSyncState(ctx context.Context, projectID string) error
	BeginPull(ctx context.Context, projectID, commit string) error
	AbortPull(ctx context.Context, projectID, commit string) error
	RecordPush(ctx context.Context, projectID, commit string, at time.Time) error

	// Credentials
	GetCredential(ctx context.Context, ownerID string) (*models.Credential, error)
	PutCredential(ctx context.Context, c *models.Credential) error
	DeleteCredential(ctx context.Context, ownerID string) error

	// Builds
	CreateBuild(ctx context.Context, b *models.BuildRequest) error
	GetBuild(ctx context.Context, id string) (*models.BuildRequest, error)
	ListBuilds(ctx context.Context, projectID string, limit int) ([]*models.BuildRequest, error)
	UpdateBuild(ctx context.Context, b *models.BuildRequest) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
