// Package build hands projects to the external build runner. The runner
// itself lives outside reposync; this package records what should be built
// and accepts the outcome.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joescharf/reposync/internal/models"
)

// Executor dispatches builds.
type Executor interface {
	Dispatch(ctx context.Context, projectID string, req Request) (*models.BuildRequest, error)
}

// Request describes one build dispatch.
type Request struct {
	Trigger models.BuildTrigger
	Commit  string
}

// Result is what the runner reports when a build finishes.
type Result struct {
	Success      bool
	Log          string
	ArtifactSize int64
}

// Store is the persistence the recorder needs.
type Store interface {
	CreateBuild(ctx context.Context, b *models.BuildRequest) error
	GetBuild(ctx context.Context, id string) (*models.BuildRequest, error)
	UpdateBuild(ctx context.Context, b *models.BuildRequest) error
}

// Recorder is the default Executor: it queues a pending build row that the
// runner polls for.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

var _ Executor = (*Recorder)(nil)

// NewRecorder creates a Recorder. A nil logger discards output.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{store: store, logger: logger}
}

// Dispatch records a pending build.
func (r *Recorder) Dispatch(ctx context.Context, projectID string, req Request) (*models.BuildRequest, error) {
	trigger := req.Trigger
	if trigger == "" {
		trigger = models.BuildTriggerManual
	}
	b := &models.BuildRequest{
		ProjectID: projectID,
		Trigger:   trigger,
		State:     models.BuildStatePending,
		Commit:    req.Commit,
	}
	if err := r.store.CreateBuild(ctx, b); err != nil {
		return nil, fmt.Errorf("dispatch build: %w", err)
	}
	r.logger.Info("build dispatched", "project", projectID, "build", b.ID, "trigger", string(trigger), "commit", req.Commit)
	return b, nil
}

// Complete stores the outcome of a build. Finished builds cannot be
// completed twice.
func (r *Recorder) Complete(ctx context.Context, buildID string, res Result) (*models.BuildRequest, error) {
	b, err := r.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if b.State != models.BuildStatePending {
		return nil, fmt.Errorf("build %s already %s", buildID, b.State)
	}

	now := time.Now().UTC()
	b.State = models.BuildStateFailed
	if res.Success {
		b.State = models.BuildStateSucceeded
	}
	b.Log = res.Log
	b.ArtifactSize = res.ArtifactSize
	b.FinishedAt = &now
	if err := r.store.UpdateBuild(ctx, b); err != nil {
		return nil, fmt.Errorf("complete build: %w", err)
	}
	r.logger.Info("build finished", "project", b.ProjectID, "build", b.ID, "state", string(b.State), "size", b.ArtifactSize)
	return b, nil
}
