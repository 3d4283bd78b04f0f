// Package gitsync ties the sync engine together: user-initiated push and
// pull, webhook dispatch, and linking projects to repositories.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/reposync/internal/build"
	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/publish"
	"github.com/joescharf/reposync/internal/snapshot"
	"github.com/joescharf/reposync/internal/store"
	"github.com/joescharf/reposync/internal/telemetry"
	"github.com/joescharf/reposync/internal/treediff"
	"github.com/joescharf/reposync/internal/worker"
)

// Queue accepts asynchronous tasks. *worker.Pool implements it.
type Queue interface {
	Submit(t worker.Task) error
}

// Options configures an Orchestrator.
type Options struct {
	Store     store.Store
	Remote    github.Remote
	Builder   build.Executor
	Queue     Queue
	Leases    *Leases
	Messenger publish.Messenger
	Logger    *slog.Logger
}

// Orchestrator runs sync operations for projects.
type Orchestrator struct {
	store     store.Store
	remote    github.Remote
	engine    *treediff.Engine
	publisher *publish.Publisher
	importer  *snapshot.Importer
	builder   build.Executor
	queue     Queue
	leases    *Leases
	messenger publish.Messenger
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *telemetry.SyncMetrics
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	messenger := opts.Messenger
	if messenger == nil {
		messenger = publish.StaticMessage("")
	}
	return &Orchestrator{
		store:     opts.Store,
		remote:    opts.Remote,
		engine:    treediff.NewEngine(opts.Remote, logger),
		publisher: publish.New(opts.Remote, logger),
		importer:  snapshot.NewImporter(opts.Remote, opts.Store, logger),
		builder:   opts.Builder,
		queue:     opts.Queue,
		leases:    opts.Leases,
		messenger: messenger,
		logger:    logger,
		tracer:    telemetry.Tracer("github.com/joescharf/reposync/gitsync"),
		metrics:   telemetry.Sync(),
	}
}

// PushResult reports the outcome of a push.
type PushResult struct {
	Changed bool
	Commit  string // new head, or the unchanged head for a no-op
	Changes []string
}

// PullResult reports the outcome of a pull.
type PullResult struct {
	Skipped   bool // local copy already at the branch head
	Commit    string
	Sources   int
	Resources int
}

// syncContext is what every remote operation needs.
type syncContext struct {
	project *models.Project
	state   *models.SyncState
	repo    github.Repo
	cred    github.Credential
}

func (o *Orchestrator) load(ctx context.Context, projectID string) (*syncContext, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	st, err := o.store.GetSyncState(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotLinked, projectID)
	}
	if err != nil {
		return nil, err
	}
	repo, err := github.ParseRepo(st.Repo)
	if err != nil {
		return nil, err
	}
	cred, err := o.store.GetCredential(ctx, p.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	return &syncContext{project: p, state: st, repo: repo, cred: github.Credential{Token: cred.Token}}, nil
}

// remoteFailed revokes the owner's credential when GitHub rejected it.
func (o *Orchestrator) remoteFailed(ctx context.Context, ownerID string, err error) error {
	if errors.Is(err, github.ErrAuthInvalid) {
		if delErr := o.store.DeleteCredential(ctx, ownerID); delErr != nil {
			o.logger.Error("revoke credential", "owner", ownerID, "error", delErr)
		} else {
			o.logger.Warn("github rejected credential, removed it", "owner", ownerID)
		}
	}
	return err
}

func (o *Orchestrator) startSpan(ctx context.Context, name, projectID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("reposync.project", projectID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Push publishes local changes as one commit on the linked branch. Nothing is
// written, locally or remotely, when the remote already matches.
func (o *Orchestrator) Push(ctx context.Context, projectID string) (res *PushResult, err error) {
	ctx, span := o.startSpan(ctx, "gitsync.push", projectID)
	defer func() { endSpan(span, err) }()

	release, err := o.leases.Acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	sc, err := o.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res, err = o.push(ctx, sc)
	if err != nil {
		return nil, o.remoteFailed(ctx, sc.project.OwnerID, err)
	}
	return res, nil
}

func (o *Orchestrator) push(ctx context.Context, sc *syncContext) (*PushResult, error) {
	log := o.logger.With("project", sc.project.ID, "repo", sc.repo.String(), "branch", sc.state.Branch)

	head, err := o.remote.GetBranchHead(ctx, sc.cred, sc.repo, sc.state.Branch)
	if err != nil {
		return nil, err
	}
	commit, err := o.remote.GetCommit(ctx, sc.cred, sc.repo, head)
	if err != nil {
		return nil, err
	}
	tree, err := o.remote.GetTree(ctx, sc.cred, sc.repo, commit.TreeSHA, true)
	if err != nil {
		return nil, err
	}
	sources, err := o.store.ListSources(ctx, sc.project.ID)
	if err != nil {
		return nil, err
	}
	resources, err := o.store.ListResources(ctx, sc.project.ID)
	if err != nil {
		return nil, err
	}

	set, err := o.engine.Diff(ctx, treediff.Input{
		Credential: sc.cred,
		Repo:       sc.repo,
		Remote:     tree.Entries,
		Project:    sc.project,
		Sources:    sources,
		Resources:  resources,
	})
	if err != nil {
		return nil, err
	}
	if !set.Changed() {
		log.Info("push: remote already up to date", "commit", head)
		return &PushResult{Commit: head}, nil
	}

	message := o.messenger.Message(ctx, set)
	sha, err := o.publisher.Publish(ctx, sc.cred, sc.repo, sc.state.Branch, head, set, message)
	if err != nil {
		return nil, err
	}
	// The branch already moved; record it even if the caller has gone.
	if err := o.store.RecordPush(context.WithoutCancel(ctx), sc.project.ID, sha, time.Now()); err != nil {
		return nil, fmt.Errorf("record push: %w", err)
	}
	o.metrics.CommitCreated(ctx, sc.project.ID)
	return &PushResult{Changed: true, Commit: sha, Changes: set.Summary()}, nil
}

// Pull replaces local records with the head of the linked branch. It skips
// all fetching when the head is the last synced commit.
func (o *Orchestrator) Pull(ctx context.Context, projectID string) (res *PullResult, err error) {
	ctx, span := o.startSpan(ctx, "gitsync.pull", projectID)
	defer func() { endSpan(span, err) }()

	release, err := o.leases.Acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	sc, err := o.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res, err = o.pull(ctx, sc)
	if err != nil {
		return nil, o.remoteFailed(ctx, sc.project.OwnerID, err)
	}
	return res, nil
}

func (o *Orchestrator) pull(ctx context.Context, sc *syncContext) (*PullResult, error) {
	head, err := o.remote.GetBranchHead(ctx, sc.cred, sc.repo, sc.state.Branch)
	if err != nil {
		return nil, err
	}
	if head == sc.state.LastSyncedCommit {
		o.logger.Info("pull: already current", "project", sc.project.ID, "commit", head)
		return &PullResult{Skipped: true, Commit: head}, nil
	}

	res, err := o.importer.Pull(ctx, snapshot.Request{
		Credential: sc.cred,
		Repo:       sc.repo,
		ProjectID:  sc.project.ID,
		Commit:     head,
	})
	if err != nil {
		return nil, err
	}
	o.metrics.PullApplied(ctx, sc.project.ID)
	return &PullResult{Commit: res.Commit, Sources: res.Sources, Resources: res.Resources}, nil
}

// Import replaces the project's records with the content of a zip archive
// under its lease. Sync state is left untouched.
func (o *Orchestrator) Import(ctx context.Context, projectID string, data []byte) (content *store.Content, err error) {
	ctx, span := o.startSpan(ctx, "gitsync.import", projectID)
	defer func() { endSpan(span, err) }()

	release, err := o.leases.Acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	return snapshot.NewArchiveImporter(o.store, o.logger).Import(ctx, projectID, data)
}

// Build dispatches a build of the project under its lease.
func (o *Orchestrator) Build(ctx context.Context, projectID string, req build.Request) (b *models.BuildRequest, err error) {
	ctx, span := o.startSpan(ctx, "gitsync.build", projectID)
	defer func() { endSpan(span, err) }()

	if o.builder == nil {
		return nil, errors.New("no build executor configured")
	}
	release, err := o.leases.Acquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err = o.builder.Dispatch(ctx, projectID, req)
	if err != nil {
		return nil, err
	}
	o.metrics.BuildDispatched(ctx, projectID)
	return b, nil
}

// Status returns the project's sync state.
func (o *Orchestrator) Status(ctx context.Context, projectID string) (*models.SyncState, error) {
	st, err := o.store.GetSyncState(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotLinked, projectID)
	}
	return st, err
}
