// Package snapshot implements the pull path: it validates a remote commit and
// replaces the local records of a project with its content.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/layout"
	"github.com/joescharf/reposync/internal/manifest"
)

var (
	// ErrManifestDesync means the manifest references files the tree lacks.
	ErrManifestDesync = errors.New("manifest references missing resources")
	// ErrOutOfSync means a pull failed after it started changing local
	// state. The local copy may be out of sync and should not be retried
	// blindly.
	ErrOutOfSync = errors.New("local copy may be out of sync")
	// ErrBadArchive means an archive could not be read.
	ErrBadArchive = errors.New("unreadable archive")
)

// Remote is the part of the GitHub client the importer reads from.
type Remote interface {
	GetCommit(ctx context.Context, cred github.Credential, repo github.Repo, sha string) (*github.Commit, error)
	GetTree(ctx context.Context, cred github.Credential, repo github.Repo, sha string, recursive bool) (*github.Tree, error)
	GetBlob(ctx context.Context, cred github.Credential, repo github.Repo, sha string) ([]byte, error)
	DownloadArchive(ctx context.Context, cred github.Credential, repo github.Repo, ref string) ([]byte, error)
}

// SyncStore tracks the two-phase advance of the last synced commit.
type SyncStore interface {
	ContentStore
	BeginPull(ctx context.Context, projectID, commit string) error
	AbortPull(ctx context.Context, projectID, commit string) error
}

// Request names the commit to pull into a project.
type Request struct {
	Credential github.Credential
	Repo       github.Repo
	ProjectID  string
	Commit     string
}

// Result summarizes an applied pull.
type Result struct {
	Commit    string
	Layout    layout.Layout
	Sources   int
	Resources int
}

// Importer runs pulls.
type Importer struct {
	remote  Remote
	store   SyncStore
	archive *ArchiveImporter
	logger  *slog.Logger
}

// NewImporter creates an Importer. A nil logger discards output.
func NewImporter(remote Remote, s SyncStore, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Importer{
		remote:  remote,
		store:   s,
		archive: NewArchiveImporter(s, logger),
		logger:  logger,
	}
}

// Pull replaces the project's records with the content of req.Commit.
// Everything that can fail without touching local state is checked first;
// the records and the sync state then change together in one transaction.
func (im *Importer) Pull(ctx context.Context, req Request) (*Result, error) {
	log := im.logger.With("project", req.ProjectID, "repo", req.Repo.String(), "commit", req.Commit)

	commit, err := im.remote.GetCommit(ctx, req.Credential, req.Repo, req.Commit)
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	tree, err := im.remote.GetTree(ctx, req.Credential, req.Repo, commit.TreeSHA, true)
	if err != nil {
		return nil, fmt.Errorf("get tree: %w", err)
	}
	l, err := layout.Detect(tree.Paths())
	if err != nil {
		return nil, err
	}
	if err := im.verifyManifest(ctx, req, tree, l); err != nil {
		return nil, err
	}

	data, err := im.remote.DownloadArchive(ctx, req.Credential, req.Repo, commit.SHA)
	if err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}
	content, err := im.archive.Read(data)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	content.Commit = commit.SHA

	if err := im.store.BeginPull(ctx, req.ProjectID, commit.SHA); err != nil {
		return nil, fmt.Errorf("begin pull: %w", err)
	}
	if err := im.store.ReplaceContent(ctx, req.ProjectID, content); err != nil {
		if abortErr := im.store.AbortPull(context.WithoutCancel(ctx), req.ProjectID, commit.SHA); abortErr != nil {
			log.Error("clear pending pull", "error", abortErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrOutOfSync, err)
	}

	log.Info("pull applied", "sources", len(content.Sources), "resources", len(content.Resources),
		"layout", int(l.Version), "root", l.Root)
	return &Result{
		Commit:    commit.SHA,
		Layout:    l,
		Sources:   len(content.Sources),
		Resources: len(content.Resources),
	}, nil
}

// verifyManifest parses the tree's manifest and checks every resource it
// references is present.
func (im *Importer) verifyManifest(ctx context.Context, req Request, tree *github.Tree, l layout.Layout) error {
	entries := make(map[string]github.TreeEntry, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.Type == github.TypeBlob {
			entries[e.Path] = e
		}
	}
	me, ok := entries[l.ManifestPath()]
	if !ok {
		return fmt.Errorf("%w: %s", layout.ErrNoProjectFound, l.ManifestPath())
	}
	data, err := im.remote.GetBlob(ctx, req.Credential, req.Repo, me.SHA)
	if err != nil {
		return fmt.Errorf("get manifest: %w", err)
	}
	m, err := manifest.Parse(l.Version, data)
	if err != nil {
		return err
	}
	descs, err := manifest.Descriptors(m)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrManifestDesync, err)
	}

	var missing []string
	for _, d := range descs {
		if _, ok := entries[l.ResourcePath(d.File)]; !ok {
			missing = append(missing, d.File)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrManifestDesync, missing)
	}
	return nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
