// Package publish turns a staged mutation set into a commit on a branch.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/treediff"
)

// ErrNothingToPublish is returned for a mutation set with no changes; an
// empty commit is never created.
var ErrNothingToPublish = errors.New("nothing to publish")

// Remote is the part of the GitHub client needed to write a commit.
type Remote interface {
	CreateBlob(ctx context.Context, cred github.Credential, repo github.Repo, content []byte) (string, error)
	CreateTree(ctx context.Context, cred github.Credential, repo github.Repo, entries []github.TreeEntry) (string, error)
	CreateCommit(ctx context.Context, cred github.Credential, repo github.Repo, message, tree string, parents []string) (string, error)
	UpdateRef(ctx context.Context, cred github.Credential, repo github.Repo, branch, sha string) error
}

// Publisher writes mutation sets as commits.
type Publisher struct {
	remote Remote
	logger *slog.Logger
}

// New creates a Publisher. A nil logger discards output.
func New(remote Remote, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{remote: remote, logger: logger}
}

// Publish creates the blobs still pending in set, a tree from the full next
// tree, a commit whose only parent is head, and moves branch to it. It returns
// the new commit sha. A failure after the commit is created leaves an
// unreferenced commit behind and the branch untouched.
func (p *Publisher) Publish(ctx context.Context, cred github.Credential, repo github.Repo, branch, head string, set *treediff.MutationSet, message string) (string, error) {
	if set == nil || !set.Changed() {
		return "", ErrNothingToPublish
	}

	next := set.Tree()
	entries := make([]github.TreeEntry, 0, len(next))
	for _, e := range next {
		sha := e.SHA
		if e.Pending() {
			created, err := p.remote.CreateBlob(ctx, cred, repo, e.Content)
			if err != nil {
				return "", fmt.Errorf("create blob %s: %w", e.Path, err)
			}
			sha = created
		}
		typ := e.Type
		if typ == "" {
			typ = github.TypeBlob
		}
		entries = append(entries, github.TreeEntry{Path: e.Path, Mode: e.Mode, Type: typ, SHA: sha})
	}

	tree, err := p.remote.CreateTree(ctx, cred, repo, entries)
	if err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}

	var parents []string
	if head != "" {
		parents = []string{head}
	}
	commit, err := p.remote.CreateCommit(ctx, cred, repo, message, tree, parents)
	if err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	if err := p.remote.UpdateRef(ctx, cred, repo, branch, commit); err != nil {
		return "", fmt.Errorf("update %s: %w", branch, err)
	}

	p.logger.Info("published commit",
		"repo", repo.String(), "branch", branch, "commit", commit, "parent", head, "changes", set.Len())
	return commit, nil
}
