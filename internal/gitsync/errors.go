package gitsync

import (
	"errors"

	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/layout"
	"github.com/joescharf/reposync/internal/snapshot"
)

// Errors surfaced by sync operations. Match with errors.Is.
var (
	ErrAuthInvalid       = github.ErrAuthInvalid
	ErrRepoAccessDenied  = github.ErrRepoAccessDenied
	ErrBranchUnavailable = github.ErrBranchUnavailable
	ErrNoProjectFound    = layout.ErrNoProjectFound
	ErrManifestDesync    = snapshot.ErrManifestDesync
	ErrOutOfSync         = snapshot.ErrOutOfSync

	ErrLeaseBusy    = errors.New("another sync is running for this project")
	ErrNotLinked    = errors.New("project is not linked to a repository")
	ErrNoCredential = errors.New("no GitHub credential; connect an account first")
	ErrBadSecret    = errors.New("webhook secret mismatch")
	ErrBadSignature = errors.New("webhook signature mismatch")
)
