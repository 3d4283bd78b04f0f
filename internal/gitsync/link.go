package gitsync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/store"
)

// DefaultBranch is linked when no branch is given.
const DefaultBranch = "master"

// LinkOptions configures a project's connection to a repository.
type LinkOptions struct {
	Repo      string // owner/name
	Branch    string
	AutoPull  bool
	AutoBuild bool
}

// Link connects a project to a repository branch after checking that the
// owner's credential can push to it. Re-linking keeps the webhook secret and
// resets the last synced commit only when the repo or branch changes.
func (o *Orchestrator) Link(ctx context.Context, projectID string, opts LinkOptions) (*models.SyncState, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	repo, err := github.ParseRepo(opts.Repo)
	if err != nil {
		return nil, err
	}
	branch := strings.TrimSpace(opts.Branch)
	if branch == "" {
		branch = DefaultBranch
	}

	c, err := o.store.GetCredential(ctx, p.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	cred := github.Credential{Token: c.Token}

	login, err := o.remote.Whoami(ctx, cred)
	if err != nil {
		return nil, o.remoteFailed(ctx, p.OwnerID, err)
	}
	if err := o.remote.CheckCollaborator(ctx, cred, repo, login); err != nil {
		return nil, o.remoteFailed(ctx, p.OwnerID, err)
	}
	if _, err := o.remote.GetBranchHead(ctx, cred, repo, branch); err != nil {
		return nil, o.remoteFailed(ctx, p.OwnerID, err)
	}

	st, err := o.store.GetSyncState(ctx, projectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = &models.SyncState{ProjectID: projectID}
	case err != nil:
		return nil, err
	}
	if st.Repo != repo.String() || st.Branch != branch {
		st.LastSyncedCommit = ""
		st.PendingCommit = ""
		st.LastSyncAt = nil
	}
	if st.WebhookSecret == "" {
		if st.WebhookSecret, err = newSecret(); err != nil {
			return nil, err
		}
	}
	st.Repo = repo.String()
	st.Branch = branch
	st.AutoPull = opts.AutoPull
	st.AutoBuild = opts.AutoBuild
	if err := o.store.SaveSyncState(ctx, st); err != nil {
		return nil, err
	}
	o.logger.Info("project linked", "project", projectID, "repo", st.Repo, "branch", branch)
	return st, nil
}

// Unlink disconnects a project. Local records are kept.
func (o *Orchestrator) Unlink(ctx context.Context, projectID string) error {
	if err := o.store.DeleteSyncState(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotLinked, projectID)
		}
		return err
	}
	o.logger.Info("project unlinked", "project", projectID)
	return nil
}

// SetCredential validates token against GitHub and stores it for ownerID.
func (o *Orchestrator) SetCredential(ctx context.Context, ownerID, token string) (*models.Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("token is required")
	}
	login, err := o.remote.Whoami(ctx, github.Credential{Token: token})
	if err != nil {
		return nil, err
	}
	c := &models.Credential{OwnerID: ownerID, Token: token, Username: login, CreatedAt: time.Now()}
	if err := o.store.PutCredential(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// WebhookURL returns the push endpoint GitHub should call for a project.
func WebhookURL(baseURL, projectID, secret string) string {
	return strings.TrimRight(baseURL, "/") + "/api/v1/projects/" + url.PathEscape(projectID) +
		"/github/push?key=" + url.QueryEscape(secret)
}

func newSecret() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
