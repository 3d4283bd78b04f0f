package gitsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/reposync/internal/build"
	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/store"
	"github.com/joescharf/reposync/internal/worker"
)

// PushEvent is the part of a GitHub push notification the dispatcher reads.
type PushEvent struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// ParsePushEvent decodes a push notification body.
func ParsePushEvent(body []byte) (PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return PushEvent{}, fmt.Errorf("invalid push payload: %w", err)
	}
	return ev, nil
}

// Dispatch reports what a webhook delivery caused.
type Dispatch struct {
	Ignored     bool   `json:"ignored"`
	Reason      string `json:"reason,omitempty"`
	PullQueued  bool   `json:"pull_queued"`
	BuildQueued bool   `json:"build_queued"`
}

// Queued reports whether any work was enqueued.
func (d *Dispatch) Queued() bool {
	return d.PullQueued || d.BuildQueued
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the HMAC of body keyed by secret.
func VerifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// Authenticate checks the delivery key, and the signature when one was sent,
// against the project's webhook secret.
func (o *Orchestrator) Authenticate(ctx context.Context, projectID, key string, body []byte, signature string) (*models.SyncState, error) {
	st, err := o.store.GetSyncState(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotLinked, projectID)
	}
	if err != nil {
		return nil, err
	}
	if st.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(st.WebhookSecret)) != 1 {
		return nil, ErrBadSecret
	}
	if signature != "" && !VerifySignature(st.WebhookSecret, body, signature) {
		return nil, ErrBadSignature
	}
	return st, nil
}

// HandlePush reacts to a push notification for projectID. It enqueues work
// and returns without waiting for it.
func (o *Orchestrator) HandlePush(ctx context.Context, projectID, key string, ev PushEvent) (d *Dispatch, err error) {
	ctx, span := o.startSpan(ctx, "gitsync.webhook", projectID)
	defer func() { endSpan(span, err) }()

	st, err := o.Authenticate(ctx, projectID, key, nil, "")
	if err != nil {
		return nil, err
	}
	o.metrics.WebhookReceived(ctx, projectID)
	log := o.logger.With("project", projectID, "ref", ev.Ref, "commit", ev.After)

	if ev.Ref != "refs/heads/"+st.Branch {
		log.Info("webhook: ignoring push to other ref", "branch", st.Branch)
		return &Dispatch{Ignored: true, Reason: "ref " + ev.Ref + " is not the synced branch"}, nil
	}

	d = &Dispatch{}
	if st.AutoPull && ev.After != st.LastSyncedCommit {
		err := o.queue.Submit(worker.Task{
			Name:      "pull",
			ProjectID: projectID,
			Run: func(ctx context.Context) error {
				_, err := o.Pull(ctx, projectID)
				return retryable(err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("queue pull: %w", err)
		}
		d.PullQueued = true
	}
	if st.AutoBuild {
		commit := ev.After
		err := o.queue.Submit(worker.Task{
			Name:      "build",
			ProjectID: projectID,
			Run: func(ctx context.Context) error {
				_, err := o.Build(ctx, projectID, build.Request{Trigger: models.BuildTriggerWebhook, Commit: commit})
				return retryable(err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("queue build: %w", err)
		}
		d.BuildQueued = true
	}
	if !d.Queued() {
		d.Ignored = true
		d.Reason = "nothing to do"
	}
	log.Info("webhook handled", "pull_queued", d.PullQueued, "build_queued", d.BuildQueued)
	return d, nil
}

// retryable marks a busy lease as transient so the pool retries the task
// once the running operation has finished.
func retryable(err error) error {
	if errors.Is(err, ErrLeaseBusy) {
		return &github.TransientError{Err: err}
	}
	return err
}
