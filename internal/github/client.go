// Package github is a thin synchronous client for the GitHub git data API:
// refs, commits, trees, blobs, archives and the few account checks the sync
// engine needs.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Remote is the set of remote tree operations used by the sync engine.
type Remote interface {
	GetBranchHead(ctx context.Context, cred Credential, repo Repo, branch string) (string, error)
	GetCommit(ctx context.Context, cred Credential, repo Repo, sha string) (*Commit, error)
	GetTree(ctx context.Context, cred Credential, repo Repo, sha string, recursive bool) (*Tree, error)
	GetBlob(ctx context.Context, cred Credential, repo Repo, sha string) ([]byte, error)
	CreateBlob(ctx context.Context, cred Credential, repo Repo, content []byte) (string, error)
	CreateTree(ctx context.Context, cred Credential, repo Repo, entries []TreeEntry) (string, error)
	CreateCommit(ctx context.Context, cred Credential, repo Repo, message, tree string, parents []string) (string, error)
	UpdateRef(ctx context.Context, cred Credential, repo Repo, branch, sha string) error
	DownloadArchive(ctx context.Context, cred Credential, repo Repo, ref string) ([]byte, error)
	CheckCollaborator(ctx context.Context, cred Credential, repo Repo, username string) error
	Whoami(ctx context.Context, cred Credential) (string, error)
}

// Client implements Remote over HTTPS.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client for the public GitHub API.
func NewClient() *Client {
	return &Client{
		BaseURL: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithBaseURL returns a new client with a custom base URL (for testing or GitHub Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: c.HTTPClient,
	}
}

// WithHTTPClient returns a new client with a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	return &Client{
		BaseURL:    c.BaseURL,
		HTTPClient: httpClient,
	}
}

func (c *Client) repoURL(repo Repo, path string) string {
	return c.BaseURL + "/repos/" + url.PathEscape(repo.Owner) + "/" + url.PathEscape(repo.Name) + path
}

// doRequest performs one authenticated request. It does not retry; transient
// failures come back as *TransientError for the task queue to retry.
func (c *Client) doRequest(ctx context.Context, cred Credential, method, urlStr string, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &TransientError{Err: fmt.Errorf("%s %s: %w", method, urlStr, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, resp.StatusCode, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, resp.StatusCode, nil
	}
	return nil, resp.StatusCode, classify(resp, respBody)
}

// classify maps an error response onto the package's error kinds.
func classify(resp *http.Response, body []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: apiMessage(body)}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrAuthInvalid, apiErr)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return &TransientError{Err: apiErr}
	case resp.StatusCode >= 500:
		return &TransientError{Err: apiErr}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	return apiErr
}

func apiMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) getJSON(ctx context.Context, cred Credential, urlStr string, out any) error {
	body, _, err := c.doRequest(ctx, cred, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) sendJSON(ctx context.Context, cred Credential, method, urlStr string, in, out any) error {
	body, _, err := c.doRequest(ctx, cred, method, urlStr, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// GetBranchHead returns the commit sha the branch points at.
func (c *Client) GetBranchHead(ctx context.Context, cred Credential, repo Repo, branch string) (string, error) {
	var ref refResponse
	err := c.getJSON(ctx, cred, c.repoURL(repo, "/git/ref/heads/"+branch), &ref)
	if err != nil {
		var apiErr *APIError
		if errors.Is(err, ErrNotFound) || (errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict) {
			return "", fmt.Errorf("%w: %s on %s", ErrBranchUnavailable, branch, repo)
		}
		return "", fmt.Errorf("failed to get branch %s: %w", branch, err)
	}
	return ref.Object.SHA, nil
}

// GetCommit fetches a commit object.
func (c *Client) GetCommit(ctx context.Context, cred Credential, repo Repo, sha string) (*Commit, error) {
	var raw commitResponse
	if err := c.getJSON(ctx, cred, c.repoURL(repo, "/git/commits/"+sha), &raw); err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", sha, err)
	}
	commit := &Commit{SHA: raw.SHA, TreeSHA: raw.Tree.SHA, Message: raw.Message}
	for _, p := range raw.Parents {
		commit.Parents = append(commit.Parents, p.SHA)
	}
	return commit, nil
}

// GetTree fetches a tree, optionally with every nested entry.
func (c *Client) GetTree(ctx context.Context, cred Credential, repo Repo, sha string, recursive bool) (*Tree, error) {
	urlStr := c.repoURL(repo, "/git/trees/"+sha)
	if recursive {
		urlStr += "?recursive=1"
	}
	var tree Tree
	if err := c.getJSON(ctx, cred, urlStr, &tree); err != nil {
		return nil, fmt.Errorf("failed to get tree %s: %w", sha, err)
	}
	if tree.Truncated {
		return nil, fmt.Errorf("tree %s is too large to list", sha)
	}
	return &tree, nil
}

// GetBlob fetches and decodes blob content.
func (c *Client) GetBlob(ctx context.Context, cred Credential, repo Repo, sha string) ([]byte, error) {
	var raw blobResponse
	if err := c.getJSON(ctx, cred, c.repoURL(repo, "/git/blobs/"+sha), &raw); err != nil {
		return nil, fmt.Errorf("failed to get blob %s: %w", sha, err)
	}
	if raw.Encoding != "base64" {
		return []byte(raw.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob %s: %w", sha, err)
	}
	return data, nil
}

// CreateBlob uploads binary content and returns its sha.
func (c *Client) CreateBlob(ctx context.Context, cred Credential, repo Repo, content []byte) (string, error) {
	req := map[string]string{
		"content":  base64.StdEncoding.EncodeToString(content),
		"encoding": "base64",
	}
	var out shaResponse
	if err := c.sendJSON(ctx, cred, http.MethodPost, c.repoURL(repo, "/git/blobs"), req, &out); err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	return out.SHA, nil
}

// CreateTree creates a tree from the complete entry list. No base tree is
// used, so paths missing from entries are absent from the new tree.
func (c *Client) CreateTree(ctx context.Context, cred Credential, repo Repo, entries []TreeEntry) (string, error) {
	req := map[string]any{"tree": entries}
	var out shaResponse
	if err := c.sendJSON(ctx, cred, http.MethodPost, c.repoURL(repo, "/git/trees"), req, &out); err != nil {
		return "", fmt.Errorf("failed to create tree: %w", err)
	}
	return out.SHA, nil
}

// CreateCommit creates a commit object.
func (c *Client) CreateCommit(ctx context.Context, cred Credential, repo Repo, message, tree string, parents []string) (string, error) {
	req := map[string]any{
		"message": message,
		"tree":    tree,
		"parents": parents,
	}
	var out shaResponse
	if err := c.sendJSON(ctx, cred, http.MethodPost, c.repoURL(repo, "/git/commits"), req, &out); err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}
	return out.SHA, nil
}

// UpdateRef fast-forwards a branch to sha.
func (c *Client) UpdateRef(ctx context.Context, cred Credential, repo Repo, branch, sha string) error {
	req := map[string]any{"sha": sha, "force": false}
	if err := c.sendJSON(ctx, cred, http.MethodPatch, c.repoURL(repo, "/git/refs/heads/"+branch), req, nil); err != nil {
		return fmt.Errorf("failed to update branch %s: %w", branch, err)
	}
	return nil
}

// DownloadArchive fetches a zip snapshot of the repository at ref.
func (c *Client) DownloadArchive(ctx context.Context, cred Credential, repo Repo, ref string) ([]byte, error) {
	body, _, err := c.doRequest(ctx, cred, http.MethodGet, c.repoURL(repo, "/zipball/"+url.PathEscape(ref)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download archive at %s: %w", ref, err)
	}
	return body, nil
}

// CheckCollaborator returns ErrRepoAccessDenied unless username can push to repo.
func (c *Client) CheckCollaborator(ctx context.Context, cred Credential, repo Repo, username string) error {
	_, _, err := c.doRequest(ctx, cred, http.MethodGet, c.repoURL(repo, "/collaborators/"+url.PathEscape(username)), nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.Is(err, ErrNotFound) || (errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %s on %s", ErrRepoAccessDenied, username, repo)
	}
	return err
}

// Whoami returns the login the credential belongs to.
func (c *Client) Whoami(ctx context.Context, cred Credential) (string, error) {
	var user userResponse
	if err := c.getJSON(ctx, cred, c.BaseURL+"/user", &user); err != nil {
		return "", fmt.Errorf("failed to inspect credential: %w", err)
	}
	return user.Login, nil
}
