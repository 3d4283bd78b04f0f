package github

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// API defaults.
const (
	DefaultAPIEndpoint = "https://api.github.com"
	DefaultTimeout     = 60 * time.Second
	maxResponseSize    = 100 * 1024 * 1024
)

// Tree entry modes and types as used by the git data API.
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeDir        = "040000"
	ModeSubmodule  = "160000"
	TypeBlob       = "blob"
	TypeTree       = "tree"
	TypeCommit     = "commit"
)

var (
	// ErrAuthInvalid means the remote rejected the credential. The caller
	// should discard it and ask the user to reconnect.
	ErrAuthInvalid = errors.New("github credential rejected")
	// ErrRepoAccessDenied means the user lacks collaborator rights.
	ErrRepoAccessDenied = errors.New("repository access denied")
	// ErrBranchUnavailable means the configured branch does not exist.
	ErrBranchUnavailable = errors.New("branch unavailable")
	// ErrNotFound is returned for other 404 responses.
	ErrNotFound = errors.New("not found")
)

// TransientError wraps failures that are worth retrying later: network
// errors, 5xx responses and rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s (status %d)", e.Message, e.StatusCode)
}

// Credential is the token used to authenticate one call. It is passed
// explicitly to every method; the client itself holds no credential.
type Credential struct {
	Token string
}

// Repo identifies a repository.
type Repo struct {
	Owner string
	Name  string
}

// ParseRepo parses "owner/name".
func ParseRepo(s string) (Repo, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, fmt.Errorf("invalid repository %q: want owner/name", s)
	}
	return Repo{Owner: owner, Name: strings.TrimSuffix(name, ".git")}, nil
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// Commit is a git commit object.
type Commit struct {
	SHA     string
	TreeSHA string
	Parents []string
	Message string
}

// TreeEntry is one entry of a git tree. Content is set instead of SHA when a
// new text blob should be created inline by CreateTree.
type TreeEntry struct {
	Path    string `json:"path"`
	Mode    string `json:"mode"`
	Type    string `json:"type"`
	SHA     string `json:"sha,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Content string `json:"content,omitempty"`
}

// Tree is a recursive tree listing.
type Tree struct {
	SHA       string      `json:"sha"`
	Entries   []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// Paths returns the paths of every entry, blobs and trees alike.
func (t *Tree) Paths() []string {
	paths := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		paths[i] = e.Path
	}
	return paths
}

type refResponse struct {
	Object struct {
		SHA string `json:"sha"`
	} `json:"object"`
}

type commitResponse struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Tree    struct {
		SHA string `json:"sha"`
	} `json:"tree"`
	Parents []struct {
		SHA string `json:"sha"`
	} `json:"parents"`
}

type blobResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type shaResponse struct {
	SHA string `json:"sha"`
}

type userResponse struct {
	Login string `json:"login"`
}
