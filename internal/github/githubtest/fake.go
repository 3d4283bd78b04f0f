// Package githubtest provides an in-memory github.Remote for tests. Object ids
// are real git hashes, so local hashing agrees with the fake exactly as it
// does with GitHub.
package githubtest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/githash"
)

type commit struct {
	tree    string
	parents []string
	message string
}

// Remote is a fake single-host GitHub. The zero value is not usable; call New.
type Remote struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	trees   map[string][]github.TreeEntry
	commits map[string]commit
	refs    map[string]string

	// Errors injects a failure for the named method ("CreateTree", ...).
	Errors map[string]error
	// Collaborators lists logins with push access per repo.
	Collaborators map[string][]string
	// Login is returned by Whoami.
	Login string

	CreateBlobCalls   int
	CreateTreeCalls   int
	CreateCommitCalls int
	UpdateRefCalls    int
	ArchiveCalls      int
}

var _ github.Remote = (*Remote)(nil)

// New creates an empty fake.
func New() *Remote {
	return &Remote{
		blobs:         make(map[string][]byte),
		trees:         make(map[string][]github.TreeEntry),
		commits:       make(map[string]commit),
		refs:          make(map[string]string),
		Errors:        make(map[string]error),
		Collaborators: make(map[string][]string),
		Login:         "tester",
	}
}

func refKey(repo github.Repo, branch string) string {
	return repo.String() + ":" + branch
}

func (r *Remote) fail(method string) error {
	if err, ok := r.Errors[method]; ok {
		return err
	}
	return nil
}

// Seed creates a commit holding files on branch, parented on the current head
// if there is one, and returns its sha.
func (r *Remote) Seed(repo github.Repo, branch string, files map[string][]byte) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]github.TreeEntry, 0, len(files))
	for p, data := range files {
		sha := githash.Blob(data)
		r.blobs[sha] = append([]byte(nil), data...)
		entries = append(entries, github.TreeEntry{Path: p, Mode: github.ModeFile, Type: github.TypeBlob, SHA: sha})
	}
	treeSHA := r.storeTree(entries)

	var parents []string
	if head, ok := r.refs[refKey(repo, branch)]; ok {
		parents = []string{head}
	}
	sha := r.storeCommit(commit{tree: treeSHA, parents: parents, message: "seed"})
	r.refs[refKey(repo, branch)] = sha
	return sha
}

// AddSubmodule commits a gitlink at path pointing to sha on top of the
// current head of branch and returns the new head.
func (r *Remote) AddSubmodule(repo github.Repo, branch, path, sha string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := refKey(repo, branch)
	var entries []github.TreeEntry
	var parents []string
	if head, ok := r.refs[key]; ok {
		parents = []string{head}
		for _, e := range r.trees[r.commits[head].tree] {
			if e.Type != github.TypeTree {
				entries = append(entries, e)
			}
		}
	}
	entries = append(entries, github.TreeEntry{Path: path, Mode: github.ModeSubmodule, Type: github.TypeCommit, SHA: sha})
	head := r.storeCommit(commit{tree: r.storeTree(entries), parents: parents, message: "add submodule"})
	r.refs[key] = head
	return head
}

// Entry returns the tree entry at path in the head of branch.
func (r *Remote) Entry(repo github.Repo, branch, path string) (github.TreeEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, ok := r.refs[refKey(repo, branch)]
	if !ok {
		return github.TreeEntry{}, false
	}
	for _, e := range r.trees[r.commits[head].tree] {
		if e.Path == path {
			return e, true
		}
	}
	return github.TreeEntry{}, false
}

// Files returns the content of every file at the head of branch.
func (r *Remote) Files(repo github.Repo, branch string) map[string][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]byte)
	head, ok := r.refs[refKey(repo, branch)]
	if !ok {
		return out
	}
	for _, e := range r.trees[r.commits[head].tree] {
		if e.Type == github.TypeBlob {
			out[e.Path] = r.blobs[e.SHA]
		}
	}
	return out
}

// Parents returns the parents of a commit.
func (r *Remote) Parents(sha string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits[sha].parents
}

// storeTree keeps blob entries and synthesizes directory entries, the way a
// recursive listing from GitHub includes them.
func (r *Remote) storeTree(entries []github.TreeEntry) string {
	dirs := make(map[string]bool)
	var full []github.TreeEntry
	for _, e := range entries {
		full = append(full, e)
		for dir := path.Dir(e.Path); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	for dir := range dirs {
		full = append(full, github.TreeEntry{Path: dir, Mode: github.ModeDir, Type: github.TypeTree, SHA: githash.BlobString("dir:" + dir)})
	}
	sort.Slice(full, func(i, j int) bool { return full[i].Path < full[j].Path })

	var sig strings.Builder
	for _, e := range full {
		fmt.Fprintf(&sig, "%s %s %s\n", e.Mode, e.SHA, e.Path)
	}
	sha := githash.BlobString("tree:" + sig.String())
	r.trees[sha] = full
	return sha
}

func (r *Remote) storeCommit(c commit) string {
	sha := githash.BlobString(fmt.Sprintf("commit:%s:%v:%s:%d", c.tree, c.parents, c.message, len(r.commits)))
	r.commits[sha] = c
	return sha
}

func (r *Remote) GetBranchHead(_ context.Context, _ github.Credential, repo github.Repo, branch string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetBranchHead"); err != nil {
		return "", err
	}
	head, ok := r.refs[refKey(repo, branch)]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", github.ErrBranchUnavailable, branch, repo)
	}
	return head, nil
}

func (r *Remote) GetCommit(_ context.Context, _ github.Credential, _ github.Repo, sha string) (*github.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetCommit"); err != nil {
		return nil, err
	}
	c, ok := r.commits[sha]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", sha, github.ErrNotFound)
	}
	return &github.Commit{SHA: sha, TreeSHA: c.tree, Parents: c.parents, Message: c.message}, nil
}

func (r *Remote) GetTree(_ context.Context, _ github.Credential, _ github.Repo, sha string, _ bool) (*github.Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetTree"); err != nil {
		return nil, err
	}
	entries, ok := r.trees[sha]
	if !ok {
		return nil, fmt.Errorf("tree %s: %w", sha, github.ErrNotFound)
	}
	return &github.Tree{SHA: sha, Entries: append([]github.TreeEntry(nil), entries...)}, nil
}

func (r *Remote) GetBlob(_ context.Context, _ github.Credential, _ github.Repo, sha string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetBlob"); err != nil {
		return nil, err
	}
	data, ok := r.blobs[sha]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", sha, github.ErrNotFound)
	}
	return data, nil
}

func (r *Remote) CreateBlob(_ context.Context, _ github.Credential, _ github.Repo, content []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CreateBlobCalls++
	if err := r.fail("CreateBlob"); err != nil {
		return "", err
	}
	sha := githash.Blob(content)
	r.blobs[sha] = append([]byte(nil), content...)
	return sha, nil
}

func (r *Remote) CreateTree(_ context.Context, _ github.Credential, _ github.Repo, entries []github.TreeEntry) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CreateTreeCalls++
	if err := r.fail("CreateTree"); err != nil {
		return "", err
	}
	stored := make([]github.TreeEntry, 0, len(entries))
	for _, e := range entries {
		if e.Type == github.TypeCommit {
			stored = append(stored, e)
			continue
		}
		if e.Type != github.TypeBlob {
			return "", fmt.Errorf("unexpected %s entry %s", e.Type, e.Path)
		}
		if e.Content != "" || e.SHA == "" {
			e.SHA = githash.BlobString(e.Content)
			r.blobs[e.SHA] = []byte(e.Content)
			e.Content = ""
		}
		if _, ok := r.blobs[e.SHA]; !ok {
			return "", fmt.Errorf("tree references unknown blob %s at %s", e.SHA, e.Path)
		}
		stored = append(stored, e)
	}
	return r.storeTree(stored), nil
}

func (r *Remote) CreateCommit(_ context.Context, _ github.Credential, _ github.Repo, message, tree string, parents []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CreateCommitCalls++
	if err := r.fail("CreateCommit"); err != nil {
		return "", err
	}
	if _, ok := r.trees[tree]; !ok {
		return "", fmt.Errorf("unknown tree %s", tree)
	}
	return r.storeCommit(commit{tree: tree, parents: parents, message: message}), nil
}

func (r *Remote) UpdateRef(_ context.Context, _ github.Credential, repo github.Repo, branch, sha string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.UpdateRefCalls++
	if err := r.fail("UpdateRef"); err != nil {
		return err
	}
	key := refKey(repo, branch)
	if head, ok := r.refs[key]; ok {
		c := r.commits[sha]
		if len(c.parents) == 0 || c.parents[0] != head {
			return &github.APIError{StatusCode: 422, Message: "Update is not a fast forward"}
		}
	}
	r.refs[key] = sha
	return nil
}

// DownloadArchive zips the tree of ref under a GitHub-style top directory.
func (r *Remote) DownloadArchive(_ context.Context, _ github.Credential, repo github.Repo, ref string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ArchiveCalls++
	if err := r.fail("DownloadArchive"); err != nil {
		return nil, err
	}
	sha := ref
	if head, ok := r.refs[refKey(repo, ref)]; ok {
		sha = head
	}
	c, ok := r.commits[sha]
	if !ok {
		return nil, fmt.Errorf("ref %s: %w", ref, github.ErrNotFound)
	}

	prefix := fmt.Sprintf("%s-%s-%s/", repo.Owner, repo.Name, sha[:7])
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range r.trees[c.tree] {
		if e.Type != github.TypeBlob {
			continue
		}
		w, err := zw.Create(prefix + e.Path)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(r.blobs[e.SHA]); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Remote) CheckCollaborator(_ context.Context, _ github.Credential, repo github.Repo, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("CheckCollaborator"); err != nil {
		return err
	}
	for _, login := range r.Collaborators[repo.String()] {
		if login == username {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s", github.ErrRepoAccessDenied, username, repo)
}

func (r *Remote) Whoami(_ context.Context, _ github.Credential) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("Whoami"); err != nil {
		return "", err
	}
	return r.Login, nil
}
