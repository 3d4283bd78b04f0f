package treediff

import (
	"sort"
	"strings"

	"github.com/joescharf/reposync/internal/github"
)

// Op is the kind of a staged mutation.
type Op string

const (
	OpAdd      Op = "add"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpRelocate Op = "relocate"
)

// Mutation is one staged change to the remote tree.
type Mutation struct {
	Op   Op
	Path string
	From string // previous path, relocations only
	SHA  string // git hash of the new content
}

// Entry is one blob or submodule gitlink of the next tree. Content is set
// when the blob does not exist remotely yet.
type Entry struct {
	Path    string
	Mode    string
	Type    string
	SHA     string
	Content []byte
}

// Pending reports whether the entry still needs a blob created.
func (e Entry) Pending() bool { return e.SHA == "" }

// MutationSet is the result of one Diff. It is consumed by a single publish.
type MutationSet struct {
	Additions   []Mutation
	Updates     []Mutation
	Deletions   []Mutation
	Relocations []Mutation

	next map[string]Entry
}

func newMutationSet(remote []github.TreeEntry) *MutationSet {
	s := &MutationSet{next: make(map[string]Entry, len(remote))}
	for _, e := range remote {
		// Directories are implied by paths; gitlinks are carried unchanged.
		if e.Type == github.TypeTree {
			continue
		}
		s.next[e.Path] = Entry{Path: e.Path, Mode: e.Mode, Type: e.Type, SHA: e.SHA}
	}
	return s
}

// Changed reports whether any mutation was staged.
func (s *MutationSet) Changed() bool {
	return len(s.Additions)+len(s.Updates)+len(s.Deletions)+len(s.Relocations) > 0
}

// Len returns the number of staged mutations.
func (s *MutationSet) Len() int {
	return len(s.Additions) + len(s.Updates) + len(s.Deletions) + len(s.Relocations)
}

// Tree returns the merged next tree sorted by path. Blobs and gitlinks are
// present; directories are implied by the paths.
func (s *MutationSet) Tree() []Entry {
	out := make([]Entry, 0, len(s.next))
	for _, e := range s.next {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Lookup returns the next-tree entry at path.
func (s *MutationSet) Lookup(path string) (Entry, bool) {
	e, ok := s.next[path]
	return e, ok
}

// Summary lists the staged mutations as short human-readable lines.
func (s *MutationSet) Summary() []string {
	var lines []string
	for _, m := range s.Additions {
		lines = append(lines, "add "+m.Path)
	}
	for _, m := range s.Updates {
		lines = append(lines, "update "+m.Path)
	}
	for _, m := range s.Relocations {
		lines = append(lines, "move "+m.From+" -> "+m.Path)
	}
	for _, m := range s.Deletions {
		lines = append(lines, "delete "+m.Path)
	}
	return lines
}

func (s *MutationSet) has(path string) bool {
	_, ok := s.next[path]
	return ok
}

// stage puts content at path. uploaded is true when a blob with hash already
// exists remotely; otherwise the entry stays pending until publish.
func (s *MutationSet) stage(path string, content []byte, hash string, uploaded bool) {
	e := Entry{Path: path, Mode: github.ModeFile, Type: github.TypeBlob, Content: content}
	old, exists := s.next[path]
	if exists && old.Mode != "" && old.Type == github.TypeBlob {
		e.Mode = old.Mode
	}
	if uploaded {
		e.SHA = hash
		e.Content = nil
	}
	s.next[path] = e

	m := Mutation{Op: OpAdd, Path: path, SHA: hash}
	if exists {
		m.Op = OpUpdate
		s.Updates = append(s.Updates, m)
		return
	}
	s.Additions = append(s.Additions, m)
}

func (s *MutationSet) relocate(from, to string) {
	e := s.next[from]
	delete(s.next, from)
	e.Path = to
	s.next[to] = e
	s.Relocations = append(s.Relocations, Mutation{Op: OpRelocate, Path: to, From: from, SHA: e.SHA})
}

func (s *MutationSet) remove(path string) {
	if !s.has(path) {
		return
	}
	delete(s.next, path)
	s.Deletions = append(s.Deletions, Mutation{Op: OpDelete, Path: path})
}

// pathsUnder returns the sorted next-tree paths below any of dirs.
func (s *MutationSet) pathsUnder(dirs ...string) []string {
	var out []string
	for p := range s.next {
		for _, d := range dirs {
			if strings.HasPrefix(p, d) {
				out = append(out, p)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
