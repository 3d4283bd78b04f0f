// Package layout locates a project inside an arbitrary list of repository
// paths and works out which manifest schema it uses. It only looks at path
// strings, so the same detection runs against a git tree listing and against
// the file list of a downloaded archive.
package layout

import (
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/joescharf/reposync/internal/models"
)

// ErrNoProjectFound is returned when no directory holds a manifest next to a
// source directory with compiled sources.
var ErrNoProjectFound = errors.New("no project found")

const (
	ManifestV1   = "appinfo.json"
	ManifestV2   = "package.json"
	BuildScript  = "wscript"
	sourceDir    = "src/"
	workerDir    = "worker_src/"
	compiledGlob = "**/*.{c,cpp}"
)

// Layout is the detected root and schema version of a project.
type Layout struct {
	Root    string // "" for the repository root, otherwise ends in "/"
	Version models.LayoutVersion
}

// ManifestName returns the manifest filename for a version.
func ManifestName(v models.LayoutVersion) string {
	if v == models.LayoutV2 {
		return ManifestV2
	}
	return ManifestV1
}

// ManifestPath returns the path of the layout's manifest.
func (l Layout) ManifestPath() string {
	return l.Root + ManifestName(l.Version)
}

// ForeignManifestPath returns the path the other version's manifest would
// have at the same root.
func (l Layout) ForeignManifestPath() string {
	if l.Version == models.LayoutV2 {
		return l.Root + ManifestV1
	}
	return l.Root + ManifestV2
}

// ResourceDir returns the directory resource files live in.
func (l Layout) ResourceDir() string {
	if l.Version == models.LayoutV2 {
		return l.Root + "resources/"
	}
	return l.Root + "resources/src/"
}

// SourceDir returns the directory for a source target.
func (l Layout) SourceDir(target models.SourceTarget) string {
	if target == models.SourceTargetWorker {
		return l.Root + workerDir
	}
	return l.Root + sourceDir
}

// SourceDirs returns every source directory of the layout.
func (l Layout) SourceDirs() []string {
	return []string{l.Root + sourceDir, l.Root + workerDir}
}

// BuildScriptPath returns the path of the V2-only build description.
func (l Layout) BuildScriptPath() string {
	return l.Root + BuildScript
}

// SourcePath maps a source file to its repository path.
func (l Layout) SourcePath(f *models.SourceFile) string {
	return l.SourceDir(f.Target) + f.Path
}

// ResourcePath maps a resource file to its repository path.
func (l Layout) ResourcePath(fileName string) string {
	return l.ResourceDir() + fileName
}

// NormalizeRoot turns a configured sub-directory into the Root form.
func NormalizeRoot(root string) string {
	root = strings.Trim(strings.TrimSpace(root), "/")
	if root == "" || root == "." {
		return ""
	}
	return path.Clean(root) + "/"
}

type candidate struct {
	root    string
	version models.LayoutVersion
}

// Detect finds the project root and version within paths. The result does not
// depend on the order of paths.
func Detect(paths []string) (Layout, error) {
	var candidates []candidate
	for _, p := range paths {
		dir, file := path.Split(p)
		switch file {
		case ManifestV2:
			candidates = append(candidates, candidate{root: dir, version: models.LayoutV2})
		case ManifestV1:
			candidates = append(candidates, candidate{root: dir, version: models.LayoutV1})
		}
	}
	if len(candidates) == 0 {
		return Layout{}, ErrNoProjectFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		di, dj := strings.Count(candidates[i].root, "/"), strings.Count(candidates[j].root, "/")
		if di != dj {
			return di < dj
		}
		if candidates[i].root != candidates[j].root {
			return candidates[i].root < candidates[j].root
		}
		return candidates[i].version > candidates[j].version
	})

	for _, c := range candidates {
		if hasCompiledSource(paths, c.root+sourceDir) {
			return Layout{Root: c.root, Version: c.version}, nil
		}
	}
	return Layout{}, ErrNoProjectFound
}

func hasCompiledSource(paths []string, dir string) bool {
	for _, p := range paths {
		rest, ok := strings.CutPrefix(p, dir)
		if !ok || rest == "" {
			continue
		}
		if ok, _ := doublestar.Match(compiledGlob, rest); ok {
			return true
		}
	}
	return false
}

// CommonPrefix returns the top-level directory shared by every path, as found
// at the head of a downloaded repository archive. It returns "" when the paths
// do not share one.
func CommonPrefix(paths []string) string {
	prefix := ""
	for i, p := range paths {
		first, _, found := strings.Cut(p, "/")
		if !found {
			return ""
		}
		if i == 0 {
			prefix = first
		} else if first != prefix {
			return ""
		}
	}
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
