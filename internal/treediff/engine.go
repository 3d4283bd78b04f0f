// Package treediff computes the smallest set of changes that makes a remote
// git tree match a project's local records.
package treediff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/githash"
	"github.com/joescharf/reposync/internal/layout"
	"github.com/joescharf/reposync/internal/manifest"
	"github.com/joescharf/reposync/internal/models"
)

// DefaultBuildScript is written when a project moves to the V2 layout and the
// remote has no build script yet.
const DefaultBuildScript = `#
# This file is the default set of rules to compile a Pebble project.
#
# Feel free to customize this to your needs.
#
import os.path

top = '.'
out = 'build'


def options(ctx):
    ctx.load('pebble_sdk')


def configure(ctx):
    ctx.load('pebble_sdk')


def build(ctx):
    ctx.load('pebble_sdk')

    build_worker = os.path.exists('worker_src')
    binaries = []

    cached_env = ctx.env
    for platform in ctx.env.TARGET_PLATFORMS:
        ctx.env = ctx.all_envs[platform]
        ctx.set_group(ctx.env.PLATFORM_NAME)
        app_elf = '{}/pebble-app.elf'.format(ctx.env.BUILD_DIR)
        ctx.pbl_build(source=ctx.path.ant_glob('src/c/**/*.c'), target=app_elf, bin_type='app')

        if build_worker:
            worker_elf = '{}/pebble-worker.elf'.format(ctx.env.BUILD_DIR)
            binaries.append({'platform': platform, 'app_elf': app_elf, 'worker_elf': worker_elf})
            ctx.pbl_build(source=ctx.path.ant_glob('worker_src/c/**/*.c'),
                          target=worker_elf,
                          bin_type='worker')
        else:
            binaries.append({'platform': platform, 'app_elf': app_elf})
    ctx.env = cached_env

    ctx.set_group('bundle')
    ctx.pbl_bundle(binaries=binaries,
                   js=ctx.path.ant_glob(['src/pkjs/**/*.js',
                                         'src/pkjs/**/*.json',
                                         'src/common/**/*.js']),
                   js_entry_file='src/pkjs/index.js')
`

// Remote is the part of the GitHub client the engine needs: it reads the
// remote manifest and uploads binary resources ahead of the commit.
type Remote interface {
	GetBlob(ctx context.Context, cred github.Credential, repo github.Repo, sha string) ([]byte, error)
	CreateBlob(ctx context.Context, cred github.Credential, repo github.Repo, content []byte) (string, error)
}

// Input is everything one diff looks at.
type Input struct {
	Credential github.Credential
	Repo       github.Repo
	Remote     []github.TreeEntry
	Project    *models.Project
	Sources    []*models.SourceFile
	Resources  []*models.ResourceFile
}

// Engine diffs local records against a remote tree.
type Engine struct {
	remote Remote
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil logger discards output.
func NewEngine(remote Remote, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{remote: remote, logger: logger}
}

// Diff stages the mutations that turn in.Remote into the tree described by
// the local records. Resource blobs that differ are uploaded as a side effect.
func (e *Engine) Diff(ctx context.Context, in Input) (*MutationSet, error) {
	if in.Project == nil {
		return nil, errors.New("diff: project is required")
	}
	if !in.Project.LayoutVersion.Valid() {
		return nil, fmt.Errorf("diff: project %s has no layout version", in.Project.ID)
	}
	target := layout.Layout{Root: layout.NormalizeRoot(in.Project.RepoRoot), Version: in.Project.LayoutVersion}

	set := newMutationSet(in.Remote)
	current, fresh := currentLayout(set, target)
	log := e.logger.With("project", in.Project.ID, "repo", in.Repo.String())
	log.Debug("diffing tree",
		"old_root", current.Root, "old_version", int(current.Version),
		"new_root", target.Root, "new_version", int(target.Version))

	e.diffSources(set, current, target, in.Sources)
	if err := e.diffResources(ctx, set, current, target, in); err != nil {
		return nil, err
	}
	if err := e.diffManifest(ctx, set, current, target, in); err != nil {
		return nil, err
	}
	diffBuildScript(set, current, target, fresh)

	log.Debug("diff complete",
		"additions", len(set.Additions), "updates", len(set.Updates),
		"deletions", len(set.Deletions), "relocations", len(set.Relocations))
	return set, nil
}

// currentLayout detects the layout of the remote tree. A remote with no
// recognizable project is fresh and treated as already using the target
// layout.
func currentLayout(set *MutationSet, target layout.Layout) (layout.Layout, bool) {
	paths := make([]string, 0, len(set.next))
	for p := range set.next {
		paths = append(paths, p)
	}
	l, err := layout.Detect(paths)
	if err != nil {
		return target, true
	}
	return l, false
}

func (e *Engine) diffSources(set *MutationSet, current, target layout.Layout, sources []*models.SourceFile) {
	sorted := append([]*models.SourceFile(nil), sources...)
	sort.Slice(sorted, func(i, j int) bool {
		return target.SourcePath(sorted[i]) < target.SourcePath(sorted[j])
	})

	keep := make(map[string]bool, len(sorted))
	for _, src := range sorted {
		content := []byte(src.Content)
		hash := githash.Blob(content)
		p := target.SourcePath(src)
		keep[p] = true

		if existing, ok := set.next[p]; ok {
			if existing.SHA != hash {
				set.stage(p, content, hash, false)
			}
			continue
		}
		if from := current.SourcePath(src); from != p {
			if old, ok := set.next[from]; ok && old.SHA == hash {
				set.relocate(from, p)
				continue
			}
		}
		set.stage(p, content, hash, false)
	}

	for _, p := range set.pathsUnder(append(target.SourceDirs(), current.SourceDirs()...)...) {
		if !keep[p] {
			set.remove(p)
		}
	}
}

func (e *Engine) diffResources(ctx context.Context, set *MutationSet, current, target layout.Layout, in Input) error {
	sorted := append([]*models.ResourceFile(nil), in.Resources...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FileName < sorted[j].FileName })

	keep := make(map[string]bool, len(sorted))
	for _, res := range sorted {
		hash := githash.Blob(res.Content)
		p := target.ResourcePath(res.FileName)
		keep[p] = true

		existing, ok := set.next[p]
		if ok && existing.SHA == hash {
			continue
		}
		if !ok {
			if from := current.ResourcePath(res.FileName); from != p {
				if old, found := set.next[from]; found && old.SHA == hash {
					set.relocate(from, p)
					continue
				}
			}
		}

		sha, err := e.remote.CreateBlob(ctx, in.Credential, in.Repo, res.Content)
		if err != nil {
			return fmt.Errorf("upload resource %s: %w", res.FileName, err)
		}
		if sha != hash {
			return fmt.Errorf("upload resource %s: remote hash %s does not match %s", res.FileName, sha, hash)
		}
		set.stage(p, res.Content, sha, true)
	}

	for _, p := range set.pathsUnder(target.ResourceDir(), current.ResourceDir()) {
		if !keep[p] {
			set.remove(p)
		}
	}
	return nil
}

func (e *Engine) diffManifest(ctx context.Context, set *MutationSet, current, target layout.Layout, in Input) error {
	m, err := manifest.Build(target.Version, in.Project, in.Resources)
	if err != nil {
		return err
	}
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	hash := githash.Blob(data)
	p := target.ManifestPath()

	if existing, ok := set.next[p]; ok {
		if existing.SHA != hash {
			remote, err := e.remote.GetBlob(ctx, in.Credential, in.Repo, existing.SHA)
			if err != nil {
				return fmt.Errorf("fetch manifest %s: %w", p, err)
			}
			data, err = manifest.Encode(manifest.KeepUnmanaged(m, remote))
			if err != nil {
				return err
			}
			if !manifest.Equal(remote, data) {
				set.stage(p, data, githash.Blob(data), false)
			}
		}
	} else {
		set.stage(p, data, hash, false)
	}

	if old := current.ManifestPath(); old != p {
		set.remove(old)
	}
	if foreign := target.ForeignManifestPath(); foreign != p {
		set.remove(foreign)
	}
	return nil
}

// diffBuildScript handles wscript, which only V2 layouts carry. It is dropped
// when moving to V1, moved along with the root, and created with default
// content when a project first becomes V2.
func diffBuildScript(set *MutationSet, current, target layout.Layout, fresh bool) {
	p := target.BuildScriptPath()
	old := current.BuildScriptPath()

	if target.Version == models.LayoutV1 {
		if current.Version == models.LayoutV2 {
			set.remove(old)
			set.remove(p)
		}
		return
	}

	if old != p && set.has(old) {
		if set.has(p) {
			set.remove(old)
		} else {
			set.relocate(old, p)
		}
		return
	}
	if set.has(p) || (!fresh && current.Version == models.LayoutV2) {
		return
	}
	content := []byte(DefaultBuildScript)
	set.stage(p, content, githash.Blob(content), false)
}
