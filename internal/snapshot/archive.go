package snapshot

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joescharf/reposync/internal/layout"
	"github.com/joescharf/reposync/internal/manifest"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/store"
)

const maxArchiveFile = 32 << 20

// ContentStore is the persistence an import writes to.
type ContentStore interface {
	ReplaceContent(ctx context.Context, projectID string, c *store.Content) error
}

// ArchiveImporter rebuilds a project's records from a zip archive, either a
// GitHub zipball or an archive uploaded by hand.
type ArchiveImporter struct {
	store  ContentStore
	logger *slog.Logger
}

// NewArchiveImporter creates an ArchiveImporter. A nil logger discards output.
func NewArchiveImporter(s ContentStore, logger *slog.Logger) *ArchiveImporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ArchiveImporter{store: s, logger: logger}
}

// Import replaces every record of projectID with the archive content.
func (a *ArchiveImporter) Import(ctx context.Context, projectID string, data []byte) (*store.Content, error) {
	content, err := a.Read(data)
	if err != nil {
		return nil, err
	}
	if err := a.store.ReplaceContent(ctx, projectID, content); err != nil {
		return nil, fmt.Errorf("import archive: %w", err)
	}
	a.logger.Info("archive imported", "project", projectID,
		"sources", len(content.Sources), "resources", len(content.Resources))
	return content, nil
}

// Read parses an archive into project content without storing it. The
// archive's own file list is used for layout detection, so a top-level
// directory added by the archiver is handled.
func (a *ArchiveImporter) Read(data []byte) (*store.Content, error) {
	files, err := readZip(data)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	l, err := layout.Detect(paths)
	if err != nil {
		return nil, err
	}
	prefix := layout.CommonPrefix(paths)

	m, err := manifest.Parse(l.Version, files[l.ManifestPath()])
	if err != nil {
		return nil, err
	}
	descs, err := manifest.Descriptors(m)
	if err != nil {
		return nil, err
	}

	p := &models.Project{
		LayoutVersion: l.Version,
		RepoRoot:      strings.TrimPrefix(l.Root, prefix),
	}
	m.Identity().Apply(p)
	content := &store.Content{Project: p}

	for _, target := range []models.SourceTarget{models.SourceTargetApp, models.SourceTargetWorker} {
		dir := l.SourceDir(target)
		for _, name := range sortedKeys(files) {
			rel, ok := strings.CutPrefix(name, dir)
			if !ok || rel == "" {
				continue
			}
			content.Sources = append(content.Sources, &models.SourceFile{
				Path:    rel,
				Target:  target,
				Content: string(files[name]),
			})
		}
	}

	for _, d := range descs {
		data, ok := files[l.ResourcePath(d.File)]
		if !ok {
			return nil, fmt.Errorf("%w: resource %s missing from archive", ErrManifestDesync, d.File)
		}
		content.Resources = append(content.Resources, &models.ResourceFile{
			FileName:    d.File,
			Kind:        d.Kind,
			Content:     data,
			Identifiers: d.Identifiers,
		})
	}
	return content, nil
}

// readZip returns the regular files of a zip archive keyed by path.
func readZip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadArchive, err)
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		if f.UncompressedSize64 > maxArchiveFile {
			return nil, fmt.Errorf("%w: entry %s is too large", ErrBadArchive, f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		body, err := io.ReadAll(io.LimitReader(rc, maxArchiveFile+1))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrBadArchive, f.Name, err)
		}
		if len(body) > maxArchiveFile {
			return nil, fmt.Errorf("%w: entry %s is too large", ErrBadArchive, f.Name)
		}
		files[f.Name] = body
	}
	return files, nil
}
