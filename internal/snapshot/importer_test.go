package snapshot

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/github/githubtest"
	"github.com/joescharf/reposync/internal/layout"
	"github.com/joescharf/reposync/internal/manifest"
	"github.com/joescharf/reposync/internal/models"
	"github.com/joescharf/reposync/internal/store"
)

var testRepo = github.Repo{Owner: "acme", Name: "clock"}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// linkedProject creates a project with a sync state pointing at "old".
func linkedProject(t *testing.T, s *store.SQLiteStore) *models.Project {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Name: "clock", LayoutVersion: models.LayoutV1}
	require.NoError(t, s.CreateProject(ctx, p))
	require.NoError(t, s.SaveSyncState(ctx, &models.SyncState{
		ProjectID: p.ID, Repo: testRepo.String(), Branch: "main", LastSyncedCommit: "old", WebhookSecret: "s",
	}))
	require.NoError(t, s.PutSource(ctx, &models.SourceFile{ProjectID: p.ID, Path: "stale.c", Content: "stale"}))
	return p
}

func v2Files(t *testing.T) map[string][]byte {
	t.Helper()
	identity := &models.Project{
		AppUUID: "133215f0-cf20-4c05-997b-3c9be5a64e5b", ShortName: "clock", LongName: "Clock",
		VersionLabel: "2.1", MessageKeys: []string{"KEY_A"},
	}
	res := []*models.ResourceFile{{
		FileName: "images/logo.png", Kind: models.ResourceKindPNG,
		Identifiers: []models.ResourceIdentifier{{ResourceID: "IMAGE_LOGO"}},
	}}
	m, err := manifest.Build(models.LayoutV2, identity, res)
	require.NoError(t, err)
	data, err := manifest.Encode(m)
	require.NoError(t, err)
	return map[string][]byte{
		"watch/package.json":              data,
		"watch/wscript":                   []byte("build"),
		"watch/src/c/main.c":              []byte("int main(void) {}"),
		"watch/src/pkjs/index.js":         []byte("// js"),
		"watch/worker_src/c/worker.c":     []byte("worker"),
		"watch/resources/images/logo.png": {0x89, 'P', 'N', 'G'},
		"README.md":                       []byte("readme"),
	}
}

func TestPull(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := linkedProject(t, s)
	fake := githubtest.New()
	head := fake.Seed(testRepo, "main", v2Files(t))

	res, err := NewImporter(fake, s, nil).Pull(ctx, Request{Repo: testRepo, ProjectID: p.ID, Commit: head})
	require.NoError(t, err)
	assert.Equal(t, head, res.Commit)
	assert.Equal(t, layout.Layout{Root: "watch/", Version: models.LayoutV2}, res.Layout)
	assert.Equal(t, 3, res.Sources)
	assert.Equal(t, 1, res.Resources)

	sources, err := s.ListSources(ctx, p.ID)
	require.NoError(t, err)
	var got []string
	for _, f := range sources {
		got = append(got, string(f.Target)+":"+f.Path)
	}
	assert.Equal(t, []string{"app:c/main.c", "app:pkjs/index.js", "worker:c/worker.c"}, got)

	resources, err := s.ListResources(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, resources[0].Content)
	assert.Equal(t, "IMAGE_LOGO", resources[0].Identifiers[0].ResourceID)

	project, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LayoutV2, project.LayoutVersion)
	assert.Equal(t, "watch/", project.RepoRoot)
	assert.Equal(t, "2.1", project.VersionLabel)
	assert.Equal(t, []string{"KEY_A"}, project.MessageKeys)

	st, err := s.GetSyncState(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, head, st.LastSyncedCommit)
	assert.Empty(t, st.PendingCommit)
}

func TestPull_ManifestDesync(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := linkedProject(t, s)
	fake := githubtest.New()
	files := v2Files(t)
	delete(files, "watch/resources/images/logo.png")
	head := fake.Seed(testRepo, "main", files)

	_, err := NewImporter(fake, s, nil).Pull(ctx, Request{Repo: testRepo, ProjectID: p.ID, Commit: head})
	assert.ErrorIs(t, err, ErrManifestDesync)
	assert.Zero(t, fake.ArchiveCalls, "nothing downloaded after a failed check")

	st, err := s.GetSyncState(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", st.LastSyncedCommit)
	assert.Empty(t, st.PendingCommit)

	sources, err := s.ListSources(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "stale.c", sources[0].Path)
}

func TestPull_NoProjectFound(t *testing.T) {
	s := newTestStore(t)
	p := linkedProject(t, s)
	fake := githubtest.New()
	head := fake.Seed(testRepo, "main", map[string][]byte{"README.md": []byte("x")})

	_, err := NewImporter(fake, s, nil).Pull(context.Background(), Request{Repo: testRepo, ProjectID: p.ID, Commit: head})
	assert.ErrorIs(t, err, layout.ErrNoProjectFound)
}

type failingStore struct {
	*store.SQLiteStore
}

func (f failingStore) ReplaceContent(context.Context, string, *store.Content) error {
	return errors.New("disk full")
}

func TestPull_ReplaceFailureIsOutOfSync(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := linkedProject(t, s)
	fake := githubtest.New()
	head := fake.Seed(testRepo, "main", v2Files(t))

	_, err := NewImporter(fake, failingStore{s}, nil).Pull(ctx, Request{Repo: testRepo, ProjectID: p.ID, Commit: head})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfSync)
	assert.Contains(t, err.Error(), "disk full")

	st, err := s.GetSyncState(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", st.LastSyncedCommit)
	assert.Empty(t, st.PendingCommit, "pending marker rolled back")
}

// cancellingStore cancels the caller's context midway through the write, as
// a client disconnecting during a pull would.
type cancellingStore struct {
	*store.SQLiteStore
	cancel context.CancelFunc
}

func (c cancellingStore) ReplaceContent(ctx context.Context, _ string, _ *store.Content) error {
	c.cancel()
	return ctx.Err()
}

func TestPull_CancelledReplaceClearsPending(t *testing.T) {
	s := newTestStore(t)
	p := linkedProject(t, s)
	fake := githubtest.New()
	head := fake.Seed(testRepo, "main", v2Files(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := NewImporter(fake, cancellingStore{s, cancel}, nil).Pull(ctx, Request{Repo: testRepo, ProjectID: p.ID, Commit: head})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfSync)
	assert.ErrorIs(t, err, context.Canceled)

	st, err := s.GetSyncState(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", st.LastSyncedCommit)
	assert.Empty(t, st.PendingCommit)
}

func TestPull_TransientErrorsPropagate(t *testing.T) {
	s := newTestStore(t)
	p := linkedProject(t, s)
	fake := githubtest.New()
	head := fake.Seed(testRepo, "main", v2Files(t))
	fake.Errors["DownloadArchive"] = &github.TransientError{Err: errors.New("503")}

	_, err := NewImporter(fake, s, nil).Pull(context.Background(), Request{Repo: testRepo, ProjectID: p.ID, Commit: head})
	assert.True(t, github.IsTransient(err))
}

func zipOf(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("src/")
	require.NoError(t, err)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestArchiveImporter_Import(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := linkedProject(t, s)

	v1 := &models.Project{ShortName: "legacy", VersionLabel: "1.0", LayoutVersion: models.LayoutV1}
	m, err := manifest.Build(models.LayoutV1, v1, nil)
	require.NoError(t, err)
	data, err := manifest.Encode(m)
	require.NoError(t, err)

	archive := zipOf(t, map[string][]byte{
		"appinfo.json": data,
		"src/main.c":   []byte("A"),
	})
	content, err := NewArchiveImporter(s, nil).Import(ctx, p.ID, archive)
	require.NoError(t, err)
	assert.Empty(t, content.Commit)
	assert.Equal(t, "", content.Project.RepoRoot)

	sources, err := s.ListSources(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "main.c", sources[0].Path)

	project, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "legacy", project.ShortName)

	st, err := s.GetSyncState(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", st.LastSyncedCommit, "manual imports leave sync state alone")
}

func TestArchiveImporter_Errors(t *testing.T) {
	a := NewArchiveImporter(nil, nil)

	_, err := a.Read([]byte("not a zip"))
	assert.ErrorIs(t, err, ErrBadArchive)

	_, err = a.Read(zipOf(t, map[string][]byte{"notes.txt": []byte("x")}))
	assert.ErrorIs(t, err, layout.ErrNoProjectFound)

	bad := `{"uuid": "x", "resources": {"media": [{"type": "png", "name": "IMG", "file": "gone.png"}]}}`
	_, err = a.Read(zipOf(t, map[string][]byte{"appinfo.json": []byte(bad), "src/main.c": []byte("A")}))
	assert.ErrorIs(t, err, ErrManifestDesync)
}

func TestArchiveImporter_EntryLargerThanDeclared(t *testing.T) {
	body := bytes.Repeat([]byte("A"), 64)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "src/main.c",
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(body),
		CompressedSize64:   uint64(len(body)),
		UncompressedSize64: 4,
	})
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = NewArchiveImporter(nil, nil).Read(buf.Bytes())
	assert.ErrorIs(t, err, ErrBadArchive)
}
