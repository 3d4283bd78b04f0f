package treediff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reposync/internal/github"
	"github.com/joescharf/reposync/internal/github/githubtest"
	"github.com/joescharf/reposync/internal/githash"
	"github.com/joescharf/reposync/internal/manifest"
	"github.com/joescharf/reposync/internal/models"
)

var testRepo = github.Repo{Owner: "acme", Name: "clock"}

func newProject(v models.LayoutVersion) *models.Project {
	return &models.Project{
		ID:            "p1",
		AppUUID:       "133215f0-cf20-4c05-997b-3c9be5a64e5b",
		ShortName:     "clock",
		LongName:      "Clock",
		CompanyName:   "Acme",
		VersionLabel:  "1.0",
		LayoutVersion: v,
	}
}

func mainSource(content string) *models.SourceFile {
	return &models.SourceFile{ProjectID: "p1", Path: "main.c", Target: models.SourceTargetApp, Content: content}
}

func logoResource(content string) *models.ResourceFile {
	return &models.ResourceFile{
		ProjectID:   "p1",
		FileName:    "images/logo.png",
		Kind:        models.ResourceKindPNG,
		Content:     []byte(content),
		Identifiers: []models.ResourceIdentifier{{ResourceID: "IMAGE_LOGO"}},
	}
}

func encodeManifest(t *testing.T, v models.LayoutVersion, p *models.Project, res []*models.ResourceFile) []byte {
	t.Helper()
	m, err := manifest.Build(v, p, res)
	require.NoError(t, err)
	data, err := manifest.Encode(m)
	require.NoError(t, err)
	return data
}

func remoteTree(t *testing.T, fake *githubtest.Remote, files map[string][]byte) []github.TreeEntry {
	t.Helper()
	ctx := context.Background()
	sha := fake.Seed(testRepo, "main", files)
	commit, err := fake.GetCommit(ctx, github.Credential{}, testRepo, sha)
	require.NoError(t, err)
	tree, err := fake.GetTree(ctx, github.Credential{}, testRepo, commit.TreeSHA, true)
	require.NoError(t, err)
	return tree.Entries
}

func diff(t *testing.T, fake *githubtest.Remote, remote []github.TreeEntry, p *models.Project, src []*models.SourceFile, res []*models.ResourceFile) *MutationSet {
	t.Helper()
	set, err := NewEngine(fake, nil).Diff(context.Background(), Input{
		Repo:      testRepo,
		Remote:    remote,
		Project:   p,
		Sources:   src,
		Resources: res,
	})
	require.NoError(t, err)
	return set
}

func paths(ms []Mutation) []string {
	var out []string
	for _, m := range ms {
		out = append(out, m.Path)
	}
	return out
}

func TestDiff_NoOp(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV1)
	res := []*models.ResourceFile{logoResource("png-bytes")}
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":                     []byte("A"),
		"appinfo.json":                   encodeManifest(t, models.LayoutV1, p, res),
		"resources/src/images/logo.png": []byte("png-bytes"),
	})

	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("A")}, res)
	assert.False(t, set.Changed())
	assert.Zero(t, set.Len())
	assert.Zero(t, fake.CreateBlobCalls)
}

func TestDiff_SingleModification(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV1)
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":   []byte("A"),
		"appinfo.json": encodeManifest(t, models.LayoutV1, p, nil),
	})

	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("B")}, nil)
	require.True(t, set.Changed())
	assert.Equal(t, 1, set.Len())
	require.Len(t, set.Updates, 1)
	assert.Equal(t, "src/main.c", set.Updates[0].Path)
	assert.Equal(t, githash.BlobString("B"), set.Updates[0].SHA)

	e, ok := set.Lookup("src/main.c")
	require.True(t, ok)
	assert.True(t, e.Pending())
	assert.Equal(t, []byte("B"), e.Content)
}

func TestDiff_AddAndDeleteSources(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV1)
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":   []byte("A"),
		"src/old.c":    []byte("gone"),
		"README.md":    []byte("keep me"),
		"appinfo.json": encodeManifest(t, models.LayoutV1, p, nil),
	})

	worker := &models.SourceFile{Path: "worker.c", Target: models.SourceTargetWorker, Content: "W"}
	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("A"), worker}, nil)

	assert.Equal(t, []string{"worker_src/worker.c"}, paths(set.Additions))
	assert.Equal(t, []string{"src/old.c"}, paths(set.Deletions))
	assert.Empty(t, set.Updates)

	_, ok := set.Lookup("README.md")
	assert.True(t, ok)
}

func TestDiff_KeepsSubmoduleGitlinks(t *testing.T) {
	ctx := context.Background()
	fake := githubtest.New()
	p := newProject(models.LayoutV1)
	fake.Seed(testRepo, "main", map[string][]byte{
		"src/main.c":   []byte("A"),
		"appinfo.json": encodeManifest(t, models.LayoutV1, p, nil),
	})
	linked := "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	head := fake.AddSubmodule(testRepo, "main", "vendor/lib", linked)
	commit, err := fake.GetCommit(ctx, github.Credential{}, testRepo, head)
	require.NoError(t, err)
	tree, err := fake.GetTree(ctx, github.Credential{}, testRepo, commit.TreeSHA, true)
	require.NoError(t, err)

	set := diff(t, fake, tree.Entries, p, []*models.SourceFile{mainSource("B")}, nil)
	require.True(t, set.Changed())
	assert.Empty(t, set.Deletions)

	e, ok := set.Lookup("vendor/lib")
	require.True(t, ok)
	assert.Equal(t, github.TypeCommit, e.Type)
	assert.Equal(t, github.ModeSubmodule, e.Mode)
	assert.Equal(t, linked, e.SHA)
	assert.False(t, e.Pending())
}

func TestDiff_ResourceUploadOnlyWhenChanged(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV1)
	unchanged := logoResource("same")
	changed := &models.ResourceFile{
		FileName:    "fonts/big.ttf",
		Kind:        models.ResourceKindFont,
		Content:     []byte("new font"),
		Identifiers: []models.ResourceIdentifier{{ResourceID: "FONT_BIG"}},
	}
	res := []*models.ResourceFile{unchanged, changed}
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":                     []byte("A"),
		"appinfo.json":                   encodeManifest(t, models.LayoutV1, p, res),
		"resources/src/images/logo.png": []byte("same"),
		"resources/src/fonts/big.ttf":   []byte("old font"),
		"resources/src/stale.raw":       []byte("unused"),
	})

	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("A")}, res)
	assert.Equal(t, 1, fake.CreateBlobCalls)
	assert.Equal(t, []string{"resources/src/fonts/big.ttf"}, paths(set.Updates))
	assert.Equal(t, []string{"resources/src/stale.raw"}, paths(set.Deletions))

	e, ok := set.Lookup("resources/src/fonts/big.ttf")
	require.True(t, ok)
	assert.False(t, e.Pending())
	assert.Equal(t, githash.BlobString("new font"), e.SHA)
}

func TestDiff_MigrateV1ToV2(t *testing.T) {
	fake := githubtest.New()
	v1 := newProject(models.LayoutV1)
	res := []*models.ResourceFile{logoResource("png-bytes")}
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":                     []byte("A"),
		"appinfo.json":                   encodeManifest(t, models.LayoutV1, v1, res),
		"resources/src/images/logo.png": []byte("png-bytes"),
	})

	v2 := newProject(models.LayoutV2)
	set := diff(t, fake, remote, v2, []*models.SourceFile{mainSource("A")}, res)

	require.Len(t, set.Relocations, 1)
	assert.Equal(t, "resources/src/images/logo.png", set.Relocations[0].From)
	assert.Equal(t, "resources/images/logo.png", set.Relocations[0].Path)
	assert.Zero(t, fake.CreateBlobCalls)

	assert.ElementsMatch(t, []string{"package.json", "wscript"}, paths(set.Additions))
	assert.Equal(t, []string{"appinfo.json"}, paths(set.Deletions))

	_, ok := set.Lookup("resources/src/images/logo.png")
	assert.False(t, ok)
	e, ok := set.Lookup("package.json")
	require.True(t, ok)
	assert.Equal(t, encodeManifest(t, models.LayoutV2, v2, res), e.Content)
}

func TestDiff_MigrateV2ToV1DropsBuildScript(t *testing.T) {
	fake := githubtest.New()
	v2 := newProject(models.LayoutV2)
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":   []byte("A"),
		"package.json": encodeManifest(t, models.LayoutV2, v2, nil),
		"wscript":      []byte(DefaultBuildScript),
	})

	set := diff(t, fake, remote, newProject(models.LayoutV1), []*models.SourceFile{mainSource("A")}, nil)
	assert.Equal(t, []string{"appinfo.json"}, paths(set.Additions))
	assert.ElementsMatch(t, []string{"package.json", "wscript"}, paths(set.Deletions))
}

func TestDiff_ForeignManifestAlwaysDeleted(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV2)
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":   []byte("A"),
		"package.json": encodeManifest(t, models.LayoutV2, p, nil),
		"appinfo.json": []byte(`{"uuid": "stale"}`),
		"wscript":      []byte("custom"),
	})

	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("A")}, nil)
	assert.Equal(t, []string{"appinfo.json"}, paths(set.Deletions))
	assert.Empty(t, set.Additions)
	assert.Empty(t, set.Updates)
}

func TestDiff_ManifestComparedStructurally(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV1)
	reformatted := `{"uuid":"133215f0-cf20-4c05-997b-3c9be5a64e5b","shortName":"clock","longName":"Clock",
"companyName":"Acme","versionLabel":"1.0","sdkVersion":"2","watchapp":{"watchface":false},
"appKeys":{},"capabilities":[],"resources":{"media":[]}}`
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":   []byte("A"),
		"appinfo.json": []byte(reformatted),
	})

	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("A")}, nil)
	assert.False(t, set.Changed())
}

func TestDiff_ManifestKeepsRemoteDependencies(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV2)
	remoteDoc := `{"name": "clock", "author": "Acme", "version": "1.0.0", "keywords": ["clock"], "private": true,
"dependencies": {"pebble-clay": "^1.0.4"},
"pebble": {"displayName": "Clock", "uuid": "133215f0-cf20-4c05-997b-3c9be5a64e5b", "sdkVersion": "3",
"projectType": "native", "enableMultiJS": true, "watchapp": {"watchface": false},
"messageKeys": [], "capabilities": [], "resources": {"media": []}}}`
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":   []byte("A"),
		"package.json": []byte(remoteDoc),
		"wscript":      []byte(DefaultBuildScript),
	})

	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("B")}, nil)
	assert.Equal(t, []string{"src/main.c"}, paths(set.Updates))

	p.LongName = "Clock Face"
	set = diff(t, fake, remote, p, []*models.SourceFile{mainSource("A")}, nil)
	require.Equal(t, []string{"package.json"}, paths(set.Updates))
	e, ok := set.Lookup("package.json")
	require.True(t, ok)
	parsed, err := manifest.Parse(models.LayoutV2, e.Content)
	require.NoError(t, err)
	v2 := parsed.(*manifest.V2)
	assert.Equal(t, map[string]string{"pebble-clay": "^1.0.4"}, v2.Dependencies)
	assert.Equal(t, []string{"clock"}, v2.Keywords)
	assert.Equal(t, "Clock Face", v2.Pebble.DisplayName)
	assert.Equal(t, githash.Blob(e.Content), set.Updates[0].SHA)
}

func TestDiff_RootRelocation(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV2)
	remote := remoteTree(t, fake, map[string][]byte{
		"src/main.c":   []byte("A"),
		"package.json": encodeManifest(t, models.LayoutV2, p, nil),
		"wscript":      []byte("custom"),
	})

	p.RepoRoot = "watch"
	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("A")}, nil)

	var moved []string
	for _, m := range set.Relocations {
		moved = append(moved, m.From+"->"+m.Path)
	}
	assert.ElementsMatch(t, []string{"src/main.c->watch/src/main.c", "wscript->watch/wscript"}, moved)
	assert.Equal(t, []string{"watch/package.json"}, paths(set.Additions))
	assert.Equal(t, []string{"package.json"}, paths(set.Deletions))
}

func TestDiff_FreshRemote(t *testing.T) {
	fake := githubtest.New()
	p := newProject(models.LayoutV2)
	remote := remoteTree(t, fake, map[string][]byte{"README.md": []byte("hello")})

	set := diff(t, fake, remote, p, []*models.SourceFile{mainSource("A")}, []*models.ResourceFile{logoResource("png")})
	assert.ElementsMatch(t,
		[]string{"src/main.c", "resources/images/logo.png", "package.json", "wscript"},
		paths(set.Additions))
	assert.Empty(t, set.Deletions)
	assert.Equal(t, 1, fake.CreateBlobCalls)

	for _, e := range set.Tree() {
		assert.NotEqual(t, github.ModeDir, e.Mode)
	}
}

func TestDiff_UploadFailure(t *testing.T) {
	fake := githubtest.New()
	fake.Errors["CreateBlob"] = &github.TransientError{Err: assert.AnError}
	p := newProject(models.LayoutV1)
	remote := remoteTree(t, fake, map[string][]byte{"src/main.c": []byte("A")})

	_, err := NewEngine(fake, nil).Diff(context.Background(), Input{
		Repo:      testRepo,
		Remote:    remote,
		Project:   p,
		Resources: []*models.ResourceFile{logoResource("png")},
	})
	require.Error(t, err)
	assert.True(t, github.IsTransient(err))
}

func TestDiff_RequiresLayoutVersion(t *testing.T) {
	_, err := NewEngine(githubtest.New(), nil).Diff(context.Background(), Input{Project: newProject(models.LayoutUnknown)})
	assert.Error(t, err)
}
