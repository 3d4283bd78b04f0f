package layout

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reposync/internal/models"
)

func TestDetect_V1AtRoot(t *testing.T) {
	l, err := Detect([]string{"appinfo.json", "src/main.c", "resources/src/images/logo.png"})
	require.NoError(t, err)
	assert.Equal(t, "", l.Root)
	assert.Equal(t, models.LayoutV1, l.Version)
	assert.Equal(t, "appinfo.json", l.ManifestPath())
	assert.Equal(t, "resources/src/", l.ResourceDir())
}

func TestDetect_V2InSubdirectory(t *testing.T) {
	l, err := Detect([]string{"README.md", "watch/package.json", "watch/wscript", "watch/src/c/main.c"})
	require.NoError(t, err)
	assert.Equal(t, "watch/", l.Root)
	assert.Equal(t, models.LayoutV2, l.Version)
	assert.Equal(t, "watch/package.json", l.ManifestPath())
	assert.Equal(t, "watch/resources/", l.ResourceDir())
	assert.Equal(t, "watch/wscript", l.BuildScriptPath())
}

func TestDetect_RequiresCompiledSource(t *testing.T) {
	_, err := Detect([]string{"appinfo.json", "src/js/app.js"})
	assert.ErrorIs(t, err, ErrNoProjectFound)

	_, err = Detect([]string{"README.md"})
	assert.ErrorIs(t, err, ErrNoProjectFound)

	_, err = Detect(nil)
	assert.ErrorIs(t, err, ErrNoProjectFound)
}

func TestDetect_SkipsManifestWithoutSources(t *testing.T) {
	// The node package.json at the top level has no src/ sibling.
	l, err := Detect([]string{"package.json", "app/appinfo.json", "app/src/main.c"})
	require.NoError(t, err)
	assert.Equal(t, "app/", l.Root)
	assert.Equal(t, models.LayoutV1, l.Version)
}

func TestDetect_PrefersV2AtSameRoot(t *testing.T) {
	l, err := Detect([]string{"appinfo.json", "package.json", "src/main.c"})
	require.NoError(t, err)
	assert.Equal(t, models.LayoutV2, l.Version)
}

func TestDetect_OrderIndependent(t *testing.T) {
	paths := []string{
		"docs/package.json",
		"b/appinfo.json", "b/src/x.c",
		"a/package.json", "a/src/deep/y.cpp",
		"a/appinfo.json",
		"README.md",
	}
	want, err := Detect(paths)
	require.NoError(t, err)
	assert.Equal(t, Layout{Root: "a/", Version: models.LayoutV2}, want)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), paths...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := Detect(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCommonPrefix(t *testing.T) {
	assert.Equal(t, "owner-repo-abc123/", CommonPrefix([]string{
		"owner-repo-abc123/appinfo.json",
		"owner-repo-abc123/src/main.c",
	}))
	assert.Equal(t, "", CommonPrefix([]string{"a/x", "b/y"}))
	assert.Equal(t, "", CommonPrefix([]string{"appinfo.json"}))
}

func TestNormalizeRoot(t *testing.T) {
	assert.Equal(t, "", NormalizeRoot(""))
	assert.Equal(t, "", NormalizeRoot("/"))
	assert.Equal(t, "watch/", NormalizeRoot("watch"))
	assert.Equal(t, "a/b/", NormalizeRoot("/a/b/"))
}

func TestSourcePath(t *testing.T) {
	l := Layout{Root: "w/", Version: models.LayoutV1}
	assert.Equal(t, "w/src/main.c", l.SourcePath(&models.SourceFile{Path: "main.c", Target: models.SourceTargetApp}))
	assert.Equal(t, "w/worker_src/bg.c", l.SourcePath(&models.SourceFile{Path: "bg.c", Target: models.SourceTargetWorker}))
	assert.Equal(t, "w/package.json", l.ForeignManifestPath())
}
