package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/reposync/internal/models"
)

func testProject() *models.Project {
	return &models.Project{
		ID:              "p1",
		AppUUID:         "133215f0-cf20-4c05-997b-3c9be5a64e5b",
		ShortName:       "clock",
		LongName:        "Clock Face",
		CompanyName:     "Acme",
		VersionLabel:    "1.2",
		Watchface:       true,
		Capabilities:    []string{"location", "configurable"},
		TargetPlatforms: []string{"basalt", "aplite"},
		MessageKeys:     []string{"KEY_TEMP", "KEY_CITY"},
	}
}

func testResources() []*models.ResourceFile {
	track := -2
	return []*models.ResourceFile{
		{FileName: "images/logo.png", Kind: models.ResourceKindPNG, Identifiers: []models.ResourceIdentifier{
			{ResourceID: "IMAGE_LOGO"},
		}},
		{FileName: "fonts/roboto.ttf", Kind: models.ResourceKindFont, Identifiers: []models.ResourceIdentifier{
			{ResourceID: "FONT_ROBOTO_42", CharacterRegex: "[0-9:]", TrackingAdjust: &track},
			{ResourceID: "FONT_ROBOTO_24"},
		}},
	}
}

func encode(t *testing.T, m Manifest) string {
	t.Helper()
	data, err := Encode(m)
	require.NoError(t, err)
	return string(data)
}

func TestBuild_DeterministicAcrossOrder(t *testing.T) {
	for _, v := range []models.LayoutVersion{models.LayoutV1, models.LayoutV2} {
		res := testResources()
		a, err := Build(v, testProject(), res)
		require.NoError(t, err)

		reversed := []*models.ResourceFile{res[1], res[0]}
		reversed[0].Identifiers = []models.ResourceIdentifier{res[1].Identifiers[1], res[1].Identifiers[0]}
		b, err := Build(v, testProject(), reversed)
		require.NoError(t, err)

		assert.Equal(t, encode(t, a), encode(t, b), "version %d", v)
	}
}

func TestEncode_V1(t *testing.T) {
	m, err := Build(models.LayoutV1, testProject(), testResources())
	require.NoError(t, err)
	out := encode(t, m)

	assert.True(t, strings.HasSuffix(out, "}\n"))
	assert.Contains(t, out, `"versionLabel": "1.2"`)
	assert.Contains(t, out, `"KEY_TEMP": 0`)
	assert.Contains(t, out, `"KEY_CITY": 1`)
	assert.Contains(t, out, `"trackingAdjust": -2`)
	// fonts/ sorts before images/
	assert.Less(t, strings.Index(out, "FONT_ROBOTO_24"), strings.Index(out, "FONT_ROBOTO_42"))
	assert.Less(t, strings.Index(out, "FONT_ROBOTO_42"), strings.Index(out, "IMAGE_LOGO"))
}

func TestEncode_V2(t *testing.T) {
	m, err := Build(models.LayoutV2, testProject(), testResources())
	require.NoError(t, err)
	out := encode(t, m)

	assert.Contains(t, out, `"version": "1.2.0"`)
	assert.Contains(t, out, `"pebble": {`)
	assert.Contains(t, out, `"sdkVersion": "3"`)
	assert.Contains(t, out, `"messageKeys": [`)
	assert.Contains(t, out, `"capabilities": [
      "configurable",
      "location"
    ]`)
}

func TestParse_RoundTrip(t *testing.T) {
	for _, v := range []models.LayoutVersion{models.LayoutV1, models.LayoutV2} {
		m, err := Build(v, testProject(), testResources())
		require.NoError(t, err)
		data := encode(t, m)

		parsed, err := Parse(v, []byte(data))
		require.NoError(t, err)
		assert.Equal(t, v, parsed.Version())
		assert.Equal(t, data, encode(t, parsed))

		id := parsed.Identity()
		assert.Equal(t, "1.2", id.VersionLabel)
		assert.Equal(t, []string{"KEY_TEMP", "KEY_CITY"}, id.MessageKeys)
		assert.True(t, id.Watchface)
	}
}

func TestParse_V2PackageVersion(t *testing.T) {
	doc := `{"name": "clock", "author": "Acme", "version": "2.1.0",
"pebble": {"uuid": "133215f0-cf20-4c05-997b-3c9be5a64e5b", "displayName": "Clock",
"watchapp": {"watchface": false}, "resources": {"media": []}}}`
	m, err := Parse(models.LayoutV2, []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, models.LayoutV2, m.Version())
	assert.Equal(t, "2.1", m.Identity().VersionLabel)
	assert.Equal(t, "2.1.0", m.(*V2).PkgVersion)
	assert.Contains(t, encode(t, m), `"version": "2.1.0"`)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(models.LayoutV1, []byte("{"))
	assert.Error(t, err)

	_, err = Parse(models.LayoutV2, []byte(`{"name": "node-thing"}`))
	assert.Error(t, err)

	_, err = Parse(models.LayoutUnknown, []byte(`{}`))
	assert.Error(t, err)
}

func TestDescriptors(t *testing.T) {
	m, err := Build(models.LayoutV2, testProject(), testResources())
	require.NoError(t, err)

	descs, err := Descriptors(m)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	assert.Equal(t, "fonts/roboto.ttf", descs[0].File)
	assert.Equal(t, models.ResourceKindFont, descs[0].Kind)
	require.Len(t, descs[0].Identifiers, 2)
	assert.Equal(t, "FONT_ROBOTO_24", descs[0].Identifiers[0].ResourceID)
	assert.Equal(t, "[0-9:]", descs[0].Identifiers[1].CharacterRegex)
	require.NotNil(t, descs[0].Identifiers[1].TrackingAdjust)
	assert.Equal(t, -2, *descs[0].Identifiers[1].TrackingAdjust)

	assert.Equal(t, "images/logo.png", descs[1].File)
}

func TestDescriptors_Invalid(t *testing.T) {
	bad := `{"uuid": "x", "resources": {"media": [{"type": "mp3", "name": "SOUND", "file": "a.mp3"}]}}`
	m, err := Parse(models.LayoutV1, []byte(bad))
	require.NoError(t, err)
	_, err = Descriptors(m)
	assert.Error(t, err)

	conflict := `{"uuid": "x", "resources": {"media": [
		{"type": "png", "name": "A", "file": "a.png"},
		{"type": "raw", "name": "B", "file": "a.png"}]}}`
	m, err = Parse(models.LayoutV1, []byte(conflict))
	require.NoError(t, err)
	_, err = Descriptors(m)
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	v1, err := Build(models.LayoutV1, testProject(), testResources())
	require.NoError(t, err)

	v2, err := Migrate(v1, models.LayoutV2)
	require.NoError(t, err)
	assert.Equal(t, models.LayoutV2, v2.Version())

	direct, err := Build(models.LayoutV2, testProject(), testResources())
	require.NoError(t, err)
	assert.Equal(t, encode(t, direct), encode(t, v2))

	back, err := Migrate(v2, models.LayoutV1)
	require.NoError(t, err)
	assert.Equal(t, encode(t, v1), encode(t, back))

	same, err := Migrate(v1, models.LayoutV1)
	require.NoError(t, err)
	assert.Same(t, v1, same)
}

func TestVersionLabels(t *testing.T) {
	assert.Equal(t, "1.0", shortVersion("1.0.0"))
	assert.Equal(t, "1.0", shortVersion(""))
	assert.Equal(t, "2.3.4", shortVersion("2.3.4"))
	assert.Equal(t, "1.0.0", semver("1.0"))
	assert.Equal(t, "2.3.4", semver("2.3.4"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]byte(`{"a": 1, "b": [1, 2]}`), []byte("{\"b\":[1,2],\n\"a\":1}")))
	assert.False(t, Equal([]byte(`{"a": 1}`), []byte(`{"a": 2}`)))
	assert.False(t, Equal([]byte(`{"a": [1, 2]}`), []byte(`{"a": [2, 1]}`)))
	assert.False(t, Equal([]byte(`not json`), []byte(`not json`)))
}

func TestKeepUnmanaged(t *testing.T) {
	m, err := Build(models.LayoutV2, testProject(), nil)
	require.NoError(t, err)

	remote := `{"name": "old", "version": "0.1.0", "keywords": ["clock"],
"dependencies": {"pebble-clay": "^1.0.4"},
"pebble": {"uuid": "x", "sdkVersion": "4", "enableMultiJS": false}}`
	merged := KeepUnmanaged(m, []byte(remote)).(*V2)
	assert.Equal(t, map[string]string{"pebble-clay": "^1.0.4"}, merged.Dependencies)
	assert.Equal(t, []string{"clock"}, merged.Keywords)
	assert.Equal(t, "4", merged.Pebble.SDKVersion)
	assert.False(t, merged.Pebble.EnableMultiJS)
	// Managed fields come from the local record.
	assert.Equal(t, "clock", merged.Name)
	assert.Equal(t, "1.2.0", merged.PkgVersion)
	assert.Equal(t, "133215f0-cf20-4c05-997b-3c9be5a64e5b", merged.Pebble.UUID)

	orig := m.(*V2)
	assert.Empty(t, orig.Dependencies, "input left untouched")
	assert.True(t, orig.Pebble.EnableMultiJS)

	sparse := KeepUnmanaged(m, []byte(`{"pebble": {}}`)).(*V2)
	assert.Equal(t, "3", sparse.Pebble.SDKVersion)
	assert.True(t, sparse.Pebble.EnableMultiJS)
	assert.Equal(t, map[string]string{}, sparse.Dependencies)

	assert.Same(t, m, KeepUnmanaged(m, []byte("not json")))
	v1, err := Build(models.LayoutV1, testProject(), nil)
	require.NoError(t, err)
	assert.Same(t, v1, KeepUnmanaged(v1, []byte(remote)))
}
