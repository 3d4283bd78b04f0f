package manifest

import (
	"encoding/json"

	"github.com/joescharf/reposync/internal/models"
)

// V2 is the package.json document; app metadata lives in the pebble section.
type V2 struct {
	Name         string            `json:"name"`
	Author       string            `json:"author"`
	PkgVersion   string            `json:"version"`
	Keywords     []string          `json:"keywords"`
	Private      bool              `json:"private"`
	Dependencies map[string]string `json:"dependencies"`
	Pebble       *V2App            `json:"pebble"`
}

// V2App is the pebble section of package.json.
type V2App struct {
	DisplayName     string    `json:"displayName"`
	UUID            string    `json:"uuid"`
	SDKVersion      string    `json:"sdkVersion"`
	ProjectType     string    `json:"projectType"`
	EnableMultiJS   bool      `json:"enableMultiJS"`
	TargetPlatforms []string  `json:"targetPlatforms,omitempty"`
	Watchapp        Watchapp  `json:"watchapp"`
	MessageKeys     []string  `json:"messageKeys"`
	Capabilities    []string  `json:"capabilities"`
	Resources       Resources `json:"resources"`
}

func newV2(id Identity, media []Media) *V2 {
	if media == nil {
		media = []Media{}
	}
	projectType := id.ProjectType
	if projectType == "" {
		projectType = "native"
	}
	messageKeys := append([]string{}, id.MessageKeys...)
	return &V2{
		Name:         id.ShortName,
		Author:       id.CompanyName,
		PkgVersion:   semver(id.VersionLabel),
		Keywords:     []string{},
		Private:      true,
		Dependencies: map[string]string{},
		Pebble: &V2App{
			DisplayName:     id.LongName,
			UUID:            id.AppUUID,
			SDKVersion:      "3",
			ProjectType:     projectType,
			EnableMultiJS:   true,
			TargetPlatforms: sortedCopy(id.TargetPlatforms, true),
			Watchapp:        Watchapp{Watchface: id.Watchface},
			MessageKeys:     messageKeys,
			Capabilities:    sortedCopy(id.Capabilities, false),
			Resources:       Resources{Media: media},
		},
	}
}

// v2Unmanaged holds the package.json fields that have no local record.
type v2Unmanaged struct {
	Keywords     []string          `json:"keywords"`
	Dependencies map[string]string `json:"dependencies"`
	Pebble       *struct {
		SDKVersion    string `json:"sdkVersion"`
		EnableMultiJS *bool  `json:"enableMultiJS"`
	} `json:"pebble"`
}

// KeepUnmanaged copies npm dependencies, keywords, the SDK version and the
// multi-JS switch from a remote package.json into m. Any other manifest, or
// a remote document that does not parse, returns m unchanged.
func KeepUnmanaged(m Manifest, remote []byte) Manifest {
	v2, ok := m.(*V2)
	if !ok {
		return m
	}
	var prev v2Unmanaged
	if err := json.Unmarshal(remote, &prev); err != nil || prev.Pebble == nil {
		return m
	}

	out := *v2
	app := *v2.Pebble
	out.Pebble = &app
	if prev.Keywords != nil {
		out.Keywords = prev.Keywords
	}
	if prev.Dependencies != nil {
		out.Dependencies = prev.Dependencies
	}
	if prev.Pebble.SDKVersion != "" {
		app.SDKVersion = prev.Pebble.SDKVersion
	}
	if prev.Pebble.EnableMultiJS != nil {
		app.EnableMultiJS = *prev.Pebble.EnableMultiJS
	}
	return &out
}

func (m *V2) isManifest() {}

// Version implements Manifest.
func (m *V2) Version() models.LayoutVersion { return models.LayoutV2 }

// Media implements Manifest.
func (m *V2) Media() []Media { return m.Pebble.Resources.Media }

// Identity implements Manifest. The default "native" project type maps back
// to the empty value.
func (m *V2) Identity() Identity {
	projectType := m.Pebble.ProjectType
	if projectType == "native" {
		projectType = ""
	}
	return Identity{
		AppUUID:         m.Pebble.UUID,
		ShortName:       m.Name,
		LongName:        m.Pebble.DisplayName,
		CompanyName:     m.Author,
		VersionLabel:    shortVersion(m.PkgVersion),
		Watchface:       m.Pebble.Watchapp.Watchface,
		ProjectType:     projectType,
		Capabilities:    m.Pebble.Capabilities,
		TargetPlatforms: m.Pebble.TargetPlatforms,
		MessageKeys:     m.Pebble.MessageKeys,
	}
}
