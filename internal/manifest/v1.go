package manifest

import (
	"sort"

	"github.com/joescharf/reposync/internal/models"
)

// V1 is the appinfo.json document.
type V1 struct {
	UUID            string         `json:"uuid"`
	ShortName       string         `json:"shortName"`
	LongName        string         `json:"longName"`
	CompanyName     string         `json:"companyName"`
	VersionLabel    string         `json:"versionLabel"`
	SDKVersion      string         `json:"sdkVersion"`
	ProjectType     string         `json:"projectType,omitempty"`
	TargetPlatforms []string       `json:"targetPlatforms,omitempty"`
	Watchapp        Watchapp       `json:"watchapp"`
	AppKeys         map[string]int `json:"appKeys"`
	Capabilities    []string       `json:"capabilities"`
	Resources       Resources      `json:"resources"`
}

func newV1(id Identity, media []Media) *V1 {
	appKeys := make(map[string]int, len(id.MessageKeys))
	for i, k := range id.MessageKeys {
		appKeys[k] = i
	}
	if media == nil {
		media = []Media{}
	}
	return &V1{
		UUID:            id.AppUUID,
		ShortName:       id.ShortName,
		LongName:        id.LongName,
		CompanyName:     id.CompanyName,
		VersionLabel:    shortVersion(id.VersionLabel),
		SDKVersion:      "2",
		ProjectType:     id.ProjectType,
		TargetPlatforms: sortedCopy(id.TargetPlatforms, true),
		Watchapp:        Watchapp{Watchface: id.Watchface},
		AppKeys:         appKeys,
		Capabilities:    sortedCopy(id.Capabilities, false),
		Resources:       Resources{Media: media},
	}
}

func (m *V1) isManifest() {}

// Version implements Manifest.
func (m *V1) Version() models.LayoutVersion { return models.LayoutV1 }

// Media implements Manifest.
func (m *V1) Media() []Media { return m.Resources.Media }

// Identity implements Manifest. Message keys come back ordered by their
// numeric key.
func (m *V1) Identity() Identity {
	keys := make([]string, 0, len(m.AppKeys))
	for k := range m.AppKeys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m.AppKeys[keys[i]] != m.AppKeys[keys[j]] {
			return m.AppKeys[keys[i]] < m.AppKeys[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return Identity{
		AppUUID:         m.UUID,
		ShortName:       m.ShortName,
		LongName:        m.LongName,
		CompanyName:     m.CompanyName,
		VersionLabel:    shortVersion(m.VersionLabel),
		Watchface:       m.Watchapp.Watchface,
		ProjectType:     m.ProjectType,
		Capabilities:    m.Capabilities,
		TargetPlatforms: m.TargetPlatforms,
		MessageKeys:     keys,
	}
}
