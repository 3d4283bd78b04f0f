// Package manifest builds and parses project manifests. A manifest is either
// a V1 appinfo.json or a V2 package.json; both are represented by the
// Manifest interface and converted into each other with Migrate.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/joescharf/reposync/internal/models"
)

// Manifest is implemented by *V1 and *V2 only.
type Manifest interface {
	Version() models.LayoutVersion
	Identity() Identity
	Media() []Media
	isManifest()
}

// Identity is the project metadata carried by every manifest version.
type Identity struct {
	AppUUID         string
	ShortName       string
	LongName        string
	CompanyName     string
	VersionLabel    string
	Watchface       bool
	ProjectType     string
	Capabilities    []string
	TargetPlatforms []string
	MessageKeys     []string
}

// Media is one resource identifier entry in the manifest.
type Media struct {
	Type            string   `json:"type"`
	Name            string   `json:"name"`
	File            string   `json:"file"`
	CharacterRegex  string   `json:"characterRegex,omitempty"`
	TrackingAdjust  *int     `json:"trackingAdjust,omitempty"`
	Compatibility   string   `json:"compatibility,omitempty"`
	MemoryFormat    string   `json:"memoryFormat,omitempty"`
	StorageFormat   string   `json:"storageFormat,omitempty"`
	TargetPlatforms []string `json:"targetPlatforms,omitempty"`
}

// Resources wraps the media list as it appears in both schemas.
type Resources struct {
	Media []Media `json:"media"`
}

// Watchapp holds the watchapp section of both schemas.
type Watchapp struct {
	Watchface bool `json:"watchface"`
}

// Descriptor is a resource file as described by a manifest: one file with
// every identifier that points at it.
type Descriptor struct {
	File        string
	Kind        models.ResourceKind
	Identifiers []models.ResourceIdentifier
}

// IdentityFromProject extracts the manifest identity of a project.
func IdentityFromProject(p *models.Project) Identity {
	return Identity{
		AppUUID:         p.AppUUID,
		ShortName:       p.ShortName,
		LongName:        p.LongName,
		CompanyName:     p.CompanyName,
		VersionLabel:    p.VersionLabel,
		Watchface:       p.Watchface,
		ProjectType:     p.ProjectType,
		Capabilities:    p.Capabilities,
		TargetPlatforms: p.TargetPlatforms,
		MessageKeys:     p.MessageKeys,
	}
}

// Apply copies identity fields onto a project.
func (id Identity) Apply(p *models.Project) {
	p.AppUUID = id.AppUUID
	p.ShortName = id.ShortName
	p.LongName = id.LongName
	p.CompanyName = id.CompanyName
	p.VersionLabel = id.VersionLabel
	p.Watchface = id.Watchface
	p.ProjectType = id.ProjectType
	p.Capabilities = id.Capabilities
	p.TargetPlatforms = id.TargetPlatforms
	p.MessageKeys = id.MessageKeys
}

// MediaFromResources flattens resource records into sorted media entries.
func MediaFromResources(resources []*models.ResourceFile) []Media {
	media := make([]Media, 0, len(resources))
	for _, r := range resources {
		for _, ident := range r.Identifiers {
			media = append(media, Media{
				Type:            string(r.Kind),
				Name:            ident.ResourceID,
				File:            r.FileName,
				CharacterRegex:  ident.CharacterRegex,
				TrackingAdjust:  ident.TrackingAdjust,
				Compatibility:   ident.Compatibility,
				MemoryFormat:    ident.MemoryFormat,
				StorageFormat:   ident.StorageFormat,
				TargetPlatforms: sortedCopy(ident.TargetPlatforms, true),
			})
		}
	}
	sortMedia(media)
	return media
}

func sortMedia(media []Media) {
	sort.SliceStable(media, func(i, j int) bool {
		if media[i].File != media[j].File {
			return media[i].File < media[j].File
		}
		return media[i].Name < media[j].Name
	})
}

// Build produces the canonical manifest for version from authoritative state.
func Build(version models.LayoutVersion, p *models.Project, resources []*models.ResourceFile) (Manifest, error) {
	return build(version, IdentityFromProject(p), MediaFromResources(resources))
}

func build(version models.LayoutVersion, id Identity, media []Media) (Manifest, error) {
	switch version {
	case models.LayoutV1:
		return newV1(id, media), nil
	case models.LayoutV2:
		return newV2(id, media), nil
	}
	return nil, fmt.Errorf("unsupported layout version %d", version)
}

// Migrate converts m into the manifest of another version.
func Migrate(m Manifest, to models.LayoutVersion) (Manifest, error) {
	if m.Version() == to {
		return m, nil
	}
	return build(to, m.Identity(), m.Media())
}

// Encode renders m deterministically: identical logical state always yields
// identical bytes.
func Encode(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse decodes a manifest document of the given version.
func Parse(version models.LayoutVersion, data []byte) (Manifest, error) {
	switch version {
	case models.LayoutV1:
		var m V1
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse appinfo.json: %w", err)
		}
		return &m, nil
	case models.LayoutV2:
		var m V2
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse package.json: %w", err)
		}
		if m.Pebble == nil {
			return nil, fmt.Errorf("parse package.json: no pebble section")
		}
		return &m, nil
	}
	return nil, fmt.Errorf("unsupported layout version %d", version)
}

// Descriptors groups the manifest's media entries by file.
func Descriptors(m Manifest) ([]Descriptor, error) {
	byFile := make(map[string]*Descriptor)
	for _, md := range m.Media() {
		if md.File == "" || md.Name == "" {
			return nil, fmt.Errorf("resource entry %q is missing a name or file", md.Name)
		}
		kind := models.ResourceKind(md.Type)
		if !models.ValidResourceKind(kind) {
			return nil, fmt.Errorf("resource %s has unknown type %q", md.Name, md.Type)
		}
		d, ok := byFile[md.File]
		if !ok {
			d = &Descriptor{File: md.File, Kind: kind}
			byFile[md.File] = d
		} else if d.Kind != kind {
			return nil, fmt.Errorf("resource file %s is declared as both %s and %s", md.File, d.Kind, kind)
		}
		d.Identifiers = append(d.Identifiers, models.ResourceIdentifier{
			ResourceID:      md.Name,
			CharacterRegex:  md.CharacterRegex,
			TrackingAdjust:  md.TrackingAdjust,
			Compatibility:   md.Compatibility,
			MemoryFormat:    md.MemoryFormat,
			StorageFormat:   md.StorageFormat,
			TargetPlatforms: md.TargetPlatforms,
		})
	}

	out := make([]Descriptor, 0, len(byFile))
	for _, d := range byFile {
		sort.Slice(d.Identifiers, func(i, j int) bool { return d.Identifiers[i].ResourceID < d.Identifiers[j].ResourceID })
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out, nil
}

// Equal compares two JSON documents structurally, ignoring formatting and
// key order. Undecodable input is never equal.
func Equal(a, b []byte) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return cmp.Equal(va, vb)
}

// sortedCopy returns a sorted copy of s; nil stays nil unless keepNil is false.
func sortedCopy(s []string, keepNil bool) []string {
	if s == nil {
		if keepNil {
			return nil
		}
		return []string{}
	}
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}

// shortVersion renders a label as major.minor, dropping a zero patch.
func shortVersion(label string) string {
	if label == "" {
		return "1.0"
	}
	parts := strings.Split(label, ".")
	if len(parts) == 3 && parts[2] == "0" {
		return parts[0] + "." + parts[1]
	}
	return label
}

// semver renders a label as major.minor.patch.
func semver(label string) string {
	label = shortVersion(label)
	if strings.Count(label, ".") == 1 {
		return label + ".0"
	}
	return label
}
