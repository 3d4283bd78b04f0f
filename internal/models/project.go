package models

import "time"

// LayoutVersion identifies which repository layout and manifest schema a
// project uses.
type LayoutVersion int

const (
	// LayoutUnknown is the zero value; it is never a valid target.
	LayoutUnknown LayoutVersion = 0
	// LayoutV1 keeps metadata in appinfo.json and resources under resources/src/.
	LayoutV1 LayoutVersion = 1
	// LayoutV2 keeps metadata in package.json and resources under resources/.
	LayoutV2 LayoutVersion = 2
)

// Valid reports whether v is a known layout version.
func (v LayoutVersion) Valid() bool {
	return v == LayoutV1 || v == LayoutV2
}

// Project represents an editable watch-app project and the identity metadata
// that ends up in its manifest.
type Project struct {
	ID              string
	Name            string
	OwnerID         string
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
	LayoutVersion   LayoutVersion
	RepoRoot        string // sub-directory inside the repository, "" or ending in "/"
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
