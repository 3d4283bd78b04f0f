package models

// ResourceKind is the binary kind of a bundled resource.
type ResourceKind string

const (
	ResourceKindPNG      ResourceKind = "png"
	ResourceKindPNGTrans ResourceKind = "png-trans"
	ResourceKindBitmap   ResourceKind = "bitmap"
	ResourceKindPBI      ResourceKind = "pbi"
	ResourceKindFont     ResourceKind = "font"
	ResourceKindRaw      ResourceKind = "raw"
)

// ValidResourceKind reports whether k is a known kind.
func ValidResourceKind(k ResourceKind) bool {
	switch k {
	case ResourceKindPNG, ResourceKindPNGTrans, ResourceKindBitmap,
		ResourceKindPBI, ResourceKindFont, ResourceKindRaw:
		return true
	}
	return false
}

// ResourceIdentifier is one named handle onto a resource file. A font file,
// for example, can be exposed at several sizes or character ranges.
type ResourceIdentifier struct {
	ResourceID      string
	CharacterRegex  string
	TrackingAdjust  *int
	Compatibility   string
	MemoryFormat    string
	StorageFormat   string
	TargetPlatforms []string
}

// ResourceFile is an authoritative bundled asset plus its manifest metadata.
type ResourceFile struct {
	ID          string
	ProjectID   string
	FileName    string // relative to the layout's resource directory
	Kind        ResourceKind
	Content     []byte
	Identifiers []ResourceIdentifier
}
