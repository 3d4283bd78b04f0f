package models

import "time"

// SourceTarget says which build target a source file belongs to.
type SourceTarget string

const (
	SourceTargetApp    SourceTarget = "app"
	SourceTargetWorker SourceTarget = "worker"
)

// SourceFile is an authoritative source text file of a project.
type SourceFile struct {
	ID        string
	ProjectID string
	Path      string // relative to the target's source directory
	Target    SourceTarget
	Content   string
	UpdatedAt time.Time
}
