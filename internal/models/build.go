package models

import "time"

// BuildState represents the lifecycle of a build request.
type BuildState string

const (
	BuildStatePending   BuildState = "pending"
	BuildStateSucceeded BuildState = "succeeded"
	BuildStateFailed    BuildState = "failed"
)

// BuildTrigger records what caused a build.
type BuildTrigger string

const (
	BuildTriggerManual  BuildTrigger = "manual"
	BuildTriggerWebhook BuildTrigger = "webhook"
)

// BuildRequest is one queued compilation of a project, picked up by the
// external build executor.
type BuildRequest struct {
	ID           string
	ProjectID    string
	Trigger      BuildTrigger
	State        BuildState
	Commit       string
	Log          string
	ArtifactSize int64
	CreatedAt    time.Time
	FinishedAt   *time.Time
}
