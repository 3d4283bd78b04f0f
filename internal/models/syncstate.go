package models

import "time"

// SyncState is the persisted record of which remote commit a project was last
// reconciled against.
type SyncState struct {
	ProjectID        string
	Repo             string // owner/name
	Branch           string
	LastSyncedCommit string
	PendingCommit    string // set while a pull is replacing local records
	LastSyncAt       *time.Time
	WebhookSecret    string
	AutoPull         bool
	AutoBuild        bool
	UpdatedAt        time.Time
}

// Linked reports whether the project is connected to a repository.
func (s *SyncState) Linked() bool {
	return s != nil && s.Repo != ""
}
