package models

import "time"

// Credential is a GitHub token stored for a project owner.
type Credential struct {
	OwnerID   string
	Token     string
	Username  string
	CreatedAt time.Time
}
