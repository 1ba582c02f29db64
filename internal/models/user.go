package models

import (
	"github.com/google/uuid"
)

// Role represents a user's platform role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// Profile is the display identity of a user.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl"`
}
