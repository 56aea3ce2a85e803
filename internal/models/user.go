package models

import (
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the two marketplace profile types.
type Role string

const (
	RoleWorker  Role = "worker"
	RoleCompany Role = "company"
)

// User is the identity seam with the excluded auth/profile services: enough
// to resolve a display identity and verify request signatures, nothing more.
type User struct {
	ID          uuid.UUID `json:"id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	PublicKey   string    `json:"public_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// Identity is the display subset of a user attached to conversations and
// messages in API responses.
type Identity struct {
	ID          uuid.UUID `json:"id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}

// Identity returns the display subset of the user.
func (u *User) Identity() Identity {
	return Identity{
		ID:          u.ID,
		Role:        u.Role,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}
