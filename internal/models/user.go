package models

import (
	"strings"
	"time"
)

// Role values assignable to platform users.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// User represents a platform identity. The display name (Firstname/Lastname) is
// authoritative for everything user-facing; provider fields only carry the linked
// storage account.
type User struct {
	ID             string     `gorm:"type:uuid;primaryKey" json:"id"`
	Firstname      string     `gorm:"size:255;not null" json:"firstname"`
	Lastname       string     `gorm:"size:255;not null" json:"lastname"`
	Email          string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash   string     `gorm:"size:255" json:"-"`
	Role           string     `gorm:"size:50;not null;default:student" json:"role"`
	AvatarURL      string     `gorm:"size:500" json:"avatar_url"`
	IsActive       bool       `gorm:"default:true" json:"is_active"`
	ProviderEmail  string     `gorm:"size:255" json:"provider_email,omitempty"`
	ProviderLinked bool       `gorm:"default:false" json:"provider_linked"`
	LinkedAt       *time.Time `json:"linked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DisplayName joins the professional name fields the platform knows the user by.
func (u User) DisplayName() string {
	return strings.TrimSpace(u.Firstname + " " + u.Lastname)
}

// Capabilities is the action set a role grants. Resolved once from the role so
// callers branch on capabilities instead of scattering role-string comparisons.
type Capabilities struct {
	CanAnalyze     bool
	CanOverride    bool
	CanSubmit      bool
	CanManageUsers bool
}

// CapabilitiesForRole maps a role onto its capability set. Unknown roles get
// nothing.
func CapabilitiesForRole(role string) Capabilities {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleStudent:
		return Capabilities{CanAnalyze: true, CanSubmit: true}
	case RoleTeacher:
		return Capabilities{CanAnalyze: true, CanOverride: true, CanSubmit: true}
	case RoleAdmin:
		return Capabilities{CanManageUsers: true}
	default:
		return Capabilities{}
	}
}

// Capabilities resolves the user's capability set.
func (u User) Capabilities() Capabilities {
	return CapabilitiesForRole(u.Role)
}
