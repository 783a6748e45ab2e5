package dto

import (
	"time"

	"github.com/citu-stde/stde-api/internal/models"
)

// ProviderProfile carries the profile fields the storage provider reports for
// the linked account.
type ProviderProfile struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email" validate:"omitempty,email"`
	AvatarURL string `json:"avatarUrl"`
}

// LinkRequest opens a linking attempt. State is a one-time secret minted by the
// window that opens the popup; the callback must echo it before a message is
// accepted.
type LinkRequest struct {
	State string `json:"state" validate:"required,min=16"`
}

// LinkSuccessMessage is the payload the OAuth popup posts back to the platform
// when the provider grant succeeds.
type LinkSuccessMessage struct {
	Type    string          `json:"type" validate:"required"`
	Token   string          `json:"token" validate:"required"`
	State   string          `json:"state" validate:"required"`
	Profile ProviderProfile `json:"profile"`
}

// LinkMessageTypeSuccess is the only message type the reconciler accepts.
const LinkMessageTypeSuccess = "LINK_SUCCESS"

// ProfileUpdateRequest updates the professional name fields of a profile.
type ProfileUpdateRequest struct {
	Firstname string `json:"firstname" validate:"required,min=1,max=255"`
	Lastname  string `json:"lastname" validate:"required,min=1,max=255"`
}

// UserResponse serializes a user profile.
type UserResponse struct {
	ID             string     `json:"id"`
	Firstname      string     `json:"firstname"`
	Lastname       string     `json:"lastname"`
	Email          string     `json:"email"`
	Role           string     `json:"role"`
	AvatarURL      string     `json:"avatar_url,omitempty"`
	IsActive       bool       `json:"is_active"`
	ProviderEmail  string     `json:"provider_email,omitempty"`
	ProviderLinked bool       `json:"provider_linked"`
	LinkedAt       *time.Time `json:"linked_at,omitempty"`
}

// NewUserResponse converts a User model into a DTO.
func NewUserResponse(model models.User) UserResponse {
	return UserResponse{
		ID:             model.ID,
		Firstname:      model.Firstname,
		Lastname:       model.Lastname,
		Email:          model.Email,
		Role:           model.Role,
		AvatarURL:      model.AvatarURL,
		IsActive:       model.IsActive,
		ProviderEmail:  model.ProviderEmail,
		ProviderLinked: model.ProviderLinked,
		LinkedAt:       model.LinkedAt,
	}
}
