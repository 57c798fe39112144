package models

import (
	"time"

	"gorm.io/gorm"
)

// AccountMirror is a local snapshot of account data needed by the guard
// pipeline and reward granter. Populated via sync worker from the profile
// service; CreatedAt reflects when the account was created upstream, not
// when the mirror row was written.
type AccountMirror struct {
	ID             string  `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ExternalUserID string  `gorm:"uniqueIndex;not null" json:"external_user_id"` // profile service UUID
	Username       string  `gorm:"index;not null" json:"username"`
	Email          string  `json:"email,omitempty"`
	DisplayName    *string `json:"display_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Lunary+ entitlement window, extended by referral rewards.
	PlusExpiresAt *time.Time `json:"plus_expires_at,omitempty"`

	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// PlusActive reports whether the account holds a live Lunary+ entitlement
// at the given instant.
func (a *AccountMirror) PlusActive(at time.Time) bool {
	return a.PlusExpiresAt != nil && a.PlusExpiresAt.After(at)
}
