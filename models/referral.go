package models

import (
	"time"

	"gorm.io/gorm"
)

// ActivationState is the lifecycle of a referral. Rows start pending and
// transition exactly once to one of the two activated states.
type ActivationState string

const (
	ActivationPending    ActivationState = "pending"
	ActivationNoReward   ActivationState = "activated_no_reward"
	ActivationWithReward ActivationState = "activated_with_reward"
)

// Terminal reports whether the state is final (no further evaluation).
func (s ActivationState) Terminal() bool {
	return s == ActivationNoReward || s == ActivationWithReward
}

// Referral links a referrer to the user they invited into their Circle.
type Referral struct {
	ID             string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ReferrerUserID string `gorm:"index;not null" json:"referrer_user_id"`       // ExternalUserID
	ReferredUserID string `gorm:"uniqueIndex;not null" json:"referred_user_id"` // ExternalUserID

	InviteCodeUsed  string          `gorm:"not null" json:"invite_code_used"`
	ActivationState ActivationState `gorm:"index;not null;default:'pending'" json:"activation_state"`
	ActivatedAt     *time.Time      `json:"activated_at,omitempty"`
	WithheldReason  string          `json:"withheld_reason,omitempty"` // set when activated_no_reward

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
