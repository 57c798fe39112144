package models

import "time"

// RewardGrant is the ledger of benefit extensions issued by the activation
// pipeline. The composite unique index on (referral_id, account_id) is the
// idempotency key: inserting with ON CONFLICT DO NOTHING makes a grant safe
// to attempt more than once per beneficiary.
type RewardGrant struct {
	ID         string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	ReferralID string `gorm:"not null;uniqueIndex:idx_reward_grant_once,priority:1" json:"referral_id"`
	AccountID  string `gorm:"not null;uniqueIndex:idx_reward_grant_once,priority:2" json:"account_id"` // ExternalUserID

	BenefitDays int       `gorm:"not null" json:"benefit_days"`
	GrantedAt   time.Time `json:"granted_at" gorm:"autoCreateTime"`
}
