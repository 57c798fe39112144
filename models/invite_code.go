package models

// InviteCode is a user's shareable Circle invite code. One active code per
// user; the code is embedded in the signed invite URL.
type InviteCode struct {
	ID     string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID string `gorm:"uniqueIndex;not null" json:"user_id"` // ExternalUserID
	Code   string `gorm:"uniqueIndex;not null" json:"code"`

	Timestamps
}
