package models

import "time"

// SessionRecord associates a user with the IP address their session
// originated from, captured at signup by the gateway. Read-only input to
// the IP collusion guard; pruned on a retention schedule.
type SessionRecord struct {
	ID        string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	UserID    string    `gorm:"index;not null" json:"user_id"` // ExternalUserID
	IPAddress string    `gorm:"index;not null" json:"ip_address"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
