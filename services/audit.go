// services/audit.go
package services

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/Sammii-HK/lunary-sub033/utils"

	"gorm.io/gorm"
)

// AuditExporter builds the daily abuse report: every referral finalized
// activated_no_reward that day with its rejection reason and signup IP,
// aggregated by reason and referrer, uploaded to R2 for trust review.
type AuditExporter struct {
	DB     *gorm.DB
	Upload func(key, contentType string, body []byte) (string, error)
}

func NewAuditExporter(db *gorm.DB) *AuditExporter {
	return &AuditExporter{DB: db, Upload: utils.UploadBytesToR2}
}

type auditEntry struct {
	ReferralID     string     `json:"referral_id"`
	ReferrerUserID string     `json:"referrer_user_id"`
	ReferredUserID string     `json:"referred_user_id"`
	Reason         string     `json:"reason"`
	SessionIP      string     `json:"session_ip,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at"`
}

type auditReport struct {
	Date       string         `json:"date"`
	Total      int            `json:"total"`
	ByReason   map[string]int `json:"by_reason"`
	ByReferrer map[string]int `json:"by_referrer"`
	Entries    []auditEntry   `json:"entries"`
}

// ExportDay uploads the abuse report for the given UTC day. A day with no
// withheld activations produces no object.
func (a *AuditExporter) ExportDay(day time.Time) error {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	var rows []auditEntry
	err := a.DB.Raw(`
		SELECT r.id AS referral_id, r.referrer_user_id, r.referred_user_id,
		       r.withheld_reason AS reason, r.activated_at,
		       (SELECT sr.ip_address FROM session_records sr
		        WHERE sr.user_id = r.referred_user_id
		        ORDER BY sr.created_at ASC LIMIT 1) AS session_ip
		FROM referrals r
		WHERE r.activation_state = 'activated_no_reward'
		  AND r.activated_at >= ? AND r.activated_at < ?
		  AND r.deleted_at IS NULL
		ORDER BY r.activated_at
	`, start, end).Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("audit query: %w", err)
	}

	if len(rows) == 0 {
		log.Printf("📋 [AUDIT] No withheld activations on %s", start.Format("2006-01-02"))
		return nil
	}

	report := auditReport{
		Date:       start.Format("2006-01-02"),
		Total:      len(rows),
		ByReason:   map[string]int{},
		ByReferrer: map[string]int{},
		Entries:    rows,
	}
	for _, e := range rows {
		report.ByReason[e.Reason]++
		report.ByReferrer[e.ReferrerUserID]++
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("audit marshal: %w", err)
	}

	key := fmt.Sprintf("audit/referrals/%s.json", report.Date)
	url, err := a.Upload(key, "application/json", body)
	if err != nil {
		return fmt.Errorf("audit upload: %w", err)
	}

	log.Printf("📋 [AUDIT] Exported %d withheld activations to %s", len(rows), url)
	return nil
}
