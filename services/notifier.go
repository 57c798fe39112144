package services

import (
	"log"

	"github.com/Sammii-HK/lunary-sub033/email"
	"github.com/Sammii-HK/lunary-sub033/models"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

var friendNameCaser = cases.Title(language.English)

// CircleNotifier emails the referrer when a referral in their Circle
// activates with reward. Best-effort: failures are logged, never propagated
// back into the pipeline.
type CircleNotifier struct {
	DB    *gorm.DB
	Email email.Service
	Days  int
}

func NewCircleNotifier(db *gorm.DB, svc email.Service, days int) *CircleNotifier {
	return &CircleNotifier{DB: db, Email: svc, Days: days}
}

func (n *CircleNotifier) RewardActivated(ref *models.Referral) {
	go func() {
		var referrer models.AccountMirror
		if err := n.DB.Where("external_user_id = ?", ref.ReferrerUserID).First(&referrer).Error; err != nil {
			log.Printf("⚠️ [CIRCLE] No mirror for referrer %s, skipping reward email", ref.ReferrerUserID)
			return
		}
		if referrer.Email == "" {
			return
		}

		friendName := "A friend"
		var referred models.AccountMirror
		if err := n.DB.Where("external_user_id = ?", ref.ReferredUserID).First(&referred).Error; err == nil {
			if referred.DisplayName != nil && *referred.DisplayName != "" {
				friendName = friendNameCaser.String(*referred.DisplayName)
			} else if referred.Username != "" {
				friendName = friendNameCaser.String(referred.Username)
			}
		}

		if err := n.Email.SendCircleRewardEmail(referrer.Email, friendName, n.Days); err != nil {
			log.Printf("⚠️ [CIRCLE] Reward email to %s failed: %v", referrer.Email, err)
		}
	}()
}
