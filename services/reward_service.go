// services/reward_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Sammii-HK/lunary-sub033/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RewardService issues Lunary+ benefit extensions for activated referrals.
// Grant is idempotent per (referral, account): the ledger insert with
// ON CONFLICT DO NOTHING is the atomic claim, and only the caller whose
// insert lands applies the entitlement extension. The extension itself is a
// single UPDATE with the expiry math in SQL, so grants for the same account
// from different referrals stack instead of overwriting each other.
type RewardService struct {
	DB          *gorm.DB
	BenefitDays int
}

func NewRewardService(db *gorm.DB, benefitDays int) *RewardService {
	return &RewardService{DB: db, BenefitDays: benefitDays}
}

// Grant extends accountID's Lunary+ window by BenefitDays, at most once per
// (referral, account) pair. Safe under retry and concurrent invocation.
func (s *RewardService) Grant(ctx context.Context, accountID, referralID string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		grant := models.RewardGrant{
			ID:          uuid.NewString(),
			ReferralID:  referralID,
			AccountID:   accountID,
			BenefitDays: s.BenefitDays,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referral_id"}, {Name: "account_id"}},
			DoNothing: true,
		}).Create(&grant)
		if res.Error != nil {
			return fmt.Errorf("grant ledger insert: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Already granted for this referral — idempotent no-op.
			return nil
		}

		// Extend from the current expiry when still in the future, else
		// from now — stacked rewards must not overlap, and the math has to
		// run in the database: a read-modify-write here would let two
		// concurrent grants for the same account read the same expiry and
		// lose one extension.
		res = tx.Model(&models.AccountMirror{}).
			Where("external_user_id = ?", accountID).
			Update("plus_expires_at", gorm.Expr(
				"GREATEST(COALESCE(plus_expires_at, NOW()), NOW()) + make_interval(days => ?)",
				s.BenefitDays,
			))
		if res.Error != nil {
			return fmt.Errorf("extend entitlement: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("account mirror missing for %s", accountID)
		}

		log.Printf("💫 [REWARD] +%dd Lunary+ for %s (referral %s)",
			s.BenefitDays, accountID, referralID)
		return nil
	})
}

// --- User Handlers ---

// ListUserGrants returns the authenticated user's reward grants, newest first.
func (s *RewardService) ListUserGrants(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User ID not found in context"})
	}

	var grants []models.RewardGrant
	if err := s.DB.Where("account_id = ?", userID).
		Order("granted_at DESC").
		Find(&grants).Error; err != nil {
		log.Printf("DB Error fetching user grants: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to fetch rewards"})
	}

	var acct models.AccountMirror
	var plusExpiresAt *time.Time
	if err := s.DB.Where("external_user_id = ?", userID).First(&acct).Error; err == nil {
		plusExpiresAt = acct.PlusExpiresAt
	}

	return c.JSON(fiber.Map{
		"grants":          grants,
		"plus_expires_at": plusExpiresAt,
	})
}
