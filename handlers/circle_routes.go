// handlers/circle_routes.go
package handlers

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/Sammii-HK/lunary-sub033/middleware"
	"github.com/Sammii-HK/lunary-sub033/models"
	"github.com/Sammii-HK/lunary-sub033/services"

	"github.com/gofiber/fiber/v2"
)

func SetupCircleRoutes(app *fiber.App, activationService *services.ActivationService, inviteService *services.InviteService, rewardService *services.RewardService) {
	// 🔐 Secured routes — require user context forwarded by the Gateway
	securedGroup := app.Group("/", middleware.UserContextMiddleware())

	// Qualifying activity (journal entry, tarot spread, daily ritual, streak
	// milestone). Fire-and-forget: the caller never waits on guard
	// evaluation, and outcomes never surface to the user in-band.
	securedGroup.Post("/user/activity", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		var req struct {
			EventType string `json:"event_type"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "cause": err.Error()})
		}
		if req.EventType == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "event_type is required"})
		}

		go func(userID, eventType string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := activationService.CheckInviteActivation(ctx, userID, eventType); err != nil {
				// Store/grant failures only — the next qualifying event
				// re-derives the correct state and retries.
				log.Printf("❌ [CIRCLE] Activation check failed for %s (event=%s): %v", userID, eventType, err)
			}
		}(userID, req.EventType)

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "accepted"})
	})

	// Referrer dashboard: everyone they invited, with activation state.
	securedGroup.Get("/user/circle", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)

		type circleMember struct {
			ReferralID      string     `json:"referral_id"`
			ReferredUserID  string     `json:"referred_user_id"`
			Username        string     `json:"username"`
			ActivationState string     `json:"activation_state"`
			ActivatedAt     *time.Time `json:"activated_at,omitempty"`
			JoinedAt        time.Time  `json:"joined_at"`
		}
		var members []circleMember
		if err := rewardService.DB.Raw(`
			SELECT r.id AS referral_id, r.referred_user_id,
			       COALESCE(am.username, '') AS username,
			       r.activation_state, r.activated_at, r.created_at AS joined_at
			FROM referrals r
			LEFT JOIN account_mirrors am ON am.external_user_id = r.referred_user_id
			WHERE r.referrer_user_id = ? AND r.deleted_at IS NULL
			ORDER BY r.created_at DESC
		`, userID).Scan(&members).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch circle",
				"cause": err.Error(),
			})
		}

		var rewarded, pending int
		for _, m := range members {
			switch models.ActivationState(m.ActivationState) {
			case models.ActivationWithReward:
				rewarded++
			case models.ActivationPending:
				pending++
			}
		}

		return c.JSON(fiber.Map{
			"members":  members,
			"total":    len(members),
			"rewarded": rewarded,
			"pending":  pending,
		})
	})

	securedGroup.Post("/user/invite", inviteService.CreateInvite)
	securedGroup.Get("/user/rewards", rewardService.ListUserGrants)

	// Gateway-internal: called during signup when an invite link was used.
	app.Post("/signup/referral", inviteService.RegisterReferral)

	// Admin endpoints
	adminGroup := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))

	adminGroup.Get("/referrals/withheld", func(c *fiber.Ctx) error {
		limit, _ := strconv.Atoi(c.Query("limit", "100"))
		if limit <= 0 || limit > 500 {
			limit = 100
		}

		var refs []models.Referral
		if err := rewardService.DB.
			Where("activation_state = ?", models.ActivationNoReward).
			Order("activated_at DESC").
			Limit(limit).
			Find(&refs).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to fetch withheld referrals",
				"cause": err.Error(),
			})
		}
		return c.JSON(refs)
	})
}
