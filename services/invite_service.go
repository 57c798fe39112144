package services

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Sammii-HK/lunary-sub033/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InviteService issues Circle invite codes and signed invite URLs, and
// registers pending referrals when the gateway reports a signup through an
// invite link.
type InviteService struct {
	DB       *gorm.DB
	secret   []byte
	baseURL  string
	tokenTTL time.Duration
}

func NewInviteService(db *gorm.DB) *InviteService {
	secret := os.Getenv("INVITE_SIGNING_SECRET")
	if secret == "" {
		log.Fatal("❌ INVITE_SIGNING_SECRET is not set — invite links cannot be signed")
	}
	baseURL := os.Getenv("INVITE_BASE_URL")
	if baseURL == "" {
		baseURL = "https://lunary.app"
	}
	return &InviteService{
		DB:       db,
		secret:   []byte(secret),
		baseURL:  baseURL,
		tokenTTL: 30 * 24 * time.Hour,
	}
}

// InviteClaims is the signed payload embedded in an invite URL.
type InviteClaims struct {
	ReferrerID string `json:"referrer_id"`
	Code       string `json:"code"`
	jwt.RegisteredClaims
}

// makeInviteCode builds a shareable code from the user's display name plus a
// short random suffix for uniqueness.
func makeInviteCode(name string) string {
	base := slug.Make(unidecode.Unidecode(name))
	if base == "" {
		base = "friend"
	}
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}

// EnsureInviteCode returns the user's invite code, creating one on first use.
func (s *InviteService) EnsureInviteCode(userID string) (*models.InviteCode, error) {
	var code models.InviteCode
	err := s.DB.Where("user_id = ?", userID).First(&code).Error
	if err == nil {
		return &code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	name := userID
	var acct models.AccountMirror
	if err := s.DB.Where("external_user_id = ?", userID).First(&acct).Error; err == nil {
		if acct.DisplayName != nil && *acct.DisplayName != "" {
			name = *acct.DisplayName
		} else if acct.Username != "" {
			name = acct.Username
		}
	}

	code = models.InviteCode{
		ID:     uuid.NewString(),
		UserID: userID,
		Code:   makeInviteCode(name),
	}
	if err := s.DB.Create(&code).Error; err != nil {
		return nil, err
	}
	return &code, nil
}

// SignInviteToken signs the invite claims for embedding in the invite URL.
func (s *InviteService) SignInviteToken(referrerID, code string) (string, error) {
	now := time.Now()
	claims := InviteClaims{
		ReferrerID: referrerID,
		Code:       code,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lunary-circle",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseInviteToken validates a token from an invite URL and returns its claims.
func (s *InviteService) ParseInviteToken(token string) (*InviteClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &InviteClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*InviteClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid invite token")
	}
	return claims, nil
}

// --- Handlers ---

// CreateInvite returns the authenticated user's shareable invite URL.
func (s *InviteService) CreateInvite(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User ID not found in context"})
	}

	// Friend invites are a Lunary+ perk.
	var acct models.AccountMirror
	err := s.DB.Where("external_user_id = ?", userID).First(&acct).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("DB Error checking entitlement for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create invite"})
	}
	if err != nil || !acct.PlusActive(time.Now()) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":           "Friend invites require a Lunary+ subscription",
			"requiresUpgrade": true,
		})
	}

	code, err := s.EnsureInviteCode(userID)
	if err != nil {
		log.Printf("DB Error ensuring invite code: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create invite"})
	}

	token, err := s.SignInviteToken(userID, code.Code)
	if err != nil {
		log.Printf("Failed to sign invite token: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create invite"})
	}

	return c.JSON(fiber.Map{
		"invite_url": fmt.Sprintf("%s/join?invite=%s", s.baseURL, token),
		"code":       code.Code,
	})
}

// RegisterReferral is called by the gateway when a referred user completes
// signup through an invite link. Creates the pending referral and captures
// the signup session IP for the collusion guard.
func (s *InviteService) RegisterReferral(c *fiber.Ctx) error {
	var req struct {
		Token          string `json:"token"`
		ReferredUserID string `json:"referred_user_id"`
		IPAddress      string `json:"ip_address"`
		UserAgent      string `json:"user_agent"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.ReferredUserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "referred_user_id is required"})
	}

	claims, err := s.ParseInviteToken(req.Token)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid or expired invite token"})
	}

	if claims.ReferrerID == req.ReferredUserID {
		log.Printf("🚫 [CIRCLE] Self-referral signup ignored for %s", req.ReferredUserID)
		return c.JSON(fiber.Map{"message": "ignored"})
	}

	if req.IPAddress != "" {
		session := models.SessionRecord{
			ID:        uuid.NewString(),
			UserID:    req.ReferredUserID,
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
		}
		if err := s.DB.Create(&session).Error; err != nil {
			// Missing session data degrades the IP guard to a skip; the
			// referral itself must still be registered.
			log.Printf("⚠️ [CIRCLE] Failed to record signup session for %s: %v", req.ReferredUserID, err)
		}
	}

	ref := models.Referral{
		ID:             uuid.NewString(),
		ReferrerUserID: claims.ReferrerID,
		ReferredUserID: req.ReferredUserID,
		InviteCodeUsed: claims.Code,
	}
	res := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "referred_user_id"}},
		DoNothing: true,
	}).Create(&ref)
	if res.Error != nil {
		log.Printf("DB Error creating referral: %v", res.Error)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to register referral"})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "User already has a referral"})
	}

	log.Printf("🔗 [CIRCLE] Referral registered: %s invited %s (code %s)",
		claims.ReferrerID, req.ReferredUserID, claims.Code)
	return c.Status(fiber.StatusCreated).JSON(ref)
}
