package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sammii-HK/lunary-sub033/models"

	"gorm.io/gorm"
)

// ReferralStore is the query surface the activation pipeline runs against.
// All coordination state lives behind it; the pipeline itself holds no
// mutable state, so concurrent invocations only meet inside the store.
type ReferralStore interface {
	// FindPendingReferral returns the pending referral naming userID as the
	// referred party, or nil when none exists.
	FindPendingReferral(ctx context.Context, referredUserID string) (*models.Referral, error)

	// AccountCreatedAt returns when the referred account was created
	// upstream. found is false when no mirror row exists yet.
	AccountCreatedAt(ctx context.Context, userID string) (createdAt time.Time, found bool, err error)

	// CountActivationsForReferrer counts referrals by referrerUserID already
	// in a terminal activated state (either reward outcome) on or after the
	// cutoff. A zero cutoff means all time.
	CountActivationsForReferrer(ctx context.Context, referrerUserID string, since time.Time) (int64, error)

	// SessionIP returns the IP captured for the user's signup session, or
	// "" when none is on record.
	SessionIP(ctx context.Context, userID string) (string, error)

	// CountActivationsFromIP counts activated referrals (by anyone) whose
	// referred user signed up from exactly this IP, on or after the cutoff.
	CountActivationsFromIP(ctx context.Context, ip string, since time.Time) (int64, error)

	// TryFinalize transitions the referral from pending to the given
	// terminal state and reports whether this caller won the transition.
	// An already-terminal row is a no-op (false, nil), never an error.
	TryFinalize(ctx context.Context, referralID string, to models.ActivationState, reason string) (bool, error)
}

type GormReferralStore struct {
	DB *gorm.DB
}

func NewGormReferralStore(db *gorm.DB) *GormReferralStore {
	return &GormReferralStore{DB: db}
}

func (s *GormReferralStore) FindPendingReferral(ctx context.Context, referredUserID string) (*models.Referral, error) {
	var ref models.Referral
	err := s.DB.WithContext(ctx).
		Where("referred_user_id = ? AND activation_state = ?", referredUserID, models.ActivationPending).
		First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending referral lookup: %w", err)
	}
	return &ref, nil
}

func (s *GormReferralStore) AccountCreatedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	var acct models.AccountMirror
	err := s.DB.WithContext(ctx).
		Select("created_at").
		Where("external_user_id = ?", userID).
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("account lookup: %w", err)
	}
	return acct.CreatedAt, true, nil
}

func (s *GormReferralStore) CountActivationsForReferrer(ctx context.Context, referrerUserID string, since time.Time) (int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("referrer_user_id = ?", referrerUserID).
		Where("activation_state IN ?", []models.ActivationState{models.ActivationNoReward, models.ActivationWithReward})
	if !since.IsZero() {
		q = q.Where("activated_at >= ?", since)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("referrer activation count: %w", err)
	}
	return n, nil
}

func (s *GormReferralStore) SessionIP(ctx context.Context, userID string) (string, error) {
	// The earliest session is the signup session.
	var rec models.SessionRecord
	err := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	return rec.IPAddress, nil
}

func (s *GormReferralStore) CountActivationsFromIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM referrals r
		INNER JOIN session_records sr ON sr.user_id = r.referred_user_id
		WHERE sr.ip_address = ?
		  AND r.activation_state IN ('activated_no_reward', 'activated_with_reward')
		  AND r.deleted_at IS NULL`
	args := []interface{}{ip}
	if !since.IsZero() {
		query += ` AND r.activated_at >= ?`
		args = append(args, since)
	}
	var n int64
	if err := s.DB.WithContext(ctx).Raw(query, args...).Scan(&n).Error; err != nil {
		return 0, fmt.Errorf("ip activation count: %w", err)
	}
	return n, nil
}

func (s *GormReferralStore) TryFinalize(ctx context.Context, referralID string, to models.ActivationState, reason string) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("refusing to finalize %s to non-terminal state %q", referralID, to)
	}
	now := time.Now()
	res := s.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ? AND activation_state = ?", referralID, models.ActivationPending).
		Updates(map[string]interface{}{
			"activation_state": to,
			"activated_at":     now,
			"withheld_reason":  reason,
		})
	if res.Error != nil {
		return false, fmt.Errorf("finalize referral: %w", res.Error)
	}
	// Zero rows affected means another caller already finalized — converge.
	return res.RowsAffected == 1, nil
}
