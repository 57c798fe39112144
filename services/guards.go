package services

import (
	"context"
	"time"

	"github.com/Sammii-HK/lunary-sub033/models"
)

// GuardResult is the tagged outcome of a single guard check.
type GuardResult struct {
	Pass   bool
	Reason string
}

func guardPass() GuardResult { return GuardResult{Pass: true} }

func guardReject(reason string) GuardResult { return GuardResult{Reason: reason} }

// Guard is one pass/reject check in the activation pipeline. Guards never
// mutate state; the chain decides what a rejection means.
type Guard interface {
	Name() string
	Check(ctx context.Context, ref *models.Referral) (GuardResult, error)
}

// AccountAgeGuard rejects activity from referred accounts younger than
// MinAge, blocking disposable-account farming. A missing account mirror is
// also a rejection (the sync worker may lag; the next event re-evaluates).
type AccountAgeGuard struct {
	Store  ReferralStore
	MinAge time.Duration
}

func (g *AccountAgeGuard) Name() string { return "account_age" }

func (g *AccountAgeGuard) Check(ctx context.Context, ref *models.Referral) (GuardResult, error) {
	createdAt, found, err := g.Store.AccountCreatedAt(ctx, ref.ReferredUserID)
	if err != nil {
		return GuardResult{}, err
	}
	if !found {
		return guardReject("account not found"), nil
	}
	if time.Since(createdAt) < g.MinAge {
		return guardReject("account too young"), nil
	}
	return guardPass(), nil
}

// VelocityGuard rejects referrers at or above the activation cap inside the
// trailing window, bounding worst-case payout per referrer regardless of
// legitimacy. Activations in either reward state count.
type VelocityGuard struct {
	Store  ReferralStore
	Cap    int64
	Window time.Duration // zero = all time
}

func (g *VelocityGuard) Name() string { return "velocity" }

func (g *VelocityGuard) Check(ctx context.Context, ref *models.Referral) (GuardResult, error) {
	var since time.Time
	if g.Window > 0 {
		since = time.Now().Add(-g.Window)
	}
	n, err := g.Store.CountActivationsForReferrer(ctx, ref.ReferrerUserID, since)
	if err != nil {
		return GuardResult{}, err
	}
	if n >= g.Cap {
		return guardReject("velocity cap reached"), nil
	}
	return guardPass(), nil
}

// IPCollusionGuard rejects referred users whose signup IP already produced
// an activation, defeating one-operator-many-accounts farming from a single
// network origin. No IP on record means collusion cannot be proven, so the
// check is skipped rather than failed.
type IPCollusionGuard struct {
	Store  ReferralStore
	Window time.Duration // zero = all time
}

func (g *IPCollusionGuard) Name() string { return "ip_collusion" }

func (g *IPCollusionGuard) Check(ctx context.Context, ref *models.Referral) (GuardResult, error) {
	ip, err := g.Store.SessionIP(ctx, ref.ReferredUserID)
	if err != nil {
		return GuardResult{}, err
	}
	if ip == "" {
		return guardPass(), nil
	}
	var since time.Time
	if g.Window > 0 {
		since = time.Now().Add(-g.Window)
	}
	n, err := g.Store.CountActivationsFromIP(ctx, ip, since)
	if err != nil {
		return GuardResult{}, err
	}
	if n > 0 {
		return guardReject("shared activation ip"), nil
	}
	return guardPass(), nil
}
