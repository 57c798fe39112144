package services

import (
	"context"
	"fmt"
	"log"

	"github.com/Sammii-HK/lunary-sub033/models"
)

// OutcomeKind classifies the result of an activation check. None of these
// are errors: a no-op and a withheld reward are normal routing outcomes.
type OutcomeKind string

const (
	OutcomeNoOp     OutcomeKind = "noop"     // nothing written, referral untouched
	OutcomeWithheld OutcomeKind = "withheld" // finalized activated_no_reward
	OutcomeRewarded OutcomeKind = "rewarded" // finalized activated_with_reward
)

type ActivationOutcome struct {
	Kind   OutcomeKind
	Reason string
}

func noOp(reason string) ActivationOutcome {
	return ActivationOutcome{Kind: OutcomeNoOp, Reason: reason}
}

// RewardGranter extends a benefit for one account. Implementations must be
// safe to invoke at least once per (referral, account) pair.
type RewardGranter interface {
	Grant(ctx context.Context, accountID, referralID string) error
}

// RewardNotifier is told after a referral is finalized with reward. Delivery
// is best-effort; implementations must not block the pipeline.
type RewardNotifier interface {
	RewardActivated(ref *models.Referral)
}

// guardAction maps a guard rejection to what the chain does with it.
type guardAction int

const (
	// leave the referral pending, report a silent no-op
	actionLeave guardAction = iota
	// finalize activated_no_reward, withholding the reward
	actionWithhold
)

type chainEntry struct {
	guard    Guard
	onReject guardAction
}

// ActivationService runs the referral activation pipeline: lookup, guard
// chain, reward grant and the exactly-once terminal transition.
type ActivationService struct {
	Store    ReferralStore
	Granter  RewardGranter
	Config   GuardConfig
	Notifier RewardNotifier // optional

	chain []chainEntry
}

func NewActivationService(store ReferralStore, granter RewardGranter, cfg GuardConfig, notifier RewardNotifier) *ActivationService {
	s := &ActivationService{
		Store:    store,
		Granter:  granter,
		Config:   cfg,
		Notifier: notifier,
	}
	// Fixed order: cheap account check first, the joined IP query last.
	s.chain = []chainEntry{
		{guard: &AccountAgeGuard{Store: store, MinAge: cfg.MinAccountAge}, onReject: actionLeave},
		{guard: &VelocityGuard{Store: store, Cap: cfg.VelocityCap, Window: cfg.VelocityWindow}, onReject: actionWithhold},
		{guard: &IPCollusionGuard{Store: store, Window: cfg.IPDedupWindow}, onReject: actionWithhold},
	}
	return s
}

// CheckInviteActivation evaluates whether qualifying activity by userID
// should activate their referral. eventType is advisory, used only for
// logging. Safe to re-invoke: a referral already in a terminal state is
// re-observed as a no-op, and any store error aborts before mutation.
func (s *ActivationService) CheckInviteActivation(ctx context.Context, userID, eventType string) (ActivationOutcome, error) {
	ref, err := s.Store.FindPendingReferral(ctx, userID)
	if err != nil {
		return ActivationOutcome{}, fmt.Errorf("referral store: %w", err)
	}
	if ref == nil {
		// Common case: user was never referred, or already activated.
		return noOp("no unactivated referral"), nil
	}

	// Defensive: invite issuance should make this impossible, but the
	// invite token crosses a trust boundary.
	if ref.ReferrerUserID == ref.ReferredUserID {
		log.Printf("🚫 [CIRCLE] Self-referral on %s (user %s), ignoring", ref.ID, userID)
		return noOp("self-referral"), nil
	}

	for _, entry := range s.chain {
		result, err := entry.guard.Check(ctx, ref)
		if err != nil {
			return ActivationOutcome{}, fmt.Errorf("guard %s: %w", entry.guard.Name(), err)
		}
		if result.Pass {
			continue
		}
		if entry.onReject == actionLeave {
			log.Printf("⏸️ [CIRCLE] Referral %s left pending (%s: %s, event=%s)",
				ref.ID, entry.guard.Name(), result.Reason, eventType)
			return noOp(result.Reason), nil
		}
		won, err := s.Store.TryFinalize(ctx, ref.ID, models.ActivationNoReward, result.Reason)
		if err != nil {
			return ActivationOutcome{}, fmt.Errorf("referral store: %w", err)
		}
		if !won {
			return noOp("lost finalize race"), nil
		}
		log.Printf("🛡️ [CIRCLE] Referral %s activated without reward (%s: %s, event=%s)",
			ref.ID, entry.guard.Name(), result.Reason, eventType)
		return ActivationOutcome{Kind: OutcomeWithheld, Reason: result.Reason}, nil
	}

	// All guards passed. Grant before finalizing: the grant ledger's
	// (referral, account) key makes concurrent grants collapse to one, and
	// a grant failure here aborts before the terminal write so a retry can
	// still win the transition.
	if err := s.Granter.Grant(ctx, ref.ReferrerUserID, ref.ID); err != nil {
		return ActivationOutcome{}, fmt.Errorf("grant to referrer %s: %w", ref.ReferrerUserID, err)
	}
	if err := s.Granter.Grant(ctx, ref.ReferredUserID, ref.ID); err != nil {
		return ActivationOutcome{}, fmt.Errorf("grant to referred %s: %w", ref.ReferredUserID, err)
	}

	won, err := s.Store.TryFinalize(ctx, ref.ID, models.ActivationWithReward, "")
	if err != nil {
		return ActivationOutcome{}, fmt.Errorf("referral store: %w", err)
	}
	if !won {
		// A concurrent caller finalized first; its grants and ours collapsed
		// to the same ledger rows.
		return noOp("lost finalize race"), nil
	}

	log.Printf("🎉 [CIRCLE] Referral %s activated with reward (referrer=%s, referred=%s, event=%s)",
		ref.ID, ref.ReferrerUserID, ref.ReferredUserID, eventType)

	if s.Notifier != nil {
		s.Notifier.RewardActivated(ref)
	}

	return ActivationOutcome{Kind: OutcomeRewarded}, nil
}
