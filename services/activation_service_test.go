package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sammii-HK/lunary-sub033/models"
)

// fakeStore is an in-memory ReferralStore that records every call so tests
// can assert how many queries each pipeline branch performs.
type fakeStore struct {
	mu       sync.Mutex
	referral *models.Referral
	accounts map[string]time.Time // ExternalUserID → createdAt
	velocity map[string]int64     // referrerUserID → prior activations
	ips      map[string]string    // userID → session IP
	ipCounts map[string]int64     // ip → prior activations
	calls    []string
	errOn    string // method name that should fail
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[string]time.Time{},
		velocity: map[string]int64{},
		ips:      map[string]string{},
		ipCounts: map[string]int64{},
	}
}

func (f *fakeStore) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.errOn == call {
		return errors.New("store down")
	}
	return nil
}

func (f *fakeStore) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeStore) FindPendingReferral(ctx context.Context, referredUserID string) (*models.Referral, error) {
	if err := f.record("find_pending"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.referral == nil || f.referral.ReferredUserID != referredUserID ||
		f.referral.ActivationState != models.ActivationPending {
		return nil, nil
	}
	copied := *f.referral
	return &copied, nil
}

func (f *fakeStore) AccountCreatedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	if err := f.record("account_created_at"); err != nil {
		return time.Time{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	createdAt, ok := f.accounts[userID]
	return createdAt, ok, nil
}

func (f *fakeStore) CountActivationsForReferrer(ctx context.Context, referrerUserID string, since time.Time) (int64, error) {
	if err := f.record("count_referrer"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.velocity[referrerUserID], nil
}

func (f *fakeStore) SessionIP(ctx context.Context, userID string) (string, error) {
	if err := f.record("session_ip"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ips[userID], nil
}

func (f *fakeStore) CountActivationsFromIP(ctx context.Context, ip string, since time.Time) (int64, error) {
	if err := f.record("count_ip"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ipCounts[ip], nil
}

func (f *fakeStore) TryFinalize(ctx context.Context, referralID string, to models.ActivationState, reason string) (bool, error) {
	if err := f.record("finalize"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.referral == nil || f.referral.ID != referralID ||
		f.referral.ActivationState != models.ActivationPending {
		return false, nil
	}
	f.referral.ActivationState = to
	f.referral.WithheldReason = reason
	now := time.Now()
	f.referral.ActivatedAt = &now
	return true, nil
}

// fakeGranter applies each (referral, account) grant at most once, the way
// the ledger's unique key does, accumulates extensions per account the way
// the atomic expiry UPDATE does, and records attempts in the store's call
// list so ordering against finalize is visible.
type fakeGranter struct {
	store   *fakeStore
	mu      sync.Mutex
	applied map[string]int
	extends map[string]int // accountID → extensions landed
	err     error
}

func newFakeGranter(store *fakeStore) *fakeGranter {
	return &fakeGranter{store: store, applied: map[string]int{}, extends: map[string]int{}}
}

func (g *fakeGranter) Grant(ctx context.Context, accountID, referralID string) error {
	_ = g.store.record("grant:" + accountID)
	if g.err != nil {
		return g.err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := referralID + "|" + accountID
	if g.applied[key] == 0 {
		g.applied[key] = 1
		g.extends[accountID]++
	}
	return nil
}

func (g *fakeGranter) appliedCount(referralID, accountID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied[referralID+"|"+accountID]
}

func (g *fakeGranter) extendCount(accountID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.extends[accountID]
}

func testConfig() GuardConfig {
	return GuardConfig{
		MinAccountAge:  time.Hour,
		VelocityCap:    3,
		VelocityWindow: 0,
		IPDedupWindow:  0,
		RewardDays:     30,
	}
}

func pendingReferral(referrer, referred string) *models.Referral {
	return &models.Referral{
		ID:              "ref-1",
		ReferrerUserID:  referrer,
		ReferredUserID:  referred,
		InviteCodeUsed:  "luna-abc123",
		ActivationState: models.ActivationPending,
	}
}

func TestNoReferralIsSingleReadNoOp(t *testing.T) {
	store := newFakeStore()
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	outcome, err := svc.CheckInviteActivation(context.Background(), "user-1", "journal_entry_created")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeNoOp || outcome.Reason != "no unactivated referral" {
		t.Fatalf("got outcome %+v", outcome)
	}
	if calls := store.callList(); len(calls) != 1 || calls[0] != "find_pending" {
		t.Fatalf("expected exactly one store read, got %v", calls)
	}
}

func TestSelfReferralIsSingleReadNoOp(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-1")
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	outcome, err := svc.CheckInviteActivation(context.Background(), "user-1", "tarot_spread_completed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeNoOp || outcome.Reason != "self-referral" {
		t.Fatalf("got outcome %+v", outcome)
	}
	if calls := store.callList(); len(calls) != 1 {
		t.Fatalf("expected exactly one store read, got %v", calls)
	}
	if store.referral.ActivationState != models.ActivationPending {
		t.Fatalf("referral should stay pending, got %s", store.referral.ActivationState)
	}
}

func TestYoungAccountLeavesReferralPending(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-5 * time.Minute)
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	outcome, err := svc.CheckInviteActivation(context.Background(), "user-2", "daily_ritual_completed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeNoOp || outcome.Reason != "account too young" {
		t.Fatalf("got outcome %+v", outcome)
	}
	want := []string{"find_pending", "account_created_at"}
	if calls := store.callList(); len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	if store.referral.ActivationState != models.ActivationPending {
		t.Fatalf("referral should stay pending for a later event")
	}
}

func TestMissingAccountLeavesReferralPending(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	outcome, err := svc.CheckInviteActivation(context.Background(), "user-2", "journal_entry_created")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeNoOp || outcome.Reason != "account not found" {
		t.Fatalf("got outcome %+v", outcome)
	}
	if store.referral.ActivationState != models.ActivationPending {
		t.Fatalf("referral should stay pending")
	}
}

func TestVelocityCapWithholdsReward(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-2 * time.Hour)
	store.velocity["user-1"] = 3
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	outcome, err := svc.CheckInviteActivation(context.Background(), "user-2", "journal_entry_created")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeWithheld || outcome.Reason != "velocity cap reached" {
		t.Fatalf("got outcome %+v", outcome)
	}
	want := []string{"find_pending", "account_created_at", "count_referrer", "finalize"}
	if calls := store.callList(); fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	if store.referral.ActivationState != models.ActivationNoReward {
		t.Fatalf("expected activated_no_reward, got %s", store.referral.ActivationState)
	}
	if n := granter.appliedCount("ref-1", "user-1"); n != 0 {
		t.Fatalf("grant must not run on withheld referral, got %d", n)
	}
}

func TestSharedIPWithholdsRewardAfterVelocityPasses(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-3 * time.Hour)
	store.velocity["user-1"] = 1
	store.ips["user-2"] = "1.2.3.4"
	store.ipCounts["1.2.3.4"] = 1
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	outcome, err := svc.CheckInviteActivation(context.Background(), "user-2", "tarot_spread_completed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeWithheld || outcome.Reason != "shared activation ip" {
		t.Fatalf("got outcome %+v", outcome)
	}
	want := []string{"find_pending", "account_created_at", "count_referrer", "session_ip", "count_ip", "finalize"}
	if calls := store.callList(); fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	if n := granter.appliedCount("ref-1", "user-2"); n != 0 {
		t.Fatalf("grant must not run on withheld referral")
	}
}

func TestMissingSessionIPSkipsCollusionGuard(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-5 * time.Hour)
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	outcome, err := svc.CheckInviteActivation(context.Background(), "user-2", "daily_ritual_completed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeRewarded {
		t.Fatalf("got outcome %+v", outcome)
	}
	for _, call := range store.callList() {
		if call == "count_ip" {
			t.Fatalf("IP count must be skipped when no session IP is on record")
		}
	}
	if store.referral.ActivationState != models.ActivationWithReward {
		t.Fatalf("expected activated_with_reward, got %s", store.referral.ActivationState)
	}
}

func TestAllGuardsPassGrantsBothPartiesThenFinalizes(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-5 * time.Hour)
	store.ips["user-2"] = "9.8.7.6"
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	outcome, err := svc.CheckInviteActivation(context.Background(), "user-2", "streak_milestone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeRewarded {
		t.Fatalf("got outcome %+v", outcome)
	}
	if granter.appliedCount("ref-1", "user-1") != 1 || granter.appliedCount("ref-1", "user-2") != 1 {
		t.Fatalf("both parties must be granted exactly once")
	}

	// Grants must precede the terminal write.
	calls := store.callList()
	finalizeIdx, grantIdx := -1, -1
	for i, call := range calls {
		switch call {
		case "finalize":
			finalizeIdx = i
		case "grant:user-1", "grant:user-2":
			if i > grantIdx {
				grantIdx = i
			}
		}
	}
	if finalizeIdx == -1 || grantIdx == -1 || grantIdx > finalizeIdx {
		t.Fatalf("grants must happen before finalize, calls: %v", calls)
	}
	if store.referral.ActivationState != models.ActivationWithReward {
		t.Fatalf("expected activated_with_reward, got %s", store.referral.ActivationState)
	}
}

func TestStoreErrorAbortsBeforeMutation(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-2 * time.Hour)
	store.errOn = "count_referrer"
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	_, err := svc.CheckInviteActivation(context.Background(), "user-2", "journal_entry_created")
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if store.referral.ActivationState != models.ActivationPending {
		t.Fatalf("store failure must not mutate the referral")
	}
	if granter.appliedCount("ref-1", "user-1") != 0 {
		t.Fatalf("store failure must not trigger a grant")
	}
}

func TestGrantErrorAbortsBeforeFinalize(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-2 * time.Hour)
	granter := newFakeGranter(store)
	granter.err = errors.New("reward backend down")
	svc := NewActivationService(store, granter, testConfig(), nil)

	_, err := svc.CheckInviteActivation(context.Background(), "user-2", "journal_entry_created")
	if err == nil {
		t.Fatal("expected grant error to propagate")
	}
	if store.referral.ActivationState != models.ActivationPending {
		t.Fatalf("a failed grant must leave the referral pending so a retry can win")
	}
}

func TestSecondInvocationAfterTerminalStateIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-2 * time.Hour)
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	if _, err := svc.CheckInviteActivation(context.Background(), "user-2", "journal_entry_created"); err != nil {
		t.Fatalf("first invocation: %v", err)
	}

	before := len(store.callList())
	outcome, err := svc.CheckInviteActivation(context.Background(), "user-2", "journal_entry_created")
	if err != nil {
		t.Fatalf("second invocation: %v", err)
	}
	if outcome.Kind != OutcomeNoOp {
		t.Fatalf("second invocation must no-op, got %+v", outcome)
	}
	if got := len(store.callList()) - before; got != 1 {
		t.Fatalf("second invocation must cost exactly one read, got %d calls", got)
	}
	if granter.appliedCount("ref-1", "user-1") != 1 {
		t.Fatalf("no additional grants on re-invocation")
	}
}

func TestGrantsFromTwoReferralsBothExtendTheReferrer(t *testing.T) {
	// user-1 referred two friends who activate at the same time. Each
	// referral grants user-1 once, and both extensions must land.
	storeA := newFakeStore()
	storeA.referral = pendingReferral("user-1", "user-2")
	storeA.accounts["user-2"] = time.Now().Add(-2 * time.Hour)

	storeB := newFakeStore()
	refB := pendingReferral("user-1", "user-3")
	refB.ID = "ref-2"
	storeB.referral = refB
	storeB.accounts["user-3"] = time.Now().Add(-2 * time.Hour)

	granter := newFakeGranter(storeA)
	svcA := NewActivationService(storeA, granter, testConfig(), nil)
	svcB := NewActivationService(storeB, granter, testConfig(), nil)

	var wg sync.WaitGroup
	outcomes := make([]ActivationOutcome, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		out, err := svcA.CheckInviteActivation(context.Background(), "user-2", "journal_entry_created")
		if err != nil {
			t.Errorf("referral A: %v", err)
			return
		}
		outcomes[0] = out
	}()
	go func() {
		defer wg.Done()
		out, err := svcB.CheckInviteActivation(context.Background(), "user-3", "tarot_spread_completed")
		if err != nil {
			t.Errorf("referral B: %v", err)
			return
		}
		outcomes[1] = out
	}()
	wg.Wait()

	if outcomes[0].Kind != OutcomeRewarded || outcomes[1].Kind != OutcomeRewarded {
		t.Fatalf("both activations must reward, got %v", outcomes)
	}
	if granter.appliedCount("ref-1", "user-1") != 1 || granter.appliedCount("ref-2", "user-1") != 1 {
		t.Fatal("each referral must grant the referrer exactly once")
	}
	if n := granter.extendCount("user-1"); n != 2 {
		t.Fatalf("concurrent grants from distinct referrals must stack, got %d extensions", n)
	}
}

func TestConcurrentActivationHasSingleWinner(t *testing.T) {
	store := newFakeStore()
	store.referral = pendingReferral("user-1", "user-2")
	store.accounts["user-2"] = time.Now().Add(-2 * time.Hour)
	granter := newFakeGranter(store)
	svc := NewActivationService(store, granter, testConfig(), nil)

	const callers = 8
	outcomes := make([]ActivationOutcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.CheckInviteActivation(context.Background(), "user-2", "journal_entry_created")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	var rewarded int
	for _, out := range outcomes {
		if out.Kind == OutcomeRewarded {
			rewarded++
		}
	}
	if rewarded != 1 {
		t.Fatalf("expected exactly one winner, got %d (outcomes %v)", rewarded, outcomes)
	}
	if granter.appliedCount("ref-1", "user-1") != 1 || granter.appliedCount("ref-1", "user-2") != 1 {
		t.Fatalf("effective grants must collapse to one per beneficiary")
	}
	if store.referral.ActivationState != models.ActivationWithReward {
		t.Fatalf("expected activated_with_reward, got %s", store.referral.ActivationState)
	}
}
