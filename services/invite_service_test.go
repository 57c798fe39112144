package services

import (
	"strings"
	"testing"
	"time"

	"github.com/Sammii-HK/lunary-sub033/models"
)

// The invite handler refuses accounts without a live Lunary+ window; this
// pins the predicate it gates on.
func TestPlusEntitlementPredicate(t *testing.T) {
	now := time.Now()
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	cases := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"never subscribed", nil, false},
		{"lapsed subscription", &past, false},
		{"active subscription", &future, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			acct := models.AccountMirror{PlusExpiresAt: tc.expiresAt}
			if got := acct.PlusActive(now); got != tc.want {
				t.Fatalf("PlusActive = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMakeInviteCode(t *testing.T) {
	code := makeInviteCode("Zoë Starlight")
	if !strings.HasPrefix(code, "zoe-starlight-") {
		t.Fatalf("expected transliterated slug prefix, got %q", code)
	}
	if suffix := code[len("zoe-starlight-"):]; len(suffix) != 8 {
		t.Fatalf("expected 8-char suffix, got %q", suffix)
	}

	// Codes from the same name must still differ.
	if makeInviteCode("Zoë Starlight") == code {
		t.Fatal("codes must be unique per call")
	}

	if !strings.HasPrefix(makeInviteCode("✨✨"), "friend-") {
		t.Fatal("unsluggable names fall back to 'friend'")
	}
}

func TestInviteTokenRoundTrip(t *testing.T) {
	svc := &InviteService{secret: []byte("test-secret"), tokenTTL: time.Hour}

	token, err := svc.SignInviteToken("user-1", "luna-abc12345")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := svc.ParseInviteToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ReferrerID != "user-1" || claims.Code != "luna-abc12345" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestInviteTokenRejectsWrongSecret(t *testing.T) {
	signer := &InviteService{secret: []byte("secret-a"), tokenTTL: time.Hour}
	verifier := &InviteService{secret: []byte("secret-b"), tokenTTL: time.Hour}

	token, err := signer.SignInviteToken("user-1", "luna-abc12345")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.ParseInviteToken(token); err == nil {
		t.Fatal("token signed with a different secret must not verify")
	}
}

func TestInviteTokenRejectsExpired(t *testing.T) {
	svc := &InviteService{secret: []byte("test-secret"), tokenTTL: -time.Hour}

	token, err := svc.SignInviteToken("user-1", "luna-abc12345")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.ParseInviteToken(token); err == nil {
		t.Fatal("expired token must not verify")
	}
}
