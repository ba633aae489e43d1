package store

import (
	"testing"
	"time"

	"titledb/pkg/domain"
)

func newTokenStore(t *testing.T, opts TokenOptions) *JWTTokenStore {
	t.Helper()
	s, err := NewJWTTokenStore("unit-test-secret", time.Hour, opts)
	if err != nil {
		t.Fatalf("new token store: %v", err)
	}
	return s
}

func TestAccessTokenRoundTrip(t *testing.T) {
	s := newTokenStore(t, TokenOptions{})
	token, err := s.NewAccessToken("user-1", domain.RoleModerator)
	if err != nil {
		t.Fatalf("new access token: %v", err)
	}
	uid, ok, err := s.UserIDByToken(token)
	if err != nil || !ok {
		t.Fatalf("resolve token: ok=%v err=%v", ok, err)
	}
	if uid != "user-1" {
		t.Fatalf("uid = %q, want user-1", uid)
	}
}

func TestConfirmationCodeIsNotAnAccessToken(t *testing.T) {
	s := newTokenStore(t, TokenOptions{})
	code, err := s.NewConfirmationCode("user-1")
	if err != nil {
		t.Fatalf("new confirmation code: %v", err)
	}
	if _, ok, _ := s.UserIDByToken(code); ok {
		t.Fatal("confirmation code must not authenticate as a bearer token")
	}
}

func TestConfirmationCodesAreUnique(t *testing.T) {
	s := newTokenStore(t, TokenOptions{})
	a, err := s.NewConfirmationCode("user-1")
	if err != nil {
		t.Fatalf("first code: %v", err)
	}
	b, err := s.NewConfirmationCode("user-1")
	if err != nil {
		t.Fatalf("second code: %v", err)
	}
	if a == b {
		t.Fatal("codes for the same user must differ")
	}
}

func TestTokenRejectedAcrossSecrets(t *testing.T) {
	s := newTokenStore(t, TokenOptions{})
	other, err := NewJWTTokenStore("a-different-secret", time.Hour, TokenOptions{})
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	token, err := s.NewAccessToken("user-1", domain.RoleUser)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if _, ok, _ := other.UserIDByToken(token); ok {
		t.Fatal("token signed with another secret must not validate")
	}
}

func TestTokenRejectedAcrossAudiences(t *testing.T) {
	signer := newTokenStore(t, TokenOptions{Audience: "aud-a"})
	verifier := newTokenStore(t, TokenOptions{Audience: "aud-b"})
	token, err := signer.NewAccessToken("user-1", domain.RoleUser)
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if _, ok, _ := verifier.UserIDByToken(token); ok {
		t.Fatal("audience mismatch must not validate")
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	s := newTokenStore(t, TokenOptions{})
	if _, ok, err := s.UserIDByToken("garbage"); ok || err != nil {
		t.Fatalf("garbage token = (ok=%v, err=%v), want quiet rejection", ok, err)
	}
}

func TestNewJWTTokenStoreRequiresSecret(t *testing.T) {
	if _, err := NewJWTTokenStore("  ", time.Hour, TokenOptions{}); err == nil {
		t.Fatal("expected error for blank secret")
	}
}
