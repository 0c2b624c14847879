package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"scriba.dev/internal/transcript"
)

var testIdentity = transcript.MeetingIdentity{
	MeetingID:       "42",
	UserID:          "user-7",
	Platform:        "google_meet",
	NativeMeetingID: "abc-defg-hij",
}

func newTestAuthority(t *testing.T, opts ...Option) *Authority {
	t.Helper()
	a, err := NewAuthority([]byte("test-secret"), opts...)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	return a
}

func TestMintAndVerify(t *testing.T) {
	a := newTestAuthority(t)

	signed, expiresAt, err := a.Mint(testIdentity)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiry, got %v", expiresAt)
	}

	claims, err := a.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Identity() != testIdentity {
		t.Fatalf("identity not preserved: %+v", claims.Identity())
	}
	if claims.Scope != ScopeIngest {
		t.Fatalf("unexpected scope: %s", claims.Scope)
	}
	if claims.ID == "" {
		t.Fatal("expected a nonce")
	}

	// One token backs many messages: re-verifying is not a replay.
	if _, err := a.Verify(signed); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	a := newTestAuthority(t)
	signed, _, err := a.Mint(testIdentity)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %s", signed)
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	if _, err := a.Verify(tampered); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	clock := past
	a := newTestAuthority(t, WithTTL(time.Minute), WithClock(func() time.Time { return clock }))

	signed, _, err := a.Mint(testIdentity)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	clock = time.Now()
	if _, err := a.Verify(signed); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsWrongAudienceAndIssuer(t *testing.T) {
	minter := newTestAuthority(t, WithAudience("someone-else"))
	signed, _, err := minter.Mint(testIdentity)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	verifier := newTestAuthority(t)
	if _, err := verifier.Verify(signed); !errors.Is(err, ErrAudienceMismatch) {
		t.Fatalf("expected ErrAudienceMismatch, got %v", err)
	}

	minter = newTestAuthority(t, WithIssuer("imposter"))
	signed, _, err = minter.Mint(testIdentity)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := verifier.Verify(signed); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected ErrIssuerMismatch, got %v", err)
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	a := newTestAuthority(t)
	signed, _, err := a.Mint(testIdentity)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	first, err := a.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Forge a different token that reuses the first token's nonce.
	now := time.Now().UTC()
	forged := Claims{
		MeetingID: "43",
		UserID:    "mallory",
		Scope:     ScopeIngest,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Audience:  jwt.ClaimStrings{defaultAudience},
			Subject:   "mallory",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        first.ID,
		},
	}
	forgedToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, forged).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}

	if _, err := a.Verify(forgedToken); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}
}

func TestReplayCacheDisabledDegrades(t *testing.T) {
	a := newTestAuthority(t, WithoutReplayCache())
	signed, _, err := a.Mint(testIdentity)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	first, err := a.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	now := time.Now().UTC()
	forged := Claims{
		MeetingID: "43",
		UserID:    "mallory",
		Scope:     ScopeIngest,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Audience:  jwt.ClaimStrings{defaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        first.ID,
		},
	}
	forgedToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, forged).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}

	// Signature and expiry still hold, so the degraded check accepts.
	if _, err := a.Verify(forgedToken); err != nil {
		t.Fatalf("expected degraded acceptance, got %v", err)
	}
}

func TestMintValidatesIdentity(t *testing.T) {
	a := newTestAuthority(t)
	if _, _, err := a.Mint(transcript.MeetingIdentity{UserID: "u"}); err == nil {
		t.Fatal("expected error for missing meeting_id")
	}
	if _, _, err := a.Mint(transcript.MeetingIdentity{MeetingID: "42"}); err == nil {
		t.Fatal("expected error for missing user_id")
	}
}
