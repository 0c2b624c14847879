package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"scriba.dev/internal/transcript"
)

const (
	// ScopeIngest is the only scope the collector accepts on the
	// ingestion path.
	ScopeIngest = "ingest"

	defaultIssuer   = "scriba-orchestrator"
	defaultAudience = "scriba-collector"
	defaultTTL      = 30 * time.Minute
)

// Verification failures. Every failure is a rejection with no state
// change; the producer sees which check failed.
var (
	ErrMalformed        = errors.New("token: malformed")
	ErrSignatureInvalid = errors.New("token: signature invalid")
	ErrExpired          = errors.New("token: expired")
	ErrAudienceMismatch = errors.New("token: audience mismatch")
	ErrIssuerMismatch   = errors.New("token: issuer mismatch")
	ErrReplayedNonce    = errors.New("token: replayed nonce")

	errMissingSecret = errors.New("token: signing secret is not configured")
)

// Claims binds a meeting identity to ingestion rights. The registered
// ID claim carries the mint-time nonce.
type Claims struct {
	MeetingID       string `json:"meeting_id"`
	UserID          string `json:"user_id"`
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	Scope           string `json:"scope"`
	jwt.RegisteredClaims
}

// Identity rebuilds the meeting identity bound into the claims.
func (c *Claims) Identity() transcript.MeetingIdentity {
	return transcript.MeetingIdentity{
		MeetingID:       c.MeetingID,
		UserID:          c.UserID,
		Platform:        c.Platform,
		NativeMeetingID: c.NativeMeetingID,
	}
}

// Authority mints and verifies ingest tokens. Verification is fully
// stateless except for the optional nonce replay cache; it never
// touches the network or a database.
type Authority struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time

	// replay guards against a second, different token reusing an
	// already-seen nonce. One token legitimately backs many messages,
	// so re-presenting the same token is not a replay.
	replayMu sync.Mutex
	replay   map[string]replayEntry // nonce -> first-seen token digest
}

type replayEntry struct {
	digest    [sha256.Size]byte
	expiresAt time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithIssuer overrides the expected issuer claim.
func WithIssuer(issuer string) Option {
	return func(a *Authority) {
		if issuer != "" {
			a.issuer = issuer
		}
	}
}

// WithAudience overrides the expected audience claim.
func WithAudience(aud string) Option {
	return func(a *Authority) {
		if aud != "" {
			a.audience = aud
		}
	}
}

// WithTTL overrides the mint TTL.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithoutReplayCache disables replay detection. Verification degrades
// to signature and expiry checks, favoring availability.
func WithoutReplayCache() Option {
	return func(a *Authority) { a.replay = nil }
}

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthority builds an Authority around the shared signing secret.
func NewAuthority(secret []byte, opts ...Option) (*Authority, error) {
	if len(secret) == 0 {
		return nil, errMissingSecret
	}
	a := &Authority{
		secret:   secret,
		issuer:   defaultIssuer,
		audience: defaultAudience,
		ttl:      defaultTTL,
		now:      time.Now,
		replay:   make(map[string]replayEntry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Mint signs a short-lived ingest token for the given meeting identity.
func (a *Authority) Mint(id transcript.MeetingIdentity) (string, time.Time, error) {
	if strings.TrimSpace(id.MeetingID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: meeting_id is required", transcript.ErrInvalidInput)
	}
	if strings.TrimSpace(id.UserID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: user_id is required", transcript.ErrInvalidInput)
	}

	now := a.now().UTC()
	expiresAt := now.Add(a.ttl)
	claims := Claims{
		MeetingID:       id.MeetingID,
		UserID:          id.UserID,
		Platform:        id.Platform,
		NativeMeetingID: id.NativeMeetingID,
		Scope:           ScopeIngest,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{a.audience},
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry, audience, issuer, scope and nonce
// freshness. It returns the bound claims on success.
func (a *Authority) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}

	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		default:
			return nil, ErrMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}

	if claims.Issuer != a.issuer {
		return nil, ErrIssuerMismatch
	}
	if !hasAudience(claims.Audience, a.audience) {
		return nil, ErrAudienceMismatch
	}
	if claims.Scope != ScopeIngest {
		return nil, ErrMalformed
	}
	if strings.TrimSpace(claims.MeetingID) == "" || claims.ExpiresAt == nil {
		return nil, ErrMalformed
	}

	if err := a.checkReplay(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (a *Authority) checkReplay(raw string, claims *Claims) error {
	if a.replay == nil || claims.ID == "" {
		return nil
	}
	digest := sha256.Sum256([]byte(raw))
	now := a.now()

	a.replayMu.Lock()
	defer a.replayMu.Unlock()

	if entry, ok := a.replay[claims.ID]; ok && now.Before(entry.expiresAt) {
		if entry.digest != digest {
			return ErrReplayedNonce
		}
		return nil
	}
	for nonce, entry := range a.replay {
		if !now.Before(entry.expiresAt) {
			delete(a.replay, nonce)
		}
	}
	a.replay[claims.ID] = replayEntry{digest: digest, expiresAt: claims.ExpiresAt.Time}
	return nil
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
