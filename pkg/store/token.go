package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"titledb/pkg/domain"
)

const (
	defaultTokenIssuer   = "titledb-auth"
	defaultTokenAudience = "titledb-api"

	purposeAccess       = "access"
	purposeConfirmation = "confirmation"
)

var defaultTokenLeeway = 30 * time.Second

// TokenOptions configures claim validation behavior.
type TokenOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type tokenClaims struct {
	Role    string `json:"role,omitempty"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// JWTTokenStore issues and validates HS256 bearer tokens. The same signer
// also mints confirmation codes: a signed artifact bound to the user that
// is never accepted as an access token (distinct purpose claim) and whose
// real validity lives in the hashed copy on the user record.
type JWTTokenStore struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTTokenStore builds a token store from a shared signing secret.
func NewJWTTokenStore(secret string, ttl time.Duration, opts TokenOptions) (*JWTTokenStore, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt signing secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if strings.TrimSpace(opts.Issuer) == "" {
		opts.Issuer = defaultTokenIssuer
	}
	if strings.TrimSpace(opts.Audience) == "" {
		opts.Audience = defaultTokenAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultTokenLeeway
	}
	return &JWTTokenStore{
		secret:   []byte(secret),
		ttl:      ttl,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

// NewAccessToken signs a bearer token bound to the user's identity and
// current role.
func (s *JWTTokenStore) NewAccessToken(userID string, role domain.Role) (string, error) {
	return s.sign(userID, string(role), purposeAccess, s.ttl)
}

// NewConfirmationCode signs a fresh single-use confirmation artifact.
// Each call produces a distinct code (random jti), so re-signup always
// rotates the secret.
func (s *JWTTokenStore) NewConfirmationCode(userID string) (string, error) {
	return s.sign(userID, "", purposeConfirmation, 24*time.Hour)
}

func (s *JWTTokenStore) sign(userID, role, purpose string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := tokenClaims{
		Role:    role,
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        newTokenID(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func newTokenID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// UserIDByToken validates an access token and returns the bound user ID.
// Confirmation codes are rejected here: they only authenticate through
// the confirm flow.
func (s *JWTTokenStore) UserIDByToken(token string) (string, bool, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(
		token,
		&claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", false, nil
	}
	if claims.Purpose != purposeAccess {
		return "", false, nil
	}
	if claims.Subject == "" {
		return "", false, nil
	}
	return claims.Subject, true, nil
}
