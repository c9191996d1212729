package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = time.Hour

var (
	// ErrMissingSigningSecret indicates the manager was built without a secret.
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	// ErrMissingSubject indicates a token without a user identifier.
	ErrMissingSubject = errors.New("auth: subject claim required")
	// ErrInvalidToken indicates a token that failed signature or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims carries the identity bound to a collaboration connection.
type Claims struct {
	UserID   string `json:"user_id"`
	Wallet   string `json:"wallet"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenManagerConfig configures the HS256 token manager.
type TokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenManager issues and validates the bearer tokens presented at socket admission.
type TokenManager struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenManager constructs a TokenManager with sane defaults.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		tokenTTL:      ttl,
		clock:         clock,
	}
}

// Issue produces a signed JWT for the supplied identity.
func (m *TokenManager) Issue(userID, wallet, username string) (string, error) {
	if len(m.signingSecret) == 0 {
		return "", ErrMissingSigningSecret
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingSubject
	}

	now := m.clock().UTC()
	claims := Claims{
		UserID:   userID,
		Wallet:   wallet,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			Audience:  []string{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingSecret)
}

// Validate ensures the bearer token is well formed and returns its claims.
func (m *TokenManager) Validate(tokenString string) (Claims, error) {
	if len(m.signingSecret) == 0 {
		return Claims{}, ErrMissingSigningSecret
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}
