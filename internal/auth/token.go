package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// Token use markers keep access tokens out of the refresh endpoint and
	// vice versa.
	UseAccess  = "access"
	UseRefresh = "refresh"
)

var ErrTokenInvalid = errors.New("token invalid")

// Claims extends standard JWT claims with tenant scoping fields.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org_id"`
	SessionID      string   `json:"sid"`
	Roles          []string `json:"roles,omitempty"`
	TokenUse       string   `json:"token_use"`
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenManager issues and validates HS256-signed access/refresh tokens.
type TokenManager struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenManager(secret string, accessTTL, refreshTTL time.Duration) *TokenManager {
	return &TokenManager{
		secret:     []byte(secret),
		issuer:     "lattice",
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// IssuePair mints an access/refresh token pair bound to one session.
func (tm *TokenManager) IssuePair(userID, orgID, sessionID uuid.UUID, roles []string) (TokenPair, error) {
	now := tm.now()
	accessExp := now.Add(tm.accessTTL)

	access, err := tm.sign(userID, orgID, sessionID, roles, UseAccess, now, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := tm.sign(userID, orgID, sessionID, nil, UseRefresh, now, now.Add(tm.refreshTTL))
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: accessExp}, nil
}

func (tm *TokenManager) sign(userID, orgID, sessionID uuid.UUID, roles []string, use string, iat, exp time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(), // JTI, used for refresh revocation
			Subject:   userID.String(),
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		OrganizationID: orgID.String(),
		SessionID:      sessionID.String(),
		Roles:          roles,
		TokenUse:       use,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", use, err)
	}
	return signed, nil
}

// Validate parses tokenString and checks signature, expiry and token use.
func (tm *TokenManager) Validate(tokenString, use string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return tm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tm.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.TokenUse != use {
		return nil, fmt.Errorf("%w: wrong token use %q", ErrTokenInvalid, claims.TokenUse)
	}
	return claims, nil
}
