// Package auth holds the two credential mechanisms of the controller: HMAC
// bearer tokens for agents and static API keys for the scanner and admin
// surfaces.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultTokenTTL is the validity of a minted agent token. Agent tokens are
// provisioned at install time, so they are long-lived; rotation happens by
// re-provisioning.
const defaultTokenTTL = 365 * 24 * time.Hour

// AgentClaims are the claims embedded in an agent bearer token. Standard
// claims (exp, iat, iss, sub) are carried via jwt.RegisteredClaims; sub holds
// the agent UUID when the token is bound to one agent.
type AgentClaims struct {
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 agent tokens with a shared secret.
// All controller instances of a deployment share the same secret, so tokens
// minted anywhere verify everywhere.
type TokenManager struct {
	secret []byte
	issuer string
}

// NewTokenManager creates a TokenManager. The secret must be non-empty;
// there is no insecure fallback.
func NewTokenManager(secret, issuer string) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("auth: agent token secret must not be empty")
	}
	return &TokenManager{secret: []byte(secret), issuer: issuer}, nil
}

// Mint creates a signed agent token. When agentID is non-nil the token is
// bound to that agent: Verify will reject it for any other X-Agent-ID. A nil
// agentID yields a fleet-wide enrollment token.
func (m *TokenManager) Mint(agentID *uuid.UUID, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if agentID != nil {
		claims.Subject = agentID.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing agent token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a bearer token. When the token carries a
// subject, it must match agentID; subject-less enrollment tokens pass for
// any agent.
//
// Callers should use errors.Is to tell expired tokens apart from invalid
// ones; both map to 401 at the HTTP layer.
func (m *TokenManager) Verify(tokenString string, agentID uuid.UUID) (*AgentClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&AgentClaims{},
		func(t *jwt.Token) (any, error) {
			// Only HS256 is ever minted; reject everything else so an
			// attacker cannot downgrade to "none" or swap key types.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*AgentClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject != "" && claims.Subject != agentID.String() {
		return nil, ErrAgentMismatch
	}
	return claims, nil
}
