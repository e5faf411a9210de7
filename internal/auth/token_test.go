package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "fleetscan-test"

func newTestManager(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager("test-secret", testIssuer)
	require.NoError(t, err)
	return m
}

func TestNewTokenManagerRequiresSecret(t *testing.T) {
	_, err := NewTokenManager("", testIssuer)
	require.Error(t, err)
}

func TestMintAndVerifyBoundToken(t *testing.T) {
	m := newTestManager(t)
	agentID := uuid.New()

	token, err := m.Mint(&agentID, time.Hour)
	require.NoError(t, err)

	claims, err := m.Verify(token, agentID)
	require.NoError(t, err)
	assert.Equal(t, agentID.String(), claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
}

func TestVerifyRejectsOtherAgent(t *testing.T) {
	m := newTestManager(t)
	agentID := uuid.New()

	token, err := m.Mint(&agentID, time.Hour)
	require.NoError(t, err)

	_, err = m.Verify(token, uuid.New())
	assert.ErrorIs(t, err, ErrAgentMismatch)
}

func TestFleetWideTokenPassesForAnyAgent(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Mint(nil, time.Hour)
	require.NoError(t, err)

	_, err = m.Verify(token, uuid.New())
	require.NoError(t, err)
	_, err = m.Verify(token, uuid.New())
	require.NoError(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)
	agentID := uuid.New()

	now := time.Now().Add(-2 * time.Hour)
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   agentID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = m.Verify(token, agentID)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m := newTestManager(t)
	other, err := NewTokenManager("different-secret", testIssuer)
	require.NoError(t, err)

	agentID := uuid.New()
	token, err := other.Mint(&agentID, time.Hour)
	require.NoError(t, err)

	_, err = m.Verify(token, agentID)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	m := newTestManager(t)
	other, err := NewTokenManager("test-secret", "someone-else")
	require.NoError(t, err)

	agentID := uuid.New()
	token, err := other.Mint(&agentID, time.Hour)
	require.NoError(t, err)

	_, err = m.Verify(token, agentID)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsNonHMACAlgorithm(t *testing.T) {
	m := newTestManager(t)
	agentID := uuid.New()

	claims := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   agentID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Verify(token, agentID)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsTokenWithoutExpiry(t *testing.T) {
	m := newTestManager(t)
	agentID := uuid.New()

	claims := jwt.RegisteredClaims{
		Issuer:  testIssuer,
		Subject: agentID.String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = m.Verify(token, agentID)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Verify("not.a.token", uuid.New())
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAPIKey(t *testing.T) {
	key := NewAPIKey("s3cret")
	assert.True(t, key.Configured())
	assert.True(t, key.Matches("s3cret"))
	assert.False(t, key.Matches("S3cret"))
	assert.False(t, key.Matches(""))

	var zero APIKey
	assert.False(t, zero.Configured())
	assert.False(t, zero.Matches(""))
	assert.False(t, zero.Matches("anything"))
}
