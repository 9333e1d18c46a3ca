package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/courier/internal/channel"
)

const testSecret = "test-secret-at-least-32-bytes-long!!"

func mintToken(t *testing.T, secret string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(userID string, ttl time.Duration) Claims {
	return Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestVerifyValidToken(t *testing.T) {
	v, err := NewVerifier(testSecret, "HS256", 0)
	require.NoError(t, err)

	token := mintToken(t, testSecret, jwt.SigningMethodHS256, Claims{
		UserID:        "user-123",
		WalletAddress: "0xabc",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-123", claims.UserID)
	require.Equal(t, "0xabc", claims.WalletAddress)
}

func TestVerifyExpiredToken(t *testing.T) {
	v, err := NewVerifier(testSecret, "HS256", 0)
	require.NoError(t, err)

	token := mintToken(t, testSecret, jwt.SigningMethodHS256, validClaims("user-123", -time.Minute))

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyExpiredTokenWithinLeeway(t *testing.T) {
	v, err := NewVerifier(testSecret, "HS256", 5*time.Minute)
	require.NoError(t, err)

	token := mintToken(t, testSecret, jwt.SigningMethodHS256, validClaims("user-123", -time.Minute))

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-123", claims.UserID)
}

func TestVerifyWrongSecret(t *testing.T) {
	v, err := NewVerifier(testSecret, "HS256", 0)
	require.NoError(t, err)

	token := mintToken(t, "some-other-secret-of-sufficient-len", jwt.SigningMethodHS256, validClaims("user-123", time.Hour))

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMalformedToken(t *testing.T) {
	v, err := NewVerifier(testSecret, "HS256", 0)
	require.NoError(t, err)

	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := v.Verify(raw)
		require.ErrorIs(t, err, ErrMalformedToken, "token %q", raw)
	}
}

func TestVerifyMissingExpiry(t *testing.T) {
	v, err := NewVerifier(testSecret, "HS256", 0)
	require.NoError(t, err)

	token := mintToken(t, testSecret, jwt.SigningMethodHS256, Claims{UserID: "user-123"})

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyMissingUserID(t *testing.T) {
	v, err := NewVerifier(testSecret, "HS256", 0)
	require.NoError(t, err)

	token := mintToken(t, testSecret, jwt.SigningMethodHS256, validClaims("", time.Hour))

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyRejectsForeignAlgorithm(t *testing.T) {
	v, err := NewVerifier(testSecret, "HS256", 0)
	require.NoError(t, err)

	// HS384-signed token against an HS256 verifier.
	token := mintToken(t, testSecret, jwt.SigningMethodHS384, validClaims("user-123", time.Hour))

	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestNewVerifierRejectsNonHMAC(t *testing.T) {
	_, err := NewVerifier(testSecret, "RS256", 0)
	require.Error(t, err)

	_, err = NewVerifier(testSecret, "none", 0)
	require.Error(t, err)
}

func TestAuthorizerAllow(t *testing.T) {
	a := NewAuthorizer(nil)

	tests := []struct {
		userID  string
		channel string
		allowed bool
	}{
		{userID: "u1", channel: "global", allowed: true},
		{userID: "u1", channel: "user.u1", allowed: true},
		{userID: "u1", channel: "user.u2", allowed: false},
		{userID: "u1", channel: "strategy.s1", allowed: true},
		{userID: "u1", channel: "forge.job.j1", allowed: true},
		{userID: "u1", channel: "backtest.b1", allowed: true},
		{userID: "u1", channel: "random.name", allowed: false},
		// Anonymous subjects keep global and scoped access but never user.*.
		{userID: "", channel: "global", allowed: true},
		{userID: "", channel: "user.u1", allowed: false},
		{userID: "", channel: "backtest.b1", allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.userID+"/"+tt.channel, func(t *testing.T) {
			name, err := channel.ParseName(tt.channel)
			require.NoError(t, err)
			require.Equal(t, tt.allowed, a.Allow(tt.userID, name))
		})
	}
}

func TestAuthorizerOwnershipHook(t *testing.T) {
	a := NewAuthorizer(func(userID string, name channel.Name) bool {
		return userID == "owner"
	})

	name, err := channel.ParseName("strategy.s1")
	require.NoError(t, err)

	require.True(t, a.Allow("owner", name))
	require.False(t, a.Allow("intruder", name))

	// The hook never applies to the user production.
	own, err := channel.ParseName("user.owner")
	require.NoError(t, err)
	require.True(t, a.Allow("owner", own))
	require.False(t, a.Allow("intruder", own))
}
