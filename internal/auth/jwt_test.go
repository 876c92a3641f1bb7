package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuerRoundTrip(t *testing.T) {
	issuer, err := NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := issuer.GenerateToken("alice", RoleUser)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, RoleUser, claims.Role)
	assert.Equal(t, "alice", claims.Subject)
}

func TestIssuerRejects(t *testing.T) {
	issuer, err := NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	_, _, err = issuer.GenerateToken("alice", "device")
	assert.ErrorIs(t, err, ErrInvalidRole)
	_, _, err = issuer.GenerateToken("", RoleUser)
	assert.Error(t, err)

	other, err := NewIssuer("other-secret", time.Hour)
	require.NoError(t, err)
	token, _, err := other.GenerateToken("alice", RoleUser)
	require.NoError(t, err)
	_, err = issuer.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	_, err = issuer.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestIssuerRejectsExpired(t *testing.T) {
	issuer, err := NewIssuer("test-secret", time.Minute)
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := issuer.GenerateToken("alice", RoleUser)
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.ValidateToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	assert.Error(t, err)

	issuer, err := NewIssuer("s", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultTokenTTL, issuer.ttl)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{header: "Bearer abc.def", token: "abc.def", ok: true},
		{header: "bearer abc", token: "abc", ok: true},
		{header: "Bearer ", ok: false},
		{header: "Basic abc", ok: false},
		{header: "", ok: false},
	}
	for _, tt := range tests {
		token, ok := BearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.token, token, tt.header)
	}
}
