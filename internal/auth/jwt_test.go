package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/types"
)

func TestIssueAndVerify(t *testing.T) {
	authority, err := NewJWT("secret", "roster-sync")
	require.NoError(t, err)

	token, err := authority.Issue("alice", []string{RoleCaptain}, time.Hour)
	require.NoError(t, err)

	id, err := authority.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("alice"), id.UserID)
	assert.True(t, id.HasAnyRole(RoleOrganizer, RoleCaptain))
	assert.False(t, id.HasAnyRole(RoleOrganizer))
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	authority, err := NewJWT("secret", "roster-sync")
	require.NoError(t, err)
	other, err := NewJWT("other-secret", "roster-sync")
	require.NoError(t, err)

	forged, err := other.Issue("mallory", nil, time.Hour)
	require.NoError(t, err)

	authority.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := authority.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	authority.now = time.Now

	for name, token := range map[string]string{
		"empty":   "",
		"garbage": "not-a-jwt",
		"forged":  forged,
		"expired": expired,
	} {
		_, err := authority.Verify(token)
		assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err), name)
	}
}

func TestVerifyOnlyAcceptsHS256(t *testing.T) {
	authority, err := NewJWT("secret", "roster-sync")
	require.NoError(t, err)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "roster-sync",
		Subject:   "mallory",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{"none": unsigned, "hs512": hs512} {
		_, err := authority.Verify(token)
		assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err), name)
	}
}

func TestVerifyAcceptsAudienceList(t *testing.T) {
	authority, err := NewJWT("secret", "roster-sync")
	require.NoError(t, err)
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "roster-sync",
		Subject:   "alice",
		Audience:  jwt.ClaimStrings{"roster", "messaging"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	id, err := authority.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("alice"), id.UserID)
}

func TestVerifyChecksIssuer(t *testing.T) {
	a, err := NewJWT("secret", "roster-sync")
	require.NoError(t, err)
	b, err := NewJWT("secret", "someone-else")
	require.NoError(t, err)

	token, err := b.Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAuthenticateReadsHeaderOrQuery(t *testing.T) {
	authority, err := NewJWT("secret", "")
	require.NoError(t, err)
	token, err := authority.Issue("bob", nil, time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/hubs/position", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := authority.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("bob"), id.UserID)

	r = httptest.NewRequest("GET", "/hubs/position?id=abc&access_token="+token, nil)
	id, err = authority.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("bob"), id.UserID)
}

func TestNewJWTRequiresSecret(t *testing.T) {
	_, err := NewJWT("", "x")
	assert.Error(t, err)
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "alice"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, types.UserID("alice"), id.UserID)
}

func TestSubjectOf(t *testing.T) {
	authority, err := NewJWT("secret", "")
	require.NoError(t, err)
	token, err := authority.Issue("carol", nil, time.Minute)
	require.NoError(t, err)

	user, err := SubjectOf(token)
	require.NoError(t, err)
	assert.Equal(t, types.UserID("carol"), user)

	_, err = SubjectOf("not-a-token")
	assert.Error(t, err)
}
