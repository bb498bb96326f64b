// Package auth issues and verifies the HS256 bearer tokens used by the hub and
// the REST API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/roster-sync/internal/apperr"
	"github.com/example/roster-sync/internal/types"
)

// Roles understood by the roster service.
const (
	RolePlayer    = "player"
	RoleCaptain   = "captain"
	RoleOrganizer = "organizer"
)

var errMissingToken = errors.New("missing bearer token")

// Claims are the JWT claims carried by every access token.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID types.UserID
	Roles  []string
}

// HasAnyRole reports whether the identity carries one of roles.
func (i Identity) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range i.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Authenticator resolves the caller of an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthFunc adapts a function to Authenticator.
type AuthFunc func(r *http.Request) (Identity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (Identity, error) { return f(r) }

// JWT signs and verifies tokens with a shared secret.
type JWT struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWT returns a JWT authority for secret.
func NewJWT(secret, issuer string) (*JWT, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWT{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue mints a token for subject valid for ttl.
func (j *JWT) Issue(subject types.UserID, roles []string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   string(subject),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a signed token.
func (j *JWT) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, apperr.Wrap(apperr.KindUnauthorized, "authentication required", errMissingToken)
	}
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, apperr.Wrap(apperr.KindUnauthorized, "invalid access token", err)
	}
	if j.issuer != "" && !claims.VerifyIssuer(j.issuer, true) {
		return Identity{}, apperr.Unauthorized("invalid token issuer")
	}
	if claims.Subject == "" {
		return Identity{}, apperr.Unauthorized("token has no subject")
	}
	return Identity{UserID: types.UserID(claims.Subject), Roles: claims.Roles}, nil
}

// Authenticate implements Authenticator using the bearer header or the
// access_token query parameter browsers use for WebSocket and SSE.
func (j *JWT) Authenticate(r *http.Request) (Identity, error) {
	return j.Verify(TokenFromRequest(r))
}

// SubjectOf reads the subject of raw without verifying its signature. Clients
// use it to learn who they are signed in as.
func SubjectOf(raw string) (types.UserID, error) {
	claims := &Claims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return types.UserID(claims.Subject), nil
}

// TokenFromRequest extracts the bearer token from r.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
