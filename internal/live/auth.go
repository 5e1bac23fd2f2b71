package live

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the live-channel's bearer token shape: an organization-scoped
// subject plus the set of rooms the token authorizes, a domain-specific
// field set embedded in RegisteredClaims, using HS256 end-user tokens
// rather than RS256 service-to-service auth.
type Claims struct {
	OrganizationID int64    `json:"organizationId"`
	UserID         int64    `json:"userId"`
	Rooms          []string `json:"rooms"`
	jwt.RegisteredClaims
}

// ErrInvalidToken wraps every rejection reason (malformed, expired, wrong
// signature) behind one sentinel so handlers don't need to branch on cause.
var ErrInvalidToken = errors.New("live: invalid token")

// TokenVerifier validates a live-channel bearer token against a shared
// secret.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns a TokenVerifier keyed on secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken mints a bearer token authorizing the given rooms, used by
// tests.
func (v *TokenVerifier) IssueToken(orgID, userID int64, rooms []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		OrganizationID: orgID,
		UserID:         userID,
		Rooms:          rooms,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   fmt.Sprintf("user:%d", userID),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// authorizedRooms intersects the requested rooms with the rooms the token
// actually grants, so a room name outside the token's claims is dropped.
func authorizedRooms(requested []string, granted []string) map[string]struct{} {
	allowed := make(map[string]struct{}, len(granted))
	for _, r := range granted {
		allowed[r] = struct{}{}
	}
	out := make(map[string]struct{})
	for _, r := range requested {
		if _, ok := allowed[r]; ok {
			out[r] = struct{}{}
		}
	}
	return out
}
