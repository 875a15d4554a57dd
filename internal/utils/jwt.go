package utils // package utils provides helper functions for token creation and hashing

import (
	"errors" // sentinel errors for token input validation
	"time"   // time utilities for generating expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// ErrEmptySubject is returned when a token is requested for no user.
var ErrEmptySubject = errors.New("token subject is empty")

// AccessToken represents a signed JWT access token along with its expiry.
// The Token field contains the JWT string.  Exp stores the expiration
// timestamp.  Access tokens are short‑lived and sent in the Authorization
// header when calling the funnel endpoints.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// NewAccessToken builds and signs an HS256 JWT for a user.  It takes the
// signing secret, the user ID, the user's role (PLAYER or ADMIN), and a TTL
// in minutes.  The JWT carries the standard claims sub, exp and iat plus
// role.
func NewAccessToken(secret, userID, role string, ttlMin int) (AccessToken, error) {
	if userID == "" {
		return AccessToken{}, ErrEmptySubject
	}
	now := time.Now().UTC()
	exp := now.Add(time.Duration(ttlMin) * time.Minute)
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
