package client

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/heroiclabs/nakama-common/api"
)

var ErrSessionTokenInvalid = errors.New("session token is malformed")

// Session is an authenticated session against the server. The token payload
// is inspected client-side to know when a refresh is due; the signature is
// only verifiable by the server.
type Session struct {
	Token        string
	RefreshToken string

	UserID   string
	Username string
	Vars     map[string]string
	Created  bool

	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

type sessionTokenClaims struct {
	TokenID   string            `json:"tid,omitempty"`
	UserID    string            `json:"uid,omitempty"`
	Username  string            `json:"usn,omitempty"`
	Vars      map[string]string `json:"vrs,omitempty"`
	ExpiresAt int64             `json:"exp,omitempty"`
	IssuedAt  int64             `json:"iat,omitempty"`
}

func (c *sessionTokenClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}
func (c *sessionTokenClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}
func (c *sessionTokenClaims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c *sessionTokenClaims) GetIssuer() (string, error)              { return "", nil }
func (c *sessionTokenClaims) GetSubject() (string, error)             { return "", nil }
func (c *sessionTokenClaims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

// NewSession builds a Session from an authentication response.
func NewSession(apiSession *api.Session) (*Session, error) {
	if apiSession == nil || apiSession.Token == "" {
		return nil, ErrSessionTokenInvalid
	}

	claims, err := parseTokenClaims(apiSession.Token)
	if err != nil {
		return nil, err
	}

	session := &Session{
		Token:        apiSession.Token,
		RefreshToken: apiSession.RefreshToken,
		UserID:       claims.UserID,
		Username:     claims.Username,
		Vars:         claims.Vars,
		Created:      apiSession.Created,
		ExpiresAt:    time.Unix(claims.ExpiresAt, 0),
	}

	if apiSession.RefreshToken != "" {
		refreshClaims, err := parseTokenClaims(apiSession.RefreshToken)
		if err != nil {
			return nil, err
		}
		session.RefreshExpiresAt = time.Unix(refreshClaims.ExpiresAt, 0)
	}

	return session, nil
}

// Expired reports whether the auth token has expired, or will within the
// given window.
func (s *Session) Expired(window time.Duration) bool {
	return time.Now().Add(window).After(s.ExpiresAt)
}

// RefreshExpired reports whether the refresh token has expired, meaning a
// full re-authentication is needed.
func (s *Session) RefreshExpired() bool {
	if s.RefreshToken == "" {
		return true
	}
	return time.Now().After(s.RefreshExpiresAt)
}

func parseTokenClaims(tokenString string) (*sessionTokenClaims, error) {
	// The signing key lives on the server, so the token is decoded without
	// signature verification.
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := &sessionTokenClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionTokenInvalid, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id claim", ErrSessionTokenInvalid)
	}
	return claims, nil
}
