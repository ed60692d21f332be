package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the signed-in subject.
type Identity struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session holds the credentials of the signed-in subject. ExpiresAt is an
// epoch in seconds; zero means the expiry is unknown.
type Session struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at,omitempty"`
	User         Identity `json:"user"`
}

// Authenticated reports whether the session carries an access token.
func (s Session) Authenticated() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

// ExpiredAt reports whether the access token is expired at now. A session
// without a recorded expiry counts as expired.
func (s Session) ExpiredAt(now time.Time) bool {
	if s.ExpiresAt == 0 {
		return true
	}
	return now.Unix() >= s.ExpiresAt
}

// withTokenClaims fills the expiry and identity from the access token's
// claims when the provider left them out. The token is not verified here;
// verification is the API server's job.
func (s Session) withTokenClaims() Session {
	if s.ExpiresAt != 0 && s.User.ID != "" {
		return s
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.AccessToken, claims); err != nil {
		return s
	}
	if s.ExpiresAt == 0 {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Unix()
		}
	}
	if s.User.ID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			s.User.ID = sub
		}
		if s.User.Email == "" {
			if email, ok := claims["email"].(string); ok {
				s.User.Email = email
			}
		}
	}
	return s
}
