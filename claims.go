package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the claim set carried by access tokens.
// Login tokens carry Roles; context tokens carry a single ActiveRole
// and its conference scope.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email          string   `json:"email,omitempty"`
	Name           string   `json:"name,omitempty"`
	FullName       string   `json:"full_name,omitempty"`
	Affiliation    string   `json:"affiliation,omitempty"`
	ExternalID     string   `json:"external_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	ActiveRole     string   `json:"role,omitempty"`
	ConferenceID   string   `json:"conference_id,omitempty"`
	ConferenceName string   `json:"conference_name,omitempty"`
	TrackID        string   `json:"track_id,omitempty"`
}

// UserID returns the subject claim
func (c *SessionClaims) UserID() string {
	return c.RegisteredClaims.Subject
}

// TokenID returns the jti claim
func (c *SessionClaims) TokenID() string {
	return c.RegisteredClaims.ID
}

// IsContextToken reports whether the claims were minted by a context switch
func (c *SessionClaims) IsContextToken() bool {
	return c.ActiveRole != ""
}

// HasRole checks the active role of a context token, or the role set
// of a login token.
func (c *SessionClaims) HasRole(role string) bool {
	if c.ActiveRole != "" {
		return c.ActiveRole == role
	}
	return slices.Contains(c.Roles, role)
}

// Expires returns the expiration time
func (c *SessionClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *SessionClaims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}

func identityClaims(user *User) SessionClaims {
	return SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: user.ID.String(),
		},
		Email:       user.Email,
		Name:        user.Username,
		FullName:    user.FullName(),
		Affiliation: user.Affiliation,
		ExternalID:  user.ExternalID,
	}
}
