package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RoleLevel describes where a role is meant to apply
type RoleLevel = string

const (
	RoleLevelGlobal     RoleLevel = "global"
	RoleLevelConference RoleLevel = "conference"
	RoleLevelTrack      RoleLevel = "track"
)

const (
	// RoleAuthor is granted to every new account
	RoleAuthor   = "AUTHOR"
	RoleReviewer = "REVIEWER"
	RoleChair    = "CHAIR"
	RoleAdmin    = "ADMIN"
)

// User is the identity record
type User struct {
	bun.BaseModel        `bun:"table:users,alias:usr"`
	ID                   uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email                string     `bun:"email,notnull,unique" json:"email,omitempty"`
	Username             string     `bun:"username,notnull,unique" json:"username,omitempty"`
	PasswordHash         *string    `bun:"password_hash" json:"-"`
	FirstName            string     `bun:"first_name,notnull" json:"first_name,omitempty"`
	LastName             string     `bun:"last_name,notnull" json:"last_name,omitempty"`
	Affiliation          string     `bun:"affiliation" json:"affiliation,omitempty"`
	ExternalID           string     `bun:"external_id" json:"external_id,omitempty"`
	Phone                string     `bun:"phone_number" json:"phone_number,omitempty"`
	FailedLoginAttempts  int        `bun:"failed_login_attempts,notnull,default:0" json:"-"`
	AccountLockedUntil   *time.Time `bun:"account_locked_until" json:"-"`
	LastLoginAt          *time.Time `bun:"last_login_at" json:"last_login_at,omitempty"`
	LastLoginIP          string     `bun:"last_login_ip" json:"-"`
	LoginCount           int        `bun:"login_count,notnull,default:0" json:"login_count"`
	IsActive             bool       `bun:"is_active,notnull" json:"is_active"`
	PasswordResetToken   *string    `bun:"password_reset_token" json:"-"`
	PasswordResetExpires *time.Time `bun:"password_reset_expires" json:"-"`
	CreatedAt            *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt            *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// FullName joins first and last name
func (u *User) FullName() string {
	if u == nil {
		return ""
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// HasPassword is false for SSO-only accounts
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != nil && *u.PasswordHash != ""
}

// Role is a named authorization unit
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:rl"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Name          string     `bun:"name,notnull,unique" json:"name"`
	DisplayName   string     `bun:"display_name,notnull" json:"display_name"`
	Level         RoleLevel  `bun:"role_level,notnull" json:"role_level"`
	IsSystemRole  bool       `bun:"is_system_role,notnull" json:"is_system_role"`
	IsActive      bool       `bun:"is_active,notnull" json:"is_active"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// RoleAssignment records that a user holds a role within a scope.
// Nil ConferenceID and TrackID mean global scope.
type RoleAssignment struct {
	bun.BaseModel `bun:"table:role_assignments,alias:ra"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	RoleID        uuid.UUID  `bun:"role_id,notnull,type:uuid" json:"role_id"`
	ConferenceID  *string    `bun:"conference_id" json:"conference_id,omitempty"`
	TrackID       *string    `bun:"track_id" json:"track_id,omitempty"`
	IsActive      bool       `bun:"is_active,notnull" json:"is_active"`
	ExpiresAt     *time.Time `bun:"expires_at" json:"expires_at,omitempty"`
	AssignedBy    *uuid.UUID `bun:"assigned_by,type:uuid" json:"assigned_by,omitempty"`
	AssignedAt    time.Time  `bun:"assigned_at,notnull" json:"assigned_at"`
	Role          *Role      `bun:"rel:belongs-to,join:role_id=id" json:"role,omitempty"`
}

// Scope returns the scope the assignment applies to
func (a *RoleAssignment) Scope() Scope {
	return NewScope(a.ConferenceID, a.TrackID)
}

// IsEffective reports whether the assignment is active and not expired at now
func (a *RoleAssignment) IsEffective(now time.Time) bool {
	if a == nil || !a.IsActive {
		return false
	}
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return false
	}
	return true
}

func (r *Role) snapshot() map[string]any {
	return map[string]any{
		"name":         r.Name,
		"display_name": r.DisplayName,
		"role_level":   string(r.Level),
		"is_active":    r.IsActive,
	}
}

func (a *RoleAssignment) snapshot() map[string]any {
	out := map[string]any{
		"id":        a.ID.String(),
		"role_id":   a.RoleID.String(),
		"scope":     a.Scope().String(),
		"is_active": a.IsActive,
	}
	if a.ExpiresAt != nil {
		out["expires_at"] = a.ExpiresAt.UTC()
	}
	return out
}

// RefreshToken is an opaque, rotating session credential
type RefreshToken struct {
	bun.BaseModel   `bun:"table:refresh_tokens,alias:rt"`
	ID              uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Token           string     `bun:"token,notnull,unique" json:"-"`
	UserID          uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	ExpiresAt       time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	CreatedAt       time.Time  `bun:"created_at,notnull" json:"created_at"`
	CreatedByIP     string     `bun:"created_by_ip" json:"created_by_ip,omitempty"`
	RevokedAt       *time.Time `bun:"revoked_at" json:"revoked_at,omitempty"`
	RevokedByIP     string     `bun:"revoked_by_ip" json:"revoked_by_ip,omitempty"`
	ReplacedByToken *string    `bun:"replaced_by_token" json:"-"`
	ReasonRevoked   string     `bun:"reason_revoked" json:"reason_revoked,omitempty"`
}

// IsActive reports whether the token may still be exchanged
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t != nil && t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// AuditEntry is an append-only record of a mutation
type AuditEntry struct {
	bun.BaseModel `bun:"table:audit_entries,alias:ae"`
	ID            string         `bun:"id,pk" json:"id"`
	ActorID       string         `bun:"actor_id" json:"actor_id,omitempty"`
	Action        string         `bun:"action,notnull" json:"action"`
	EntityType    string         `bun:"entity_type,notnull" json:"entity_type"`
	EntityID      string         `bun:"entity_id,notnull" json:"entity_id"`
	Before        map[string]any `bun:"before,type:jsonb" json:"before,omitempty"`
	After         map[string]any `bun:"after,type:jsonb" json:"after,omitempty"`
	OccurredAt    time.Time      `bun:"occurred_at,notnull" json:"occurred_at"`
}
