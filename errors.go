package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
)

const (
	textCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	textCodeAccountLocked        = "ACCOUNT_LOCKED"
	textCodeTokenExpired         = "TOKEN_EXPIRED"
	textCodeTokenMalformed       = "TOKEN_MALFORMED"
	textCodeInvalidRefreshToken  = "INVALID_REFRESH_TOKEN"
	textCodeInvalidResetToken    = "INVALID_RESET_TOKEN"
	textCodeContextNotAssigned   = "CONTEXT_NOT_ASSIGNED"
	textCodeEmailAlreadyExists   = "EMAIL_ALREADY_EXISTS"
	textCodeUsernameTaken        = "USERNAME_ALREADY_EXISTS"
	textCodeSystemRoleImmutable  = "SYSTEM_ROLE_IMMUTABLE"
	textCodeUserNotFound         = "USER_NOT_FOUND"
	textCodeRoleNotFound         = "ROLE_NOT_FOUND"
	textCodeRoleExists           = "ROLE_ALREADY_EXISTS"
	textCodeRoleInUse            = "ROLE_IN_USE"
	textCodeInvalidLockoutChange = "INVALID_LOCKOUT_TRANSITION"
	textCodeSignupDisabled       = "SIGNUP_DISABLED"
	textCodeResetDisabled        = "PASSWORD_RESET_DISABLED"
	textCodeInvalidAPIKey        = "INVALID_API_KEY"
	textCodeTooManyRequests      = "TOO_MANY_REQUESTS"
	textCodeInvalidRoleExpiry    = "INVALID_ROLE_EXPIRY"
)

// ErrInvalidCredentials covers unknown users, wrong passwords and
// deactivated accounts alike.
var ErrInvalidCredentials = errors.New("invalid email or password", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeInvalidCredentials)

// ErrAccountLocked is returned while the lockout window is open
var ErrAccountLocked = errors.New("account is locked", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeAccountLocked)

// ErrTokenExpired is returned for access tokens past their exp claim
var ErrTokenExpired = errors.New("token is expired", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeTokenExpired)

// ErrTokenMalformed is returned for tokens that fail parsing or verification
var ErrTokenMalformed = errors.New("token is malformed", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeTokenMalformed)

// ErrInvalidRefreshToken is returned for unknown, revoked or expired refresh tokens
var ErrInvalidRefreshToken = errors.New("invalid refresh token", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeInvalidRefreshToken)

// ErrInvalidResetToken is returned for unknown or expired password reset tokens
var ErrInvalidResetToken = errors.New("invalid or expired password reset token", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeInvalidResetToken)

// ErrContextNotAssigned is returned when a user holds no live assignment
// for the requested role and conference.
var ErrContextNotAssigned = errors.New("role is not assigned in the requested context", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeContextNotAssigned)

var ErrEmailAlreadyExists = errors.New("email is already registered", errors.CategoryConflict).
	WithCode(errors.CodeConflict).
	WithTextCode(textCodeEmailAlreadyExists)

// ErrUsernameAlreadyExists is returned when an explicit username is taken
var ErrUsernameAlreadyExists = errors.New("username is already taken", errors.CategoryConflict).
	WithCode(errors.CodeConflict).
	WithTextCode(textCodeUsernameTaken)

var ErrSystemRoleImmutable = errors.New("system roles cannot be modified or deleted", errors.CategoryBadInput).
	WithCode(errors.CodeBadRequest).
	WithTextCode(textCodeSystemRoleImmutable)

// ErrRoleAlreadyExists is returned when a role name is taken
var ErrRoleAlreadyExists = errors.New("role already exists", errors.CategoryConflict).
	WithCode(errors.CodeConflict).
	WithTextCode(textCodeRoleExists)

// ErrRoleInUse is returned when deleting a role that is still assigned.
// Deactivate the role instead.
var ErrRoleInUse = errors.New("role is still assigned to users", errors.CategoryConflict).
	WithCode(errors.CodeConflict).
	WithTextCode(textCodeRoleInUse)

var ErrUserNotFound = errors.New("user not found", errors.CategoryNotFound).
	WithCode(errors.CodeNotFound).
	WithTextCode(textCodeUserNotFound)

var ErrRoleNotFound = errors.New("role not found", errors.CategoryNotFound).
	WithCode(errors.CodeNotFound).
	WithTextCode(textCodeRoleNotFound)

// ErrInvalidLockoutTransition is returned by the lockout state machine
var ErrInvalidLockoutTransition = errors.New("invalid lockout transition", errors.CategoryValidation).
	WithCode(errors.CodeBadRequest).
	WithTextCode(textCodeInvalidLockoutChange)

var ErrSignupDisabled = errors.New("signup is disabled", errors.CategoryAuthz).
	WithCode(errors.CodeForbidden).
	WithTextCode(textCodeSignupDisabled)

var ErrPasswordResetDisabled = errors.New("password reset is disabled", errors.CategoryAuthz).
	WithCode(errors.CodeForbidden).
	WithTextCode(textCodeResetDisabled)

// ErrInvalidAPIKey is returned by the internal service middleware
var ErrInvalidAPIKey = errors.New("invalid internal api key", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeInvalidAPIKey)

var ErrTooManyRequests = errors.New("too many requests", errors.CategoryRateLimit).
	WithCode(429).
	WithTextCode(textCodeTooManyRequests)

// ErrInvalidRoleExpiry is returned when a grant would expire before it starts
var ErrInvalidRoleExpiry = errors.New("role assignment expiry must be in the future", errors.CategoryValidation).
	WithCode(errors.CodeBadRequest).
	WithTextCode(textCodeInvalidRoleExpiry)

// ErrNoEmptyString is returned when hashing an empty password
var ErrNoEmptyString = errors.New("password must not be empty", errors.CategoryBadInput).
	WithCode(errors.CodeBadRequest)

// ErrMismatchedHashAndPassword is returned by password comparison
var ErrMismatchedHashAndPassword = errors.New("password does not match", errors.CategoryAuth).
	WithCode(errors.CodeUnauthorized).
	WithTextCode(textCodeInvalidCredentials)

func accountLockedUntil(until time.Time) error {
	clone := ErrAccountLocked.Clone()
	if clone == nil {
		return ErrAccountLocked
	}
	clone.Message = fmt.Sprintf("account is locked until %s", until.UTC().Format(time.RFC3339))
	clone.Source = ErrAccountLocked
	return clone.WithMetadata(map[string]any{"locked_until": until.UTC()})
}

func withMetadata(sentinel *errors.Error, meta map[string]any) error {
	clone := sentinel.Clone()
	if clone == nil {
		return sentinel
	}
	clone.Source = sentinel
	return clone.WithMetadata(meta)
}

// malformedToken links cause to ErrTokenMalformed so callers can match
// the sentinel regardless of how the error renders.
func malformedToken(cause error) error {
	if cause == nil {
		return ErrTokenMalformed
	}
	return withMetadata(ErrTokenMalformed, map[string]any{"reason": cause.Error()})
}

func hasTextCode(err error, code string) bool {
	var richErr *errors.Error
	for errors.As(err, &richErr) {
		if richErr.TextCode == code {
			return true
		}
		if richErr.Source == nil {
			return false
		}
		err = richErr.Source
	}
	return false
}

func internalError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return err
	}
	return errors.Wrap(err, errors.CategoryInternal, msg).
		WithCode(errors.CodeInternal)
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenExpired) || hasTextCode(err, textCodeTokenExpired) {
		return true
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for malformed tokens
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenMalformed) || hasTextCode(err, textCodeTokenMalformed) {
		return true
	}
	return strings.Contains(err.Error(), "token is malformed") ||
		strings.Contains(err.Error(), "missing or malformed JWT")
}
