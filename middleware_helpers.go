package auth

import (
	"github.com/goliatone/go-conference-auth/middleware/jwtware"
)

// ValidationListener aliases the jwtware listener so consumers can use auth helpers directly.
type ValidationListener = jwtware.ValidationListener

// RegisterValidationListeners appends listeners to a jwtware.Config in a safe, reusable way.
func RegisterValidationListeners(cfg *jwtware.Config, listeners ...ValidationListener) {
	if cfg == nil || len(listeners) == 0 {
		return
	}
	cfg.ValidationListeners = append(cfg.ValidationListeners, listeners...)
}

// WithValidationListeners is a ProtectedRoute option
func WithValidationListeners(listeners ...ValidationListener) func(*jwtware.Config) {
	return func(cfg *jwtware.Config) {
		RegisterValidationListeners(cfg, listeners...)
	}
}

// RequireRole is a ProtectedRoute option rejecting tokens without role
func RequireRole(role string) func(*jwtware.Config) {
	return func(cfg *jwtware.Config) {
		cfg.RequiredRole = NormalizeRoleName(role)
	}
}

// RequireActiveContext is a ProtectedRoute option accepting only tokens
// minted by a context switch.
func RequireActiveContext() func(*jwtware.Config) {
	return func(cfg *jwtware.Config) {
		cfg.RequireContext = true
	}
}
