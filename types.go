package auth

import (
	"context"
	"fmt"
	"time"
)

// Logger is the logging contract used across the package. Arguments
// after msg are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggerProvider hands out named loggers, one per component.
type LoggerProvider interface {
	GetLogger(name string) Logger
}

// LoggerProviderFunc adapts a function to LoggerProvider.
type LoggerProviderFunc func(name string) Logger

// GetLogger implements LoggerProvider.
func (f LoggerProviderFunc) GetLogger(name string) Logger {
	if f == nil {
		return defLogger{}
	}
	return f(name)
}

// ResolveLogger picks the logger for a component. An explicit logger
// wins over the provider, and defLogger is the fallback.
func ResolveLogger(name string, provider LoggerProvider, logger Logger) (LoggerProvider, Logger) {
	if logger != nil {
		return provider, logger
	}
	if provider != nil {
		if l := provider.GetLogger(name); l != nil {
			return provider, l
		}
	}
	return provider, defLogger{}
}

// Config holds the settings the managers need
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	GetAudience() []string
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetPasswordResetTTL() time.Duration
	GetDefaultRole() string
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// PasswordHasher hashes and verifies passwords
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// ClientInfo carries request metadata recorded on tokens.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// ScopeNameResolver returns display names for conference scopes.
type ScopeNameResolver interface {
	ConferenceName(ctx context.Context, conferenceID string) (string, error)
}

type defLogger struct{}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Println(format("[ERR] AUTH ", msg, args...))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Println(format("[WRN] AUTH ", msg, args...))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Println(format("[INF] AUTH ", msg, args...))
}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Println(format("[DBG] AUTH ", msg, args...))
}

func format(prefix, msg string, args ...any) string {
	out := prefix + msg
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			out += fmt.Sprintf(" %v=%v", args[i], args[i+1])
			continue
		}
		out += fmt.Sprintf(" %v", args[i])
	}
	return out
}
