package auth

import (
	"fmt"
	"time"
)

// LockoutState is the credential state of an account
type LockoutState string

const (
	LockoutActive LockoutState = "active"
	LockoutLocked LockoutState = "locked"
)

// MaxLoginAttempts is the number of consecutive failures that lock an account
const MaxLoginAttempts = 5

// LockoutWindow is how long a locked account stays locked
const LockoutWindow = 30 * time.Minute

// LockoutPolicy drives the Active/Locked state machine over the lockout
// fields of a User.
type LockoutPolicy struct {
	MaxAttempts int
	Window      time.Duration
}

// LockoutTransition describes the outcome of registering a login attempt
type LockoutTransition struct {
	From        LockoutState
	To          LockoutState
	Attempts    int
	LockedUntil *time.Time
}

// Locked reports whether the attempt left the account locked
func (t LockoutTransition) Locked() bool {
	return t.To == LockoutLocked
}

var lockoutTransitions = map[LockoutState]map[LockoutState]bool{
	LockoutActive: {
		LockoutActive: true,
		LockoutLocked: true,
	},
	LockoutLocked: {
		LockoutActive: true,
	},
}

// DefaultLockoutPolicy locks after 5 failures for 30 minutes
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxAttempts: MaxLoginAttempts,
		Window:      LockoutWindow,
	}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = MaxLoginAttempts
	}
	if p.Window <= 0 {
		p.Window = LockoutWindow
	}
	return p
}

// State evaluates the lockout state at now. A lock whose window has
// elapsed counts as active.
func (p LockoutPolicy) State(user *User, now time.Time) LockoutState {
	if user == nil || user.AccountLockedUntil == nil {
		return LockoutActive
	}
	if now.Before(*user.AccountLockedUntil) {
		return LockoutLocked
	}
	return LockoutActive
}

// RegisterFailure counts a failed password verification. Calling it on a
// locked account is an invalid transition: locked accounts short-circuit
// before the hash is checked.
func (p LockoutPolicy) RegisterFailure(user *User, now time.Time) (LockoutTransition, error) {
	p = p.normalized()
	from := p.State(user, now)
	if from == LockoutLocked {
		return LockoutTransition{}, p.invalid(from, LockoutLocked)
	}

	// an elapsed lock starts a fresh count
	if user.AccountLockedUntil != nil {
		user.AccountLockedUntil = nil
		user.FailedLoginAttempts = 0
	}

	user.FailedLoginAttempts++
	to := LockoutActive
	if user.FailedLoginAttempts >= p.MaxAttempts {
		until := now.Add(p.Window)
		user.AccountLockedUntil = &until
		to = LockoutLocked
	}

	if !lockoutTransitions[from][to] {
		return LockoutTransition{}, p.invalid(from, to)
	}

	return LockoutTransition{
		From:        from,
		To:          to,
		Attempts:    user.FailedLoginAttempts,
		LockedUntil: user.AccountLockedUntil,
	}, nil
}

// RegisterSuccess resets the counter and clears any elapsed lock
func (p LockoutPolicy) RegisterSuccess(user *User, now time.Time) (LockoutTransition, error) {
	if p.State(user, now) == LockoutLocked {
		return LockoutTransition{}, p.invalid(LockoutLocked, LockoutActive)
	}

	from := LockoutActive
	if user.AccountLockedUntil != nil {
		from = LockoutLocked
	}
	if !lockoutTransitions[from][LockoutActive] {
		return LockoutTransition{}, p.invalid(from, LockoutActive)
	}

	user.FailedLoginAttempts = 0
	user.AccountLockedUntil = nil
	return LockoutTransition{From: from, To: LockoutActive}, nil
}

func (p LockoutPolicy) invalid(from, to LockoutState) error {
	clone := ErrInvalidLockoutTransition.Clone()
	if clone == nil {
		return ErrInvalidLockoutTransition
	}
	clone.Message = fmt.Sprintf("invalid lockout transition: %s -> %s", from, to)
	clone.Source = ErrInvalidLockoutTransition
	return clone.WithMetadata(map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}
