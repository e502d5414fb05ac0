// Package auth provides identity, credential and role-context primitives
// for a conference management platform (JWT issuance, bun repositories,
// HTTP handlers).
//
// Sessions:
//   - SessionManager handles login with account lockout, registration with
//     the default AUTHOR role, refresh token rotation, logout and the
//     password change and reset flows. Refresh tokens are opaque and are
//     revoked with a conditional update so each one is spent at most once.
//
// Role contexts:
//   - A RoleAssignment grants a role in a scope: global, a conference, or a
//     track inside a conference. ContextManager lists the contexts a user can
//     act in, issues tokens narrowed to one of them, and arbitrates grants so
//     a scope holds at most one active role per user.
//
// Side effects:
//   - Notifications and audit entries are dispatched through a
//     SideEffectRunner after the primary write commits. Failures are logged
//     and counted but never reach the caller.
package auth
