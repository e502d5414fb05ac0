package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-conference-auth"
)

const (
	confICSSE = "ICSSE2024"
	confSOSP  = "SOSP2024"
)

func findInScope(t *testing.T, env *testEnv, userID uuid.UUID, scope auth.Scope) []*auth.RoleAssignment {
	t.Helper()
	out, err := env.repo.RoleAssignments().FindTx(context.Background(), env.repo.DB(), auth.AssignmentFilter{
		UserID: userID,
		Scope:  &scope,
	})
	require.NoError(t, err)
	return out
}

func activeRoleNames(assignments []*auth.RoleAssignment) map[string]bool {
	out := map[string]bool{}
	for _, a := range assignments {
		if a.Role != nil {
			out[a.Role.Name] = a.IsActive
		}
	}
	return out
}

func TestSetRoleReplacesActiveRoleInSameScope(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "chair@example.org")
	scope := auth.Scope{ConferenceID: confICSSE}

	reviewer := env.grant(t, user.ID, auth.RoleReviewer, confICSSE, "")
	env.clock.Advance(time.Second)
	chair := env.grant(t, user.ID, auth.RoleChair, confICSSE, "")
	assert.NotEqual(t, reviewer.ID, chair.ID)

	states := activeRoleNames(findInScope(t, env, user.ID, scope))
	assert.Equal(t, map[string]bool{auth.RoleReviewer: false, auth.RoleChair: true}, states)

	env.clock.Advance(time.Second)
	again := env.grant(t, user.ID, auth.RoleReviewer, confICSSE, "")
	assert.Equal(t, reviewer.ID, again.ID, "existing row is reactivated")
	assert.True(t, again.IsActive)

	all := findInScope(t, env, user.ID, scope)
	assert.Len(t, all, 2)
	assert.Equal(t, map[string]bool{auth.RoleReviewer: true, auth.RoleChair: false}, activeRoleNames(all))

	global := activeRoleNames(findInScope(t, env, user.ID, auth.GlobalScope))
	assert.Equal(t, map[string]bool{auth.RoleAuthor: true}, global)

	assert.Equal(t, 3, env.metrics.Count("role:"+auth.AuditActionRoleGranted))
}

func TestSetRoleKeepsOtherScopesIndependent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "busy@example.org")

	env.grant(t, user.ID, auth.RoleReviewer, confICSSE, "")
	env.grant(t, user.ID, auth.RoleReviewer, confICSSE, "track-ml")
	env.grant(t, user.ID, auth.RoleChair, confSOSP, "")

	contexts, err := env.contexts.GetAvailableContexts(ctx, user.ID, nil)
	require.NoError(t, err)

	type key struct{ role, conference, track string }
	got := []key{}
	for _, c := range contexts {
		got = append(got, key{c.RoleName, c.ConferenceID, c.TrackID})
	}
	assert.ElementsMatch(t, []key{
		{auth.RoleAuthor, "", ""},
		{auth.RoleReviewer, confICSSE, ""},
		{auth.RoleReviewer, confICSSE, "track-ml"},
		{auth.RoleChair, confSOSP, ""},
	}, got)

	filtered, err := env.contexts.GetAvailableContexts(ctx, user.ID, strPtr(confSOSP))
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, auth.RoleChair, filtered[0].RoleName)
	assert.Equal(t, "Program Chair", filtered[0].RoleDisplayName)
}

func TestSetRoleValidatesRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "validate@example.org")
	now := env.clock.Now()

	_, err := env.contexts.SetRole(ctx, auth.SetRoleRequest{
		UserID:    user.ID,
		RoleID:    env.roleID(t, auth.RoleChair),
		ExpiresAt: &now,
	})
	require.ErrorIs(t, err, auth.ErrInvalidRoleExpiry)

	_, err = env.contexts.SetRole(ctx, auth.SetRoleRequest{
		UserID: uuid.New(),
		RoleID: env.roleID(t, auth.RoleChair),
	})
	require.ErrorIs(t, err, auth.ErrUserNotFound)

	_, err = env.contexts.SetRole(ctx, auth.SetRoleRequest{
		UserID: user.ID,
		RoleID: uuid.New(),
	})
	require.ErrorIs(t, err, auth.ErrRoleNotFound)
}

func TestExpiredAssignmentIsNotEffective(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "temporary@example.org")
	expires := env.clock.Now().Add(time.Hour)

	_, err := env.contexts.SetRole(ctx, auth.SetRoleRequest{
		UserID:       user.ID,
		RoleID:       env.roleID(t, auth.RoleReviewer),
		ConferenceID: strPtr(confICSSE),
		ExpiresAt:    &expires,
	})
	require.NoError(t, err)

	ok, err := env.contexts.ValidateContext(ctx, user.ID, confICSSE, auth.RoleReviewer)
	require.NoError(t, err)
	assert.True(t, ok)

	env.clock.Advance(time.Hour)

	ok, err = env.contexts.ValidateContext(ctx, user.ID, confICSSE, auth.RoleReviewer)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = env.contexts.SwitchContext(ctx, user.ID, confICSSE, auth.RoleReviewer, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrContextNotAssigned)

	contexts, err := env.contexts.GetAvailableContexts(ctx, user.ID, strPtr(confICSSE))
	require.NoError(t, err)
	assert.Empty(t, contexts)
}

func TestRemoveRoleAcrossScopes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "reviewer@example.org")
	roleID := env.roleID(t, auth.RoleReviewer)

	env.grant(t, user.ID, auth.RoleReviewer, confICSSE, "")
	env.grant(t, user.ID, auth.RoleReviewer, confSOSP, "")

	removed, err := env.contexts.RemoveRole(ctx, auth.RemoveRoleRequest{UserID: user.ID, RoleID: roleID})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, conf := range []string{confICSSE, confSOSP} {
		ok, err := env.contexts.ValidateContext(ctx, user.ID, conf, auth.RoleReviewer)
		require.NoError(t, err)
		assert.False(t, ok, conf)
	}

	removed, err = env.contexts.RemoveRole(ctx, auth.RemoveRoleRequest{UserID: user.ID, RoleID: roleID})
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 1, env.metrics.Count("role:"+auth.AuditActionRoleRemoved))

	ok, err := env.contexts.ValidateContext(ctx, user.ID, "", auth.RoleAuthor)
	require.NoError(t, err)
	assert.True(t, ok, "other roles are untouched")
}

func TestRemoveRoleInScope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "scoped@example.org")

	env.grant(t, user.ID, auth.RoleReviewer, confICSSE, "")
	env.grant(t, user.ID, auth.RoleReviewer, confSOSP, "")

	removed, err := env.contexts.RemoveRole(ctx, auth.RemoveRoleRequest{
		UserID:       user.ID,
		RoleID:       env.roleID(t, auth.RoleReviewer),
		Mode:         auth.RemoveInScope,
		ConferenceID: strPtr(confICSSE),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := env.contexts.ValidateContext(ctx, user.ID, confICSSE, auth.RoleReviewer)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.contexts.ValidateContext(ctx, user.ID, confSOSP, auth.RoleReviewer)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveRoleRejectsUnknownMode(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "mode@example.org")

	_, err := env.contexts.RemoveRole(context.Background(), auth.RemoveRoleRequest{
		UserID: user.ID,
		RoleID: env.roleID(t, auth.RoleReviewer),
		Mode:   "everywhere",
	})
	require.Error(t, err)

	var richErr *goerrors.Error
	require.True(t, goerrors.As(err, &richErr))
	assert.Equal(t, goerrors.CategoryBadInput, richErr.Category)
}

func TestRoleChangesAreAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "audited@example.org")
	actor := uuid.New()
	roleID := env.roleID(t, auth.RoleChair)

	_, err := env.contexts.SetRole(ctx, auth.SetRoleRequest{
		UserID:       user.ID,
		RoleID:       roleID,
		ConferenceID: strPtr(confICSSE),
		ActorID:      &actor,
	})
	require.NoError(t, err)

	env.clock.Advance(time.Second)

	_, err = env.contexts.RemoveRole(ctx, auth.RemoveRoleRequest{
		UserID:  user.ID,
		RoleID:  roleID,
		ActorID: &actor,
	})
	require.NoError(t, err)

	entries, err := env.repo.AuditEntries().ListByEntity(ctx, auth.AuditEntityUser, user.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, auth.AuditActionRoleGranted, entries[0].Action)
	assert.Equal(t, actor.String(), entries[0].ActorID)
	assert.Equal(t, roleID.String(), entries[0].After["role_id"])
	assert.Equal(t, "conference:"+confICSSE, entries[0].After["scope"])

	assert.Equal(t, auth.AuditActionRoleRemoved, entries[1].Action)
	assert.Equal(t, string(auth.RemoveAcrossScopes), entries[1].After["mode"])
	assert.True(t, entries[1].OccurredAt.After(entries[0].OccurredAt))
}

func TestAuditFailureDoesNotFailRoleGrant(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "resilient@example.org")

	failing := auth.AuditSinkFunc(func(context.Context, auth.AuditEntry) error {
		return errors.New("audit store unavailable")
	})
	env.contexts.WithAuditRecorder(auth.NewAuditRecorder(failing, env.runner))

	assignment := env.grant(t, user.ID, auth.RoleChair, confICSSE, "")
	assert.True(t, assignment.IsActive)
	assert.Equal(t, 1, env.metrics.Count("effect:audit"))
}

func TestSwitchContextIssuesNarrowedToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "switch@example.org")
	env.contexts.WithScopeNames(auth.StaticScopeNames{confICSSE: "ICSSE 2024"}, time.Second)

	env.grant(t, user.ID, auth.RoleChair, confICSSE, "")

	pair, active, err := env.contexts.SwitchContext(ctx, user.ID, confICSSE, "chair", auth.ClientInfo{IP: "10.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleChair, active.RoleName)
	assert.Equal(t, "ICSSE 2024", active.ConferenceName)
	assert.NotEmpty(t, pair.RefreshToken)

	claims, err := env.tokens.Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.IsContextToken())
	assert.Equal(t, auth.RoleChair, claims.ActiveRole)
	assert.Equal(t, confICSSE, claims.ConferenceID)
	assert.Equal(t, "ICSSE 2024", claims.ConferenceName)
	assert.Empty(t, claims.Roles)
	assert.True(t, claims.HasRole(auth.RoleChair))
	assert.False(t, claims.HasRole(auth.RoleAuthor))

	stored, err := env.repo.RefreshTokens().FindByTokenTx(ctx, env.repo.DB(), pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.UserID)
	assert.Equal(t, "10.1.1.1", stored.CreatedByIP)

	assert.Equal(t, 1, env.metrics.Count("switch:"+auth.RoleChair))
}

func TestSwitchContextToGlobalScope(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "global@example.org")

	_, active, err := env.contexts.SwitchContext(context.Background(), user.ID, "", auth.RoleAuthor, auth.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, "Global", active.ConferenceName)
	assert.Empty(t, active.ConferenceID)
}

func TestSwitchContextFallsBackToPlaceholderName(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "placeholder@example.org")
	env.contexts.WithScopeNames(auth.StaticScopeNames{}, time.Second)

	env.grant(t, user.ID, auth.RoleReviewer, confSOSP, "")

	_, active, err := env.contexts.SwitchContext(context.Background(), user.ID, confSOSP, auth.RoleReviewer, auth.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, auth.ConferencePlaceholderName(confSOSP), active.ConferenceName)
}

func TestSwitchContextPrefersConferenceWideAssignment(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "tracks@example.org")

	env.grant(t, user.ID, auth.RoleReviewer, confICSSE, "track-ml")
	env.grant(t, user.ID, auth.RoleReviewer, confICSSE, "")

	_, active, err := env.contexts.SwitchContext(context.Background(), user.ID, confICSSE, auth.RoleReviewer, auth.ClientInfo{})
	require.NoError(t, err)
	assert.Empty(t, active.TrackID)
}

func TestSwitchContextRejectsUnassignedRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "author@example.org")

	_, _, err := env.contexts.SwitchContext(ctx, user.ID, confICSSE, auth.RoleChair, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrContextNotAssigned)

	_, _, err = env.contexts.SwitchContext(ctx, user.ID, confICSSE, auth.RoleAuthor, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrContextNotAssigned, "a global grant does not cover a conference")

	_, _, err = env.contexts.SwitchContext(ctx, uuid.New(), "", auth.RoleAuthor, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrContextNotAssigned)

	env.deactivateUser(t, user.ID)
	_, _, err = env.contexts.SwitchContext(ctx, user.ID, "", auth.RoleAuthor, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrContextNotAssigned)

	assert.Zero(t, env.metrics.Count("switch:"+auth.RoleAuthor))
}
