package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-featuregate/gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-conference-auth"
)

func TestRegisterGrantsDefaultRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.sessions.Register(ctx, auth.RegisterRequest{
		Email:       "Ada@Example.org",
		Password:    testPassword,
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Affiliation: "Analytical Engines Ltd",
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.org", user.Email)
	assert.Equal(t, "ada@example.org", user.Username)
	assert.True(t, user.IsActive)
	assert.True(t, user.HasPassword())
	assert.NotEqual(t, testPassword, *user.PasswordHash)

	pair, loggedIn, err := env.sessions.Login(ctx, "ada@example.org", testPassword, auth.ClientInfo{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)
	assert.Equal(t, 1, loggedIn.LoginCount)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute).Unix(), pair.AccessExpiresAt)

	claims, err := env.tokens.Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID())
	assert.Equal(t, []string{auth.RoleAuthor}, claims.Roles)
	assert.Equal(t, "Ada Lovelace", claims.FullName)
	assert.Equal(t, "Analytical Engines Ltd", claims.Affiliation)
	assert.False(t, claims.IsContextToken())

	assert.Len(t, env.publisher.OfType(auth.NotificationWelcome), 1)
	assert.Len(t, env.publisher.OfType(auth.NotificationWelcomeBack), 1)
	assert.Equal(t, 1, env.metrics.Count("login:"+auth.OutcomeSuccess))
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "grace@example.org")

	_, err := env.sessions.Register(context.Background(), auth.RegisterRequest{
		Email:     "GRACE@example.org",
		Password:  testPassword,
		FirstName: "Grace",
	})
	require.ErrorIs(t, err, auth.ErrEmailAlreadyExists)
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.sessions.Register(ctx, auth.RegisterRequest{
		Email:     "first@example.org",
		Password:  testPassword,
		FirstName: "First",
		Username:  "chair",
	})
	require.NoError(t, err)

	_, err = env.sessions.Register(ctx, auth.RegisterRequest{
		Email:     "second@example.org",
		Password:  testPassword,
		FirstName: "Second",
		Username:  " chair ",
	})
	require.ErrorIs(t, err, auth.ErrUsernameAlreadyExists)

	status, res := auth.ErrorPayload(err)
	assert.Equal(t, 409, status)
	assert.Equal(t, "USERNAME_ALREADY_EXISTS", res.Error.TextCode)

	_, err = env.repo.Users().FindByEmail(ctx, "second@example.org")
	assert.Error(t, err, "the rejected registration writes no user")
}

func TestRegisterValidatesRequest(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  auth.RegisterRequest
	}{
		{"missing email", auth.RegisterRequest{Password: testPassword, FirstName: "A"}},
		{"invalid email", auth.RegisterRequest{Email: "not-an-email", Password: testPassword, FirstName: "A"}},
		{"short password", auth.RegisterRequest{Email: "a@example.org", Password: "short", FirstName: "A"}},
		{"missing first name", auth.RegisterRequest{Email: "a@example.org", Password: testPassword}},
		{"invalid phone", auth.RegisterRequest{Email: "a@example.org", Password: testPassword, FirstName: "A", Phone: "12"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.sessions.Register(context.Background(), tt.req)
			require.Error(t, err)

			var richErr *errors.Error
			require.True(t, errors.As(err, &richErr))
			assert.Equal(t, errors.CategoryValidation, richErr.Category)
		})
	}
}

func TestRegisterNormalizesPhone(t *testing.T) {
	env := newTestEnv(t)

	user, err := env.sessions.Register(context.Background(), auth.RegisterRequest{
		Email:     "phone@example.org",
		Password:  testPassword,
		FirstName: "Phone",
		Phone:     "(650) 253-0000",
	})
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", user.Phone)
}

func TestRegisterHonorsSignupGate(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.WithFeatureGate(auth.FeatureFlags{gate.FeatureUsersSignup: false})

	_, err := env.sessions.Register(context.Background(), auth.RegisterRequest{
		Email:     "closed@example.org",
		Password:  testPassword,
		FirstName: "Closed",
	})
	require.ErrorIs(t, err, auth.ErrSignupDisabled)
}

func TestLoginLocksAccountAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "lock@example.org")

	for i := 0; i < auth.MaxLoginAttempts; i++ {
		_, _, err := env.sessions.Login(ctx, user.Email, "wrong-password", auth.ClientInfo{})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials, "attempt %d", i+1)
	}

	stored, err := env.repo.Users().FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.MaxLoginAttempts, stored.FailedLoginAttempts)
	require.NotNil(t, stored.AccountLockedUntil)
	assert.WithinDuration(t, env.clock.Now().Add(auth.LockoutWindow), *stored.AccountLockedUntil, time.Second)

	_, _, err = env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	_, _, err = env.sessions.Login(ctx, user.Email, "wrong-password", auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	stored, err = env.repo.Users().FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.MaxLoginAttempts, stored.FailedLoginAttempts)

	env.clock.Advance(auth.LockoutWindow + time.Minute)

	_, _, err = env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.NoError(t, err)

	stored, err = env.repo.Users().FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginAttempts)
	assert.Nil(t, stored.AccountLockedUntil)

	assert.Equal(t, auth.MaxLoginAttempts-1, env.metrics.Count("login:"+auth.OutcomeInvalid))
	assert.Equal(t, 1, env.metrics.Count("login:"+auth.OutcomeLockedOut))
	assert.Equal(t, 2, env.metrics.Count("login:"+auth.OutcomeLocked))
	assert.Equal(t, 1, env.metrics.Count("login:"+auth.OutcomeSuccess))
}

func TestLoginSuccessResetsFailureCount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "reset-count@example.org")

	for i := 0; i < auth.MaxLoginAttempts-1; i++ {
		_, _, err := env.sessions.Login(ctx, user.Email, "wrong-password", auth.ClientInfo{})
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	_, _, err := env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.NoError(t, err)

	_, _, err = env.sessions.Login(ctx, user.Email, "wrong-password", auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	stored, err := env.repo.Users().FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedLoginAttempts)
	assert.Nil(t, stored.AccountLockedUntil)
}

func TestLoginRejectsUnknownAndInactiveUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.sessions.Login(ctx, "nobody@example.org", testPassword, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	user := env.register(t, "inactive@example.org")
	env.deactivateUser(t, user.ID)

	_, _, err = env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Equal(t, 1, env.metrics.Count("login:"+auth.OutcomeInactive))
}

func TestRefreshRotatesAndDeniesReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "rotate@example.org")

	first, _, err := env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{IP: "10.0.0.1"})
	require.NoError(t, err)

	env.clock.Advance(time.Minute)

	second, err := env.sessions.Refresh(ctx, first.RefreshToken, auth.ClientInfo{IP: "10.0.0.2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	claims, err := env.tokens.Validate(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{auth.RoleAuthor}, claims.Roles)

	_, err = env.sessions.Refresh(ctx, first.RefreshToken, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	third, err := env.sessions.Refresh(ctx, second.RefreshToken, auth.ClientInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, third.RefreshToken)

	rotated, err := env.repo.RefreshTokens().FindByTokenTx(ctx, env.repo.DB(), first.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, rotated.RevokedAt)
	require.NotNil(t, rotated.ReplacedByToken)
	assert.Equal(t, second.RefreshToken, *rotated.ReplacedByToken)
	assert.Equal(t, auth.RevokeReasonRotated, rotated.ReasonRevoked)
	assert.Equal(t, "10.0.0.2", rotated.RevokedByIP)

	assert.Equal(t, 2, env.metrics.Count("refresh:"+auth.OutcomeSuccess))
	assert.Equal(t, 1, env.metrics.Count("refresh:"+auth.OutcomeRejected))
}

func TestRefreshRejectsExpiredAndUnknownTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "expire@example.org")

	_, err := env.sessions.Refresh(ctx, "not-a-token", auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	pair, _, err := env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.NoError(t, err)

	env.clock.Advance(env.sessions.RefreshTTL())

	_, err = env.sessions.Refresh(ctx, pair.RefreshToken, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestRefreshRejectsInactiveOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "owner@example.org")

	pair, _, err := env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.NoError(t, err)

	env.deactivateUser(t, user.ID)

	_, err = env.sessions.Refresh(ctx, pair.RefreshToken, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestLogoutRevokesEveryRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "logout@example.org")

	laptop, _, err := env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.NoError(t, err)
	phone, _, err := env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.NoError(t, err)

	require.NoError(t, env.sessions.Logout(ctx, user.ID, auth.ClientInfo{IP: "10.0.0.9"}))

	_, err = env.sessions.Refresh(ctx, laptop.RefreshToken, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
	_, err = env.sessions.Refresh(ctx, phone.RefreshToken, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	tokens, err := env.repo.RefreshTokens().ListByUserTx(ctx, env.repo.DB(), user.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	for _, tok := range tokens {
		assert.NotNil(t, tok.RevokedAt)
		assert.Equal(t, auth.RevokeReasonLogout, tok.ReasonRevoked)
	}

	require.NoError(t, env.sessions.Logout(ctx, user.ID, auth.ClientInfo{}))
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "change@example.org")

	pair, _, err := env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.NoError(t, err)

	err = env.sessions.ChangePassword(ctx, user.ID, "wrong-password", "brand-new-secret", auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	err = env.sessions.ChangePassword(ctx, user.ID, testPassword, "short", auth.ClientInfo{})
	require.Error(t, err)

	require.NoError(t, env.sessions.ChangePassword(ctx, user.ID, testPassword, "brand-new-secret", auth.ClientInfo{}))

	_, err = env.sessions.Refresh(ctx, pair.RefreshToken, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	_, _, err = env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, _, err = env.sessions.Login(ctx, user.Email, "brand-new-secret", auth.ClientInfo{})
	require.NoError(t, err)

	assert.Len(t, env.publisher.OfType(auth.NotificationPasswordChanged), 1)
}

func TestForgotPasswordDoesNotRevealAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.sessions.ForgotPassword(ctx, "nobody@example.org"))
	assert.Empty(t, env.publisher.OfType(auth.NotificationPasswordResetRequest))

	env.register(t, "known@example.org")
	require.NoError(t, env.sessions.ForgotPassword(ctx, "Known@Example.org"))
	assert.Len(t, env.publisher.OfType(auth.NotificationPasswordResetRequest), 1)
}

func TestResetPasswordConsumesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "forgetful@example.org")

	for i := 0; i < auth.MaxLoginAttempts; i++ {
		_, _, _ = env.sessions.Login(ctx, user.Email, "wrong-password", auth.ClientInfo{})
	}
	_, _, err := env.sessions.Login(ctx, user.Email, testPassword, auth.ClientInfo{})
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	require.NoError(t, env.sessions.ForgotPassword(ctx, user.Email))
	sent := env.publisher.OfType(auth.NotificationPasswordResetRequest)
	require.Len(t, sent, 1)
	token, ok := sent[0].Data["reset_token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, token)

	require.NoError(t, env.sessions.ResetPassword(ctx, token, "recovered-secret"))

	_, _, err = env.sessions.Login(ctx, user.Email, "recovered-secret", auth.ClientInfo{})
	require.NoError(t, err)

	err = env.sessions.ResetPassword(ctx, token, "another-secret")
	require.ErrorIs(t, err, auth.ErrInvalidResetToken)
}

func TestResetPasswordRejectsExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.register(t, "slow@example.org")

	require.NoError(t, env.sessions.ForgotPassword(ctx, user.Email))
	sent := env.publisher.OfType(auth.NotificationPasswordResetRequest)
	require.Len(t, sent, 1)
	token := sent[0].Data["reset_token"].(string)

	env.clock.Advance(env.cfg.GetPasswordResetTTL())

	err := env.sessions.ResetPassword(ctx, token, "too-late-secret")
	require.ErrorIs(t, err, auth.ErrInvalidResetToken)

	err = env.sessions.ResetPassword(ctx, "", "too-late-secret")
	require.ErrorIs(t, err, auth.ErrInvalidResetToken)
}

func TestPasswordResetHonorsFeatureGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.sessions.WithFeatureGate(auth.FeatureFlags{
		gate.FeatureUsersPasswordReset:         false,
		gate.FeatureUsersPasswordResetFinalize: false,
	})

	require.ErrorIs(t, env.sessions.ForgotPassword(ctx, "any@example.org"), auth.ErrPasswordResetDisabled)
	require.ErrorIs(t, env.sessions.ResetPassword(ctx, "token", "whatever-secret"), auth.ErrPasswordResetDisabled)
}

func TestEffectiveRoleNamesSkipsExpiredAndInactive(t *testing.T) {
	now := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	role := func(name string) *auth.Role {
		return &auth.Role{Name: name, IsActive: true}
	}

	assignments := []*auth.RoleAssignment{
		{IsActive: true, Role: role(auth.RoleReviewer)},
		{IsActive: true, Role: role(auth.RoleAuthor)},
		{IsActive: true, Role: role(auth.RoleAuthor)},
		{IsActive: true, ExpiresAt: &future, Role: role(auth.RoleChair)},
		{IsActive: true, ExpiresAt: &past, Role: role(auth.RoleAdmin)},
		{IsActive: false, Role: role("EDITOR")},
		{IsActive: true, Role: &auth.Role{Name: "RETIRED", IsActive: false}},
	}

	assert.Equal(t, []string{auth.RoleAuthor, auth.RoleChair, auth.RoleReviewer}, auth.EffectiveRoleNames(assignments, now))
}
