package auth

import (
	"context"
	"database/sql"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-featuregate/gate"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/uptrace/bun"
)

const (
	// DefaultRefreshTokenTTL is used when the config leaves it unset
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	// DefaultPasswordResetTTL is how long a reset token stays valid
	DefaultPasswordResetTTL = time.Hour

	defaultOperationTimeout = 10 * time.Second
	defaultPhoneRegion      = "US"
)

// RegisterRequest carries the fields needed to open an account
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Username    string `json:"username"`
	Affiliation string `json:"affiliation"`
	Phone       string `json:"phone"`
}

// Validate will run validation rules
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&r.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.LastName, validation.Length(0, 100)),
		validation.Field(&r.Username, validation.Length(0, 100)),
	)
}

// SessionManager owns login, registration, refresh rotation and the
// password lifecycle.
type SessionManager struct {
	repo        RepositoryManager
	tokens      *TokenService
	hasher      PasswordHasher
	lockout     LockoutPolicy
	refreshTTL  time.Duration
	resetTTL    time.Duration
	defaultRole string
	phoneRegion string
	clock       Clock
	publisher   NotificationPublisher
	runner      SideEffectRunner
	metrics     MetricsRecorder
	featureGate gate.FeatureGate
	logger      Logger
	provider    LoggerProvider
}

// NewSessionManager creates a session manager from cfg
func NewSessionManager(repo RepositoryManager, tokens *TokenService, cfg Config) *SessionManager {
	provider, logger := ResolveLogger("auth.sessions", nil, nil)
	s := &SessionManager{
		repo:        repo,
		tokens:      tokens,
		hasher:      NewBcryptHasher(0),
		lockout:     DefaultLockoutPolicy(),
		refreshTTL:  DefaultRefreshTokenTTL,
		resetTTL:    DefaultPasswordResetTTL,
		defaultRole: RoleAuthor,
		phoneRegion: defaultPhoneRegion,
		publisher:   noopPublisher{},
		metrics:     noopMetrics{},
		logger:      logger,
		provider:    provider,
	}

	if cfg != nil {
		if ttl := cfg.GetRefreshTokenTTL(); ttl > 0 {
			s.refreshTTL = ttl
		}
		if ttl := cfg.GetPasswordResetTTL(); ttl > 0 {
			s.resetTTL = ttl
		}
		if role := NormalizeRoleName(cfg.GetDefaultRole()); role != "" {
			s.defaultRole = role
		}
	}

	return s
}

func (s *SessionManager) WithLogger(l Logger) *SessionManager {
	s.provider, s.logger = ResolveLogger("auth.sessions", s.provider, l)
	return s
}

// WithLoggerProvider overrides the logger provider used by the manager.
func (s *SessionManager) WithLoggerProvider(provider LoggerProvider) *SessionManager {
	s.provider, s.logger = ResolveLogger("auth.sessions", provider, nil)
	return s
}

func (s *SessionManager) WithClock(clock Clock) *SessionManager {
	s.clock = clock
	return s
}

func (s *SessionManager) WithPasswordHasher(h PasswordHasher) *SessionManager {
	if h != nil {
		s.hasher = h
	}
	return s
}

func (s *SessionManager) WithLockoutPolicy(p LockoutPolicy) *SessionManager {
	s.lockout = p.normalized()
	return s
}

func (s *SessionManager) WithPublisher(p NotificationPublisher) *SessionManager {
	s.publisher = normalizePublisher(p)
	return s
}

func (s *SessionManager) WithSideEffectRunner(r SideEffectRunner) *SessionManager {
	if r != nil {
		s.runner = r
	}
	return s
}

func (s *SessionManager) WithMetrics(m MetricsRecorder) *SessionManager {
	s.metrics = normalizeMetrics(m)
	return s
}

// WithFeatureGate enables signup and password reset gating
func (s *SessionManager) WithFeatureGate(g gate.FeatureGate) *SessionManager {
	s.featureGate = g
	return s
}

// WithPhoneRegion sets the default region used to parse local numbers
func (s *SessionManager) WithPhoneRegion(region string) *SessionManager {
	if region = strings.ToUpper(strings.TrimSpace(region)); region != "" {
		s.phoneRegion = region
	}
	return s
}

// RefreshTTL is the lifetime of issued refresh tokens
func (s *SessionManager) RefreshTTL() time.Duration {
	return s.refreshTTL
}

// Login verifies credentials and issues a token pair. Locked accounts
// are rejected before the password hash is checked.
func (s *SessionManager) Login(ctx context.Context, email, password string, client ClientInfo) (*TokenPair, *User, error) {
	now := s.clock.now()
	db := s.repo.DB()

	user, err := s.repo.Users().FindByEmailTx(ctx, db, email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			s.metrics.LoginAttempt(OutcomeInvalid)
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, internalError(err, "failed to load user for login")
	}

	if s.lockout.State(user, now) == LockoutLocked {
		s.metrics.LoginAttempt(OutcomeLocked)
		return nil, nil, accountLockedUntil(*user.AccountLockedUntil)
	}

	if err := s.verifyPassword(user, password); err != nil {
		return nil, nil, s.registerFailure(ctx, db, user, now)
	}

	if !user.IsActive {
		s.metrics.LoginAttempt(OutcomeInactive)
		return nil, nil, ErrInvalidCredentials
	}

	roles, err := s.effectiveRoles(ctx, db, user.ID, now)
	if err != nil {
		return nil, nil, err
	}

	access, accessExp, err := s.tokens.MintLoginToken(user, roles)
	if err != nil {
		return nil, nil, err
	}

	refresh, err := s.newRefreshToken(user.ID, client, now)
	if err != nil {
		return nil, nil, err
	}

	if _, err := s.lockout.RegisterSuccess(user, now); err != nil {
		return nil, nil, err
	}
	user.LastLoginAt = &now
	user.LastLoginIP = client.IP
	user.LoginCount++

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.repo.RefreshTokens().CreateTx(ctx, tx, refresh); err != nil {
			return err
		}
		return s.repo.Users().SaveLoginStateTx(ctx, tx, user)
	})
	if err != nil {
		return nil, nil, internalError(err, "failed to persist login")
	}

	s.metrics.LoginAttempt(OutcomeSuccess)
	s.notify(ctx, newNotification(NotificationWelcomeBack, user, now, map[string]any{
		"ip": client.IP,
	}))

	return newTokenPair(access, accessExp, refresh), user, nil
}

func (s *SessionManager) verifyPassword(user *User, password string) error {
	if !user.HasPassword() {
		return ErrMismatchedHashAndPassword
	}
	err := s.hasher.ComparePasswordAndHash(password, *user.PasswordHash)
	if err != nil && !errors.Is(err, ErrMismatchedHashAndPassword) {
		s.logger.Error("password comparison failed", "user_id", user.ID.String(), "error", err)
	}
	return err
}

func (s *SessionManager) registerFailure(ctx context.Context, db bun.IDB, user *User, now time.Time) error {
	transition, err := s.lockout.RegisterFailure(user, now)
	if err != nil {
		return err
	}

	if err := s.repo.Users().SaveLoginStateTx(ctx, db, user); err != nil {
		return internalError(err, "failed to persist failed login")
	}

	if transition.Locked() {
		s.metrics.LoginAttempt(OutcomeLockedOut)
		s.logger.Warn("account locked after failed logins",
			"user_id", user.ID.String(),
			"attempts", transition.Attempts,
			"locked_until", transition.LockedUntil,
		)
	} else {
		s.metrics.LoginAttempt(OutcomeInvalid)
	}
	return ErrInvalidCredentials
}

// Register creates an account holding the default role in global scope
func (s *SessionManager) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if err := requireSignupGate(ctx, s.featureGate); err != nil {
		return nil, err
	}

	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "invalid registration request").
			WithCode(errors.CodeBadRequest)
	}

	phone, err := normalizePhone(req.Phone, s.phoneRegion)
	if err != nil {
		return nil, err
	}

	hash, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, internalError(err, "failed to hash password")
	}

	now := s.clock.now()
	email := NormalizeEmail(req.Email)
	user := &User{
		Email:        email,
		Username:     usernameFor(req.Username, email),
		PasswordHash: &hash,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Affiliation:  strings.TrimSpace(req.Affiliation),
		Phone:        phone,
		IsActive:     true,
		CreatedAt:    &now,
		UpdatedAt:    &now,
	}
	if id, err := hashid.NewUUID(email); err == nil {
		user.ID = id
	}

	ctx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := s.repo.Users().EmailExistsTx(ctx, tx, email)
		if err != nil {
			return err
		}
		if exists {
			return withMetadata(ErrEmailAlreadyExists, map[string]any{"email": email})
		}

		taken, err := s.repo.Users().UsernameExistsTx(ctx, tx, user.Username)
		if err != nil {
			return err
		}
		if taken {
			return withMetadata(ErrUsernameAlreadyExists, map[string]any{"username": user.Username})
		}

		role, err := s.repo.Roles().FindByNameTx(ctx, tx, s.defaultRole)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return withMetadata(ErrRoleNotFound, map[string]any{"role": s.defaultRole})
			}
			return err
		}

		if user, err = s.repo.Users().CreateTx(ctx, tx, user); err != nil {
			return err
		}

		_, err = s.repo.RoleAssignments().CreateTx(ctx, tx, &RoleAssignment{
			UserID:     user.ID,
			RoleID:     role.ID,
			IsActive:   true,
			AssignedAt: now,
		})
		return err
	})
	if err != nil {
		return nil, internalError(err, "user registration transaction failed")
	}

	s.notify(ctx, newNotification(NotificationWelcome, user, now, nil))
	return user, nil
}

// Refresh exchanges an active refresh token for a new pair. The presented
// token is revoked with a conditional update so it can only be spent once.
func (s *SessionManager) Refresh(ctx context.Context, tokenValue string, client ClientInfo) (*TokenPair, error) {
	now := s.clock.now()
	db := s.repo.DB()

	current, err := s.repo.RefreshTokens().FindByTokenTx(ctx, db, tokenValue)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			s.metrics.TokenRefreshed(OutcomeRejected)
			return nil, ErrInvalidRefreshToken
		}
		return nil, internalError(err, "failed to load refresh token")
	}

	if !current.IsActive(now) {
		s.metrics.TokenRefreshed(OutcomeRejected)
		if current.RevokedAt != nil && current.ReplacedByToken != nil {
			s.logger.Warn("rotated refresh token presented again", "user_id", current.UserID.String())
		}
		return nil, ErrInvalidRefreshToken
	}

	user, err := s.repo.Users().FindByIDTx(ctx, db, current.UserID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, internalError(err, "failed to load refresh token owner")
	}
	if !user.IsActive {
		s.metrics.TokenRefreshed(OutcomeInactive)
		return nil, ErrInvalidRefreshToken
	}

	roles, err := s.effectiveRoles(ctx, db, user.ID, now)
	if err != nil {
		return nil, err
	}

	access, accessExp, err := s.tokens.MintLoginToken(user, roles)
	if err != nil {
		return nil, err
	}

	successor, err := s.newRefreshToken(user.ID, client, now)
	if err != nil {
		return nil, err
	}

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.repo.RefreshTokens().CreateTx(ctx, tx, successor); err != nil {
			return err
		}
		revoked, err := s.repo.RefreshTokens().RevokeIfActiveTx(ctx, tx, current.Token, Revocation{
			At:         now,
			IP:         client.IP,
			Reason:     RevokeReasonRotated,
			ReplacedBy: &successor.Token,
		})
		if err != nil {
			return err
		}
		if !revoked {
			return ErrInvalidRefreshToken
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			s.metrics.TokenRefreshed(OutcomeReplayDenied)
			return nil, ErrInvalidRefreshToken
		}
		return nil, internalError(err, "failed to rotate refresh token")
	}

	s.metrics.TokenRefreshed(OutcomeSuccess)
	return newTokenPair(access, accessExp, successor), nil
}

// Logout revokes every active refresh token of the user
func (s *SessionManager) Logout(ctx context.Context, userID uuid.UUID, client ClientInfo) error {
	now := s.clock.now()
	n, err := s.repo.RefreshTokens().RevokeAllForUserTx(ctx, s.repo.DB(), userID, Revocation{
		At:     now,
		IP:     client.IP,
		Reason: RevokeReasonLogout,
	})
	if err != nil {
		return internalError(err, "failed to revoke refresh tokens")
	}
	s.logger.Debug("logout revoked refresh tokens", "user_id", userID.String(), "count", n)
	return nil
}

// ChangePassword verifies the old password, stores the new one and
// revokes every refresh token of the user.
func (s *SessionManager) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string, client ClientInfo) error {
	now := s.clock.now()

	if err := validation.Validate(newPassword, validation.Required, validation.Length(8, 128)); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, "invalid new password").
			WithCode(errors.CodeBadRequest)
	}

	user, err := s.repo.Users().FindByIDTx(ctx, s.repo.DB(), userID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return ErrInvalidCredentials
		}
		return internalError(err, "failed to load user")
	}

	if err := s.verifyPassword(user, oldPassword); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return internalError(err, "failed to hash password")
	}
	user.PasswordHash = &hash

	if err := s.storePassword(ctx, user, now, client, RevokeReasonPasswordChanged); err != nil {
		return err
	}

	s.notify(ctx, newNotification(NotificationPasswordChanged, user, now, nil))
	return nil
}

// ForgotPassword issues a reset token. The result is identical whether
// or not the email is registered.
func (s *SessionManager) ForgotPassword(ctx context.Context, email string) error {
	if err := requirePasswordResetGate(ctx, s.featureGate, false); err != nil {
		return err
	}

	now := s.clock.now()
	db := s.repo.DB()

	user, err := s.repo.Users().FindByEmailTx(ctx, db, email)
	if err != nil {
		if !repository.IsRecordNotFound(err) {
			s.logger.Error("forgot password lookup failed", "error", err)
		}
		return nil
	}
	if !user.IsActive {
		return nil
	}

	token, err := newOpaqueToken(resetTokenBytes)
	if err != nil {
		s.logger.Error("forgot password token generation failed", "error", err)
		return nil
	}
	expires := now.Add(s.resetTTL)
	user.PasswordResetToken = &token
	user.PasswordResetExpires = &expires

	if err := s.repo.Users().SaveResetTokenTx(ctx, db, user); err != nil {
		s.logger.Error("forgot password token could not be stored", "user_id", user.ID.String(), "error", err)
		return nil
	}

	s.notify(ctx, newNotification(NotificationPasswordResetRequest, user, now, map[string]any{
		"reset_token": token,
		"expires_at":  expires,
	}))
	return nil
}

// ResetPassword consumes a reset token and sets a new password
func (s *SessionManager) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := requirePasswordResetGate(ctx, s.featureGate, true); err != nil {
		return err
	}

	if err := validation.Validate(newPassword, validation.Required, validation.Length(8, 128)); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, "invalid new password").
			WithCode(errors.CodeBadRequest)
	}

	now := s.clock.now()
	user, err := s.repo.Users().FindByResetTokenTx(ctx, s.repo.DB(), token)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return ErrInvalidResetToken
		}
		return internalError(err, "failed to load reset token")
	}
	if user.PasswordResetExpires == nil || !now.Before(*user.PasswordResetExpires) {
		return ErrInvalidResetToken
	}

	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return internalError(err, "failed to hash password")
	}
	user.PasswordHash = &hash
	user.PasswordResetToken = nil
	user.PasswordResetExpires = nil
	user.FailedLoginAttempts = 0
	user.AccountLockedUntil = nil

	if err := s.storePassword(ctx, user, now, ClientInfo{}, RevokeReasonPasswordReset); err != nil {
		return err
	}

	s.notify(ctx, newNotification(NotificationPasswordChanged, user, now, nil))
	return nil
}

func (s *SessionManager) storePassword(ctx context.Context, user *User, now time.Time, client ClientInfo, reason string) error {
	err := s.repo.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if err := s.repo.Users().SavePasswordTx(ctx, tx, user); err != nil {
			return err
		}
		_, err := s.repo.RefreshTokens().RevokeAllForUserTx(ctx, tx, user.ID, Revocation{
			At:     now,
			IP:     client.IP,
			Reason: reason,
		})
		return err
	})
	return internalError(err, "failed to store password")
}

func (s *SessionManager) effectiveRoles(ctx context.Context, db bun.IDB, userID uuid.UUID, now time.Time) ([]string, error) {
	assignments, err := s.repo.RoleAssignments().FindTx(ctx, db, AssignmentFilter{
		UserID:     userID,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, internalError(err, "failed to load role assignments")
	}
	return EffectiveRoleNames(assignments, now), nil
}

func (s *SessionManager) newRefreshToken(userID uuid.UUID, client ClientInfo, now time.Time) (*RefreshToken, error) {
	value, err := newOpaqueToken(refreshTokenBytes)
	if err != nil {
		return nil, err
	}
	return &RefreshToken{
		ID:          uuid.New(),
		Token:       value,
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.refreshTTL),
		CreatedByIP: client.IP,
	}, nil
}

// sideEffects returns the injected runner, or an async runner bound to
// the logger and metrics configured at call time.
func (s *SessionManager) sideEffects() SideEffectRunner {
	if s.runner != nil {
		return s.runner
	}
	return NewAsyncRunner(DefaultSideEffectTimeout, s.logger, s.metrics)
}

func (s *SessionManager) notify(ctx context.Context, n Notification) {
	s.sideEffects().Run(ctx, "notification", func(ctx context.Context) error {
		return s.publisher.Publish(ctx, n)
	})
}

// EffectiveRoleNames returns the names of roles from assignments that
// are active and unexpired at now.
func EffectiveRoleNames(assignments []*RoleAssignment, now time.Time) []string {
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if !a.IsEffective(now) || a.Role == nil || !a.Role.IsActive {
			continue
		}
		names = append(names, a.Role.Name)
	}
	return normalizeRoles(names)
}

func newTokenPair(access string, accessExp time.Time, refresh *RefreshToken) *TokenPair {
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp.Unix(),
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt.Unix(),
		TokenType:        "Bearer",
	}
}

func usernameFor(username, email string) string {
	if username = strings.TrimSpace(username); username != "" {
		return username
	}
	return email
}

func normalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	num, err := phonenumbers.Parse(phone, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", errors.New("invalid phone number", errors.CategoryValidation).
			WithCode(errors.CodeBadRequest).
			WithMetadata(map[string]any{"phone": phone})
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
