package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RemoveRoleMode selects how much RemoveRole deactivates
type RemoveRoleMode string

const (
	// RemoveAcrossScopes deactivates the role in every scope it is held
	RemoveAcrossScopes RemoveRoleMode = "across_scopes"
	// RemoveInScope deactivates only the assignment in the given scope
	RemoveInScope RemoveRoleMode = "in_scope"
)

// Context is a role a user can act as, with its scope resolved to a name
type Context struct {
	RoleID          string     `json:"role_id"`
	RoleName        string     `json:"role_name"`
	RoleDisplayName string     `json:"role_display_name"`
	ConferenceID    string     `json:"conference_id,omitempty"`
	ConferenceName  string     `json:"conference_name"`
	TrackID         string     `json:"track_id,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// SetRoleRequest grants RoleID to UserID in the exact scope given by
// ConferenceID and TrackID. Nil ExpiresAt means the grant never expires.
type SetRoleRequest struct {
	UserID       uuid.UUID
	RoleID       uuid.UUID
	ConferenceID *string
	TrackID      *string
	ExpiresAt    *time.Time
	ActorID      *uuid.UUID
}

// RemoveRoleRequest revokes RoleID from UserID. An empty Mode uses the
// manager default.
type RemoveRoleRequest struct {
	UserID       uuid.UUID
	RoleID       uuid.UUID
	Mode         RemoveRoleMode
	ConferenceID *string
	TrackID      *string
	ActorID      *uuid.UUID
}

// ContextManager resolves which role a user holds in which scope and
// arbitrates role grants.
type ContextManager struct {
	repo        RepositoryManager
	tokens      *TokenService
	names       ScopeNameResolver
	nameTimeout time.Duration
	refreshTTL  time.Duration
	removeMode  RemoveRoleMode
	clock       Clock
	audit       *AuditRecorder
	metrics     MetricsRecorder
	logger      Logger
	provider    LoggerProvider
}

// NewContextManager creates a context manager from cfg
func NewContextManager(repo RepositoryManager, tokens *TokenService, cfg Config) *ContextManager {
	provider, logger := ResolveLogger("auth.contexts", nil, nil)
	m := &ContextManager{
		repo:        repo,
		tokens:      tokens,
		nameTimeout: DefaultScopeNameTimeout,
		refreshTTL:  DefaultRefreshTokenTTL,
		removeMode:  RemoveAcrossScopes,
		metrics:     noopMetrics{},
		logger:      logger,
		provider:    provider,
	}
	if cfg != nil {
		if ttl := cfg.GetRefreshTokenTTL(); ttl > 0 {
			m.refreshTTL = ttl
		}
	}
	return m
}

func (m *ContextManager) WithLogger(l Logger) *ContextManager {
	m.provider, m.logger = ResolveLogger("auth.contexts", m.provider, l)
	return m
}

// WithLoggerProvider overrides the logger provider used by the manager.
func (m *ContextManager) WithLoggerProvider(provider LoggerProvider) *ContextManager {
	m.provider, m.logger = ResolveLogger("auth.contexts", provider, nil)
	return m
}

func (m *ContextManager) WithClock(clock Clock) *ContextManager {
	m.clock = clock
	return m
}

// WithScopeNames sets the conference name collaborator and its timeout
func (m *ContextManager) WithScopeNames(resolver ScopeNameResolver, timeout time.Duration) *ContextManager {
	m.names = resolver
	if timeout > 0 {
		m.nameTimeout = timeout
	}
	return m
}

func (m *ContextManager) WithAuditRecorder(r *AuditRecorder) *ContextManager {
	if r != nil {
		m.audit = r
	}
	return m
}

func (m *ContextManager) WithMetrics(mr MetricsRecorder) *ContextManager {
	m.metrics = normalizeMetrics(mr)
	return m
}

// auditRecorder returns the injected recorder, or one writing to the
// audit table through an async runner bound to the current logger and
// metrics.
func (m *ContextManager) auditRecorder() *AuditRecorder {
	if m.audit != nil {
		return m.audit
	}
	runner := NewAsyncRunner(DefaultSideEffectTimeout, m.logger, m.metrics)
	return NewAuditRecorder(NewRepositoryAuditSink(m.repo.AuditEntries()), runner).
		WithClock(m.clock)
}

// WithRemoveRoleMode sets the mode used when a request leaves it empty
func (m *ContextManager) WithRemoveRoleMode(mode RemoveRoleMode) *ContextManager {
	if mode == RemoveAcrossScopes || mode == RemoveInScope {
		m.removeMode = mode
	}
	return m
}

// GetAvailableContexts lists the effective role assignments of a user,
// optionally limited to one conference. Name lookups are cached for the
// duration of this call only.
func (m *ContextManager) GetAvailableContexts(ctx context.Context, userID uuid.UUID, conferenceID *string) ([]Context, error) {
	now := m.clock.now()
	filter := AssignmentFilter{
		UserID:       userID,
		ConferenceID: ptrOrNil(deref(conferenceID)),
		ActiveOnly:   true,
	}

	assignments, err := m.repo.RoleAssignments().FindTx(ctx, m.repo.DB(), filter)
	if err != nil {
		return nil, internalError(err, "failed to load role assignments")
	}

	lookup := newScopeNameLookup(m.names, m.nameTimeout, m.logger)
	out := make([]Context, 0, len(assignments))
	for _, a := range assignments {
		if !a.IsEffective(now) || a.Role == nil || !a.Role.IsActive {
			continue
		}
		out = append(out, m.describe(ctx, lookup, a))
	}
	return out, nil
}

// SwitchContext issues a token narrowed to roleName in conferenceID. An
// empty conferenceID selects the global scope.
func (m *ContextManager) SwitchContext(ctx context.Context, userID uuid.UUID, conferenceID, roleName string, client ClientInfo) (*TokenPair, *Context, error) {
	now := m.clock.now()
	db := m.repo.DB()

	user, err := m.repo.Users().FindByIDTx(ctx, db, userID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, nil, ErrContextNotAssigned
		}
		return nil, nil, internalError(err, "failed to load user")
	}
	if !user.IsActive {
		return nil, nil, ErrContextNotAssigned
	}

	assignment, err := m.findLiveAssignment(ctx, db, userID, conferenceID, roleName, now)
	if err != nil {
		return nil, nil, err
	}

	lookup := newScopeNameLookup(m.names, m.nameTimeout, m.logger)
	active := m.describe(ctx, lookup, assignment)

	access, accessExp, err := m.tokens.MintContextToken(user, ActiveContext{
		RoleName:       active.RoleName,
		ConferenceID:   active.ConferenceID,
		ConferenceName: active.ConferenceName,
		TrackID:        active.TrackID,
	})
	if err != nil {
		return nil, nil, err
	}

	value, err := newOpaqueToken(refreshTokenBytes)
	if err != nil {
		return nil, nil, err
	}
	refresh := &RefreshToken{
		ID:          uuid.New(),
		Token:       value,
		UserID:      user.ID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.refreshTTL),
		CreatedByIP: client.IP,
	}
	if _, err := m.repo.RefreshTokens().CreateTx(ctx, db, refresh); err != nil {
		return nil, nil, internalError(err, "failed to persist refresh token")
	}

	m.metrics.ContextSwitched(active.RoleName)
	m.logger.Debug("context switched",
		"user_id", user.ID.String(),
		"role", active.RoleName,
		"conference_id", active.ConferenceID,
	)

	return newTokenPair(access, accessExp, refresh), &active, nil
}

// ValidateContext reports whether the user holds a live assignment of
// roleName in conferenceID. It never writes.
func (m *ContextManager) ValidateContext(ctx context.Context, userID uuid.UUID, conferenceID, roleName string) (bool, error) {
	_, err := m.findLiveAssignment(ctx, m.repo.DB(), userID, conferenceID, roleName, m.clock.now())
	if err != nil {
		if errors.Is(err, ErrContextNotAssigned) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// findLiveAssignment prefers the conference wide assignment over a track
// assignment inside the same conference.
func (m *ContextManager) findLiveAssignment(ctx context.Context, db bun.IDB, userID uuid.UUID, conferenceID, roleName string, now time.Time) (*RoleAssignment, error) {
	roleName = NormalizeRoleName(roleName)
	if roleName == "" {
		return nil, ErrContextNotAssigned
	}

	filter := AssignmentFilter{
		UserID:     userID,
		RoleName:   roleName,
		ActiveOnly: true,
	}
	if conf := ptrOrNil(conferenceID); conf != nil {
		filter.ConferenceID = conf
	} else {
		global := GlobalScope
		filter.Scope = &global
	}

	assignments, err := m.repo.RoleAssignments().FindTx(ctx, db, filter)
	if err != nil {
		return nil, internalError(err, "failed to load role assignments")
	}

	var match *RoleAssignment
	for _, a := range assignments {
		if !a.IsEffective(now) || a.Role == nil || !a.Role.IsActive {
			continue
		}
		if match == nil || (match.TrackID != nil && a.TrackID == nil) {
			match = a
		}
	}
	if match == nil {
		return nil, ErrContextNotAssigned
	}
	return match, nil
}

// SetRole grants a role in an exact scope. Any other active role in that
// scope is deactivated, and an existing row for the same role and scope
// is reactivated instead of duplicated. A requested expiry at or before
// now is rejected with ErrInvalidRoleExpiry instead of being stored.
func (m *ContextManager) SetRole(ctx context.Context, req SetRoleRequest) (*RoleAssignment, error) {
	now := m.clock.now()
	scope := NewScope(req.ConferenceID, req.TrackID)

	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, withMetadata(ErrInvalidRoleExpiry, map[string]any{
			"expires_at": req.ExpiresAt.UTC(),
		})
	}

	var (
		granted *RoleAssignment
		before  []map[string]any
		demoted []string
	)

	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := m.repo.Users().FindByIDTx(ctx, tx, req.UserID); err != nil {
			if repository.IsRecordNotFound(err) {
				return withMetadata(ErrUserNotFound, map[string]any{"user_id": req.UserID.String()})
			}
			return err
		}

		role, err := m.repo.Roles().FindByIDTx(ctx, tx, req.RoleID)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return withMetadata(ErrRoleNotFound, map[string]any{"role_id": req.RoleID.String()})
			}
			return err
		}

		all, err := m.repo.RoleAssignments().FindTx(ctx, tx, AssignmentFilter{UserID: req.UserID})
		if err != nil {
			return err
		}

		var (
			existing  *RoleAssignment
			conflicts []uuid.UUID
		)
		for _, a := range all {
			if !a.Scope().Equal(scope) {
				continue
			}
			if a.IsActive || a.RoleID == role.ID {
				before = append(before, a.snapshot())
			}
			if a.RoleID == role.ID {
				if existing == nil || a.IsActive {
					existing = a
				}
				continue
			}
			if a.IsActive {
				conflicts = append(conflicts, a.ID)
				demoted = append(demoted, a.ID.String())
			}
		}

		if _, err := m.repo.RoleAssignments().DeactivateTx(ctx, tx, conflicts); err != nil {
			return err
		}

		if existing != nil {
			existing.IsActive = true
			existing.ExpiresAt = req.ExpiresAt
			existing.AssignedBy = req.ActorID
			existing.AssignedAt = now
			if err := m.repo.RoleAssignments().SaveStateTx(ctx, tx, existing); err != nil {
				return err
			}
			existing.Role = role
			granted = existing
			return nil
		}

		granted, err = m.repo.RoleAssignments().CreateTx(ctx, tx, &RoleAssignment{
			UserID:       req.UserID,
			RoleID:       role.ID,
			ConferenceID: scope.conferencePtr(),
			TrackID:      scope.trackPtr(),
			IsActive:     true,
			ExpiresAt:    req.ExpiresAt,
			AssignedBy:   req.ActorID,
			AssignedAt:   now,
			Role:         role,
		})
		return err
	})
	if err != nil {
		return nil, internalError(err, "role assignment transaction failed")
	}

	m.metrics.RoleChanged(AuditActionRoleGranted)
	after := granted.snapshot()
	if len(demoted) > 0 {
		after["deactivated"] = demoted
	}
	m.auditRecorder().Record(ctx, AuditEntry{
		ActorID:    actorString(req.ActorID),
		Action:     AuditActionRoleGranted,
		EntityType: AuditEntityUser,
		EntityID:   req.UserID.String(),
		Before:     map[string]any{"assignments": before},
		After:      after,
		OccurredAt: now,
	})

	return granted, nil
}

// RemoveRole deactivates a role held by a user and returns how many
// assignments were switched off.
func (m *ContextManager) RemoveRole(ctx context.Context, req RemoveRoleRequest) (int, error) {
	now := m.clock.now()
	mode := req.Mode
	if mode == "" {
		mode = m.removeMode
	}
	if mode != RemoveAcrossScopes && mode != RemoveInScope {
		return 0, errors.New("unknown role removal mode", errors.CategoryBadInput).
			WithCode(errors.CodeBadRequest).
			WithMetadata(map[string]any{"mode": string(mode)})
	}

	var (
		removed int
		before  []map[string]any
		ids     []string
	)

	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := m.repo.Users().FindByIDTx(ctx, tx, req.UserID); err != nil {
			if repository.IsRecordNotFound(err) {
				return withMetadata(ErrUserNotFound, map[string]any{"user_id": req.UserID.String()})
			}
			return err
		}
		if _, err := m.repo.Roles().FindByIDTx(ctx, tx, req.RoleID); err != nil {
			if repository.IsRecordNotFound(err) {
				return withMetadata(ErrRoleNotFound, map[string]any{"role_id": req.RoleID.String()})
			}
			return err
		}

		filter := AssignmentFilter{
			UserID:     req.UserID,
			RoleID:     &req.RoleID,
			ActiveOnly: true,
		}
		if mode == RemoveInScope {
			scope := NewScope(req.ConferenceID, req.TrackID)
			filter.Scope = &scope
		}

		active, err := m.repo.RoleAssignments().FindTx(ctx, tx, filter)
		if err != nil {
			return err
		}

		keys := make([]uuid.UUID, 0, len(active))
		for _, a := range active {
			keys = append(keys, a.ID)
			ids = append(ids, a.ID.String())
			before = append(before, a.snapshot())
		}

		removed, err = m.repo.RoleAssignments().DeactivateTx(ctx, tx, keys)
		return err
	})
	if err != nil {
		return 0, internalError(err, "role removal transaction failed")
	}

	if removed == 0 {
		return 0, nil
	}

	m.metrics.RoleChanged(AuditActionRoleRemoved)
	m.auditRecorder().Record(ctx, AuditEntry{
		ActorID:    actorString(req.ActorID),
		Action:     AuditActionRoleRemoved,
		EntityType: AuditEntityUser,
		EntityID:   req.UserID.String(),
		Before:     map[string]any{"assignments": before},
		After: map[string]any{
			"role_id":     req.RoleID.String(),
			"mode":        string(mode),
			"deactivated": ids,
		},
		OccurredAt: now,
	})

	return removed, nil
}

func (m *ContextManager) describe(ctx context.Context, lookup *scopeNameLookup, a *RoleAssignment) Context {
	scope := a.Scope()
	out := Context{
		RoleID:         a.RoleID.String(),
		ConferenceID:   scope.ConferenceID,
		ConferenceName: lookup.name(ctx, scope.ConferenceID),
		TrackID:        scope.TrackID,
		ExpiresAt:      a.ExpiresAt,
	}
	if a.Role != nil {
		out.RoleName = a.Role.Name
		out.RoleDisplayName = a.Role.DisplayName
	}
	return out
}

func actorString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
