package auth

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var roleLevels = []any{RoleLevelGlobal, RoleLevelConference, RoleLevelTrack}

// CreateRoleRequest defines a custom role
type CreateRoleRequest struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	Level       RoleLevel  `json:"role_level"`
	ActorID     *uuid.UUID `json:"actor_id,omitempty"`
}

// Validate will run validation rules
func (r CreateRoleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 50)),
		validation.Field(&r.DisplayName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Level, validation.Required, validation.In(roleLevels...)),
	)
}

// UpdateRoleRequest rewrites a custom role definition. The name is
// immutable since tokens carry it.
type UpdateRoleRequest struct {
	RoleID      uuid.UUID  `json:"-"`
	DisplayName string     `json:"display_name"`
	Level       RoleLevel  `json:"role_level"`
	IsActive    bool       `json:"is_active"`
	ActorID     *uuid.UUID `json:"actor_id,omitempty"`
}

// Validate will run validation rules
func (r UpdateRoleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DisplayName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Level, validation.Required, validation.In(roleLevels...)),
	)
}

// ListRoles returns every role definition ordered by name
func (m *ContextManager) ListRoles(ctx context.Context) ([]*Role, error) {
	roles, err := m.repo.Roles().ListTx(ctx, m.repo.DB())
	if err != nil {
		return nil, internalError(err, "failed to list roles")
	}
	return roles, nil
}

// CreateRole adds a custom, non system role
func (m *ContextManager) CreateRole(ctx context.Context, req CreateRoleRequest) (*Role, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "invalid role definition").
			WithCode(errors.CodeBadRequest)
	}

	role := &Role{
		Name:        NormalizeRoleName(req.Name),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Level:       req.Level,
		IsActive:    true,
	}

	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := m.repo.Roles().FindByNameTx(ctx, tx, role.Name)
		if err == nil {
			return withMetadata(ErrRoleAlreadyExists, map[string]any{"role": role.Name})
		}
		if !repository.IsRecordNotFound(err) {
			return err
		}
		role, err = m.repo.Roles().CreateTx(ctx, tx, role)
		return err
	})
	if err != nil {
		return nil, internalError(err, "role creation transaction failed")
	}

	m.recordRoleChange(ctx, AuditActionRoleCreated, req.ActorID, role.ID, nil, role.snapshot())
	return role, nil
}

// UpdateRole rewrites a custom role. System roles return
// ErrSystemRoleImmutable.
func (m *ContextManager) UpdateRole(ctx context.Context, req UpdateRoleRequest) (*Role, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "invalid role definition").
			WithCode(errors.CodeBadRequest)
	}

	var (
		updated *Role
		before  map[string]any
	)
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := m.findRole(ctx, tx, req.RoleID)
		if err != nil {
			return err
		}
		before = current.snapshot()

		updated, err = m.repo.Roles().UpdateTx(ctx, tx, &Role{
			ID:          req.RoleID,
			DisplayName: strings.TrimSpace(req.DisplayName),
			Level:       req.Level,
			IsActive:    req.IsActive,
		})
		return err
	})
	if err != nil {
		return nil, internalError(err, "role update transaction failed")
	}

	m.recordRoleChange(ctx, AuditActionRoleUpdated, req.ActorID, updated.ID, before, updated.snapshot())
	return updated, nil
}

// DeleteRole removes a custom role nobody holds. System roles return
// ErrSystemRoleImmutable and assigned roles ErrRoleInUse.
func (m *ContextManager) DeleteRole(ctx context.Context, roleID uuid.UUID, actorID *uuid.UUID) error {
	var before map[string]any
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := m.findRole(ctx, tx, roleID)
		if err != nil {
			return err
		}
		before = current.snapshot()
		return m.repo.Roles().DeleteTx(ctx, tx, roleID)
	})
	if err != nil {
		return internalError(err, "role deletion transaction failed")
	}

	m.recordRoleChange(ctx, AuditActionRoleDeleted, actorID, roleID, before, nil)
	return nil
}

func (m *ContextManager) findRole(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Role, error) {
	role, err := m.repo.Roles().FindByIDTx(ctx, tx, id)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, withMetadata(ErrRoleNotFound, map[string]any{"role_id": id.String()})
		}
		return nil, err
	}
	return role, nil
}

func (m *ContextManager) recordRoleChange(ctx context.Context, action string, actor *uuid.UUID, roleID uuid.UUID, before, after map[string]any) {
	m.metrics.RoleChanged(action)
	m.auditRecorder().Record(ctx, AuditEntry{
		ActorID:    actorString(actor),
		Action:     action,
		EntityType: AuditEntityRole,
		EntityID:   roleID.String(),
		Before:     before,
		After:      after,
		OccurredAt: m.clock.now(),
	})
}
