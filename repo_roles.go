package auth

import (
	"context"
	"strings"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Roles is the store for role definitions
type Roles interface {
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Role, error)
	FindByNameTx(ctx context.Context, tx bun.IDB, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	ListTx(ctx context.Context, tx bun.IDB) ([]*Role, error)
	CreateTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error)
	UpdateTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error)
	DeleteTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
	EnsureSystemRoles(ctx context.Context) error
}

// SystemRoles are seeded by EnsureSystemRoles and reject mutation
var SystemRoles = []Role{
	{Name: RoleAuthor, DisplayName: "Author", Level: RoleLevelGlobal},
	{Name: RoleReviewer, DisplayName: "Reviewer", Level: RoleLevelTrack},
	{Name: RoleChair, DisplayName: "Program Chair", Level: RoleLevelConference},
	{Name: RoleAdmin, DisplayName: "Administrator", Level: RoleLevelGlobal},
}

type roles struct {
	repo repository.Repository[*Role]
	db   *bun.DB
}

var _ Roles = (*roles)(nil)

// NewRolesRepository creates the bun backed roles repository
func NewRolesRepository(db *bun.DB) Roles {
	repo := repository.NewRepository[*Role](db, repository.ModelHandlers[*Role]{
		NewRecord: func() *Role { return &Role{} },
		GetID: func(r *Role) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *Role, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
		GetIdentifier: func() string {
			return "name"
		},
	})
	return &roles{repo: repo, db: db}
}

func (r *roles) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Role, error) {
	record := &Role{}
	if err := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id.String()).Limit(1).Scan(ctx); err != nil {
		return nil, roleLookupError(err, "id", id.String())
	}
	return record, nil
}

func (r *roles) FindByNameTx(ctx context.Context, tx bun.IDB, name string) (*Role, error) {
	name = NormalizeRoleName(name)
	record := &Role{}
	if err := tx.NewSelect().Model(record).Where("?TableAlias.name = ?", name).Limit(1).Scan(ctx); err != nil {
		return nil, roleLookupError(err, "name", name)
	}
	return record, nil
}

func (r *roles) List(ctx context.Context) ([]*Role, error) {
	return r.ListTx(ctx, r.db)
}

func (r *roles) ListTx(ctx context.Context, tx bun.IDB) ([]*Role, error) {
	records := []*Role{}
	err := tx.NewSelect().Model(&records).OrderExpr("?TableAlias.name ASC").Scan(ctx)
	return records, err
}

func (r *roles) CreateTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error) {
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	role.Name = NormalizeRoleName(role.Name)
	if role.Level == "" {
		role.Level = RoleLevelGlobal
	}
	return r.repo.CreateTx(ctx, tx, role)
}

// UpdateTx rewrites display name, level and active flag. System roles
// are rejected.
func (r *roles) UpdateTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error) {
	current, err := r.FindByIDTx(ctx, tx, role.ID)
	if err != nil {
		return nil, err
	}
	if current.IsSystemRole {
		return nil, withMetadata(ErrSystemRoleImmutable, map[string]any{"role": current.Name})
	}

	current.DisplayName = role.DisplayName
	current.Level = role.Level
	current.IsActive = role.IsActive

	_, err = tx.NewUpdate().
		Model(current).
		Column("display_name", "role_level", "is_active").
		WherePK().
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return current, nil
}

// DeleteTx removes a custom role that no assignment references
func (r *roles) DeleteTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	current, err := r.FindByIDTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.IsSystemRole {
		return withMetadata(ErrSystemRoleImmutable, map[string]any{"role": current.Name})
	}

	assigned, err := tx.NewSelect().
		Model((*RoleAssignment)(nil)).
		Where("?TableAlias.role_id = ?", id.String()).
		Exists(ctx)
	if err != nil {
		return err
	}
	if assigned {
		return withMetadata(ErrRoleInUse, map[string]any{"role": current.Name})
	}

	_, err = tx.NewDelete().Model(current).WherePK().Exec(ctx)
	return err
}

// EnsureSystemRoles inserts any missing system role
func (r *roles) EnsureSystemRoles(ctx context.Context) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, def := range SystemRoles {
			_, err := r.FindByNameTx(ctx, tx, def.Name)
			if err == nil {
				continue
			}
			if !repository.IsRecordNotFound(err) {
				return err
			}
			role := def
			role.IsSystemRole = true
			role.IsActive = true
			if _, err := r.CreateTx(ctx, tx, &role); err != nil {
				return err
			}
		}
		return nil
	})
}

// NormalizeRoleName upper cases and trims a role name
func NormalizeRoleName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func roleLookupError(err error, key, value string) error {
	if repository.IsRecordNotFound(err) {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				key: value,
			})
	}
	return err
}
