package auth

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AssignmentFilter narrows role assignment queries. Nil fields are not
// applied. Scope matches the exact (conference, track) pair, while
// ConferenceID matches any track inside a conference.
type AssignmentFilter struct {
	UserID       uuid.UUID
	RoleID       *uuid.UUID
	RoleName     string
	ConferenceID *string
	Scope        *Scope
	ActiveOnly   bool
}

// RoleAssignments is the store for user × role × scope grants
type RoleAssignments interface {
	FindTx(ctx context.Context, tx bun.IDB, filter AssignmentFilter) ([]*RoleAssignment, error)
	CreateTx(ctx context.Context, tx bun.IDB, assignment *RoleAssignment) (*RoleAssignment, error)
	SaveStateTx(ctx context.Context, tx bun.IDB, assignment *RoleAssignment) error
	DeactivateTx(ctx context.Context, tx bun.IDB, ids []uuid.UUID) (int, error)
}

type roleAssignments struct {
	repo repository.Repository[*RoleAssignment]
	db   *bun.DB
}

var _ RoleAssignments = (*roleAssignments)(nil)

// NewRoleAssignmentsRepository creates the bun backed assignments repository
func NewRoleAssignmentsRepository(db *bun.DB) RoleAssignments {
	repo := repository.NewRepository[*RoleAssignment](db, repository.ModelHandlers[*RoleAssignment]{
		NewRecord: func() *RoleAssignment { return &RoleAssignment{} },
		GetID: func(a *RoleAssignment) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *RoleAssignment, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
	})
	return &roleAssignments{repo: repo, db: db}
}

// FindTx returns assignments joined with their role, oldest first.
// Expiry is not filtered here; callers evaluate it at read time.
func (r *roleAssignments) FindTx(ctx context.Context, tx bun.IDB, filter AssignmentFilter) ([]*RoleAssignment, error) {
	records := []*RoleAssignment{}
	q := tx.NewSelect().
		Model(&records).
		Relation("Role").
		Where("?TableAlias.user_id = ?", filter.UserID.String())

	if filter.RoleID != nil {
		q.Where("?TableAlias.role_id = ?", filter.RoleID.String())
	}
	if filter.RoleName != "" {
		q.Where("?.name = ?", bun.Ident("role"), NormalizeRoleName(filter.RoleName))
	}
	if filter.ConferenceID != nil {
		q.Where("?TableAlias.conference_id = ?", *filter.ConferenceID)
	}
	if filter.Scope != nil {
		q = applyScope(q, *filter.Scope)
	}
	if filter.ActiveOnly {
		q.Where("?TableAlias.is_active = ?", true)
	}

	err := q.OrderExpr("?TableAlias.assigned_at ASC").Scan(ctx)
	return records, err
}

func applyScope(q *bun.SelectQuery, scope Scope) *bun.SelectQuery {
	if scope.ConferenceID == "" {
		q.Where("?TableAlias.conference_id IS NULL")
	} else {
		q.Where("?TableAlias.conference_id = ?", scope.ConferenceID)
	}
	if scope.TrackID == "" {
		q.Where("?TableAlias.track_id IS NULL")
	} else {
		q.Where("?TableAlias.track_id = ?", scope.TrackID)
	}
	return q
}

func (r *roleAssignments) CreateTx(ctx context.Context, tx bun.IDB, assignment *RoleAssignment) (*RoleAssignment, error) {
	if assignment.ID == uuid.Nil {
		assignment.ID = uuid.New()
	}
	role := assignment.Role
	assignment.Role = nil
	created, err := r.repo.CreateTx(ctx, tx, assignment)
	if err != nil {
		return nil, err
	}
	created.Role = role
	return created, nil
}

// SaveStateTx writes activity, expiry and provenance columns
func (r *roleAssignments) SaveStateTx(ctx context.Context, tx bun.IDB, assignment *RoleAssignment) error {
	res, err := tx.NewUpdate().
		Model(assignment).
		Column("is_active", "expires_at", "assigned_by", "assigned_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": assignment.ID.String(),
			})
	}
	return nil
}

// DeactivateTx flips is_active off for the given rows and returns how
// many were still active.
func (r *roleAssignments) DeactivateTx(ctx context.Context, tx bun.IDB, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, id.String())
	}

	res, err := tx.NewUpdate().
		Model((*RoleAssignment)(nil)).
		Set("is_active = ?", false).
		Where("id IN (?)", bun.In(keys)).
		Where("is_active = ?", true).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
