package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	DB() bun.IDB
	Users() Users
	Roles() Roles
	RoleAssignments() RoleAssignments
	RefreshTokens() RefreshTokens
	AuditEntries() AuditEntries
}

type mngr struct {
	db              *bun.DB
	users           Users
	roles           Roles
	roleAssignments RoleAssignments
	refreshTokens   RefreshTokens
	auditEntries    AuditEntries
}

// NewRepositoryManager wires every repository to db
func NewRepositoryManager(db *bun.DB, opts ...UsersOption) RepositoryManager {
	return &mngr{
		db:              db,
		users:           NewUsersRepository(db, opts...),
		roles:           NewRolesRepository(db),
		roleAssignments: NewRoleAssignmentsRepository(db),
		refreshTokens:   NewRefreshTokensRepository(db),
		auditEntries:    NewAuditEntriesRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}
	if m.roles == nil {
		return errors.New("repository roles should be initialized")
	}
	if m.roleAssignments == nil {
		return errors.New("repository roleAssignments should be initialized")
	}
	if m.refreshTokens == nil {
		return errors.New("repository refreshTokens should be initialized")
	}
	if m.auditEntries == nil {
		return errors.New("repository auditEntries should be initialized")
	}
	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) DB() bun.IDB {
	return m.db
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) Roles() Roles {
	return m.roles
}

func (m mngr) RoleAssignments() RoleAssignments {
	return m.roleAssignments
}

func (m mngr) RefreshTokens() RefreshTokens {
	return m.refreshTokens
}

func (m mngr) AuditEntries() AuditEntries {
	return m.auditEntries
}
