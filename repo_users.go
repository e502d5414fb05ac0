package auth

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Users is the credential store for user records
type Users interface {
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	FindByResetTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error)
	EmailExistsTx(ctx context.Context, tx bun.IDB, email string) (bool, error)
	UsernameExistsTx(ctx context.Context, tx bun.IDB, username string) (bool, error)

	Create(ctx context.Context, user *User) (*User, error)
	CreateTx(ctx context.Context, tx bun.IDB, user *User) (*User, error)

	SaveLoginStateTx(ctx context.Context, tx bun.IDB, user *User) error
	SavePasswordTx(ctx context.Context, tx bun.IDB, user *User) error
	SaveResetTokenTx(ctx context.Context, tx bun.IDB, user *User) error
}

type users struct {
	repo  repository.Repository[*User]
	db    *bun.DB
	clock Clock
}

var _ Users = (*users)(nil)

// UsersOption customizes the users repository
type UsersOption func(*users)

// WithUsersClock sets the clock used for updated_at
func WithUsersClock(clock Clock) UsersOption {
	return func(u *users) {
		u.clock = clock
	}
}

// NewUsersRepository creates the bun backed users repository
func NewUsersRepository(db *bun.DB, opts ...UsersOption) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	u := &users{
		repo: repo,
		db:   db,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

func (a *users) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return a.FindByIDTx(ctx, a.db, id)
}

func (a *users) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	return a.findOne(ctx, tx, "id", id.String())
}

func (a *users) FindByEmail(ctx context.Context, email string) (*User, error) {
	return a.FindByEmailTx(ctx, a.db, email)
}

func (a *users) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	return a.findOne(ctx, tx, "email", NormalizeEmail(email))
}

func (a *users) FindByResetTokenTx(ctx context.Context, tx bun.IDB, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, repository.NewRecordNotFound()
	}
	return a.findOne(ctx, tx, "password_reset_token", token)
}

func (a *users) EmailExistsTx(ctx context.Context, tx bun.IDB, email string) (bool, error) {
	return tx.NewSelect().
		Model((*User)(nil)).
		Where("?TableAlias.email = ?", NormalizeEmail(email)).
		Exists(ctx)
}

func (a *users) UsernameExistsTx(ctx context.Context, tx bun.IDB, username string) (bool, error) {
	return tx.NewSelect().
		Model((*User)(nil)).
		Where("?TableAlias.username = ?", strings.TrimSpace(username)).
		Exists(ctx)
}

func (a *users) findOne(ctx context.Context, tx bun.IDB, column, value string) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					column: value,
				})
		}
		return nil, err
	}
	return record, nil
}

func (a *users) Create(ctx context.Context, user *User) (*User, error) {
	return a.CreateTx(ctx, a.db, user)
}

func (a *users) CreateTx(ctx context.Context, tx bun.IDB, user *User) (*User, error) {
	prepareUserDefaults(user, a.clock.now())
	return a.repo.CreateTx(ctx, tx, user)
}

// SaveLoginStateTx persists lockout counters and login tracking. Zero
// values are written explicitly so a reset counter sticks.
func (a *users) SaveLoginStateTx(ctx context.Context, tx bun.IDB, user *User) error {
	return a.updateColumns(ctx, tx, user,
		"failed_login_attempts",
		"account_locked_until",
		"last_login_at",
		"last_login_ip",
		"login_count",
	)
}

func (a *users) SavePasswordTx(ctx context.Context, tx bun.IDB, user *User) error {
	return a.updateColumns(ctx, tx, user,
		"password_hash",
		"password_reset_token",
		"password_reset_expires",
		"failed_login_attempts",
		"account_locked_until",
	)
}

func (a *users) SaveResetTokenTx(ctx context.Context, tx bun.IDB, user *User) error {
	return a.updateColumns(ctx, tx, user,
		"password_reset_token",
		"password_reset_expires",
	)
}

func (a *users) updateColumns(ctx context.Context, tx bun.IDB, user *User, columns ...string) error {
	now := a.clock.now()
	user.UpdatedAt = &now

	res, err := tx.NewUpdate().
		Model(user).
		Column(append(columns, "updated_at")...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": user.ID.String(),
			})
	}
	return nil
}

// NormalizeEmail lower cases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func prepareUserDefaults(record *User, now time.Time) {
	if record == nil {
		return
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.Email = NormalizeEmail(record.Email)
	if record.Username == "" {
		record.Username = record.Email
	}
	if record.CreatedAt == nil {
		record.CreatedAt = &now
	}
	if record.UpdatedAt == nil {
		record.UpdatedAt = &now
	}
}
