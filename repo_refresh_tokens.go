package auth

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	RevokeReasonRotated         = "rotated"
	RevokeReasonLogout          = "logout"
	RevokeReasonPasswordChanged = "password_changed"
	RevokeReasonPasswordReset   = "password_reset"
)

// Revocation describes how a refresh token was retired
type Revocation struct {
	At         time.Time
	IP         string
	Reason     string
	ReplacedBy *string
}

// RefreshTokens is the store for opaque refresh tokens
type RefreshTokens interface {
	CreateTx(ctx context.Context, tx bun.IDB, token *RefreshToken) (*RefreshToken, error)
	FindByTokenTx(ctx context.Context, tx bun.IDB, token string) (*RefreshToken, error)
	ListByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*RefreshToken, error)
	RevokeIfActiveTx(ctx context.Context, tx bun.IDB, token string, rev Revocation) (bool, error)
	RevokeAllForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, rev Revocation) (int, error)
}

type refreshTokens struct {
	repo repository.Repository[*RefreshToken]
	db   *bun.DB
}

var _ RefreshTokens = (*refreshTokens)(nil)

// NewRefreshTokensRepository creates the bun backed refresh token repository
func NewRefreshTokensRepository(db *bun.DB) RefreshTokens {
	repo := repository.NewRepository[*RefreshToken](db, repository.ModelHandlers[*RefreshToken]{
		NewRecord: func() *RefreshToken { return &RefreshToken{} },
		GetID: func(t *RefreshToken) uuid.UUID {
			if t == nil {
				return uuid.Nil
			}
			return t.ID
		},
		SetID: func(t *RefreshToken, id uuid.UUID) {
			if t != nil {
				t.ID = id
			}
		},
		GetIdentifier: func() string {
			return "token"
		},
	})
	return &refreshTokens{repo: repo, db: db}
}

func (r *refreshTokens) CreateTx(ctx context.Context, tx bun.IDB, token *RefreshToken) (*RefreshToken, error) {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	return r.repo.CreateTx(ctx, tx, token)
}

func (r *refreshTokens) FindByTokenTx(ctx context.Context, tx bun.IDB, token string) (*RefreshToken, error) {
	record := &RefreshToken{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.token = ?", token).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound()
		}
		return nil, err
	}
	return record, nil
}

func (r *refreshTokens) ListByUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID) ([]*RefreshToken, error) {
	records := []*RefreshToken{}
	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", userID.String()).
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	return records, err
}

// RevokeIfActiveTx revokes token only if nobody revoked it first. The
// boolean is false when the conditional update matched no row.
func (r *refreshTokens) RevokeIfActiveTx(ctx context.Context, tx bun.IDB, token string, rev Revocation) (bool, error) {
	q := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", rev.At).
		Set("revoked_by_ip = ?", rev.IP).
		Set("reason_revoked = ?", rev.Reason)
	if rev.ReplacedBy != nil {
		q.Set("replaced_by_token = ?", *rev.ReplacedBy)
	}

	res, err := q.
		Where("token = ?", token).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *refreshTokens) RevokeAllForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, rev Revocation) (int, error) {
	res, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", rev.At).
		Set("revoked_by_ip = ?", rev.IP).
		Set("reason_revoked = ?", rev.Reason).
		Where("user_id = ?", userID.String()).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
