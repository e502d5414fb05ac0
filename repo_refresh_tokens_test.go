package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	auth "github.com/goliatone/go-conference-auth"
)

func newMockRefreshTokens(t *testing.T) (auth.RefreshTokens, *bun.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New()
	require.NoError(t, err)

	db := bun.NewDB(sqldb, pgdialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})
	return auth.NewRefreshTokensRepository(db), db, mock
}

func TestRevokeIfActiveOnlyMatchesUnrevokedToken(t *testing.T) {
	repo, db, mock := newMockRefreshTokens(t)
	replacement := "successor"
	rev := auth.Revocation{
		At:         time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
		IP:         "10.0.0.1",
		Reason:     auth.RevokeReasonRotated,
		ReplacedBy: &replacement,
	}

	mock.ExpectExec(`UPDATE "refresh_tokens" .*replaced_by_token = 'successor'.*WHERE \(token = 'abc'\) AND \(revoked_at IS NULL\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "refresh_tokens" .*WHERE \(token = 'abc'\) AND \(revoked_at IS NULL\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.RevokeIfActiveTx(context.Background(), db, "abc", rev)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.RevokeIfActiveTx(context.Background(), db, "abc", rev)
	require.NoError(t, err)
	assert.False(t, ok, "a second revocation of the same token loses the race")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAllForUserReturnsCount(t *testing.T) {
	repo, db, mock := newMockRefreshTokens(t)
	userID := uuid.MustParse("0d8f7a2e-51a4-4b7c-9e57-9c1a6f0f1c11")

	mock.ExpectExec(`UPDATE "refresh_tokens" .*reason_revoked = 'logout'.*WHERE \(user_id = '0d8f7a2e-51a4-4b7c-9e57-9c1a6f0f1c11'\) AND \(revoked_at IS NULL\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RevokeAllForUserTx(context.Background(), db, userID, auth.Revocation{
		At:     time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
		Reason: auth.RevokeReasonLogout,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
