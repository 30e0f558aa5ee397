package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/gsvlabs/cmp/pkg/domain"
)

func TestPostgresWalletTxLocksAndCommits(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresFromDB(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM wallets WHERE id = \$1 FOR UPDATE`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "balance", "currency", "created_at", "updated_at"}).
			AddRow("w1", "o1", int64(100), "credits", now, now))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM reservations`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(10)))
	mock.ExpectExec(`INSERT INTO reservations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = p.WalletTx(context.Background(), "w1", func(tx WalletTx) error {
		require.Equal(t, int64(100), tx.Wallet().Balance)
		pending, err := tx.PendingTotal()
		require.NoError(t, err)
		require.Equal(t, int64(10), pending)
		return tx.InsertReservation(&domain.Reservation{
			ID: "r1", WalletID: "w1", Amount: 7, Status: domain.ReservationPending, CreatedAt: now,
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWalletTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresFromDB(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM wallets WHERE id = \$1 FOR UPDATE`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "balance", "currency", "created_at", "updated_at"}).
			AddRow("w1", "o1", int64(5), "credits", now, now))
	mock.ExpectRollback()

	sentinel := ErrConflict
	err = p.WalletTx(context.Background(), "w1", func(tx WalletTx) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransitionReservationGuard(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresFromDB(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM wallets WHERE id = \$1 FOR UPDATE`).
		WithArgs("w1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "balance", "currency", "created_at", "updated_at"}).
			AddRow("w1", "o1", int64(100), "credits", now, now))
	// Zero rows affected: the reservation already left pending.
	mock.ExpectExec(`UPDATE reservations SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = p.WalletTx(context.Background(), "w1", func(tx WalletTx) error {
		return tx.TransitionReservation("r1", domain.ReservationSettled, &now)
	})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutIdempotencyRecordReplays(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresFromDB(db)

	now := time.Now().UTC()

	// First write wins.
	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WithArgs("credits:ord-1", []byte(`{"added":100}`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	rec := &domain.IdempotencyRecord{Key: "credits:ord-1", Response: []byte(`{"added":100}`), CreatedAt: now}
	got, created, err := p.PutIdempotencyRecord(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, rec.Response, got.Response)

	// Replay: conflict swallows the insert, the stored response comes back.
	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT key, response, created_at FROM idempotency_records`).
		WithArgs("credits:ord-1").
		WillReturnRows(sqlmock.NewRows([]string{"key", "response", "created_at"}).
			AddRow("credits:ord-1", []byte(`{"added":100}`), now))
	replay := &domain.IdempotencyRecord{Key: "credits:ord-1", Response: []byte(`{"added":999}`), CreatedAt: now}
	got, created, err = p.PutIdempotencyRecord(context.Background(), replay)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, []byte(`{"added":100}`), got.Response)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateWorkspaceSingleTx(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresFromDB(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO organizations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projects`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO memberships`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO wallets`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = p.CreateWorkspace(context.Background(),
		&domain.Organization{ID: "o1", Name: "Acme", Slug: "acme", OwnerID: "u1", CreatedAt: now, UpdatedAt: now},
		&domain.Project{ID: "p1", OrgID: "o1", Name: "Default", Slug: "default", IsDefault: true, CreatedAt: now},
		&domain.Membership{ID: "m1", OrgID: "o1", UserID: "u1", Role: domain.RoleOwner, CreatedAt: now},
		&domain.Wallet{ID: "w1", OrgID: "o1", Currency: "credits", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateWorkspaceRollsBackOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresFromDB(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO organizations`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err = p.CreateWorkspace(context.Background(),
		&domain.Organization{ID: "o1", Name: "Acme", Slug: "acme", OwnerID: "u1", CreatedAt: now, UpdatedAt: now},
		&domain.Project{ID: "p1", OrgID: "o1", Name: "Default", Slug: "default", IsDefault: true, CreatedAt: now},
		&domain.Membership{ID: "m1", OrgID: "o1", UserID: "u1", Role: domain.RoleOwner, CreatedAt: now},
		&domain.Wallet{ID: "w1", OrgID: "o1", Currency: "credits", CreatedAt: now, UpdatedAt: now})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetOfferingNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	p := NewPostgresFromDB(db)

	mock.ExpectQuery(`SELECT .* FROM offerings WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = p.GetOffering(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
