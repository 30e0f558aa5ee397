package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gsvlabs/cmp/pkg/domain"
)

// Wallets and the wallet critical section.
//
// WalletTx opens a transaction and locks the wallet row with
// SELECT ... FOR UPDATE. Any concurrent section on the same wallet blocks
// on the row lock, so available-balance checks and the balance update are
// atomic without a serializable isolation level.

func (p *Postgres) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO wallets (id, org_id, balance, currency, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.OrgID, w.Balance, w.Currency, w.CreatedAt, w.UpdatedAt)
	return mapErr(err)
}

const walletCols = `id, org_id, balance, currency, created_at, updated_at`

func scanWallet(s interface{ Scan(...any) error }) (*domain.Wallet, error) {
	var w domain.Wallet
	if err := s.Scan(&w.ID, &w.OrgID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (p *Postgres) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE id = $1`, id))
}

func (p *Postgres) GetWalletByOrg(ctx context.Context, orgID string) (*domain.Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE org_id = $1`, orgID))
}

const ledgerCols = `id, wallet_id, amount, entry_type, reference_id, instance_id, metadata, created_at`

func scanLedgerEntry(s interface{ Scan(...any) error }) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var meta []byte
	if err := s.Scan(&e.ID, &e.WalletID, &e.Amount, &e.EntryType, &e.ReferenceID,
		&e.InstanceID, &meta, &e.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	e.Metadata = fromJSONMap(meta)
	return &e, nil
}

func (p *Postgres) ListLedgerEntries(ctx context.Context, walletID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE wallet_id = $1 ORDER BY created_at DESC LIMIT $2`,
		walletID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

const reservationCols = `id, wallet_id, instance_id, amount, status, created_at, settled_at`

func scanReservation(s interface{ Scan(...any) error }) (*domain.Reservation, error) {
	var r domain.Reservation
	if err := s.Scan(&r.ID, &r.WalletID, &r.InstanceID, &r.Amount, &r.Status,
		&r.CreatedAt, &r.SettledAt); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (p *Postgres) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return scanReservation(p.db.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
}

func (p *Postgres) ListPendingReservationsBefore(ctx context.Context, cutoff time.Time) ([]domain.Reservation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+reservationCols+` FROM reservations
		 WHERE status = 'pending' AND created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type pgWalletTx struct {
	ctx    context.Context
	tx     *sql.Tx
	wallet domain.Wallet
}

func (t *pgWalletTx) Wallet() *domain.Wallet { w := t.wallet; return &w }

func (t *pgWalletTx) PendingTotal() (int64, error) {
	var total int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM reservations WHERE wallet_id = $1 AND status = 'pending'`,
		t.wallet.ID).Scan(&total)
	return total, mapErr(err)
}

func (t *pgWalletTx) InsertReservation(r *domain.Reservation) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO reservations (id, wallet_id, instance_id, amount, status, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.WalletID, r.InstanceID, r.Amount, string(r.Status), r.CreatedAt, r.SettledAt)
	return mapErr(err)
}

func (t *pgWalletTx) GetReservation(id string) (*domain.Reservation, error) {
	return scanReservation(t.tx.QueryRowContext(t.ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id = $1`, id))
}

func (t *pgWalletTx) TransitionReservation(id string, status domain.ReservationStatus, settledAt *time.Time) error {
	res, err := t.tx.ExecContext(t.ctx,
		`UPDATE reservations SET status = $2, settled_at = $3 WHERE id = $1 AND status = 'pending'`,
		id, string(status), settledAt)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgWalletTx) AddBalance(delta int64) error {
	row := t.tx.QueryRowContext(t.ctx,
		`UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE id = $1 RETURNING balance`,
		t.wallet.ID, delta)
	if err := row.Scan(&t.wallet.Balance); err != nil {
		return mapErr(err)
	}
	return nil
}

func (t *pgWalletTx) InsertLedgerEntry(e *domain.LedgerEntry) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO ledger_entries (id, wallet_id, amount, entry_type, reference_id, instance_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.WalletID, e.Amount, string(e.EntryType), e.ReferenceID, e.InstanceID,
		toJSON(e.Metadata), e.CreatedAt)
	return mapErr(err)
}

func (t *pgWalletTx) FindLedgerByReference(referenceID string) (*domain.LedgerEntry, error) {
	return scanLedgerEntry(t.tx.QueryRowContext(t.ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE reference_id = $1 ORDER BY created_at LIMIT 1`,
		referenceID))
}

func (p *Postgres) WalletTx(ctx context.Context, walletID string, fn func(tx WalletTx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin wallet tx: %w", err)
	}
	w, err := scanWallet(tx.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(&pgWalletTx{ctx: ctx, tx: tx, wallet: *w}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit wallet tx: %w", err)
	}
	return nil
}
