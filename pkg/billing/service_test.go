package billing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/metering"
	"github.com/gsvlabs/cmp/pkg/store"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	store    *store.Memory
	svc      *Service
	meter    *metering.MemoryRecorder
	wallet   *domain.Wallet
	instance *domain.Instance
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	m := store.NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	org := &domain.Organization{ID: domain.NewID(), Name: "Acme", Slug: "acme", OwnerID: "u1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, m.CreateOrganization(ctx, org))
	w := &domain.Wallet{ID: domain.NewID(), OrgID: org.ID, Balance: balance, Currency: "credits", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, m.CreateWallet(ctx, w))
	inst := &domain.Instance{ID: domain.NewID(), OrgID: org.ID, State: domain.InstanceActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, m.CreateInstance(ctx, inst))

	meter := metering.NewMemoryRecorder()
	return &fixture{
		store:    m,
		svc:      NewService(m, discard(), WithRecorder(meter)),
		meter:    meter,
		wallet:   w,
		instance: inst,
	}
}

func TestAuthorizeSettleHappyPath(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	auth, err := f.svc.Authorize(ctx, f.instance.ID, 0)
	require.NoError(t, err)
	require.True(t, auth.Allowed)
	require.Equal(t, int64(DefaultRunBudget), auth.Reserved)
	require.Equal(t, int64(100), auth.Balance)
	require.Equal(t, int64(90), auth.Available)

	// Authorize holds, it does not debit.
	w, err := f.store.GetWallet(ctx, f.wallet.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), w.Balance)

	settle, err := f.svc.Settle(ctx, auth.ReservationID, map[string]int64{
		"llm_tokens_in":  5000,
		"llm_tokens_out": 1000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), settle.Debited)
	require.Equal(t, int64(93), settle.Balance)
	require.Equal(t, domain.ReservationSettled, settle.Status)

	entries, err := f.store.ListLedgerEntries(ctx, f.wallet.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(-7), entries[0].Amount)
	require.Equal(t, domain.EntryUsage, entries[0].EntryType)
	require.Equal(t, auth.ReservationID, entries[0].ReferenceID)

	events, err := f.meter.ListByInstance(ctx, f.instance.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int64(7), events[0].Credits)
}

func TestAuthorizeInsufficientCredits(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	auth, err := f.svc.Authorize(ctx, f.instance.ID, 0)
	require.NoError(t, err)
	require.False(t, auth.Allowed)
	require.Equal(t, int64(0), auth.Reserved)
	require.Equal(t, int64(5), auth.Balance)

	// The refusal is recorded as a cancelled zero-amount reservation.
	r, err := f.store.GetReservation(ctx, auth.ReservationID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCancelled, r.Status)
	require.Equal(t, int64(0), r.Amount)

	w, err := f.store.GetWallet(ctx, f.wallet.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), w.Balance)
}

func TestAuthorizeCountsPendingHolds(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()

	first, err := f.svc.Authorize(ctx, f.instance.ID, 10)
	require.NoError(t, err)
	require.True(t, first.Allowed)

	second, err := f.svc.Authorize(ctx, f.instance.ID, 10)
	require.NoError(t, err)
	require.True(t, second.Allowed)
	require.Equal(t, int64(5), second.Available)

	// 25 - 20 held leaves 5: a third hold of 10 must be refused even
	// though the balance itself still reads 25.
	third, err := f.svc.Authorize(ctx, f.instance.ID, 10)
	require.NoError(t, err)
	require.False(t, third.Allowed)
	require.Equal(t, int64(25), third.Balance)
}

func TestSettleCapsAtReservation(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	auth, err := f.svc.Authorize(ctx, f.instance.ID, 3)
	require.NoError(t, err)

	// Priced at 10, capped at the 3 reserved.
	settle, err := f.svc.Settle(ctx, auth.ReservationID, map[string]int64{"llm_tokens_in": 10_000})
	require.NoError(t, err)
	require.Equal(t, int64(3), settle.Debited)
	require.Equal(t, int64(97), settle.Balance)
}

func TestSettleEmptyUsageDebitsOne(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	auth, err := f.svc.Authorize(ctx, f.instance.ID, 0)
	require.NoError(t, err)

	settle, err := f.svc.Settle(ctx, auth.ReservationID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), settle.Debited)
	require.Equal(t, int64(99), settle.Balance)
}

func TestSettleReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	auth, err := f.svc.Authorize(ctx, f.instance.ID, 0)
	require.NoError(t, err)
	first, err := f.svc.Settle(ctx, auth.ReservationID, map[string]int64{"llm_tokens_in": 5000})
	require.NoError(t, err)
	require.Equal(t, int64(5), first.Debited)

	// Replay with different usage: zero debit, no new ledger entry,
	// balance unchanged. A caller summing debits across retries must
	// arrive at the single real charge.
	second, err := f.svc.Settle(ctx, auth.ReservationID, map[string]int64{"llm_tokens_in": 999_999})
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Zero(t, second.Debited)
	require.Equal(t, domain.ReservationSettled, second.Status)
	require.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	require.Equal(t, first.Balance, second.Balance)
	require.Equal(t, first.Debited+second.Debited, int64(5))

	entries, err := f.store.ListLedgerEntries(ctx, f.wallet.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	events, err := f.meter.ListByInstance(ctx, f.instance.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestTopupAndReplay(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	res, err := f.svc.Topup(ctx, f.wallet.ID, 200, domain.EntryTopup, "credits:ord-42", nil)
	require.NoError(t, err)
	require.Equal(t, int64(200), res.Added)
	require.Equal(t, int64(200), res.Balance)

	replay, err := f.svc.Topup(ctx, f.wallet.ID, 200, domain.EntryTopup, "credits:ord-42", nil)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, int64(200), replay.Balance)

	_, err = f.svc.Topup(ctx, f.wallet.ID, 0, domain.EntryTopup, "", nil)
	require.Error(t, err)
}

func TestTrialGrant(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	res, err := f.svc.TrialGrant(ctx, f.wallet.ID, "trial:u1:off-1")
	require.NoError(t, err)
	require.Equal(t, int64(TrialCredits), res.Added)

	replay, err := f.svc.TrialGrant(ctx, f.wallet.ID, "trial:u1:off-1")
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, int64(TrialCredits), replay.Balance)
}

func TestConfiguredBudgetAndTrialAmounts(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	f.svc = NewService(f.store, discard(), WithRunBudget(25), WithTrialCredits(40))
	require.Equal(t, int64(40), f.svc.TrialCreditAmount())

	auth, err := f.svc.Authorize(ctx, f.instance.ID, 0)
	require.NoError(t, err)
	require.True(t, auth.Allowed)
	require.Equal(t, int64(25), auth.Reserved)
	require.Equal(t, int64(75), auth.Available)

	res, err := f.svc.TrialGrant(ctx, f.wallet.ID, "trial:u1:off-2")
	require.NoError(t, err)
	require.Equal(t, int64(40), res.Added)
}

func TestSweeperExpiresStaleHolds(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	f.svc.now = func() time.Time { return past }
	stale, err := f.svc.Authorize(ctx, f.instance.ID, 10)
	require.NoError(t, err)
	f.svc.now = func() time.Time { return time.Now().UTC() }
	fresh, err := f.svc.Authorize(ctx, f.instance.ID, 10)
	require.NoError(t, err)

	sw := NewSweeper(f.store, discard(), 30*time.Minute, time.Minute)
	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	r, err := f.store.GetReservation(ctx, stale.ReservationID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationExpired, r.Status)

	kept, err := f.store.GetReservation(ctx, fresh.ReservationID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationPending, kept.Status)

	// Expiry releases the hold without touching the balance.
	w, err := f.store.GetWallet(ctx, f.wallet.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), w.Balance)

	auth, err := f.svc.Authorize(ctx, f.instance.ID, 90)
	require.NoError(t, err)
	require.True(t, auth.Allowed)
}
