package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/store"
)

// Sweeper expires reservations that stayed pending past a horizon,
// releasing their hold on available balance. Expiry never touches the
// wallet balance; holds are not debits.
type Sweeper struct {
	store    store.Store
	log      *slog.Logger
	horizon  time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewSweeper builds a sweeper. Zero horizon defaults to 30 minutes, zero
// interval to 5 minutes.
func NewSweeper(st store.Store, log *slog.Logger, horizon, interval time.Duration) *Sweeper {
	if horizon <= 0 {
		horizon = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    st,
		log:      log,
		horizon:  horizon,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.log.ErrorContext(ctx, "reservation sweep failed", "error", err)
			} else if n > 0 {
				s.log.InfoContext(ctx, "expired stale reservations", "count", n)
			}
		}
	}
}

// Sweep expires all pending reservations created before now-horizon and
// returns how many it moved. A reservation settled between listing and
// expiry is skipped; the pending guard loses the race cleanly.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.horizon)
	stale, err := s.store.ListPendingReservationsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, r := range stale {
		settledAt := s.now()
		err := s.store.WalletTx(ctx, r.WalletID, func(tx store.WalletTx) error {
			return tx.TransitionReservation(r.ID, domain.ReservationExpired, &settledAt)
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, store.ErrConflict):
			// Settled or cancelled while we were sweeping.
		default:
			return expired, err
		}
	}
	return expired, nil
}
