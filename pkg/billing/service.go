package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gsvlabs/cmp/pkg/domain"
	"github.com/gsvlabs/cmp/pkg/metering"
	"github.com/gsvlabs/cmp/pkg/store"
)

var tracer = otel.Tracer("cmp/billing")

// ErrWalletMissing is returned when an instance's organization has no
// wallet. That state indicates a broken bootstrap, not a handled outcome.
var ErrWalletMissing = errors.New("billing: organization has no wallet")

// Service runs the credit protocol against the store. All balance mutation
// happens inside the per-wallet critical section.
type Service struct {
	store        store.Store
	meter        metering.Recorder
	log          *slog.Logger
	now          func() time.Time
	runBudget    int64
	trialCredits int64
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRecorder attaches a usage event recorder.
func WithRecorder(r metering.Recorder) Option {
	return func(s *Service) { s.meter = r }
}

// WithRunBudget sets the reservation size used when the caller does not
// estimate a run's cost. Non-positive values keep the default.
func WithRunBudget(credits int64) Option {
	return func(s *Service) {
		if credits > 0 {
			s.runBudget = credits
		}
	}
}

// WithTrialCredits sets the trial grant amount. Non-positive values keep
// the default.
func WithTrialCredits(credits int64) Option {
	return func(s *Service) {
		if credits > 0 {
			s.trialCredits = credits
		}
	}
}

// NewService builds a billing service over st.
func NewService(st store.Store, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        st,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
		runBudget:    DefaultRunBudget,
		trialCredits: TrialCredits,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AuthorizeResult is the outcome of a reservation attempt.
type AuthorizeResult struct {
	Allowed       bool   `json:"allowed"`
	ReservationID string `json:"reservation_id"`
	Reserved      int64  `json:"reserved"`
	Balance       int64  `json:"balance"`
	Available     int64  `json:"available"`
}

// Authorize places a hold of estimatedCredits (the configured run budget
// when <= 0) against the wallet of the instance's organization. Available
// balance is
// the wallet balance minus all pending holds; when it cannot cover the
// request, a cancelled zero-amount reservation records the refusal and
// Allowed is false. Authorize never changes the balance.
func (s *Service) Authorize(ctx context.Context, instanceID string, estimatedCredits int64) (*AuthorizeResult, error) {
	ctx, span := tracer.Start(ctx, "billing.authorize",
		trace.WithAttributes(attribute.String("instance.id", instanceID)))
	defer span.End()

	if estimatedCredits <= 0 {
		estimatedCredits = s.runBudget
	}
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	wallet, err := s.store.GetWalletByOrg(ctx, inst.OrgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWalletMissing
		}
		return nil, fmt.Errorf("load wallet: %w", err)
	}

	var res AuthorizeResult
	err = s.store.WalletTx(ctx, wallet.ID, func(tx store.WalletTx) error {
		w := tx.Wallet()
		pending, err := tx.PendingTotal()
		if err != nil {
			return err
		}
		available := w.Balance - pending

		r := domain.Reservation{
			ID:         domain.NewID(),
			WalletID:   w.ID,
			InstanceID: instanceID,
			CreatedAt:  s.now(),
		}
		if available < estimatedCredits {
			r.Amount = 0
			r.Status = domain.ReservationCancelled
			res = AuthorizeResult{Allowed: false, ReservationID: r.ID, Reserved: 0, Balance: w.Balance, Available: available}
		} else {
			r.Amount = estimatedCredits
			r.Status = domain.ReservationPending
			res = AuthorizeResult{Allowed: true, ReservationID: r.ID, Reserved: r.Amount, Balance: w.Balance, Available: available - r.Amount}
		}
		return tx.InsertReservation(&r)
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "authorize",
		"instance_id", instanceID,
		"reservation_id", res.ReservationID,
		"allowed", res.Allowed,
		"reserved", res.Reserved)
	return &res, nil
}

// SettleResult is the outcome of discharging a reservation.
type SettleResult struct {
	Debited       int64                    `json:"debited"`
	Balance       int64                    `json:"balance"`
	LedgerEntryID string                   `json:"ledger_entry_id,omitempty"`
	Status        domain.ReservationStatus `json:"status"`
	Replayed      bool                     `json:"-"`
}

// Settle debits min(Price(usage), reservation amount) from the wallet,
// appends a usage ledger entry referencing the reservation, and marks the
// reservation settled, all in one wallet transaction. Settling a
// reservation that already left pending is an idempotent replay: the
// result reports a zero debit and nothing changes.
func (s *Service) Settle(ctx context.Context, reservationID string, usage map[string]int64) (*SettleResult, error) {
	ctx, span := tracer.Start(ctx, "billing.settle",
		trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer span.End()

	head, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}

	var res SettleResult
	err = s.store.WalletTx(ctx, head.WalletID, func(tx store.WalletTx) error {
		r, err := tx.GetReservation(reservationID)
		if err != nil {
			return err
		}
		if r.Status != domain.ReservationPending {
			// Replay path: nothing moves, so the caller sees a zero
			// debit. Summing debits across retries must equal the
			// single real charge.
			var entryID string
			if e, err := tx.FindLedgerByReference(r.ID); err == nil {
				entryID = e.ID
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			res = SettleResult{Debited: 0, Balance: tx.Wallet().Balance, LedgerEntryID: entryID, Status: domain.ReservationSettled, Replayed: true}
			return nil
		}

		cost := Price(usage)
		debit := cost
		if r.Amount < debit {
			debit = r.Amount
		}
		if err := tx.AddBalance(-debit); err != nil {
			return err
		}
		meta := map[string]any{"priced": cost}
		for k, v := range usage {
			meta[k] = v
		}
		entryID := domain.NewID()
		if err := tx.InsertLedgerEntry(&domain.LedgerEntry{
			ID:          entryID,
			WalletID:    r.WalletID,
			Amount:      -debit,
			EntryType:   domain.EntryUsage,
			ReferenceID: r.ID,
			InstanceID:  r.InstanceID,
			Metadata:    meta,
			CreatedAt:   s.now(),
		}); err != nil {
			return err
		}
		settledAt := s.now()
		if err := tx.TransitionReservation(r.ID, domain.ReservationSettled, &settledAt); err != nil {
			return err
		}
		res = SettleResult{Debited: debit, Balance: tx.Wallet().Balance, LedgerEntryID: entryID, Status: domain.ReservationSettled}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Replayed && s.meter != nil {
		if err := s.meter.Record(ctx, &metering.Event{
			InstanceID:    head.InstanceID,
			ReservationID: reservationID,
			Usage:         usage,
			Credits:       res.Debited,
			CreatedAt:     s.now(),
		}); err != nil {
			s.log.WarnContext(ctx, "usage event dropped", "reservation_id", reservationID, "error", err)
		}
	}

	s.log.InfoContext(ctx, "settle",
		"reservation_id", reservationID,
		"debited", res.Debited,
		"replayed", res.Replayed)
	return &res, nil
}

// TopupResult is the outcome of a credit grant.
type TopupResult struct {
	Added    int64 `json:"added"`
	Balance  int64 `json:"balance"`
	Replayed bool  `json:"-"`
}

// Topup credits a wallet and records a ledger entry. A non-empty
// referenceID deduplicates: a second top-up with the same reference is a
// replay that reports the original grant without changing the balance.
func (s *Service) Topup(ctx context.Context, walletID string, amount int64, entryType domain.EntryType, referenceID string, metadata map[string]any) (*TopupResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("billing: top-up amount must be positive, got %d", amount)
	}
	var res TopupResult
	err := s.store.WalletTx(ctx, walletID, func(tx store.WalletTx) error {
		if referenceID != "" {
			if e, err := tx.FindLedgerByReference(referenceID); err == nil {
				res = TopupResult{Added: e.Amount, Balance: tx.Wallet().Balance, Replayed: true}
				return nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := tx.AddBalance(amount); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(&domain.LedgerEntry{
			ID:          domain.NewID(),
			WalletID:    walletID,
			Amount:      amount,
			EntryType:   entryType,
			ReferenceID: referenceID,
			Metadata:    metadata,
			CreatedAt:   s.now(),
		}); err != nil {
			return err
		}
		res = TopupResult{Added: amount, Balance: tx.Wallet().Balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "topup",
		"wallet_id", walletID,
		"amount", amount,
		"entry_type", string(entryType),
		"replayed", res.Replayed)
	return &res, nil
}

// TrialGrant seeds a wallet with the configured trial amount,
// deduplicated on referenceID.
func (s *Service) TrialGrant(ctx context.Context, walletID, referenceID string) (*TopupResult, error) {
	return s.Topup(ctx, walletID, s.trialCredits, domain.EntryTrialGrant, referenceID, nil)
}

// TrialCreditAmount reports the configured trial grant size.
func (s *Service) TrialCreditAmount() int64 { return s.trialCredits }
