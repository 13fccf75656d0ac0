/*
service.go - Metering service: quote, atomic debit, administrative writers

PURPOSE:
  The Service is the only writer of ledger entries. Usage debits go through
  ApplyUsage; purchases, cycle resets, adjustments and reconciliation go
  through the administrative methods. Every write runs inside one
  Store.WithTx so the cached balance and the ledger never disagree.

APPLY USAGE FLOW (one transaction):
  1. External reference already applied? Return the original entry.
  2. Load the account (ErrAccountNotFound if missing).
  3. credits - cost >= 0, else InsufficientCreditsError (nothing written).
  4. Decrement cached credits.
  5. Append entry with delta = -cost.

RETRIES:
  Failure to acquire the transaction (ErrConcurrentModification) is retried
  with exponential backoff a bounded number of times. Exhausted retries
  surface as ErrMeteringUnavailable. Business errors are never retried.

POLICY:
  Whether service continues after InsufficientCredits (soft overage) or
  stops (hard stop) is decided by the caller. This package only reports it.

SEE ALSO:
  - pricing.go: Quote
  - store.go: Store / Tx
*/
package metering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store   Store
	pricing PricingTable
	log     zerolog.Logger
	now     func() time.Time

	txRetries     uint
	retryInterval time.Duration
}

type Option func(*Service)

// WithPricing replaces the default pricing table.
func WithPricing(p PricingTable) Option {
	return func(s *Service) { s.pricing = p }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l.With().Str("component", "metering").Logger() }
}

// WithTxRetries sets how many times a transaction is attempted and the
// initial backoff between attempts.
func WithTxRetries(attempts uint, initial time.Duration) Option {
	return func(s *Service) {
		s.txRetries = attempts
		s.retryInterval = initial
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		pricing:       DefaultPricing(),
		log:           zerolog.Nop(),
		now:           time.Now,
		txRetries:     5,
		retryInterval: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pricing returns the active pricing table.
func (s *Service) Pricing() PricingTable {
	return s.pricing
}

// Quote returns the credit cost of amount units of kind. Pure.
func (s *Service) Quote(kind UsageKind, amount int64) (int64, error) {
	return s.pricing.Quote(kind, amount)
}

// =============================================================================
// USAGE
// =============================================================================

// ApplyUsage debits the cost of the usage from userID's balance and records
// a ledger entry. Replaying the same externalRef returns the entry written by
// the first call without debiting again.
func (s *Service) ApplyUsage(ctx context.Context, userID UserID, kind UsageKind, amount int64, externalRef string) (LedgerEntry, error) {
	cost, err := s.Quote(kind, amount)
	if err != nil {
		return LedgerEntry{}, err
	}
	if externalRef == "" {
		return LedgerEntry{}, fmt.Errorf("%w: external reference is required", ErrInvalidAmount)
	}

	var result LedgerEntry
	err = s.withRetry(ctx, func(tx Tx) error {
		existing, err := tx.EntryByRef(ctx, externalRef)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.UserID != userID {
				return refConflict(externalRef, existing.UserID)
			}
			result = *existing
			return nil
		}

		acct, err := tx.Account(ctx, userID)
		if err != nil {
			return err
		}
		if cost > acct.Credits {
			return &InsufficientCreditsError{UserID: userID, Available: acct.Credits, Requested: cost}
		}

		now := s.now().UTC()
		acct.Credits -= cost
		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}

		entry := LedgerEntry{
			ID:          newEntryID(),
			UserID:      userID,
			Delta:       -cost,
			Type:        kind.EntryType(),
			ExternalRef: externalRef,
			Meta:        map[string]string{"amount": fmt.Sprintf("%d", amount)},
			CreatedAt:   now,
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return LedgerEntry{}, err
	}

	s.log.Debug().
		Str("user_id", string(userID)).
		Str("kind", string(kind)).
		Int64("amount", amount).
		Int64("delta", result.Delta).
		Str("external_ref", externalRef).
		Msg("usage applied")
	return result, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Balance returns the cached balance for userID.
func (s *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	acct, err := s.store.Account(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return acct.Balance(), nil
}

// Ledger returns entries newest-first.
func (s *Service) Ledger(ctx context.Context, userID UserID, take, skip int) ([]LedgerEntry, error) {
	if take <= 0 {
		take = 50
	}
	if skip < 0 {
		skip = 0
	}
	return s.store.Entries(ctx, userID, take, skip)
}

// =============================================================================
// ADMINISTRATIVE WRITERS
// =============================================================================

// OpenAccount creates an account. A non-zero initial balance is recorded as
// a purchase entry so the ledger sum matches from the first write.
func (s *Service) OpenAccount(ctx context.Context, userID UserID, initial int64, cycleEnd *time.Time) (Balance, error) {
	if initial < 0 {
		return Balance{}, fmt.Errorf("%w: initial credits %d", ErrInvalidAmount, initial)
	}

	var acct Account
	err := s.withRetry(ctx, func(tx Tx) error {
		_, err := tx.Account(ctx, userID)
		if err == nil {
			return ErrAccountExists
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}

		now := s.now().UTC()
		acct = Account{UserID: userID, Credits: initial, CycleEndAt: cycleEnd, CreatedAt: now, UpdatedAt: now}
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		if initial == 0 {
			return nil
		}
		return tx.Append(ctx, LedgerEntry{
			ID:        newEntryID(),
			UserID:    userID,
			Delta:     initial,
			Type:      EntryPurchase,
			Meta:      map[string]string{"reason": "account opened"},
			CreatedAt: now,
		})
	})
	if err != nil {
		return Balance{}, err
	}
	return acct.Balance(), nil
}

// Credit records a purchase or manual adjustment. Adjustments may be
// negative but may not drive the balance below zero. externalRef, when set,
// makes the call idempotent.
func (s *Service) Credit(ctx context.Context, userID UserID, delta int64, typ EntryType, externalRef string, meta map[string]string) (LedgerEntry, error) {
	switch typ {
	case EntryPurchase:
		if delta <= 0 {
			return LedgerEntry{}, fmt.Errorf("%w: purchase of %d credits", ErrInvalidAmount, delta)
		}
	case EntryAdjustment:
		if delta == 0 {
			return LedgerEntry{}, fmt.Errorf("%w: zero adjustment", ErrInvalidAmount)
		}
	default:
		return LedgerEntry{}, fmt.Errorf("%w: %q", ErrInvalidEntryType, typ)
	}

	var result LedgerEntry
	err := s.withRetry(ctx, func(tx Tx) error {
		if externalRef != "" {
			existing, err := tx.EntryByRef(ctx, externalRef)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.UserID != userID {
					return refConflict(externalRef, existing.UserID)
				}
				result = *existing
				return nil
			}
		}

		acct, err := tx.Account(ctx, userID)
		if err != nil {
			return err
		}
		if delta < 0 && -delta > acct.Credits {
			return &InsufficientCreditsError{UserID: userID, Available: acct.Credits, Requested: -delta}
		}
		if delta > 0 && acct.Credits > math.MaxInt64-delta {
			return fmt.Errorf("%w: balance %d cannot take %d more credits", ErrInvalidAmount, acct.Credits, delta)
		}

		now := s.now().UTC()
		acct.Credits += delta
		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		result = LedgerEntry{
			ID:          newEntryID(),
			UserID:      userID,
			Delta:       delta,
			Type:        typ,
			ExternalRef: externalRef,
			Meta:        meta,
			CreatedAt:   now,
		}
		return tx.Append(ctx, result)
	})
	if err != nil {
		return LedgerEntry{}, err
	}

	s.log.Info().
		Str("user_id", string(userID)).
		Str("type", string(typ)).
		Int64("delta", delta).
		Msg("credits recorded")
	return result, nil
}

// ResetCycle sets the balance to allowance for a new billing cycle, writing
// a reset entry with the difference, and moves the cycle end.
func (s *Service) ResetCycle(ctx context.Context, userID UserID, allowance int64, cycleEnd time.Time) (Balance, error) {
	if allowance < 0 {
		return Balance{}, fmt.Errorf("%w: allowance %d", ErrInvalidAmount, allowance)
	}

	var acct Account
	err := s.withRetry(ctx, func(tx Tx) error {
		var err error
		acct, err = tx.Account(ctx, userID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		delta := allowance - acct.Credits
		end := cycleEnd.UTC()
		acct.Credits = allowance
		acct.CycleEndAt = &end
		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		return tx.Append(ctx, LedgerEntry{
			ID:        newEntryID(),
			UserID:    userID,
			Delta:     delta,
			Type:      EntryReset,
			Meta:      map[string]string{"allowance": fmt.Sprintf("%d", allowance), "cycle_end_at": end.Format(time.RFC3339)},
			CreatedAt: now,
		})
	})
	if err != nil {
		return Balance{}, err
	}
	return acct.Balance(), nil
}

// Reconcile compares the cached balance with the ledger sum. When they
// differ the cached balance is overwritten with the ledger sum, since the
// ledger is the source of truth.
func (s *Service) Reconcile(ctx context.Context, userID UserID) (Reconciliation, error) {
	var rec Reconciliation
	err := s.withRetry(ctx, func(tx Tx) error {
		acct, err := tx.Account(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := tx.SumDeltas(ctx, userID)
		if err != nil {
			return err
		}

		rec = Reconciliation{UserID: userID, Cached: acct.Credits, LedgerSum: sum, Drift: acct.Credits - sum}
		if rec.Drift == 0 {
			return nil
		}
		acct.Credits = sum
		acct.UpdatedAt = s.now().UTC()
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}
		rec.Repaired = true
		return nil
	})
	if err != nil {
		return Reconciliation{}, err
	}

	if rec.Repaired {
		s.log.Warn().
			Str("user_id", string(userID)).
			Int64("cached", rec.Cached).
			Int64("ledger_sum", rec.LedgerSum).
			Msg("cached balance drift repaired")
	}
	return rec, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) withRetry(ctx context.Context, fn func(Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxInterval = 50 * s.retryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.store.WithTx(ctx, fn)
		if err == nil || errors.Is(err, ErrConcurrentModification) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.txRetries))

	if errors.Is(err, ErrConcurrentModification) {
		s.log.Error().Err(err).Uint("attempts", s.txRetries).Msg("metering transaction retries exhausted")
		return fmt.Errorf("%w: %v", ErrMeteringUnavailable, err)
	}
	return err
}

// refConflict reports an external reference already spent by another account.
func refConflict(ref string, owner UserID) error {
	return fmt.Errorf("%w: %q is recorded for %s", ErrDuplicateExternalRef, ref, owner)
}

func newEntryID() EntryID {
	return EntryID(uuid.NewString())
}
