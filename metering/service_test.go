package metering_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inbound-engine/metering"
	"github.com/warp/inbound-engine/metering/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T, opts ...metering.Option) (*metering.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]metering.Option{metering.WithTxRetries(3, time.Millisecond)}, opts...)
	return metering.NewService(mem, opts...), mem
}

func openAccount(t *testing.T, svc *metering.Service, user metering.UserID, credits int64) {
	t.Helper()
	_, err := svc.OpenAccount(context.Background(), user, credits, nil)
	require.NoError(t, err)
}

func assertInvariant(t *testing.T, svc *metering.Service, user metering.UserID) {
	t.Helper()
	rec, err := svc.Reconcile(context.Background(), user)
	require.NoError(t, err)
	assert.Zero(t, rec.Drift, "cached balance must equal ledger sum")
	assert.False(t, rec.Repaired)
}

// =============================================================================
// QUOTE
// =============================================================================

func TestQuote_IsPure(t *testing.T) {
	// GIVEN: A service with an account
	// WHEN: Quoting the same usage twice
	// THEN: Same result, no ledger entries written

	svc, _ := newTestService(t)
	openAccount(t, svc, "user-1", 100)

	a, err := svc.Quote(metering.UsageVoice, 42)
	require.NoError(t, err)
	b, err := svc.Quote(metering.UsageVoice, 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	entries, err := svc.Ledger(context.Background(), "user-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the opening purchase entry")
}

func TestQuote_RoundsUpFractionalRates(t *testing.T) {
	table := metering.PricingTable{metering.UsageVoice: decimal.RequireFromString("0.5")}

	cost, err := table.Quote(metering.UsageVoice, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cost)

	cost, err = table.Quote(metering.UsageVoice, 0)
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestQuote_Errors(t *testing.T) {
	table := metering.DefaultPricing()

	_, err := table.Quote("video", 1)
	assert.ErrorIs(t, err, metering.ErrUnknownUsageKind)

	_, err = table.Quote(metering.UsageChat, -1)
	assert.ErrorIs(t, err, metering.ErrInvalidAmount)
}

func TestLoadPricing_OverlaysDefaults(t *testing.T) {
	table, err := metering.LoadPricing(strings.NewReader(`{"chat": "25", "voice": 0.25}`))
	require.NoError(t, err)

	cost, err := table.Quote(metering.UsageChat, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cost)

	cost, err = table.Quote(metering.UsageVoice, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cost)

	_, err = metering.LoadPricing(strings.NewReader(`{"chat": "-1"}`))
	assert.ErrorIs(t, err, metering.ErrInvalidAmount)
}

// =============================================================================
// APPLY USAGE
// =============================================================================

func TestApplyUsage_DebitsAndRecordsEntry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	openAccount(t, svc, "user-1", 500)

	entry, err := svc.ApplyUsage(ctx, "user-1", metering.UsageVoice, 120, "call-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-120), entry.Delta)
	assert.Equal(t, metering.EntryVoice, entry.Type)
	assert.Equal(t, "call-1", entry.ExternalRef)
	assert.NotEmpty(t, entry.ID)

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(380), bal.Credits)
	assertInvariant(t, svc, "user-1")
}

func TestApplyUsage_SameExternalRef_DebitsOnce(t *testing.T) {
	// GIVEN: A usage already applied with ref "conv-1"
	// WHEN: The same webhook is replayed
	// THEN: The original entry is returned and the balance is debited once

	svc, _ := newTestService(t)
	ctx := context.Background()
	openAccount(t, svc, "user-1", 500)

	first, err := svc.ApplyUsage(ctx, "user-1", metering.UsageChat, 1, "conv-1")
	require.NoError(t, err)
	second, err := svc.ApplyUsage(ctx, "user-1", metering.UsageChat, 1, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(440), bal.Credits)

	entries, err := svc.Ledger(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "opening purchase + one chat debit")
}

func TestApplyUsage_InsufficientCredits_NothingWritten(t *testing.T) {
	// GIVEN: Balance of 50, chat costs 60
	// WHEN: Applying one chat conversation
	// THEN: InsufficientCredits, balance still 50, no new entry

	svc, _ := newTestService(t)
	ctx := context.Background()
	openAccount(t, svc, "user-1", 50)

	cost, err := svc.Quote(metering.UsageChat, 1)
	require.NoError(t, err)
	require.Equal(t, int64(60), cost)

	_, err = svc.ApplyUsage(ctx, "user-1", metering.UsageChat, 1, "conv-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, metering.ErrInsufficientCredits)
	var insufficient *metering.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(50), insufficient.Available)
	assert.Equal(t, int64(10), insufficient.Shortfall())

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Credits)

	entries, err := svc.Ledger(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApplyUsage_UnknownAccount(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ApplyUsage(context.Background(), "ghost", metering.UsageVoice, 1, "x")
	assert.ErrorIs(t, err, metering.ErrAccountNotFound)
	assert.True(t, metering.IsNotFound(err))
}

func TestApplyUsage_RequiresExternalRef(t *testing.T) {
	svc, _ := newTestService(t)
	openAccount(t, svc, "user-1", 10)

	_, err := svc.ApplyUsage(context.Background(), "user-1", metering.UsageVoice, 1, "")
	assert.ErrorIs(t, err, metering.ErrInvalidAmount)
}

func TestApplyUsage_BalanceInvariant_AcrossSequence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	openAccount(t, svc, "user-1", 1000)

	var applied int64
	for i := 0; i < 20; i++ {
		kind := metering.UsageVoice
		amount := int64(i * 7)
		if i%3 == 0 {
			kind, amount = metering.UsageChat, 1
		}
		entry, err := svc.ApplyUsage(ctx, "user-1", kind, amount, fmt.Sprintf("ref-%d", i))
		if errors.Is(err, metering.ErrInsufficientCredits) {
			continue
		}
		require.NoError(t, err)
		applied += -entry.Delta
	}

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1000-applied, bal.Credits)
	assert.GreaterOrEqual(t, bal.Credits, int64(0))
	assertInvariant(t, svc, "user-1")
}

func TestApplyUsage_ConcurrentRace_NoDoubleSpend(t *testing.T) {
	// GIVEN: Balance covers exactly one chat conversation
	// WHEN: 16 goroutines race to apply a chat conversation each
	// THEN: Exactly one succeeds, balance is zero, never negative

	svc, _ := newTestService(t)
	ctx := context.Background()
	openAccount(t, svc, "user-1", 60)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ApplyUsage(ctx, "user-1", metering.UsageChat, 1, fmt.Sprintf("conv-%d", i))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, metering.ErrInsufficientCredits):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(15), insufficient.Load())

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Credits)
	assertInvariant(t, svc, "user-1")
}

// =============================================================================
// RETRIES
// =============================================================================

type flakyStore struct {
	metering.Store
	failures int
	calls    int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(metering.Tx) error) error {
	f.calls++
	if f.calls <= f.failures {
		return metering.ErrConcurrentModification
	}
	return f.Store.WithTx(ctx, fn)
}

func TestApplyUsage_RetriesTransactionConflicts(t *testing.T) {
	mem := store.NewMemory()
	seed := metering.NewService(mem)
	_, err := seed.OpenAccount(context.Background(), "user-1", 100, nil)
	require.NoError(t, err)

	flaky := &flakyStore{Store: mem, failures: 2}
	svc := metering.NewService(flaky, metering.WithTxRetries(3, time.Millisecond))

	_, err = svc.ApplyUsage(context.Background(), "user-1", metering.UsageVoice, 10, "call-1")
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
}

func TestApplyUsage_RetriesExhausted_MeteringUnavailable(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, failures: 100}
	svc := metering.NewService(flaky, metering.WithTxRetries(3, time.Millisecond))

	_, err := svc.ApplyUsage(context.Background(), "user-1", metering.UsageVoice, 10, "call-1")
	assert.ErrorIs(t, err, metering.ErrMeteringUnavailable)
	assert.True(t, metering.IsRetryable(err))
	assert.Equal(t, 3, flaky.calls)
}

// =============================================================================
// ADMINISTRATIVE WRITERS
// =============================================================================

func TestOpenAccount_Twice(t *testing.T) {
	svc, _ := newTestService(t)
	openAccount(t, svc, "user-1", 10)

	_, err := svc.OpenAccount(context.Background(), "user-1", 10, nil)
	assert.ErrorIs(t, err, metering.ErrAccountExists)
}

func TestCredit_PurchaseAndAdjustment(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	openAccount(t, svc, "user-1", 0)

	_, err := svc.Credit(ctx, "user-1", 300, metering.EntryPurchase, "checkout-1", nil)
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "user-1", 300, metering.EntryPurchase, "checkout-1", nil)
	require.NoError(t, err, "replayed purchase is idempotent")

	_, err = svc.Credit(ctx, "user-1", -50, metering.EntryAdjustment, "", map[string]string{"reason": "goodwill reversal"})
	require.NoError(t, err)

	_, err = svc.Credit(ctx, "user-1", -1000, metering.EntryAdjustment, "", nil)
	assert.ErrorIs(t, err, metering.ErrInsufficientCredits)

	_, err = svc.Credit(ctx, "user-1", 10, metering.EntryChat, "", nil)
	assert.ErrorIs(t, err, metering.ErrInvalidEntryType)

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), bal.Credits)
	assertInvariant(t, svc, "user-1")
}

func TestResetCycle_WritesResetEntry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	openAccount(t, svc, "user-1", 100)
	_, err := svc.ApplyUsage(ctx, "user-1", metering.UsageVoice, 70, "call-1")
	require.NoError(t, err)

	end := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	bal, err := svc.ResetCycle(ctx, "user-1", 1000, end)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Credits)
	require.NotNil(t, bal.CycleEndAt)
	assert.True(t, bal.CycleEndAt.Equal(end))

	entries, err := svc.Ledger(ctx, "user-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, metering.EntryReset, entries[0].Type)
	assert.Equal(t, int64(970), entries[0].Delta)
	assertInvariant(t, svc, "user-1")
}

func TestReconcile_RepairsDrift(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	openAccount(t, svc, "user-1", 100)

	mem.Tamper("user-1", 140)

	rec, err := svc.Reconcile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), rec.Drift)
	assert.True(t, rec.Repaired)

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)
}

func TestLedger_NewestFirstWithPaging(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	svc, _ := newTestService(t, metering.WithClock(clock))
	ctx := context.Background()
	openAccount(t, svc, "user-1", 1000)

	for i := 1; i <= 3; i++ {
		_, err := svc.ApplyUsage(ctx, "user-1", metering.UsageVoice, int64(i), fmt.Sprintf("call-%d", i))
		require.NoError(t, err)
	}

	page, err := svc.Ledger(ctx, "user-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "call-3", page[0].ExternalRef)
	assert.Equal(t, "call-2", page[1].ExternalRef)

	page, err = svc.Ledger(ctx, "user-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "call-1", page[0].ExternalRef)
	assert.Equal(t, metering.EntryPurchase, page[1].Type)
}

// =============================================================================
// OVERFLOW AND REFERENCE OWNERSHIP
// =============================================================================

func TestQuote_RejectsCostBeyondInt64(t *testing.T) {
	// GIVEN: The default chat rate of 60 credits per conversation
	// WHEN: Quoting an amount whose cost does not fit in int64
	// THEN: ErrInvalidAmount instead of a wrapped (negative) cost

	cost, err := metering.DefaultPricing().Quote(metering.UsageChat, 1<<62-1)
	assert.ErrorIs(t, err, metering.ErrInvalidAmount)
	assert.Zero(t, cost)

	cost, err = metering.DefaultPricing().Quote(metering.UsageVoice, math.MaxInt64)
	require.NoError(t, err, "rate 1 keeps the largest amount representable")
	assert.Equal(t, int64(math.MaxInt64), cost)
}

func TestApplyUsage_HugeAmountNeverCredits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	openAccount(t, svc, "user-1", 100)

	_, err := svc.ApplyUsage(ctx, "user-1", metering.UsageChat, 1<<62-1, "msg:huge")
	assert.ErrorIs(t, err, metering.ErrInvalidAmount)

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)

	entries, err := svc.Ledger(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the opening purchase")
}

func TestCredit_RejectsBalanceOverflow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	openAccount(t, svc, "user-1", 100)

	_, err := svc.Credit(ctx, "user-1", math.MaxInt64, metering.EntryPurchase, "", nil)
	assert.ErrorIs(t, err, metering.ErrInvalidAmount)

	bal, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)

	_, err = svc.Credit(ctx, "user-1", math.MaxInt64-100, metering.EntryPurchase, "", nil)
	require.NoError(t, err, "exactly filling int64 is allowed")
	assertInvariant(t, svc, "user-1")
}

func TestApplyUsage_ExternalRefOfAnotherAccount(t *testing.T) {
	// GIVEN: msg:m1 already debited user-1
	// WHEN: The same reference is replayed for user-2
	// THEN: A conflict, user-2 untouched, user-1's entry not returned as success

	ctx := context.Background()
	svc, _ := newTestService(t)
	openAccount(t, svc, "user-1", 100)
	openAccount(t, svc, "user-2", 100)

	_, err := svc.ApplyUsage(ctx, "user-1", metering.UsageVoice, 10, "msg:m1")
	require.NoError(t, err)

	entry, err := svc.ApplyUsage(ctx, "user-2", metering.UsageVoice, 10, "msg:m1")
	assert.ErrorIs(t, err, metering.ErrDuplicateExternalRef)
	assert.True(t, metering.IsClientError(err))
	assert.Empty(t, entry.ID)

	bal, err := svc.Balance(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Credits)

	_, err = svc.Credit(ctx, "user-1", 5, metering.EntryPurchase, "order-7", nil)
	require.NoError(t, err)
	_, err = svc.Credit(ctx, "user-2", 5, metering.EntryPurchase, "order-7", nil)
	assert.ErrorIs(t, err, metering.ErrDuplicateExternalRef)
}
