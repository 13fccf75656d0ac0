/*
Package metering provides the credit ledger and the usage-metering service.

PURPOSE:
  Converts units of service usage (seconds of voice, chat conversations) into
  credit costs and debits them from a prepaid balance. Every balance change is
  recorded in an append-only ledger; the running balance is cached next to the
  account for O(1) reads.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: An immutable, signed balance delta
  - Account: The cached running balance plus billing-cycle state
  - UsageKind: What is being metered (voice, chat)
  - EntryType: Why the balance changed (voice, chat, purchase, reset, adjustment)

INVARIANT:
  Account.Credits == sum(LedgerEntry.Delta) for the account, after every
  successful transaction. The ledger append and the cached-balance update are
  always performed inside the same Store.WithTx call.

SEE ALSO:
  - service.go: ApplyUsage and the administrative writers
  - pricing.go: Quote
  - store.go: Persistence interfaces
*/
package metering

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// =============================================================================
// USAGE KINDS
// =============================================================================

// UsageKind identifies a meterable unit of work.
type UsageKind string

const (
	UsageVoice UsageKind = "voice" // amount is seconds of voice
	UsageChat  UsageKind = "chat"  // amount is conversations
)

// EntryType returns the ledger entry type recorded for this usage.
func (k UsageKind) EntryType() EntryType {
	return EntryType(k)
}

// =============================================================================
// LEDGER ENTRY - Immutable balance delta
// =============================================================================

type EntryType string

const (
	EntryVoice      EntryType = "voice"      // Voice usage debit
	EntryChat       EntryType = "chat"       // Chat usage debit
	EntryPurchase   EntryType = "purchase"   // Credits bought
	EntryReset      EntryType = "reset"      // Billing-cycle reset to plan allowance
	EntryAdjustment EntryType = "adjustment" // Manual admin correction
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryVoice, EntryChat, EntryPurchase, EntryReset, EntryAdjustment:
		return true
	}
	return false
}

// LedgerEntry is one signed change to an account balance.
// Entries are never updated or deleted once written.
type LedgerEntry struct {
	ID          EntryID           `json:"id"`
	UserID      UserID            `json:"user_id"`
	Delta       int64             `json:"delta"`
	Type        EntryType         `json:"type"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// =============================================================================
// ACCOUNT / BALANCE
// =============================================================================

// Account holds the cached running balance for a user.
// Credits is only ever written inside Store.WithTx, together with a ledger entry.
type Account struct {
	UserID     UserID
	Credits    int64
	CycleEndAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Balance is the read model returned to callers.
type Balance struct {
	UserID     UserID     `json:"user_id"`
	Credits    int64      `json:"credits"`
	CycleEndAt *time.Time `json:"cycle_end_at,omitempty"`
}

func (a Account) Balance() Balance {
	return Balance{UserID: a.UserID, Credits: a.Credits, CycleEndAt: a.CycleEndAt}
}

// Reconciliation reports the result of comparing the cached balance with
// the ledger sum.
type Reconciliation struct {
	UserID    UserID `json:"user_id"`
	Cached    int64  `json:"cached"`
	LedgerSum int64  `json:"ledger_sum"`
	Drift     int64  `json:"drift"`
	Repaired  bool   `json:"repaired"`
}
