/*
store.go - Persistence interface for the credit ledger and cached balances

PURPOSE:
  Defines the interface between the metering service and the database.
  The Store handles persistence while maintaining append-only semantics
  for ledger entries.

KEY INTERFACES:
  Store: Read access plus WithTx for atomic multi-step writes
  Tx:    The operations available inside one transaction

APPEND-ONLY CONTRACT:
  - Tx.Append(): the only way to write a ledger entry
  - NO Update() or Delete() methods exist for entries
  - Tx.PutAccount() is the only way to change the cached balance, and the
    service only calls it in the same transaction as Append (or Reconcile)

IDEMPOTENCY:
  Every usage debit carries an external reference. Append rejects a second
  entry with the same reference (ErrDuplicateExternalRef); EntryByRef lets
  the service return the original entry instead.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - metering/store: In-memory for testing

SEE ALSO:
  - service.go: The only caller of WithTx
*/
package metering

import "context"

// Store persists accounts and ledger entries.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	// Stores return ErrConcurrentModification when the transaction cannot be acquired.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Account returns the account for userID, or ErrAccountNotFound.
	Account(ctx context.Context, userID UserID) (Account, error)

	// Entries returns ledger entries newest-first.
	Entries(ctx context.Context, userID UserID, take, skip int) ([]LedgerEntry, error)
}

// Tx is the transactional view of a Store.
type Tx interface {
	// Account returns the account for userID, or ErrAccountNotFound.
	Account(ctx context.Context, userID UserID) (Account, error)

	// PutAccount inserts or replaces the cached account row.
	PutAccount(ctx context.Context, a Account) error

	// Append persists a ledger entry. Returns ErrDuplicateExternalRef if the
	// entry's ExternalRef already exists.
	Append(ctx context.Context, e LedgerEntry) error

	// EntryByRef returns the entry with the given external reference, or nil.
	EntryByRef(ctx context.Context, externalRef string) (*LedgerEntry, error)

	// SumDeltas returns the sum of all ledger deltas for userID.
	SumDeltas(ctx context.Context, userID UserID) (int64, error)
}
