// Package store provides an in-memory metering.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/inbound-engine/metering"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.Mutex
	accounts map[metering.UserID]metering.Account
	entries  map[metering.UserID][]metering.LedgerEntry
	refs     map[string]metering.LedgerEntry
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[metering.UserID]metering.Account),
		entries:  make(map[metering.UserID][]metering.LedgerEntry),
		refs:     make(map[string]metering.LedgerEntry),
	}
}

// WithTx executes fn within a transaction.
// Transactions are serialized by the store lock; on error the state is
// restored from a snapshot taken before fn ran.
func (m *Memory) WithTx(ctx context.Context, fn func(metering.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&memoryTx{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

func (m *Memory) Account(_ context.Context, userID metering.UserID) (metering.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountLocked(userID)
}

// Entries returns entries newest-first.
func (m *Memory) Entries(_ context.Context, userID metering.UserID, take, skip int) ([]metering.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.entries[userID]
	result := make([]metering.LedgerEntry, 0, take)
	for i := len(all) - 1 - skip; i >= 0 && len(result) < take; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

func (m *Memory) accountLocked(userID metering.UserID) (metering.Account, error) {
	a, ok := m.accounts[userID]
	if !ok {
		return metering.Account{}, metering.ErrAccountNotFound
	}
	return a, nil
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

type memorySnapshot struct {
	accounts map[metering.UserID]metering.Account
	entries  map[metering.UserID][]metering.LedgerEntry
	refs     map[string]metering.LedgerEntry
}

func (m *Memory) snapshot() memorySnapshot {
	accounts := make(map[metering.UserID]metering.Account, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	entries := make(map[metering.UserID][]metering.LedgerEntry, len(m.entries))
	for k, v := range m.entries {
		entries[k] = append([]metering.LedgerEntry{}, v...)
	}
	refs := make(map[string]metering.LedgerEntry, len(m.refs))
	for k, v := range m.refs {
		refs[k] = v
	}
	return memorySnapshot{accounts: accounts, entries: entries, refs: refs}
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.entries = s.entries
	m.refs = s.refs
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryTx struct {
	parent *Memory
}

func (tx *memoryTx) Account(_ context.Context, userID metering.UserID) (metering.Account, error) {
	return tx.parent.accountLocked(userID)
}

func (tx *memoryTx) PutAccount(_ context.Context, a metering.Account) error {
	tx.parent.accounts[a.UserID] = a
	return nil
}

func (tx *memoryTx) Append(_ context.Context, e metering.LedgerEntry) error {
	if e.ExternalRef != "" {
		if _, ok := tx.parent.refs[e.ExternalRef]; ok {
			return metering.ErrDuplicateExternalRef
		}
		tx.parent.refs[e.ExternalRef] = e
	}

	entries := tx.parent.entries[e.UserID]
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].CreatedAt.After(e.CreatedAt)
	})
	entries = append(entries, metering.LedgerEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	tx.parent.entries[e.UserID] = entries
	return nil
}

func (tx *memoryTx) EntryByRef(_ context.Context, externalRef string) (*metering.LedgerEntry, error) {
	e, ok := tx.parent.refs[externalRef]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (tx *memoryTx) SumDeltas(_ context.Context, userID metering.UserID) (int64, error) {
	var sum int64
	for _, e := range tx.parent.entries[userID] {
		sum += e.Delta
	}
	return sum, nil
}

// Tamper overwrites the cached credits without a ledger entry. Only used to
// exercise reconciliation in tests.
func (m *Memory) Tamper(userID metering.UserID, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[userID]
	a.Credits = credits
	m.accounts[userID] = a
}
