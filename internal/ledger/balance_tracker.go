package ledger

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// BalanceTracker maintains in-memory account balances. Non-external
// accounts never go negative; external accounts absorb the other side of
// deposits, withdrawals and issuance.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := int64(j.Amount)
	bt.balances[j.DebitAccount] += amount
	bt.balances[j.CreditAccount] -= amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the signed balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// Available returns the spendable balance of a non-external account.
func (bt *BalanceTracker) Available(key AccountKey) uint64 {
	b := bt.balances[key]
	if b < 0 {
		return 0
	}
	return uint64(b)
}

// Supply returns the circulating amount of an engine-issued mint.
func (bt *BalanceTracker) Supply(mint string) uint64 {
	b := bt.balances[IssuanceAccount(mint)]
	if b > 0 {
		return 0
	}
	return uint64(-b)
}

// ValidateSufficient checks that key can pay amount
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, amount uint64) error {
	if key.IsExternal() {
		return nil
	}
	if have := bt.Available(key); have < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, key.AccountPath(), have, amount)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 && !key.IsExternal() {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per mint (should be 0 for
// a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]int64 {
	totals := make(map[string]int64)

	for key, balance := range bt.balances {
		totals[key.Mint] += balance
	}

	return totals
}

// Keys returns every account with a non-zero balance, sorted by path.
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances with a snapshot.
func (bt *BalanceTracker) Restore(snapshot map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(snapshot))
	for k, v := range snapshot {
		bt.balances[k] = v
	}
}
