package ledger

import (
	"fmt"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateNoNegativeBalances verifies that only boundary accounts are negative
func (v *InvariantValidator) ValidateNoNegativeBalances() error {
	for key, balance := range v.tracker.balances {
		if balance < 0 && !key.IsExternal() {
			return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per mint
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	mints := make([]string, 0, len(totals))
	for mint := range totals {
		mints = append(mints, mint)
	}
	sort.Strings(mints)

	for _, mint := range mints {
		if totals[mint] != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", mint, totals[mint])
		}
	}

	return nil
}
