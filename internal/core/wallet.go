package core

import (
	"fmt"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/state"
)

// handleDeposit credits tokens bridged in from outside. Only the admin or
// the keeper relays deposits, and engine-issued mints never arrive this way.
func (e *Engine) handleDeposit(cmd *event.Deposit) (any, error) {
	if err := e.requireAdmin(); err != nil && !e.isKeeper() {
		return nil, err
	}
	if cmd.Owner == "" || cmd.Mint == "" || cmd.Amount == 0 {
		return nil, fmt.Errorf("%w: owner, mint and amount are required", state.ErrInvalidArgument)
	}
	if isEngineMint(cmd.Mint) {
		return nil, fmt.Errorf("%w: %s cannot be deposited", state.ErrUnsupportedToken, cmd.Mint)
	}
	from := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, cmd.Mint)
	if err := e.journals.Transfer(from, wallet(cmd.Owner, cmd.Mint), cmd.Amount, ledger.JournalTypeDeposit); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleWithdraw sends wallet tokens out of the system. Governance tokens
// live in realm deposits and are never in a wallet.
func (e *Engine) handleWithdraw(cmd *event.Withdraw) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	if cmd.Mint == "" || cmd.Amount == 0 {
		return nil, fmt.Errorf("%w: mint and amount are required", state.ErrInvalidArgument)
	}
	if cmd.Mint == state.GovernanceMint {
		return nil, fmt.Errorf("%w: %s cannot be withdrawn", state.ErrUnsupportedToken, cmd.Mint)
	}
	to := ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, cmd.Mint)
	if err := e.journals.Transfer(wallet(cmd.Owner, cmd.Mint), to, cmd.Amount, ledger.JournalTypeWithdrawal); err != nil {
		return nil, err
	}
	return nil, nil
}
