package core

import (
	"fmt"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/state"
)

// handleAddVest reserves the vested LM against the core contributor bucket
// and grants the matching governing power up front. Tokens are issued on
// claim.
func (e *Engine) handleAddVest(cmd *event.AddVest) (any, error) {
	if err := e.requireAdmin(); err != nil {
		return nil, err
	}
	cx := e.st.Cortex
	if _, err := cx.VestIndex(cmd.Owner); err == nil {
		return nil, fmt.Errorf("%w: %s already vests", state.ErrInvalidArgument, cmd.Owner)
	}
	v, err := state.NewVest(cmd.Owner, cmd.Amount, cmd.UnlockStart, cmd.UnlockEnd, e.now)
	if err != nil {
		return nil, err
	}
	if err := cx.Mint(state.BucketCoreContributor, cmd.Amount); err != nil {
		return nil, err
	}
	realm, err := e.realm()
	if err != nil {
		return nil, err
	}
	if err := realm.AddGoverningPower(cmd.Owner, cmd.Amount); err != nil {
		return nil, err
	}
	cx.Vests = append(cx.Vests, v)

	e.log.Info().
		Str("owner", cmd.Owner).
		Uint64("amount", cmd.Amount).
		Int64("unlock_start", cmd.UnlockStart).
		Int64("unlock_end", cmd.UnlockEnd).
		Msg("vest added")
	return nil, nil
}

func (e *Engine) handleClaimVest(cmd *event.ClaimVest) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	cx := e.st.Cortex
	idx, err := cx.VestIndex(cmd.Owner)
	if err != nil {
		return nil, err
	}
	v := &cx.Vests[idx]
	amount, err := v.Claim(e.now)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: nothing vested yet", state.ErrInvalidVestingUnlockTime)
	}
	if err := e.journals.Mint(wallet(cmd.Owner, state.LMMint), amount, ledger.JournalTypeVestClaim); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.LMEmitted.WithLabelValues(state.BucketCoreContributor.String()).Add(float64(amount))
	}
	realm, err := e.realm()
	if err != nil {
		return nil, err
	}
	if _, err := realm.RemoveGoverningPower(cmd.Owner, amount); err != nil {
		return nil, err
	}

	remaining := v.Amount - v.ClaimedAmount
	if v.Done() {
		cx.Vests = append(cx.Vests[:idx], cx.Vests[idx+1:]...)
	}
	return &event.VestClaimed{Amount: amount, Remaining: remaining}, nil
}
