package core

import (
	"fmt"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/math"
	"PerpPool/internal/scheduler"
	"PerpPool/internal/state"
)

// GenesisLockDays is the lock applied to LP minted by genesis liquidity.
const GenesisLockDays uint32 = 30

// addTo accumulates a statistic.
func addTo(dst *uint64, v uint64) error {
	sum, err := math.CheckedAdd(*dst, v)
	if err != nil {
		return err
	}
	*dst = sum
	return nil
}

func (e *Engine) recordFee(pool, action string, feeUSD uint64) {
	if e.metrics != nil && feeUSD > 0 {
		e.metrics.FeesCollectedUSD.WithLabelValues(pool, action).Add(float64(feeUSD))
	}
}

// ============================================================================
// add_liquidity
// ============================================================================

func (e *Engine) handleAddLiquidity(cmd *event.AddLiquidity) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	if cmd.AmountIn == 0 {
		return nil, fmt.Errorf("%w: zero amount", state.ErrInvalidArgument)
	}
	p, c, idx, err := e.poolCustody(cmd.Pool, cmd.Mint)
	if err != nil {
		return nil, err
	}
	if !e.st.Perpetuals.Permissions.AllowAddLiquidity || !c.Permissions.AllowAddLiquidity || c.IsVirtual {
		return nil, notAllowed("add liquidity")
	}

	if err := c.UpdateBorrowRate(e.now); err != nil {
		return nil, err
	}
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}
	tp, err := e.prices(c)
	if err != nil {
		return nil, err
	}

	fee, err := p.GetAddLiquidityFee(idx, cmd.AmountIn, c, tp.EMA)
	if err != nil {
		return nil, err
	}
	protocolFee, err := state.GetFeeAmount(c.Fees.ProtocolShare, fee)
	if err != nil {
		return nil, err
	}
	if err := p.CheckTokenRatio(idx, cmd.AmountIn-math.MinU64(protocolFee, cmd.AmountIn), 0, c, tp.EMA); err != nil {
		return nil, err
	}

	noFeeAmount, err := math.CheckedSub(cmd.AmountIn, fee)
	if err != nil || noFeeAmount == 0 {
		return nil, fmt.Errorf("%w: fee %d consumes deposit %d", state.ErrInsufficientAmountReturned, fee, cmd.AmountIn)
	}
	lpAmount, err := e.lpAmountFor(p, c, tp, noFeeAmount)
	if err != nil {
		return nil, err
	}
	if lpAmount == 0 || lpAmount < cmd.MinLPAmountOut {
		return nil, fmt.Errorf("%w: %d lp below minimum %d", state.ErrMaxPriceSlippage, lpAmount, cmd.MinLPAmountOut)
	}

	if err := e.journals.Transfer(wallet(cmd.Owner, c.Mint), custodyVault(c), cmd.AmountIn, ledger.JournalTypeLiquidityIn); err != nil {
		return nil, err
	}
	if err := addTo(&c.Assets.Owned, cmd.AmountIn); err != nil {
		return nil, err
	}
	if err := e.journals.Mint(wallet(cmd.Owner, p.LPMint), lpAmount, ledger.JournalTypeLPMint); err != nil {
		return nil, err
	}

	feeUSD, err := tp.EMA.GetAssetAmountUSD(fee, c.Decimals)
	if err != nil {
		return nil, err
	}
	volumeUSD, err := tp.EMA.GetAssetAmountUSD(cmd.AmountIn, c.Decimals)
	if err != nil {
		return nil, err
	}
	if err := addTo(&c.CollectedFees.AddLiquidityUSD, feeUSD); err != nil {
		return nil, err
	}
	if err := addTo(&c.VolumeStats.AddLiquidityUSD, volumeUSD); err != nil {
		return nil, err
	}
	if err := c.RefreshBorrowRate(); err != nil {
		return nil, err
	}
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}

	if _, err := e.distributeFees(p, c, fee); err != nil {
		return nil, err
	}
	lm, err := e.mintLMReward(cmd.Owner, feeUSD)
	if err != nil {
		return nil, err
	}
	if err := addTo(&c.DistributedRewards.AddLiquidityLM, lm); err != nil {
		return nil, err
	}
	e.recordFee(p.Name, "add_liquidity", feeUSD)

	e.log.Debug().
		Str("owner", cmd.Owner).
		Str("custody", c.ID).
		Uint64("amount_in", cmd.AmountIn).
		Uint64("lp_amount", lpAmount).
		Uint64("fee", fee).
		Msg("liquidity added")
	return &event.LiquidityAdded{LPAmount: lpAmount, Fee: fee, LMReward: lm}, nil
}

// lpAmountFor prices a net deposit in LP tokens against the pool valued at
// max prices. The first deposit mints one LP per USD.
func (e *Engine) lpAmountFor(p *state.Pool, c *state.Custody, tp state.TokenPrices, amount uint64) (uint64, error) {
	tokenUSD, err := tp.Min().GetAssetAmountUSD(amount, c.Decimals)
	if err != nil {
		return 0, err
	}
	poolUSD, err := e.aum(p, state.AUMModeMax)
	if err != nil {
		return 0, err
	}
	supply := e.lpSupply(p)
	if poolUSD == 0 || supply == 0 {
		return math.ScaleToExponent(tokenUSD, -math.USDDecimals, -math.LPDecimals)
	}
	return math.MulDiv(tokenUSD, supply, poolUSD, math.RoundDown)
}

// ============================================================================
// add_genesis_liquidity
// ============================================================================

func (e *Engine) handleAddGenesisLiquidity(cmd *event.AddGenesisLiquidity) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	if cmd.AmountIn == 0 {
		return nil, fmt.Errorf("%w: zero amount", state.ErrInvalidArgument)
	}
	p, c, _, err := e.poolCustody(cmd.Pool, cmd.Mint)
	if err != nil {
		return nil, err
	}
	if !e.st.Perpetuals.Permissions.AllowAddLiquidity || !c.Permissions.AllowAddLiquidity || c.IsVirtual {
		return nil, notAllowed("add liquidity")
	}
	staking, err := e.st.Staking(state.LPStakingID(p.Name))
	if err != nil {
		return nil, err
	}

	if err := c.UpdateBorrowRate(e.now); err != nil {
		return nil, err
	}
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}
	tp, err := e.prices(c)
	if err != nil {
		return nil, err
	}

	depositUSD, err := tp.Min().GetAssetAmountUSD(cmd.AmountIn, c.Decimals)
	if err != nil {
		return nil, err
	}
	deposited, err := math.CheckedAdd(c.GenesisDepositedUSD, depositUSD)
	if err != nil {
		return nil, err
	}
	if deposited > c.GenesisLimitUSD {
		return nil, fmt.Errorf("%w: %s at %d of %d", state.ErrGenesisAlpLimitReached, c.ID, deposited, c.GenesisLimitUSD)
	}

	lpAmount, err := e.lpAmountFor(p, c, tp, cmd.AmountIn)
	if err != nil {
		return nil, err
	}
	if lpAmount == 0 || lpAmount < cmd.MinLPAmountOut {
		return nil, fmt.Errorf("%w: %d lp below minimum %d", state.ErrMaxPriceSlippage, lpAmount, cmd.MinLPAmountOut)
	}

	if err := e.journals.Transfer(wallet(cmd.Owner, c.Mint), custodyVault(c), cmd.AmountIn, ledger.JournalTypeLiquidityIn); err != nil {
		return nil, err
	}
	if err := addTo(&c.Assets.Owned, cmd.AmountIn); err != nil {
		return nil, err
	}
	c.GenesisDepositedUSD = deposited
	if err := addTo(&c.VolumeStats.AddLiquidityUSD, depositUSD); err != nil {
		return nil, err
	}
	if err := e.journals.Mint(stakingVault(staking), lpAmount, ledger.JournalTypeLPMint); err != nil {
		return nil, err
	}

	us, err := e.userStaking(cmd.Owner, staking)
	if err != nil {
		return nil, err
	}
	taskID := cmd.ResolutionTaskID
	if taskID == "" {
		taskID = resolutionTaskID(cmd.Owner, staking.ID, cmd.IdempotencyKey())
	}
	ls, err := us.AddLockedStake(staking, lpAmount, GenesisLockDays, e.now, taskID)
	if err != nil {
		return nil, err
	}
	ls.IsGenesis = true
	intent := scheduler.Intent{Kind: scheduler.KindFinalizeLockedStake, Owner: cmd.Owner, Staking: staking.ID}
	if err := e.sched.ScheduleOneShot(taskID, ls.UnlockTime(), intent); err != nil {
		return nil, err
	}

	if err := c.RefreshBorrowRate(); err != nil {
		return nil, err
	}
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("owner", cmd.Owner).
		Str("custody", c.ID).
		Uint64("lp_amount", lpAmount).
		Uint64("genesis_deposited_usd", deposited).
		Msg("genesis liquidity added")
	return &event.LiquidityAdded{LPAmount: lpAmount}, nil
}

// ============================================================================
// remove_liquidity
// ============================================================================

func (e *Engine) handleRemoveLiquidity(cmd *event.RemoveLiquidity) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	if cmd.LPAmountIn == 0 {
		return nil, fmt.Errorf("%w: zero lp amount", state.ErrInvalidArgument)
	}
	p, c, idx, err := e.poolCustody(cmd.Pool, cmd.Mint)
	if err != nil {
		return nil, err
	}
	if !e.st.Perpetuals.Permissions.AllowRemoveLiquidity || !c.Permissions.AllowRemoveLiquidity || c.IsVirtual {
		return nil, notAllowed("remove liquidity")
	}

	if err := c.UpdateBorrowRate(e.now); err != nil {
		return nil, err
	}
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}
	tp, err := e.prices(c)
	if err != nil {
		return nil, err
	}

	supply := e.lpSupply(p)
	if cmd.LPAmountIn > supply {
		return nil, fmt.Errorf("%w: %d lp of %d supply", state.ErrInvalidArgument, cmd.LPAmountIn, supply)
	}
	poolUSD, err := e.aum(p, state.AUMModeMin)
	if err != nil {
		return nil, err
	}
	removeUSD, err := math.MulDiv(poolUSD, cmd.LPAmountIn, supply, math.RoundDown)
	if err != nil {
		return nil, err
	}
	removeAmount, err := tp.Max().GetTokenAmount(removeUSD, c.Decimals)
	if err != nil {
		return nil, err
	}

	fee, err := p.GetRemoveLiquidityFee(idx, removeAmount, c, tp.EMA)
	if err != nil {
		return nil, err
	}
	transfer, err := math.CheckedSub(removeAmount, fee)
	if err != nil {
		return nil, fmt.Errorf("%w: fee %d above amount %d", state.ErrInsufficientAmountReturned, fee, removeAmount)
	}
	if transfer < cmd.MinAmountOut {
		return nil, fmt.Errorf("%w: %d below minimum %d", state.ErrInsufficientAmountReturned, transfer, cmd.MinAmountOut)
	}

	protocolFee, err := state.GetFeeAmount(c.Fees.ProtocolShare, fee)
	if err != nil {
		return nil, err
	}
	withdrawal, err := math.CheckedAdd(transfer, protocolFee)
	if err != nil {
		return nil, err
	}
	if err := p.CheckTokenRatio(idx, 0, withdrawal, c, tp.EMA); err != nil {
		return nil, err
	}
	if c.Available() < withdrawal {
		return nil, fmt.Errorf("%w: %s has %d available, withdrawing %d", state.ErrCustodyAmountLimit, c.ID, c.Available(), withdrawal)
	}

	if err := e.journals.Burn(wallet(cmd.Owner, p.LPMint), cmd.LPAmountIn, ledger.JournalTypeLPBurn); err != nil {
		return nil, err
	}
	c.Assets.Owned -= transfer
	if err := e.journals.Transfer(custodyVault(c), wallet(cmd.Owner, c.Mint), transfer, ledger.JournalTypeLiquidityOut); err != nil {
		return nil, err
	}

	feeUSD, err := tp.EMA.GetAssetAmountUSD(fee, c.Decimals)
	if err != nil {
		return nil, err
	}
	volumeUSD, err := tp.EMA.GetAssetAmountUSD(removeAmount, c.Decimals)
	if err != nil {
		return nil, err
	}
	if err := addTo(&c.CollectedFees.RemoveLiquidityUSD, feeUSD); err != nil {
		return nil, err
	}
	if err := addTo(&c.VolumeStats.RemoveLiquidityUSD, volumeUSD); err != nil {
		return nil, err
	}
	if err := c.RefreshBorrowRate(); err != nil {
		return nil, err
	}
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}

	if _, err := e.distributeFees(p, c, fee); err != nil {
		return nil, err
	}
	lm, err := e.mintLMReward(cmd.Owner, feeUSD)
	if err != nil {
		return nil, err
	}
	if err := addTo(&c.DistributedRewards.RemoveLiquidityLM, lm); err != nil {
		return nil, err
	}
	e.recordFee(p.Name, "remove_liquidity", feeUSD)

	e.log.Debug().
		Str("owner", cmd.Owner).
		Str("custody", c.ID).
		Uint64("lp_amount_in", cmd.LPAmountIn).
		Uint64("amount_out", transfer).
		Uint64("fee", fee).
		Msg("liquidity removed")
	return &event.LiquidityRemoved{Amount: transfer, Fee: fee, LMReward: lm}, nil
}

// ============================================================================
// swap
// ============================================================================

func (e *Engine) handleSwap(cmd *event.Swap) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	if cmd.AmountIn == 0 {
		return nil, fmt.Errorf("%w: zero amount", state.ErrInvalidArgument)
	}
	if cmd.MintIn == cmd.MintOut {
		return nil, fmt.Errorf("%w: swap %s to itself", state.ErrInvalidArgument, cmd.MintIn)
	}
	p, cin, idxIn, err := e.poolCustody(cmd.Pool, cmd.MintIn)
	if err != nil {
		return nil, err
	}
	_, cout, idxOut, err := e.poolCustody(cmd.Pool, cmd.MintOut)
	if err != nil {
		return nil, err
	}
	if !e.st.Perpetuals.Permissions.AllowSwap || !cin.Permissions.AllowSwap || !cout.Permissions.AllowSwap || cin.IsVirtual || cout.IsVirtual {
		return nil, notAllowed("swap")
	}

	for _, c := range []*state.Custody{cin, cout} {
		if err := c.UpdateBorrowRate(e.now); err != nil {
			return nil, err
		}
	}
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}
	pin, err := e.prices(cin)
	if err != nil {
		return nil, err
	}
	pout, err := e.prices(cout)
	if err != nil {
		return nil, err
	}

	feeIn, err := p.GetFee(idxIn, cin.Fees.Swap, cmd.AmountIn, 0, cin, pin.EMA)
	if err != nil {
		return nil, err
	}
	swapAmount, err := p.GetSwapAmount(pin, pout, cin, cout, cmd.AmountIn-math.MinU64(feeIn, cmd.AmountIn))
	if err != nil {
		return nil, err
	}
	feeOut, err := p.GetFee(idxOut, cout.Fees.Swap, 0, swapAmount, cout, pout.EMA)
	if err != nil {
		return nil, err
	}
	amountOut, err := math.CheckedSub(swapAmount, feeOut)
	if err != nil || amountOut == 0 || amountOut < cmd.MinAmountOut {
		return nil, fmt.Errorf("%w: %d below minimum %d", state.ErrInsufficientAmountReturned, amountOut, cmd.MinAmountOut)
	}

	protocolIn, err := state.GetFeeAmount(cin.Fees.ProtocolShare, feeIn)
	if err != nil {
		return nil, err
	}
	protocolOut, err := state.GetFeeAmount(cout.Fees.ProtocolShare, feeOut)
	if err != nil {
		return nil, err
	}
	withdrawal, err := math.CheckedAdd(amountOut, protocolOut)
	if err != nil {
		return nil, err
	}
	if err := p.CheckTokenRatio(idxIn, cmd.AmountIn-math.MinU64(protocolIn, cmd.AmountIn), 0, cin, pin.EMA); err != nil {
		return nil, err
	}
	if err := p.CheckTokenRatio(idxOut, 0, withdrawal, cout, pout.EMA); err != nil {
		return nil, err
	}
	if cout.Available() < withdrawal {
		return nil, fmt.Errorf("%w: %s has %d available, swapping out %d", state.ErrCustodyAmountLimit, cout.ID, cout.Available(), withdrawal)
	}

	if err := e.journals.Transfer(wallet(cmd.Owner, cin.Mint), custodyVault(cin), cmd.AmountIn, ledger.JournalTypeSwapIn); err != nil {
		return nil, err
	}
	if err := addTo(&cin.Assets.Owned, cmd.AmountIn); err != nil {
		return nil, err
	}
	cout.Assets.Owned -= amountOut
	if err := e.journals.Transfer(custodyVault(cout), wallet(cmd.Owner, cout.Mint), amountOut, ledger.JournalTypeSwapOut); err != nil {
		return nil, err
	}

	feeInUSD, err := pin.EMA.GetAssetAmountUSD(feeIn, cin.Decimals)
	if err != nil {
		return nil, err
	}
	feeOutUSD, err := pout.EMA.GetAssetAmountUSD(feeOut, cout.Decimals)
	if err != nil {
		return nil, err
	}
	volumeUSD, err := pin.EMA.GetAssetAmountUSD(cmd.AmountIn, cin.Decimals)
	if err != nil {
		return nil, err
	}
	if err := addTo(&cin.CollectedFees.SwapUSD, feeInUSD); err != nil {
		return nil, err
	}
	if err := addTo(&cout.CollectedFees.SwapUSD, feeOutUSD); err != nil {
		return nil, err
	}
	if err := addTo(&cin.VolumeStats.SwapUSD, volumeUSD); err != nil {
		return nil, err
	}
	if err := addTo(&cout.VolumeStats.SwapUSD, volumeUSD); err != nil {
		return nil, err
	}
	for _, c := range []*state.Custody{cin, cout} {
		if err := c.RefreshBorrowRate(); err != nil {
			return nil, err
		}
	}
	if err := e.refreshAUM(p); err != nil {
		return nil, err
	}

	if _, err := e.distributeFees(p, cin, feeIn); err != nil {
		return nil, err
	}
	if _, err := e.distributeFees(p, cout, feeOut); err != nil {
		return nil, err
	}
	feeUSD, err := math.CheckedAdd(feeInUSD, feeOutUSD)
	if err != nil {
		return nil, err
	}
	lm, err := e.mintLMReward(cmd.Owner, feeUSD)
	if err != nil {
		return nil, err
	}
	if err := addTo(&cin.DistributedRewards.SwapLM, lm); err != nil {
		return nil, err
	}
	e.recordFee(p.Name, "swap", feeUSD)

	e.log.Debug().
		Str("owner", cmd.Owner).
		Str("custody_in", cin.ID).
		Str("custody_out", cout.ID).
		Uint64("amount_in", cmd.AmountIn).
		Uint64("amount_out", amountOut).
		Msg("swapped")
	return &event.Swapped{AmountOut: amountOut, FeeIn: feeIn, FeeOut: feeOut, LMReward: lm}, nil
}
