package core

import (
	"fmt"

	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
	"PerpPool/internal/state"
)

// LiquidatorShareBPS is the part of a liquidation fee paid to the caller.
const LiquidatorShareBPS uint64 = 5_000

// positionCtx gathers what every position handler resolves first.
type positionCtx struct {
	pool      *state.Pool
	custody   *state.Custody
	coll      *state.Custody
	prices    state.TokenPrices
	colPrices state.TokenPrices
}

func (e *Engine) loadPricedCustodies(p *state.Pool, c, cc *state.Custody) (*positionCtx, error) {
	if err := c.UpdateBorrowRate(e.now); err != nil {
		return nil, err
	}
	if cc.ID != c.ID {
		if err := cc.UpdateBorrowRate(e.now); err != nil {
			return nil, err
		}
	}
	tp, err := e.prices(c)
	if err != nil {
		return nil, err
	}
	colPrices, err := e.prices(cc)
	if err != nil {
		return nil, err
	}
	return &positionCtx{pool: p, custody: c, coll: cc, prices: tp, colPrices: colPrices}, nil
}

func (e *Engine) loadPosition(ref event.PositionRef) (*state.Position, *positionCtx, error) {
	p, c, _, err := e.poolCustody(ref.Pool, ref.Mint)
	if err != nil {
		return nil, nil, err
	}
	pos, err := e.st.Position(state.PositionID(ref.Owner, ref.Pool, c.ID, ref.Side))
	if err != nil {
		return nil, nil, err
	}
	cc, err := e.st.Custody(pos.CollateralCustody)
	if err != nil {
		return nil, nil, err
	}
	pc, err := e.loadPricedCustodies(p, c, cc)
	if err != nil {
		return nil, nil, err
	}
	return pos, pc, nil
}

// positionQuantity is the size of pos in its custody's tokens.
func positionQuantity(pos *state.Position, c *state.Custody) (uint64, error) {
	return oracle.NewPrice(pos.Price, -math.PriceDecimals).GetTokenAmount(pos.SizeUSD, c.Decimals)
}

func (e *Engine) refreshCustodies(pc *positionCtx) error {
	if err := pc.custody.RefreshBorrowRate(); err != nil {
		return err
	}
	if pc.coll.ID != pc.custody.ID {
		if err := pc.coll.RefreshBorrowRate(); err != nil {
			return err
		}
	}
	return e.refreshAUM(pc.pool)
}

func (e *Engine) trackOpenPositions(c *state.Custody, side state.Side) {
	if e.metrics != nil {
		e.metrics.PositionsOpen.WithLabelValues(c.ID, side.String()).Set(float64(c.Stats(side).OpenPositions))
	}
}

// ============================================================================
// open_position
// ============================================================================

func (e *Engine) handleOpenPosition(cmd *event.OpenPosition) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	if cmd.Size == 0 || cmd.Collateral == 0 || cmd.PriceLimit == 0 {
		return nil, fmt.Errorf("%w: size, collateral and price limit are required", state.ErrInvalidArgument)
	}
	if cmd.Side != state.SideLong && cmd.Side != state.SideShort {
		return nil, fmt.Errorf("%w: side %s", state.ErrInvalidArgument, cmd.Side)
	}
	p, c, _, err := e.poolCustody(cmd.Pool, cmd.Mint)
	if err != nil {
		return nil, err
	}
	_, cc, _, err := e.poolCustody(cmd.Pool, cmd.CollateralMint)
	if err != nil {
		return nil, err
	}
	if !e.st.Perpetuals.Permissions.AllowOpenPosition || !c.Permissions.AllowOpenPosition || cc.IsVirtual {
		return nil, notAllowed("open position")
	}
	if cmd.Side == state.SideShort || c.IsVirtual {
		if cc.ID == c.ID || !cc.IsStable {
			return nil, fmt.Errorf("%w: %s positions need stable collateral", state.ErrInvalidCollateralCustody, cmd.Side)
		}
	} else if cc.ID != c.ID {
		return nil, fmt.Errorf("%w: longs are collateralized in the traded token", state.ErrInvalidCollateralCustody)
	}

	id := state.PositionID(cmd.Owner, cmd.Pool, c.ID, cmd.Side)
	if _, ok := e.st.Positions[id]; ok {
		return nil, fmt.Errorf("%w: position %s exists", state.ErrInvalidPositionState, id)
	}

	pc, err := e.loadPricedCustodies(p, c, cc)
	if err != nil {
		return nil, err
	}
	entryPrice, err := p.GetEntryPrice(pc.prices, cmd.Side, c)
	if err != nil {
		return nil, err
	}
	if (cmd.Side == state.SideLong && entryPrice > cmd.PriceLimit) || (cmd.Side == state.SideShort && entryPrice < cmd.PriceLimit) {
		return nil, fmt.Errorf("%w: entry %d, limit %d", state.ErrMaxPriceSlippage, entryPrice, cmd.PriceLimit)
	}

	sizeUSD, err := state.SizeUSDAt(entryPrice, cmd.Size, c)
	if err != nil {
		return nil, err
	}
	collateralUSD, err := state.PositionCollateralUSD(cmd.Collateral, cc, pc.colPrices)
	if err != nil {
		return nil, err
	}
	locked, err := p.GetLockedAmount(cmd.Size, sizeUSD, c, cc, pc.colPrices)
	if err != nil {
		return nil, err
	}
	fee, err := p.GetEntryFee(cmd.Size, sizeUSD, c, cc, pc.colPrices)
	if err != nil {
		return nil, err
	}
	borrowSizeUSD, err := pc.colPrices.Max().GetAssetAmountUSD(locked, cc.Decimals)
	if err != nil {
		return nil, err
	}
	cumRate := cc.BorrowRate.CumulativeRate

	pos := &state.Position{
		ID:                         id,
		Owner:                      cmd.Owner,
		Pool:                       cmd.Pool,
		Custody:                    c.ID,
		CollateralCustody:          cc.ID,
		OpenTime:                   e.now,
		UpdateTime:                 e.now,
		Side:                       cmd.Side,
		Price:                      entryPrice,
		SizeUSD:                    sizeUSD,
		BorrowSizeUSD:              borrowSizeUSD,
		CollateralUSD:              collateralUSD,
		CumulativeInterestSnapshot: cumRate,
		LockedAmount:               locked,
		CollateralAmount:           cmd.Collateral,
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	if err := p.CheckLeverage(pos, pc.prices, c, pc.colPrices, cc, e.now, true); err != nil {
		return nil, err
	}

	total, err := math.CheckedAdd(cmd.Collateral, fee)
	if err != nil {
		return nil, err
	}
	if err := e.journals.Transfer(wallet(cmd.Owner, cc.Mint), custodyVault(cc), total, ledger.JournalTypeCollateralIn); err != nil {
		return nil, err
	}
	if err := addTo(&cc.Assets.Collateral, cmd.Collateral); err != nil {
		return nil, err
	}
	if err := addTo(&cc.Assets.Owned, fee); err != nil {
		return nil, err
	}
	if err := cc.LockFunds(locked); err != nil {
		return nil, err
	}
	if err := c.AddPosition(pos, cmd.Size, cumRate); err != nil {
		return nil, err
	}
	e.st.Positions[id] = pos

	feeUSD, err := pc.colPrices.EMA.GetAssetAmountUSD(fee, cc.Decimals)
	if err != nil {
		return nil, err
	}
	if err := addTo(&cc.CollectedFees.OpenPositionUSD, feeUSD); err != nil {
		return nil, err
	}
	if err := addTo(&c.VolumeStats.OpenPositionUSD, sizeUSD); err != nil {
		return nil, err
	}
	if err := e.refreshCustodies(pc); err != nil {
		return nil, err
	}

	if _, err := e.distributeFees(p, cc, fee); err != nil {
		return nil, err
	}
	lm, err := e.mintLMReward(cmd.Owner, feeUSD)
	if err != nil {
		return nil, err
	}
	if err := addTo(&c.DistributedRewards.OpenPositionLM, lm); err != nil {
		return nil, err
	}
	e.recordFee(p.Name, "open_position", feeUSD)
	e.trackOpenPositions(c, cmd.Side)

	e.log.Debug().
		Str("position", id.String()).
		Str("owner", cmd.Owner).
		Str("side", cmd.Side.String()).
		Uint64("entry_price", entryPrice).
		Uint64("size_usd", sizeUSD).
		Uint64("locked", locked).
		Msg("position opened")
	return &event.PositionOpened{
		PositionID:    id,
		EntryPrice:    entryPrice,
		SizeUSD:       sizeUSD,
		CollateralUSD: collateralUSD,
		LockedAmount:  locked,
		Fee:           fee,
		LMReward:      lm,
	}, nil
}

// ============================================================================
// close_position / liquidate
// ============================================================================

// settle unwinds pos from the books: releases its lock and collateral,
// pays transfer to the owner and leaves the exit fee in owned.
func (e *Engine) settle(pos *state.Position, pc *positionCtx, transfer, profit, loss uint64) error {
	c, cc := pc.custody, pc.coll
	qty, err := positionQuantity(pos, c)
	if err != nil {
		return err
	}

	cc.UnlockFunds(pos.LockedAmount)
	if cc.Assets.Collateral, err = math.CheckedSub(cc.Assets.Collateral, pos.CollateralAmount); err != nil {
		return fmt.Errorf("%w: collateral of %s below position", state.ErrInvalidCustodyState, cc.ID)
	}
	if transfer > pos.CollateralAmount {
		if cc.Assets.Owned, err = math.CheckedSub(cc.Assets.Owned, transfer-pos.CollateralAmount); err != nil {
			return fmt.Errorf("%w: %s cannot pay profit", state.ErrCustodyAmountLimit, cc.ID)
		}
	} else if err := addTo(&cc.Assets.Owned, pos.CollateralAmount-transfer); err != nil {
		return err
	}
	if err := addTo(&c.TradeStats.ProfitUSD, profit); err != nil {
		return err
	}
	if err := addTo(&c.TradeStats.LossUSD, loss); err != nil {
		return err
	}
	if err := c.RemovePosition(pos, qty, cc.BorrowRate.CumulativeRate); err != nil {
		return err
	}
	if err := e.journals.Transfer(custodyVault(cc), wallet(pos.Owner, cc.Mint), transfer, ledger.JournalTypeCollateralOut); err != nil {
		return err
	}
	delete(e.st.Positions, pos.ID)
	return nil
}

func (e *Engine) handleClosePosition(cmd *event.ClosePosition) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	pos, pc, err := e.loadPosition(cmd.PositionRef)
	if err != nil {
		return nil, err
	}
	p, c, cc := pc.pool, pc.custody, pc.coll
	if !e.st.Perpetuals.Permissions.AllowClosePosition || !c.Permissions.AllowClosePosition {
		return nil, notAllowed("close position")
	}

	exitPrice, err := p.GetExitPrice(pc.prices, pos.Side, c)
	if err != nil {
		return nil, err
	}
	if (pos.Side == state.SideLong && exitPrice < cmd.PriceLimit) || (pos.Side == state.SideShort && exitPrice > cmd.PriceLimit) {
		return nil, fmt.Errorf("%w: exit %d, limit %d", state.ErrMaxPriceSlippage, exitPrice, cmd.PriceLimit)
	}

	transfer, fee, profit, loss, err := p.GetCloseAmount(pos, pc.prices, c, pc.colPrices, cc, e.now, false)
	if err != nil {
		return nil, err
	}
	if err := e.settle(pos, pc, transfer, profit, loss); err != nil {
		return nil, err
	}

	feeUSD, err := pc.colPrices.EMA.GetAssetAmountUSD(fee, cc.Decimals)
	if err != nil {
		return nil, err
	}
	if err := addTo(&cc.CollectedFees.ClosePositionUSD, feeUSD); err != nil {
		return nil, err
	}
	if err := addTo(&c.VolumeStats.ClosePositionUSD, pos.SizeUSD); err != nil {
		return nil, err
	}
	if err := e.refreshCustodies(pc); err != nil {
		return nil, err
	}

	if _, err := e.distributeFees(p, cc, fee); err != nil {
		return nil, err
	}
	lm, err := e.mintLMReward(pos.Owner, feeUSD)
	if err != nil {
		return nil, err
	}
	if err := addTo(&c.DistributedRewards.ClosePositionLM, lm); err != nil {
		return nil, err
	}
	e.recordFee(p.Name, "close_position", feeUSD)
	e.trackOpenPositions(c, pos.Side)

	e.log.Debug().
		Str("position", pos.ID.String()).
		Uint64("exit_price", exitPrice).
		Uint64("transfer", transfer).
		Uint64("profit_usd", profit).
		Uint64("loss_usd", loss).
		Msg("position closed")
	return &event.PositionClosed{
		PositionID:     pos.ID,
		TransferAmount: transfer,
		Fee:            fee,
		ProfitUSD:      profit,
		LossUSD:        loss,
		LMReward:       lm,
	}, nil
}

func (e *Engine) handleLiquidate(cmd *event.Liquidate) (any, error) {
	pos, pc, err := e.loadPosition(cmd.PositionRef)
	if err != nil {
		return nil, err
	}
	p, c, cc := pc.pool, pc.custody, pc.coll

	lev, err := p.GetLeverage(pos, pc.prices, c, pc.colPrices, cc, e.now)
	if err != nil {
		return nil, err
	}
	if lev <= c.Pricing.MaxLeverage {
		return nil, fmt.Errorf("%w: leverage %d within %d", state.ErrInvalidPositionState, lev, c.Pricing.MaxLeverage)
	}

	transfer, fee, profit, loss, err := p.GetCloseAmount(pos, pc.prices, c, pc.colPrices, cc, e.now, true)
	if err != nil {
		return nil, err
	}
	if err := e.settle(pos, pc, transfer, profit, loss); err != nil {
		return nil, err
	}

	reward, err := math.MulDiv(fee, LiquidatorShareBPS, math.BPSPower, math.RoundDown)
	if err != nil {
		return nil, err
	}
	if reward > 0 {
		if cc.Assets.Owned, err = math.CheckedSub(cc.Assets.Owned, reward); err != nil {
			return nil, fmt.Errorf("%w: %s cannot pay liquidator", state.ErrCustodyAmountLimit, cc.ID)
		}
		if err := e.journals.Transfer(custodyVault(cc), wallet(e.caller, cc.Mint), reward, ledger.JournalTypeCollateralOut); err != nil {
			return nil, err
		}
	}

	feeUSD, err := pc.colPrices.EMA.GetAssetAmountUSD(fee, cc.Decimals)
	if err != nil {
		return nil, err
	}
	if err := addTo(&cc.CollectedFees.LiquidationUSD, feeUSD); err != nil {
		return nil, err
	}
	if err := addTo(&c.VolumeStats.LiquidationUSD, pos.SizeUSD); err != nil {
		return nil, err
	}
	if err := e.refreshCustodies(pc); err != nil {
		return nil, err
	}

	if _, err := e.distributeFees(p, cc, fee-reward); err != nil {
		return nil, err
	}
	lm, err := e.mintLMReward(pos.Owner, feeUSD)
	if err != nil {
		return nil, err
	}
	if err := addTo(&c.DistributedRewards.LiquidationLM, lm); err != nil {
		return nil, err
	}
	e.recordFee(p.Name, "liquidate", feeUSD)
	e.trackOpenPositions(c, pos.Side)
	if e.metrics != nil {
		e.metrics.LiquidationsTotal.WithLabelValues(c.ID).Inc()
	}

	e.log.Info().
		Str("position", pos.ID.String()).
		Str("liquidator", e.caller).
		Uint64("leverage", lev).
		Uint64("transfer", transfer).
		Uint64("liquidator_reward", reward).
		Msg("position liquidated")
	return &event.PositionClosed{
		PositionID:       pos.ID,
		TransferAmount:   transfer,
		Fee:              fee,
		ProfitUSD:        profit,
		LossUSD:          loss,
		LiquidatorReward: reward,
		LMReward:         lm,
	}, nil
}

// ============================================================================
// remove_collateral
// ============================================================================

func (e *Engine) handleRemoveCollateral(cmd *event.RemoveCollateral) (any, error) {
	if err := e.requireOwner(cmd.Owner); err != nil {
		return nil, err
	}
	if cmd.CollateralUSD == 0 {
		return nil, fmt.Errorf("%w: zero collateral", state.ErrInvalidArgument)
	}
	pos, pc, err := e.loadPosition(cmd.PositionRef)
	if err != nil {
		return nil, err
	}
	p, c, cc := pc.pool, pc.custody, pc.coll
	if !e.st.Perpetuals.Permissions.AllowCollateralWithdrawal || !c.Permissions.AllowCollateralWithdrawal {
		return nil, notAllowed("collateral withdrawal")
	}
	if cmd.CollateralUSD >= pos.CollateralUSD {
		return nil, fmt.Errorf("%w: removing %d of %d collateral usd", state.ErrInvalidArgument, cmd.CollateralUSD, pos.CollateralUSD)
	}

	amount, err := pc.colPrices.Max().GetTokenAmount(cmd.CollateralUSD, cc.Decimals)
	if err != nil {
		return nil, err
	}
	if amount == 0 || amount >= pos.CollateralAmount {
		return nil, fmt.Errorf("%w: removing %d of %d collateral", state.ErrInvalidArgument, amount, pos.CollateralAmount)
	}

	before := pos.Clone()
	pos.CollateralUSD -= cmd.CollateralUSD
	pos.CollateralAmount -= amount
	pos.UpdateTime = e.now
	if err := p.CheckLeverage(pos, pc.prices, c, pc.colPrices, cc, e.now, false); err != nil {
		return nil, err
	}

	if cc.Assets.Collateral, err = math.CheckedSub(cc.Assets.Collateral, amount); err != nil {
		return nil, fmt.Errorf("%w: collateral of %s below position", state.ErrInvalidCustodyState, cc.ID)
	}
	if err := e.journals.Transfer(custodyVault(cc), wallet(pos.Owner, cc.Mint), amount, ledger.JournalTypeCollateralOut); err != nil {
		return nil, err
	}

	qty, err := positionQuantity(pos, c)
	if err != nil {
		return nil, err
	}
	cumRate := cc.BorrowRate.CumulativeRate
	if err := c.RemovePosition(before, qty, cumRate); err != nil {
		return nil, err
	}
	if err := c.AddPosition(pos, qty, cumRate); err != nil {
		return nil, err
	}
	if err := e.refreshCustodies(pc); err != nil {
		return nil, err
	}

	e.log.Debug().
		Str("position", pos.ID.String()).
		Uint64("amount", amount).
		Msg("collateral removed")
	return &event.CollateralRemoved{PositionID: pos.ID, Amount: amount}, nil
}
