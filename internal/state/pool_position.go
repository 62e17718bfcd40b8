package state

import (
	stdmath "math"

	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
)

// collateralPrices substitutes the 1 USD reference for virtual collateral.
func collateralPrices(cc *Custody, prices TokenPrices) TokenPrices {
	if cc.IsVirtual {
		return USDPrices()
	}
	return prices
}

// GetLockedAmount is the collateral-custody amount reserved to back the
// maximum payoff of a position of the given size.
func (p *Pool) GetLockedAmount(size, sizeUSD uint64, c, cc *Custody, colPrices TokenPrices) (uint64, error) {
	if c.ID == cc.ID {
		return math.MulDiv(size, c.Pricing.MaxPayoffMult, math.BPSPower, math.RoundDown)
	}
	payoffUSD, err := math.MulDiv(sizeUSD, c.Pricing.MaxPayoffMult, math.BPSPower, math.RoundDown)
	if err != nil {
		return 0, err
	}
	return collateralPrices(cc, colPrices).Max().GetTokenAmount(payoffUSD, cc.Decimals)
}

// GetEntryFee is charged in collateral tokens on top of the collateral.
func (p *Pool) GetEntryFee(size, sizeUSD uint64, c, cc *Custody, colPrices TokenPrices) (uint64, error) {
	if c.ID == cc.ID {
		return GetFeeAmount(c.Fees.OpenPosition, size)
	}
	tokens, err := collateralPrices(cc, colPrices).EMA.GetTokenAmount(sizeUSD, cc.Decimals)
	if err != nil {
		return 0, err
	}
	return GetFeeAmount(c.Fees.OpenPosition, tokens)
}

// GetExitFee returns the close (or liquidation) fee in collateral tokens and
// its USD value at the collateral EMA.
func (p *Pool) GetExitFee(sizeUSD uint64, c, cc *Custody, colPrices TokenPrices, liquidation bool) (fee, feeUSD uint64, err error) {
	ema := collateralPrices(cc, colPrices).EMA
	tokens, err := ema.GetTokenAmount(sizeUSD, cc.Decimals)
	if err != nil {
		return 0, 0, err
	}
	rate := c.Fees.ClosePosition
	if liquidation {
		rate = c.Fees.Liquidation
	}
	if fee, err = GetFeeAmount(rate, tokens); err != nil {
		return 0, 0, err
	}
	feeUSD, err = ema.GetAssetAmountUSD(fee, cc.Decimals)
	return fee, feeUSD, err
}

// GetPnlUSD returns (profit_usd, loss_usd, exit_fee_amount) of closing pos
// at the current prices. Profit is capped by the locked amount.
func (p *Pool) GetPnlUSD(pos *Position, prices TokenPrices, c *Custody, colPrices TokenPrices, cc *Custody, now int64, liquidation bool) (profit, loss, fee uint64, err error) {
	if pos.SizeUSD == 0 || pos.Price == 0 {
		return 0, 0, 0, nil
	}

	exitPrice, err := p.GetExitPrice(prices, pos.Side, c)
	if err != nil {
		return 0, 0, 0, err
	}
	fee, feeUSD, err := p.GetExitFee(pos.SizeUSD, c, cc, colPrices, liquidation)
	if err != nil {
		return 0, 0, 0, err
	}
	interest, err := cc.GetInterestAmountUSD(pos, now)
	if err != nil {
		return 0, 0, 0, err
	}
	unrealizedLoss, err := math.CheckedAdd(feeUSD, interest)
	if err != nil {
		return 0, 0, 0, err
	}
	if unrealizedLoss, err = math.CheckedAdd(unrealizedLoss, pos.UnrealizedLossUSD); err != nil {
		return 0, 0, 0, err
	}

	var diffProfit, diffLoss uint64
	if pos.Side == SideLong {
		if exitPrice > pos.Price {
			diffProfit = exitPrice - pos.Price
		} else {
			diffLoss = pos.Price - exitPrice
		}
	} else if exitPrice < pos.Price {
		diffProfit = pos.Price - exitPrice
	} else {
		diffLoss = exitPrice - pos.Price
	}

	positionPrice, err := math.ScaleToExponent(pos.Price, -math.PriceDecimals, -math.USDDecimals)
	if err != nil {
		return 0, 0, 0, err
	}

	maxProfit := func() (uint64, error) {
		return collateralPrices(cc, colPrices).Min().GetAssetAmountUSD(pos.LockedAmount, cc.Decimals)
	}

	if diffProfit > 0 {
		potential, err := math.MulDiv(pos.SizeUSD, diffProfit, positionPrice, math.RoundDown)
		if err != nil {
			return 0, 0, 0, err
		}
		if potential, err = math.CheckedAdd(potential, pos.UnrealizedProfitUSD); err != nil {
			return 0, 0, 0, err
		}
		if potential < unrealizedLoss {
			return 0, unrealizedLoss - potential, fee, nil
		}
		var capUSD uint64
		if now > pos.OpenTime {
			if capUSD, err = maxProfit(); err != nil {
				return 0, 0, 0, err
			}
		}
		return math.MinU64(capUSD, potential-unrealizedLoss), 0, fee, nil
	}

	potentialLoss, err := math.MulDiv(pos.SizeUSD, diffLoss, positionPrice, math.RoundUp)
	if err != nil {
		return 0, 0, 0, err
	}
	if potentialLoss, err = math.CheckedAdd(potentialLoss, unrealizedLoss); err != nil {
		return 0, 0, 0, err
	}
	if potentialLoss >= pos.UnrealizedProfitUSD {
		return 0, potentialLoss - pos.UnrealizedProfitUSD, fee, nil
	}
	capUSD, err := maxProfit()
	if err != nil {
		return 0, 0, 0, err
	}
	return math.MinU64(capUSD, pos.UnrealizedProfitUSD-potentialLoss), 0, fee, nil
}

// GetCloseAmount returns (transfer_amount, fee_amount, profit_usd, loss_usd)
// for closing pos. The transfer is bounded by what the position reserved.
func (p *Pool) GetCloseAmount(pos *Position, prices TokenPrices, c *Custody, colPrices TokenPrices, cc *Custody, now int64, liquidation bool) (transfer, fee, profit, loss uint64, err error) {
	profit, loss, fee, err = p.GetPnlUSD(pos, prices, c, colPrices, cc, now, liquidation)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	var availableUSD uint64
	switch {
	case profit > 0:
		if availableUSD, err = math.CheckedAdd(pos.CollateralUSD, profit); err != nil {
			return 0, 0, 0, 0, err
		}
	case loss < pos.CollateralUSD:
		availableUSD = pos.CollateralUSD - loss
	}

	closeAmount, err := collateralPrices(cc, colPrices).Max().GetTokenAmount(availableUSD, cc.Decimals)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	maxAmount, err := math.CheckedAdd(math.SaturatingSub(pos.LockedAmount, fee), pos.CollateralAmount)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return math.MinU64(closeAmount, maxAmount), fee, profit, loss, nil
}

// GetLeverage returns size_usd * BPS / current margin, or MaxUint64 when the
// margin is exhausted.
func (p *Pool) GetLeverage(pos *Position, prices TokenPrices, c *Custody, colPrices TokenPrices, cc *Custody, now int64) (uint64, error) {
	profit, loss, _, err := p.GetPnlUSD(pos, prices, c, colPrices, cc, now, false)
	if err != nil {
		return 0, err
	}
	var margin uint64
	switch {
	case profit > 0:
		if margin, err = math.CheckedAdd(pos.CollateralUSD, profit); err != nil {
			return 0, err
		}
	case loss <= pos.CollateralUSD:
		margin = pos.CollateralUSD - loss
	}
	if margin == 0 {
		return stdmath.MaxUint64, nil
	}
	return math.MulDiv(pos.SizeUSD, math.BPSPower, margin, math.RoundDown)
}

// CheckLeverage requires leverage <= max_leverage and, on open, leverage
// >= min_initial_leverage.
func (p *Pool) CheckLeverage(pos *Position, prices TokenPrices, c *Custody, colPrices TokenPrices, cc *Custody, now int64, initial bool) error {
	lev, err := p.GetLeverage(pos, prices, c, colPrices, cc, now)
	if err != nil {
		return err
	}
	if lev > c.Pricing.MaxLeverage {
		return ErrMaxLeverage
	}
	if initial && lev < c.Pricing.MinInitialLeverage {
		return ErrMaxLeverage
	}
	return nil
}

// GetLiquidationPrice returns the oracle price at which pos becomes
// liquidatable, at PRICE_DECIMALS.
func (p *Pool) GetLiquidationPrice(pos *Position, c *Custody, colPrices TokenPrices, cc *Custody, now int64) (uint64, error) {
	if pos.SizeUSD == 0 || pos.Price == 0 {
		return 0, nil
	}

	_, feeUSD, err := p.GetExitFee(pos.SizeUSD, c, cc, colPrices, false)
	if err != nil {
		return 0, err
	}
	interest, err := cc.GetInterestAmountUSD(pos, now)
	if err != nil {
		return 0, err
	}
	unrealizedLoss, err := math.CheckedAdd(feeUSD, interest)
	if err != nil {
		return 0, err
	}
	if unrealizedLoss, err = math.CheckedAdd(unrealizedLoss, pos.UnrealizedLossUSD); err != nil {
		return 0, err
	}

	maxLoss, err := math.MulDiv(pos.SizeUSD, math.BPSPower, c.Pricing.MaxLeverage, math.RoundDown)
	if err != nil {
		return 0, err
	}
	if maxLoss, err = math.CheckedAdd(maxLoss, unrealizedLoss); err != nil {
		return 0, err
	}
	margin, err := math.CheckedAdd(pos.CollateralUSD, pos.UnrealizedProfitUSD)
	if err != nil {
		return 0, err
	}

	underwater := maxLoss >= margin
	var diffUSD uint64
	if underwater {
		diffUSD = maxLoss - margin
	} else {
		diffUSD = margin - maxLoss
	}

	positionPrice, err := math.ScaleToExponent(pos.Price, -math.PriceDecimals, -math.USDDecimals)
	if err != nil {
		return 0, err
	}
	priceDiff, err := math.MulDiv(diffUSD, positionPrice, pos.SizeUSD, math.RoundDown)
	if err != nil {
		return 0, err
	}
	if priceDiff, err = math.ScaleToExponent(priceDiff, -math.USDDecimals, -math.PriceDecimals); err != nil {
		return 0, err
	}

	var exitLevel uint64
	if (pos.Side == SideLong) == underwater {
		if exitLevel, err = math.CheckedAdd(pos.Price, priceDiff); err != nil {
			return 0, err
		}
	} else {
		exitLevel = math.SaturatingSub(pos.Price, priceDiff)
	}

	// the position exits at the opposite-side price; undo that spread to
	// get the oracle level
	if pos.Side == SideLong {
		return math.MulDiv(exitLevel, math.BPSPower, math.BPSPower-c.Pricing.TradeSpreadShort, math.RoundUp)
	}
	return math.MulDiv(exitLevel, math.BPSPower, math.BPSPower+c.Pricing.TradeSpreadLong, math.RoundDown)
}

// PositionCollateralUSD values collateral at the lower of spot and EMA.
func PositionCollateralUSD(amount uint64, cc *Custody, colPrices TokenPrices) (uint64, error) {
	return collateralPrices(cc, colPrices).Min().GetAssetAmountUSD(amount, cc.Decimals)
}

// SizeUSDAt values size tokens at an entry price.
func SizeUSDAt(entryPrice uint64, size uint64, c *Custody) (uint64, error) {
	return oracle.NewPrice(entryPrice, -math.PriceDecimals).GetAssetAmountUSD(size, c.Decimals)
}
