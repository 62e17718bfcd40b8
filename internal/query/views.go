package query

import (
	"fmt"
	stdmath "math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	"PerpPool/internal/math"
	"PerpPool/internal/state"
)

// ============================================================================
// Engine-backed views
//
// Views read the committed engine state under its read lock and never
// mutate it. now is the clock used for oracle staleness and interest; zero
// means the timestamp of the last applied command.
// ============================================================================

func clock(v *core.View, now int64) int64 {
	if now == 0 {
		return v.LastTimestamp
	}
	return now
}

// fixed renders a fixed-point amount with the given number of decimals.
func fixed(v uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals)
}

func usd(v uint64) decimal.Decimal { return fixed(v, math.USDDecimals) }

func leverage(bps uint64) decimal.Decimal {
	if bps == stdmath.MaxUint64 {
		return decimal.Zero
	}
	return fixed(bps, math.BPSDecimals)
}

// mintDecimals resolves the decimals of a mint the engine knows.
func mintDecimals(st *state.State, mint string) int32 {
	switch {
	case mint == state.LMMint:
		return math.LMDecimals
	case mint == state.GovernanceMint:
		return math.GovernanceDecimals
	case strings.HasPrefix(mint, "LP-"):
		return math.LPDecimals
	}
	for _, c := range st.Custodies {
		if c.Mint == mint {
			return int32(c.Decimals)
		}
	}
	return 0
}

// GetPool returns a pool with its AUM in every mode and its LP price.
func (s *Service) GetPool(name string, now int64) (*PoolResponse, error) {
	var resp *PoolResponse
	err := s.engine.View(func(v *core.View) error {
		p, err := v.State.Pool(name)
		if err != nil {
			return err
		}
		prices, err := core.PoolPrices(v.State, v.Book, p, clock(v, now))
		if err != nil {
			return err
		}
		var aum [3]uint64
		for i, mode := range []state.AUMMode{state.AUMModeMin, state.AUMModeMax, state.AUMModeEMA} {
			if aum[i], err = p.GetAUM(mode, v.State.Custodies, prices); err != nil {
				return err
			}
		}
		supply := v.Balances.Supply(p.LPMint)
		lpPrice, err := state.GetLPTokenPrice(aum[2], supply)
		if err != nil {
			return err
		}

		resp = &PoolResponse{
			Name:         p.Name,
			LPMint:       p.LPMint,
			LPSupply:     supply,
			AUMUSD:       p.AUMUSD,
			AUM:          AUMResponse{Min: usd(aum[0]), Max: usd(aum[1]), EMA: usd(aum[2])},
			LPPriceUSD:   usd(lpPrice),
			AsOfSequence: v.Sequence,
		}
		for _, t := range p.Tokens {
			resp.Custodies = append(resp.Custodies, t.Custody)
			resp.Ratios = append(resp.Ratios, t.TokenRatios)
		}
		return nil
	})
	return resp, err
}

// GetAUM returns the pool AUM in one pricing mode, in USD fixed-point.
func (s *Service) GetAUM(pool string, mode state.AUMMode, now int64) (uint64, error) {
	var aum uint64
	err := s.engine.View(func(v *core.View) error {
		p, err := v.State.Pool(pool)
		if err != nil {
			return err
		}
		prices, err := core.PoolPrices(v.State, v.Book, p, clock(v, now))
		if err != nil {
			return err
		}
		aum, err = p.GetAUM(mode, v.State.Custodies, prices)
		return err
	})
	return aum, err
}

// GetCustody returns a copy of a custody record.
func (s *Service) GetCustody(pool, mint string, now int64) (*CustodyResponse, error) {
	var resp *CustodyResponse
	err := s.engine.View(func(v *core.View) error {
		c, err := v.State.Custody(state.CustodyID(pool, mint))
		if err != nil {
			return err
		}
		tp, err := core.CustodyPrices(v.Book, c, clock(v, now))
		if err != nil {
			return err
		}
		spot, err := tp.Spot.ScaleToExponent(-math.PriceDecimals)
		if err != nil {
			return err
		}
		ema, err := tp.EMA.ScaleToExponent(-math.PriceDecimals)
		if err != nil {
			return err
		}
		resp = &CustodyResponse{
			Custody:      c.Clone(),
			VaultBalance: fixed(v.Balances.Available(core.CustodyVault(c)), int32(c.Decimals)),
			SpotPrice:    fixed(spot.Price, math.PriceDecimals),
			EMAPrice:     fixed(ema.Price, math.PriceDecimals),
			AsOfSequence: v.Sequence,
		}
		return nil
	})
	return resp, err
}

// GetEntryPriceAndFee quotes a position that open_position would create
// with the same arguments.
func (s *Service) GetEntryPriceAndFee(req event.OpenPosition, now int64) (*EntryQuote, error) {
	if req.Side != state.SideLong && req.Side != state.SideShort {
		return nil, fmt.Errorf("%w: side %s", state.ErrInvalidArgument, req.Side)
	}
	if req.Size == 0 || req.Collateral == 0 {
		return nil, fmt.Errorf("%w: size and collateral are required", state.ErrInvalidArgument)
	}

	var quote *EntryQuote
	err := s.engine.View(func(v *core.View) error {
		at := clock(v, now)
		p, err := v.State.Pool(req.Pool)
		if err != nil {
			return err
		}
		c, err := v.State.Custody(state.CustodyID(req.Pool, req.Mint))
		if err != nil {
			return err
		}
		cc, err := v.State.Custody(state.CustodyID(req.Pool, req.CollateralMint))
		if err != nil {
			return err
		}
		tp, err := core.CustodyPrices(v.Book, c, at)
		if err != nil {
			return err
		}
		colPrices, err := core.CustodyPrices(v.Book, cc, at)
		if err != nil {
			return err
		}

		entryPrice, err := p.GetEntryPrice(tp, req.Side, c)
		if err != nil {
			return err
		}
		sizeUSD, err := state.SizeUSDAt(entryPrice, req.Size, c)
		if err != nil {
			return err
		}
		collateralUSD, err := state.PositionCollateralUSD(req.Collateral, cc, colPrices)
		if err != nil {
			return err
		}
		fee, err := p.GetEntryFee(req.Size, sizeUSD, c, cc, colPrices)
		if err != nil {
			return err
		}
		locked, err := p.GetLockedAmount(req.Size, sizeUSD, c, cc, colPrices)
		if err != nil {
			return err
		}
		borrowSizeUSD, err := colPrices.Max().GetAssetAmountUSD(locked, cc.Decimals)
		if err != nil {
			return err
		}

		pos := &state.Position{
			Owner:                      req.Owner,
			Pool:                       req.Pool,
			Custody:                    c.ID,
			CollateralCustody:          cc.ID,
			OpenTime:                   at,
			UpdateTime:                 at,
			Side:                       req.Side,
			Price:                      entryPrice,
			SizeUSD:                    sizeUSD,
			BorrowSizeUSD:              borrowSizeUSD,
			CollateralUSD:              collateralUSD,
			CumulativeInterestSnapshot: cc.BorrowRate.CumulativeRate,
			LockedAmount:               locked,
			CollateralAmount:           req.Collateral,
		}
		liq, err := p.GetLiquidationPrice(pos, c, colPrices, cc, at)
		if err != nil {
			return err
		}
		lev, err := p.GetLeverage(pos, tp, c, colPrices, cc, at)
		if err != nil {
			return err
		}

		quote = &EntryQuote{
			EntryPrice:       entryPrice,
			LiquidationPrice: liq,
			Fee:              fee,
			SizeUSD:          usd(sizeUSD),
			Leverage:         leverage(lev),
			AsOfSequence:     v.Sequence,
		}
		return nil
	})
	return quote, err
}

// loadPosition resolves an open position and the prices it is marked at.
func loadPosition(v *core.View, ref event.PositionRef, now int64) (*state.Position, *state.Pool, *state.Custody, *state.Custody, state.TokenPrices, state.TokenPrices, error) {
	var none state.TokenPrices
	p, err := v.State.Pool(ref.Pool)
	if err != nil {
		return nil, nil, nil, nil, none, none, err
	}
	c, err := v.State.Custody(state.CustodyID(ref.Pool, ref.Mint))
	if err != nil {
		return nil, nil, nil, nil, none, none, err
	}
	pos, err := v.State.Position(state.PositionID(ref.Owner, ref.Pool, c.ID, ref.Side))
	if err != nil {
		return nil, nil, nil, nil, none, none, err
	}
	cc, err := v.State.Custody(pos.CollateralCustody)
	if err != nil {
		return nil, nil, nil, nil, none, none, err
	}
	tp, err := core.CustodyPrices(v.Book, c, now)
	if err != nil {
		return nil, nil, nil, nil, none, none, err
	}
	colPrices, err := core.CustodyPrices(v.Book, cc, now)
	if err != nil {
		return nil, nil, nil, nil, none, none, err
	}
	return pos, p, c, cc, tp, colPrices, nil
}

// GetExitPriceAndFee quotes closing a position now.
func (s *Service) GetExitPriceAndFee(ref event.PositionRef, now int64) (*ExitQuote, error) {
	var quote *ExitQuote
	err := s.engine.View(func(v *core.View) error {
		at := clock(v, now)
		pos, p, c, cc, tp, colPrices, err := loadPosition(v, ref, at)
		if err != nil {
			return err
		}
		exitPrice, err := p.GetExitPrice(tp, pos.Side, c)
		if err != nil {
			return err
		}
		transfer, fee, profit, loss, err := p.GetCloseAmount(pos, tp, c, colPrices, cc, at, false)
		if err != nil {
			return err
		}
		quote = &ExitQuote{
			ExitPrice:      exitPrice,
			Fee:            fee,
			TransferAmount: transfer,
			ProfitUSD:      usd(profit),
			LossUSD:        usd(loss),
			AsOfSequence:   v.Sequence,
		}
		return nil
	})
	return quote, err
}

// GetLiquidationPrice returns the oracle price at which a position becomes
// liquidatable, at PRICE_DECIMALS.
func (s *Service) GetLiquidationPrice(ref event.PositionRef, now int64) (uint64, error) {
	var price uint64
	err := s.engine.View(func(v *core.View) error {
		at := clock(v, now)
		pos, p, c, cc, _, colPrices, err := loadPosition(v, ref, at)
		if err != nil {
			return err
		}
		price, err = p.GetLiquidationPrice(pos, c, colPrices, cc, at)
		return err
	})
	return price, err
}

// GetLPTokenPrice returns the USD value of one LP token at EMA AUM.
func (s *Service) GetLPTokenPrice(pool string, now int64) (uint64, error) {
	var price uint64
	err := s.engine.View(func(v *core.View) error {
		p, err := v.State.Pool(pool)
		if err != nil {
			return err
		}
		prices, err := core.PoolPrices(v.State, v.Book, p, clock(v, now))
		if err != nil {
			return err
		}
		aum, err := p.GetAUM(state.AUMModeEMA, v.State.Custodies, prices)
		if err != nil {
			return err
		}
		price, err = state.GetLPTokenPrice(aum, v.Balances.Supply(p.LPMint))
		return err
	})
	return price, err
}

// GetPositions lists the open positions of an owner with live PnL.
func (s *Service) GetPositions(owner string, now int64) ([]PositionResponse, error) {
	var out []PositionResponse
	err := s.engine.View(func(v *core.View) error {
		at := clock(v, now)
		for _, pos := range v.State.PositionsOf(owner) {
			p, err := v.State.Pool(pos.Pool)
			if err != nil {
				return err
			}
			c, err := v.State.Custody(pos.Custody)
			if err != nil {
				return err
			}
			cc, err := v.State.Custody(pos.CollateralCustody)
			if err != nil {
				return err
			}
			tp, err := core.CustodyPrices(v.Book, c, at)
			if err != nil {
				return err
			}
			colPrices, err := core.CustodyPrices(v.Book, cc, at)
			if err != nil {
				return err
			}
			profit, loss, _, err := p.GetPnlUSD(pos, tp, c, colPrices, cc, at, false)
			if err != nil {
				return err
			}
			lev, err := p.GetLeverage(pos, tp, c, colPrices, cc, at)
			if err != nil {
				return err
			}
			liq, err := p.GetLiquidationPrice(pos, c, colPrices, cc, at)
			if err != nil {
				return err
			}
			out = append(out, PositionResponse{
				ID:               pos.ID,
				Owner:            pos.Owner,
				Pool:             pos.Pool,
				Custody:          pos.Custody,
				Side:             pos.Side.String(),
				EntryPrice:       fixed(pos.Price, math.PriceDecimals),
				SizeUSD:          usd(pos.SizeUSD),
				CollateralUSD:    usd(pos.CollateralUSD),
				ProfitUSD:        usd(profit),
				LossUSD:          usd(loss),
				Leverage:         leverage(lev),
				LiquidationPrice: fixed(liq, math.PriceDecimals),
				OpenTime:         pos.OpenTime,
				AsOfSequence:     v.Sequence,
			})
		}
		return nil
	})
	return out, err
}

// GetStaking returns a copy of a staking record and its vault balances.
func (s *Service) GetStaking(id string) (*StakingResponse, error) {
	var resp *StakingResponse
	err := s.engine.View(func(v *core.View) error {
		st, err := v.State.Staking(id)
		if err != nil {
			return err
		}
		resp = &StakingResponse{
			Staking:       st.Clone(),
			StakedAmount:  v.Balances.Available(core.StakingVault(st)),
			RewardVault:   v.Balances.Available(core.RewardVault(st)),
			LMRewardVault: v.Balances.Available(core.LMRewardVault(st)),
			AsOfSequence:  v.Sequence,
		}
		return nil
	})
	return resp, err
}

// GetUserStaking returns one owner's stakes in a staking.
func (s *Service) GetUserStaking(owner, stakingID string) (*UserStakingResponse, error) {
	var resp *UserStakingResponse
	err := s.engine.View(func(v *core.View) error {
		if _, err := v.State.Staking(stakingID); err != nil {
			return err
		}
		us := v.State.UserStaking(owner, stakingID)
		if us == nil {
			return fmt.Errorf("%w: no stakes for %s in %s", state.ErrCannotFoundStake, owner, stakingID)
		}
		var power uint64
		for i := range us.LockedStakes {
			vp, err := us.LockedStakes[i].VotingPower()
			if err != nil {
				return err
			}
			if power, err = math.CheckedAdd(power, vp); err != nil {
				return err
			}
		}
		resp = &UserStakingResponse{
			UserStaking:  us.Clone(),
			VotingPower:  power,
			AsOfSequence: v.Sequence,
		}
		return nil
	})
	return resp, err
}

// GetCortex returns the cortex and its current emission rate.
func (s *Service) GetCortex(now int64) (*CortexResponse, error) {
	var resp *CortexResponse
	err := s.engine.View(func(v *core.View) error {
		if !v.State.Initialized() {
			return fmt.Errorf("%w: not initialized", state.ErrInvalidArgument)
		}
		resp = &CortexResponse{
			Cortex:       v.State.Cortex.Clone(),
			EmissionRate: v.State.Cortex.EmissionRate(clock(v, now)),
			AsOfSequence: v.Sequence,
		}
		return nil
	})
	return resp, err
}

// GetBalance returns a wallet balance from the engine ledger.
func (s *Service) GetBalance(owner, mint string) (*BalanceResponse, error) {
	var resp *BalanceResponse
	err := s.engine.View(func(v *core.View) error {
		amount := v.Balances.Available(core.WalletAccount(owner, mint))
		resp = &BalanceResponse{
			Owner:        owner,
			Mint:         mint,
			Amount:       amount,
			Display:      fixed(amount, mintDecimals(v.State, mint)),
			AsOfSequence: v.Sequence,
		}
		return nil
	})
	return resp, err
}
