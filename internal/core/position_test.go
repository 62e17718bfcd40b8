package core_test

import (
	"testing"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	"PerpPool/internal/state"
)

func aliceLong() event.PositionRef {
	return event.PositionRef{Owner: alice, Pool: poolName, Mint: eth, Side: state.SideLong}
}

// openAliceLong opens 1 ETH long on 0.1 ETH collateral at 2000.
func (h *harness) openAliceLong() *event.PositionOpened {
	h.t.Helper()
	out := h.mustApply(&event.OpenPosition{
		Header:         h.header(alice),
		Owner:          alice,
		Pool:           poolName,
		Mint:           eth,
		CollateralMint: eth,
		Side:           state.SideLong,
		PriceLimit:     2_100_000_000,
		Collateral:     100_000,
		Size:           1_000_000,
	})
	return out.Result.(*event.PositionOpened)
}

func (h *harness) positionCount() int {
	var n int
	h.view(func(v *core.View) { n = len(v.State.Positions) })
	return n
}

// ============================================================================
// Test: open_position
// ============================================================================

func TestOpenPosition_Long(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	ethBefore := h.walletBalance(alice, eth)
	lockedBefore := h.custody(ethCustody).Assets.Locked

	res := h.openAliceLong()

	if res.EntryPrice != 2_000_000_000 {
		t.Errorf("entry = %d", res.EntryPrice)
	}
	if res.SizeUSD != 2_000_000_000 {
		t.Errorf("size usd = %d", res.SizeUSD)
	}
	if res.CollateralUSD != 200_000_000 {
		t.Errorf("collateral usd = %d", res.CollateralUSD)
	}
	if res.LockedAmount != 1_000_000 {
		t.Errorf("locked = %d", res.LockedAmount)
	}
	if res.Fee != 1_000 {
		t.Errorf("fee = %d", res.Fee)
	}
	if res.PositionID != state.PositionID(alice, poolName, ethCustody, state.SideLong) {
		t.Error("position id is not derived from owner, pool, custody and side")
	}
	if got := ethBefore - h.walletBalance(alice, eth); got != 101_000 {
		t.Errorf("alice paid %d, want collateral plus fee 101_000", got)
	}

	c := h.custody(ethCustody)
	if c.Assets.Locked-lockedBefore != 1_000_000 {
		t.Errorf("custody locked = %d", c.Assets.Locked)
	}
	if c.Assets.Collateral != 100_000 {
		t.Errorf("custody collateral = %d", c.Assets.Collateral)
	}
	if c.LongPositions.OpenPositions != 1 {
		t.Errorf("open longs = %d", c.LongPositions.OpenPositions)
	}
}

func TestOpenPosition_Validation(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()

	base := func() *event.OpenPosition {
		return &event.OpenPosition{
			Header:         h.header(alice),
			Owner:          alice,
			Pool:           poolName,
			Mint:           eth,
			CollateralMint: eth,
			Side:           state.SideLong,
			PriceLimit:     2_100_000_000,
			Collateral:     100_000,
			Size:           1_000_000,
		}
	}

	cmd := base()
	cmd.Side = state.SideShort
	cmd.PriceLimit = 1_900_000_000
	h.mustReject(cmd, "INVALID_COLLATERAL_CUSTODY")

	cmd = base()
	cmd.CollateralMint = usdc
	h.mustReject(cmd, "INVALID_COLLATERAL_CUSTODY")

	cmd = base()
	cmd.PriceLimit = 1_999_000_000
	h.mustReject(cmd, "MAX_PRICE_SLIPPAGE")

	// the exit fee alone consumes 0.001 ETH of collateral
	cmd = base()
	cmd.Collateral = 1_000
	h.mustReject(cmd, "MAX_LEVERAGE")

	// 0.05 ETH on 0.1 ETH is below the minimum initial leverage
	cmd = base()
	cmd.Size = 50_000
	h.mustReject(cmd, "MAX_LEVERAGE")

	cmd = base()
	cmd.Size = 0
	h.mustReject(cmd, "INVALID_ARGUMENT")

	h.openAliceLong()
	h.mustReject(base(), "INVALID_POSITION_STATE")
}

// ============================================================================
// Test: close_position
// ============================================================================

func TestClosePosition_AtEntryPaysBackCollateralLessFee(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	h.openAliceLong()
	ethBefore := h.walletBalance(alice, eth)

	out := h.mustApply(&event.ClosePosition{Header: h.header(alice), PositionRef: aliceLong(), PriceLimit: 1_900_000_000})
	res := out.Result.(*event.PositionClosed)

	if res.Fee != 1_000 {
		t.Errorf("fee = %d", res.Fee)
	}
	if res.LossUSD != 2_000_000 || res.ProfitUSD != 0 {
		t.Errorf("pnl = +%d/-%d", res.ProfitUSD, res.LossUSD)
	}
	if res.TransferAmount != 99_000 {
		t.Errorf("transfer = %d, want 99_000", res.TransferAmount)
	}
	if got := h.walletBalance(alice, eth) - ethBefore; got != 99_000 {
		t.Errorf("alice received %d", got)
	}
	if h.positionCount() != 0 {
		t.Error("position not removed")
	}
	c := h.custody(ethCustody)
	if c.Assets.Collateral != 0 || c.Assets.Locked != 0 {
		t.Errorf("custody assets after close = %+v", c.Assets)
	}
	if c.LongPositions.OpenPositions != 0 {
		t.Errorf("open longs = %d", c.LongPositions.OpenPositions)
	}
}

func TestClosePosition_OnlyOwner(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	h.openAliceLong()

	ref := aliceLong()
	h.mustReject(&event.ClosePosition{Header: h.header(bob), PositionRef: ref, PriceLimit: 1}, "INSTRUCTION_NOT_ALLOWED")
	h.mustReject(&event.ClosePosition{Header: h.header(alice), PositionRef: ref, PriceLimit: 2_100_000_000}, "MAX_PRICE_SLIPPAGE")
}

func TestClosePosition_ShortInProfit(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()

	h.mustApply(&event.OpenPosition{
		Header:         h.header(alice),
		Owner:          alice,
		Pool:           poolName,
		Mint:           eth,
		CollateralMint: usdc,
		Side:           state.SideShort,
		PriceLimit:     1_900_000_000,
		Collateral:     20_000_000,
		Size:           100_000,
	})
	h.advance(60)
	h.setPrice(ethFeed, 1_900_000_000)
	before := h.walletBalance(alice, usdc)

	out := h.mustApply(&event.ClosePosition{
		Header:      h.header(alice),
		PositionRef: event.PositionRef{Owner: alice, Pool: poolName, Mint: eth, Side: state.SideShort},
		PriceLimit:  1_950_000_000,
	})
	res := out.Result.(*event.PositionClosed)

	// 10 USD of price gain on 0.1 ETH less a 0.2 USD close fee
	if res.ProfitUSD != 9_800_000 {
		t.Errorf("profit = %d, want 9_800_000", res.ProfitUSD)
	}
	if res.TransferAmount != 29_800_000 {
		t.Errorf("transfer = %d, want 29_800_000", res.TransferAmount)
	}
	if got := h.walletBalance(alice, usdc) - before; got != 29_800_000 {
		t.Errorf("alice received %d", got)
	}
}

// ============================================================================
// Test: liquidate
// ============================================================================

func TestLiquidate_HealthyPosition_Rejected(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	h.openAliceLong()

	h.mustReject(&event.Liquidate{Header: h.header(keeper), PositionRef: aliceLong()}, "INVALID_POSITION_STATE")
}

func TestLiquidate_PaysLiquidator(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	h.openAliceLong()

	h.setPrice(ethFeed, 1_820_000_000)
	aliceBefore := h.walletBalance(alice, eth)

	out := h.mustApply(&event.Liquidate{Header: h.header(keeper), PositionRef: aliceLong()})
	res := out.Result.(*event.PositionClosed)

	if res.Fee != 5_495 {
		t.Errorf("fee = %d, want 5_495", res.Fee)
	}
	if res.TransferAmount != 5_494 {
		t.Errorf("transfer = %d, want 5_494", res.TransferAmount)
	}
	if res.LiquidatorReward != 2_747 {
		t.Errorf("liquidator reward = %d, want 2_747", res.LiquidatorReward)
	}
	if got := h.walletBalance(keeper, eth); got != 2_747 {
		t.Errorf("keeper eth = %d", got)
	}
	if got := h.walletBalance(alice, eth) - aliceBefore; got != 5_494 {
		t.Errorf("alice received %d", got)
	}
	if h.positionCount() != 0 {
		t.Error("position not removed")
	}
}

// ============================================================================
// Test: remove_collateral
// ============================================================================

func TestRemoveCollateral(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()
	h.openAliceLong()
	ref := aliceLong()

	h.mustReject(&event.RemoveCollateral{Header: h.header(alice), PositionRef: ref, CollateralUSD: 200_000_000}, "INVALID_ARGUMENT")
	h.mustReject(&event.RemoveCollateral{Header: h.header(alice), PositionRef: ref, CollateralUSD: 199_000_000}, "MAX_LEVERAGE")
	h.mustReject(&event.RemoveCollateral{Header: h.header(bob), PositionRef: ref, CollateralUSD: 1_000_000}, "INSTRUCTION_NOT_ALLOWED")

	before := h.walletBalance(alice, eth)
	out := h.mustApply(&event.RemoveCollateral{Header: h.header(alice), PositionRef: ref, CollateralUSD: 50_000_000})
	res := out.Result.(*event.CollateralRemoved)
	if res.Amount != 25_000 {
		t.Fatalf("amount = %d, want 25_000", res.Amount)
	}
	if got := h.walletBalance(alice, eth) - before; got != 25_000 {
		t.Errorf("alice received %d", got)
	}

	h.view(func(v *core.View) {
		pos := v.State.Positions[res.PositionID]
		if pos.CollateralUSD != 150_000_000 || pos.CollateralAmount != 75_000 {
			t.Errorf("position collateral = %d usd / %d", pos.CollateralUSD, pos.CollateralAmount)
		}
		c := v.State.Custodies[ethCustody]
		if c.Assets.Collateral != 75_000 {
			t.Errorf("custody collateral = %d", c.Assets.Collateral)
		}
		if c.LongPositions.CollateralUSD != 150_000_000 {
			t.Errorf("aggregate collateral usd = %d", c.LongPositions.CollateralUSD)
		}
	})
}
