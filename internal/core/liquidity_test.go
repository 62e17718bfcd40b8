package core_test

import (
	"testing"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	"PerpPool/internal/ledger"
	"PerpPool/internal/state"
)

// ============================================================================
// Test: add_liquidity
// ============================================================================

func TestAddLiquidity_FirstDepositMintsOneLPPerUSD(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	out := h.mustApply(&event.AddLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 1_000_000_000})
	res := out.Result.(*event.LiquidityAdded)

	if res.Fee != 1_000_000 {
		t.Errorf("fee = %d, want 1_000_000", res.Fee)
	}
	if res.LPAmount != 999_000_000 {
		t.Errorf("lp = %d, want 999_000_000", res.LPAmount)
	}
	if res.LMReward != 1_000 {
		t.Errorf("lm reward = %d, want 1_000", res.LMReward)
	}
	if got := h.walletBalance(bob, state.LPMintFor(poolName)); got != 999_000_000 {
		t.Errorf("bob lp = %d", got)
	}
	if got := h.walletBalance(bob, state.LMMint); got != 1_000 {
		t.Errorf("bob lm = %d", got)
	}
}

func TestAddLiquidity_FeeIsRouted(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustApply(&event.AddLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 1_000_000_000})

	c := h.custody(usdcCustody)
	// fee 1_000_000: protocol 100_000 (10%), LM stakers 450_000 (50% of the rest), organic 450_000
	if c.Assets.ProtocolFees != 100_000 {
		t.Errorf("protocol fees = %d, want 100_000", c.Assets.ProtocolFees)
	}
	if c.Assets.Owned != 999_450_000 {
		t.Errorf("owned = %d, want 999_450_000", c.Assets.Owned)
	}
	if got := h.balance(core.RewardVault(h.staking(state.LMStakingID))); got != 450_000 {
		t.Errorf("lm staking reward vault = %d, want 450_000", got)
	}
	if got := h.balance(core.CustodyVault(&c)); got != 999_550_000 {
		t.Errorf("custody vault = %d, want 999_550_000", got)
	}
}

func TestAddLiquidity_MinLPOut_Rejected(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustReject(&event.AddLiquidity{
		Header:         h.header(bob),
		Owner:          bob,
		Pool:           poolName,
		Mint:           usdc,
		AmountIn:       1_000_000_000,
		MinLPAmountOut: 999_000_001,
	}, "MAX_PRICE_SLIPPAGE")
}

func TestAddLiquidity_OtherOwner_Rejected(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustReject(&event.AddLiquidity{Header: h.header(alice), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 1_000_000}, "INSTRUCTION_NOT_ALLOWED")
}

func TestAddLiquidity_SecondTokenPricedAgainstPool(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()

	h.view(func(v *core.View) {
		p := v.State.Pools[poolName]
		// about 990 USD of USDC plus about 10 ETH at 2000
		if p.AUMUSD < 20_000_000_000 || p.AUMUSD > 21_000_000_000 {
			t.Errorf("aum = %d", p.AUMUSD)
		}
	})
	lp := h.walletBalance(bob, state.LPMintFor(poolName))
	if lp <= 999_000_000 {
		t.Fatalf("bob lp = %d, expected ETH deposit to mint more", lp)
	}
	// the LM stakers share of the ETH fee is converted to the reward mint
	if got := h.balance(core.RewardVault(h.staking(state.LMStakingID))); got <= 450_000 {
		t.Errorf("lm reward vault = %d, expected converted ETH fee on top of 450_000", got)
	}
}

// ============================================================================
// Test: remove_liquidity
// ============================================================================

func TestRemoveLiquidity_HalfOfPool(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.mustApply(&event.AddLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 1_000_000_000})
	before := h.walletBalance(bob, usdc)

	out := h.mustApply(&event.RemoveLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, LPAmountIn: 499_500_000})
	res := out.Result.(*event.LiquidityRemoved)

	// 999_450_000 owned * 499.5 / 999 = 499_725_000, less a 10 bps fee
	if res.Fee != 499_725 {
		t.Errorf("fee = %d, want 499_725", res.Fee)
	}
	if res.Amount != 499_225_275 {
		t.Errorf("amount = %d, want 499_225_275", res.Amount)
	}
	if got := h.walletBalance(bob, usdc) - before; got != int64(res.Amount) {
		t.Errorf("bob received %d, want %d", got, res.Amount)
	}
	if got := h.walletBalance(bob, state.LPMintFor(poolName)); got != 499_500_000 {
		t.Errorf("bob lp = %d, want 499_500_000", got)
	}
}

func TestRemoveLiquidity_Validation(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.mustApply(&event.AddLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 1_000_000_000})

	h.mustReject(&event.RemoveLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, LPAmountIn: 0}, "INVALID_ARGUMENT")
	h.mustReject(&event.RemoveLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, LPAmountIn: 2_000_000_000}, "INVALID_ARGUMENT")
	h.mustReject(&event.RemoveLiquidity{
		Header:       h.header(bob),
		Owner:        bob,
		Pool:         poolName,
		Mint:         usdc,
		LPAmountIn:   1_000_000,
		MinAmountOut: 1_000_000_000,
	}, "INSUFFICIENT_AMOUNT_RETURNED")
	// alice holds no LP
	h.mustReject(&event.RemoveLiquidity{Header: h.header(alice), Owner: alice, Pool: poolName, Mint: usdc, LPAmountIn: 1_000}, "INSUFFICIENT_FUNDS")
}

// ============================================================================
// Test: swap
// ============================================================================

func TestSwap_ChargesFeesOnBothSides(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()

	usdcBefore := h.walletBalance(alice, usdc)
	ethBefore := h.walletBalance(alice, eth)

	out := h.mustApply(&event.Swap{Header: h.header(alice), Owner: alice, Pool: poolName, MintIn: usdc, MintOut: eth, AmountIn: 100_000_000})
	res := out.Result.(*event.Swapped)

	if res.FeeIn != 300_000 {
		t.Errorf("fee in = %d, want 300_000", res.FeeIn)
	}
	// 99.7 USD at 2000 is about 49_850 ETH units before the output fee
	if res.AmountOut+res.FeeOut < 49_800 || res.AmountOut+res.FeeOut > 49_850 {
		t.Errorf("gross out = %d", res.AmountOut+res.FeeOut)
	}
	if res.FeeOut == 0 {
		t.Error("expected an output fee")
	}
	if got := usdcBefore - h.walletBalance(alice, usdc); got != 100_000_000 {
		t.Errorf("alice paid %d usdc", got)
	}
	if got := h.walletBalance(alice, eth) - ethBefore; got != int64(res.AmountOut) {
		t.Errorf("alice received %d eth, result says %d", got, res.AmountOut)
	}
}

func TestSwap_Validation(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()

	h.mustReject(&event.Swap{Header: h.header(alice), Owner: alice, Pool: poolName, MintIn: usdc, MintOut: usdc, AmountIn: 1}, "INVALID_ARGUMENT")
	h.mustReject(&event.Swap{Header: h.header(alice), Owner: alice, Pool: poolName, MintIn: usdc, MintOut: eth, AmountIn: 0}, "INVALID_ARGUMENT")
	// more ETH out than the custody holds
	h.mustReject(&event.Swap{Header: h.header(alice), Owner: alice, Pool: poolName, MintIn: usdc, MintOut: eth, AmountIn: 50_000_000_000}, "CUSTODY_AMOUNT_LIMIT")
}

func TestSwap_StaleOracle_Rejected(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.seedLiquidity()

	h.advance(366 * 86_400)
	h.mustReject(&event.Swap{Header: h.header(alice), Owner: alice, Pool: poolName, MintIn: usdc, MintOut: eth, AmountIn: 1_000_000}, "STALE_ORACLE")

	h.setPrice(ethFeed, 2_000_000_000)
	h.mustApply(&event.Swap{Header: h.header(alice), Owner: alice, Pool: poolName, MintIn: usdc, MintOut: eth, AmountIn: 1_000_000})
}

func TestSetOraclePrice_OlderPublishTime_Rejected(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustReject(&event.SetOraclePrice{
		Header:      h.header(keeper),
		AccountRef:  ethFeed,
		Price:       1_900_000_000,
		Exponent:    -6,
		PublishTime: h.now - 1,
	}, "INVALID_ORACLE_PRICE")
	h.mustReject(&event.SetOraclePrice{Header: h.header(keeper), AccountRef: ethFeed, Exponent: -6}, "INVALID_ORACLE_PRICE")
}

// ============================================================================
// Test: add_genesis_liquidity
// ============================================================================

func TestAddGenesisLiquidity_LocksLP(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	out := h.mustApply(&event.AddGenesisLiquidity{Header: h.header(alice), Owner: alice, Pool: poolName, Mint: usdc, AmountIn: 400_000_000})
	res := out.Result.(*event.LiquidityAdded)
	if res.LPAmount != 400_000_000 || res.Fee != 0 {
		t.Fatalf("result = %+v", res)
	}

	if got := h.walletBalance(alice, state.LPMintFor(poolName)); got != 0 {
		t.Errorf("alice wallet lp = %d, want 0", got)
	}
	s := h.staking(lpStaking)
	if got := h.balance(core.StakingVault(s)); got != 400_000_000 {
		t.Errorf("lp staking vault = %d", got)
	}
	us := h.userStaking(alice, lpStaking)
	if us == nil || len(us.LockedStakes) != 1 {
		t.Fatalf("user staking = %+v", us)
	}
	ls := us.LockedStakes[0]
	if !ls.IsGenesis || ls.LockDuration != int64(core.GenesisLockDays)*86_400 {
		t.Errorf("locked stake = %+v", ls)
	}
	if c := h.custody(usdcCustody); c.GenesisDepositedUSD != 400_000_000 {
		t.Errorf("genesis deposited = %d", c.GenesisDepositedUSD)
	}
}

func TestAddGenesisLiquidity_LimitReached(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()

	h.mustApply(&event.AddGenesisLiquidity{Header: h.header(alice), Owner: alice, Pool: poolName, Mint: usdc, AmountIn: 400_000_000})
	h.mustReject(&event.AddGenesisLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 700_000_000}, "GENESIS_ALP_LIMIT_REACHED")
	h.mustApply(&event.AddGenesisLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 600_000_000})
}

// ============================================================================
// Test: withdraw_fees
// ============================================================================

func TestWithdrawFees_PaysProtocolFees(t *testing.T) {
	h := newTestEngine(t)
	h.bootstrap()
	h.mustApply(&event.AddLiquidity{Header: h.header(bob), Owner: bob, Pool: poolName, Mint: usdc, AmountIn: 1_000_000_000})

	h.mustReject(&event.WithdrawFees{Header: h.header(admin), Pool: poolName, Mint: usdc, Amount: 100_001, Receiver: "treasury"}, "CUSTODY_AMOUNT_LIMIT")
	h.mustReject(&event.WithdrawFees{Header: h.header(bob), Pool: poolName, Mint: usdc, Amount: 1, Receiver: bob}, "INSTRUCTION_NOT_ALLOWED")

	h.mustApply(&event.WithdrawFees{Header: h.header(admin), Pool: poolName, Mint: usdc, Amount: 100_000, Receiver: "treasury"})
	if got := h.walletBalance("treasury", usdc); got != 100_000 {
		t.Errorf("treasury = %d", got)
	}
	if c := h.custody(usdcCustody); c.Assets.ProtocolFees != 0 {
		t.Errorf("protocol fees left = %d", c.Assets.ProtocolFees)
	}
	if got := h.balance(ledger.NewUserAccountKey("treasury", usdc)); got != 100_000 {
		t.Errorf("treasury key balance = %d", got)
	}
}
