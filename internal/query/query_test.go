package query_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"PerpPool/internal/core"
	"PerpPool/internal/event"
	"PerpPool/internal/math"
	"PerpPool/internal/query"
	"PerpPool/internal/state"
)

const t0 int64 = 1_700_000_000

type fixture struct {
	t   *testing.T
	e   *core.Engine
	svc *query.Service
	n   int
}

func newFixture(t *testing.T) *fixture {
	e := core.NewEngine(core.Options{})
	return &fixture{t: t, e: e, svc: query.NewService(e, nil)}
}

func (f *fixture) header(caller string) event.Header {
	f.n++
	return event.Header{Key: fmt.Sprintf("q-%d", f.n), Signer: caller, Time: t0 + int64(f.n)}
}

func (f *fixture) apply(cmd event.Command) *event.Outcome {
	f.t.Helper()
	out, err := f.e.Execute(cmd)
	require.NoError(f.t, err)
	require.True(f.t, out.Applied(), "%s: %s %s", cmd.OpType(), out.Code, out.Error)
	return out
}

// seed builds a single USDC pool with 1000 USDC of liquidity from bob.
func (f *fixture) seed() {
	f.apply(&event.Init{
		Header:                    f.header("admin"),
		Permissions:               state.AllPermissions(),
		MinSignatures:             1,
		Admin:                     "admin",
		Keeper:                    "keeper",
		RewardTokenMint:           "USDC",
		RewardTokenDecimals:       6,
		CoreContributorAllocation: 1_000_000_000,
		DAOTreasuryAllocation:     1_000_000_000,
		POLAllocation:             1_000_000_000,
		EcosystemAllocation:       10_000_000_000,
		GovernanceRealm:           "realm",
		GovernanceProgram:         "gov",
	})
	f.apply(&event.AddPool{Header: f.header("admin"), Name: "main"})
	f.apply(&event.AddCustody{
		Header:   f.header("admin"),
		Pool:     "main",
		Mint:     "USDC",
		Decimals: 6,
		CustodyConfig: event.CustodyConfig{
			IsStable:    true,
			Pricing:     state.PricingParams{MinInitialLeverage: 10_000, MaxLeverage: 1_000_000, MaxPayoffMult: 10_000},
			Permissions: state.AllPermissions(),
			Fees:        state.Fees{Mode: state.FeesModeFixed},
			BorrowRate:  math.BorrowRateCurve{OptimalUtilization: 800_000_000},
		},
	})
	f.apply(&event.Deposit{Header: f.header("admin"), Owner: "bob", Mint: "USDC", Amount: 5_000_000_000})
	f.apply(&event.AddLiquidity{Header: f.header("bob"), Owner: "bob", Pool: "main", Mint: "USDC", AmountIn: 1_000_000_000})
}

func openRequest() event.OpenPosition {
	return event.OpenPosition{
		Owner:          "bob",
		Pool:           "main",
		Mint:           "USDC",
		CollateralMint: "USDC",
		Side:           state.SideLong,
		Collateral:     100_000_000,
		Size:           500_000_000,
		PriceLimit:     1_000_000,
	}
}

var bobLong = event.PositionRef{Owner: "bob", Pool: "main", Mint: "USDC", Side: state.SideLong}

func TestGetPool_AUMAndLPPrice(t *testing.T) {
	f := newFixture(t)
	f.seed()

	pool, err := f.svc.GetPool("main", 0)
	require.NoError(t, err)
	require.Equal(t, "LP-main", pool.LPMint)
	require.Equal(t, []string{state.CustodyID("main", "USDC")}, pool.Custodies)
	require.Equal(t, int64(5), pool.AsOfSequence)
	require.True(t, pool.AUM.Min.Equal(pool.AUM.EMA))
	require.True(t, pool.AUM.Max.Equal(pool.AUM.EMA))
	require.True(t, pool.AUM.EMA.Equal(decimal.NewFromInt(1_000)), "aum %s", pool.AUM.EMA)
	require.Positive(t, pool.LPSupply)
	require.True(t, pool.LPPriceUSD.IsPositive())

	aum, err := f.svc.GetAUM("main", state.AUMModeMax, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000), aum)

	price, err := f.svc.GetLPTokenPrice("main", 0)
	require.NoError(t, err)
	require.True(t, pool.LPPriceUSD.Equal(decimal.New(int64(price), -6)))

	_, err = f.svc.GetPool("missing", 0)
	require.Error(t, err)
}

func TestGetCustody(t *testing.T) {
	f := newFixture(t)
	f.seed()

	c, err := f.svc.GetCustody("main", "USDC", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000), c.Custody.Assets.Owned)
	require.True(t, c.VaultBalance.Equal(decimal.NewFromInt(1_000)))
	require.True(t, c.SpotPrice.Equal(decimal.NewFromInt(1)))

	// the response is a copy
	c.Custody.Assets.Owned = 0
	again, err := f.svc.GetCustody("main", "USDC", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000), again.Custody.Assets.Owned)
}

func TestGetBalance_Display(t *testing.T) {
	f := newFixture(t)
	f.seed()

	b, err := f.svc.GetBalance("bob", "USDC")
	require.NoError(t, err)
	require.Equal(t, uint64(4_000_000_000), b.Amount)
	require.Equal(t, "4000", b.Display.String())

	none, err := f.svc.GetBalance("carol", "USDC")
	require.NoError(t, err)
	require.Zero(t, none.Amount)
}

func TestGetEntryPriceAndFee(t *testing.T) {
	f := newFixture(t)
	f.seed()

	q, err := f.svc.GetEntryPriceAndFee(openRequest(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), q.EntryPrice)
	require.Zero(t, q.Fee)
	require.True(t, q.SizeUSD.Equal(decimal.NewFromInt(500)))
	require.True(t, q.Leverage.Equal(decimal.NewFromInt(5)), "leverage %s", q.Leverage)
	// 1% max loss at 100x plus 95 USD of headroom over a 500 USD size
	require.Equal(t, uint64(810_000), q.LiquidationPrice)

	bad := openRequest()
	bad.Side = state.SideNone
	_, err = f.svc.GetEntryPriceAndFee(bad, 0)
	require.True(t, errors.Is(err, state.ErrInvalidArgument))
}

func TestPositionViews_MatchOpenPosition(t *testing.T) {
	f := newFixture(t)
	f.seed()

	quote, err := f.svc.GetEntryPriceAndFee(openRequest(), 0)
	require.NoError(t, err)

	req := openRequest()
	req.Header = f.header("bob")
	out := f.apply(&req)
	opened := out.Result.(*event.PositionOpened)
	require.Equal(t, quote.EntryPrice, opened.EntryPrice)
	require.Equal(t, quote.Fee, opened.Fee)

	positions, err := f.svc.GetPositions("bob", 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, opened.PositionID, positions[0].ID)
	require.Equal(t, "long", positions[0].Side)
	require.True(t, positions[0].Leverage.Equal(decimal.NewFromInt(5)))
	require.True(t, positions[0].LossUSD.IsZero())

	exit, err := f.svc.GetExitPriceAndFee(bobLong, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), exit.ExitPrice)
	require.Equal(t, uint64(100_000_000), exit.TransferAmount)

	liq, err := f.svc.GetLiquidationPrice(bobLong, 0)
	require.NoError(t, err)
	require.Equal(t, quote.LiquidationPrice, liq)

	short := bobLong
	short.Side = state.SideShort
	_, err = f.svc.GetExitPriceAndFee(short, 0)
	require.Error(t, err)
}

func TestStakingAndCortexViews(t *testing.T) {
	f := newFixture(t)
	f.seed()

	lp, err := f.svc.GetStaking(state.LPStakingID("main"))
	require.NoError(t, err)
	require.Equal(t, state.StakingTypeLP, lp.Staking.Type)
	require.Equal(t, "LP-main", lp.Staking.StakedTokenMint)

	_, err = f.svc.GetUserStaking("bob", state.LMStakingID)
	require.True(t, errors.Is(err, state.ErrCannotFoundStake))

	cx, err := f.svc.GetCortex(0)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000_000), cx.Cortex.Buckets[state.BucketEcosystem].Allocation)
	require.Positive(t, cx.EmissionRate)
}

func TestHistoryWithoutDatabase(t *testing.T) {
	svc := query.NewService(core.NewEngine(core.Options{}), nil)
	_, err := svc.GetPositionHistory(context.Background(), "bob", 10, nil)
	require.ErrorIs(t, err, query.ErrNoDatabase)
	_, err = svc.VerifyIntegrity(context.Background())
	require.ErrorIs(t, err, query.ErrNoDatabase)
}
