// internal/state/custody.go
package state

import (
	"fmt"

	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
)

type FeesMode uint8

const (
	FeesModeFixed FeesMode = iota
	FeesModeLinear
)

func (m FeesMode) String() string {
	if m == FeesModeFixed {
		return "fixed"
	}
	return "linear"
}

func (m FeesMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *FeesMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "fixed":
		*m = FeesModeFixed
	case "linear", "":
		*m = FeesModeLinear
	default:
		return fmt.Errorf("%w: fees mode %q", ErrInvalidArgument, string(b))
	}
	return nil
}

// Fees are expressed in BPS.
type Fees struct {
	Mode            FeesMode `json:"mode" yaml:"mode"`
	MaxIncrease     uint64   `json:"max_increase" yaml:"max_increase"`
	MaxDecrease     uint64   `json:"max_decrease" yaml:"max_decrease"`
	Swap            uint64   `json:"swap" yaml:"swap"`
	AddLiquidity    uint64   `json:"add_liquidity" yaml:"add_liquidity"`
	RemoveLiquidity uint64   `json:"remove_liquidity" yaml:"remove_liquidity"`
	OpenPosition    uint64   `json:"open_position" yaml:"open_position"`
	ClosePosition   uint64   `json:"close_position" yaml:"close_position"`
	Liquidation     uint64   `json:"liquidation" yaml:"liquidation"`
	ProtocolShare   uint64   `json:"protocol_share" yaml:"protocol_share"`
}

func (f Fees) Validate() error {
	for name, v := range map[string]uint64{
		"max_decrease":     f.MaxDecrease,
		"swap":             f.Swap,
		"add_liquidity":    f.AddLiquidity,
		"remove_liquidity": f.RemoveLiquidity,
		"open_position":    f.OpenPosition,
		"close_position":   f.ClosePosition,
		"liquidation":      f.Liquidation,
		"protocol_share":   f.ProtocolShare,
	} {
		if v > math.BPSPower {
			return fmt.Errorf("%w: fee %s above 100%%", ErrInvalidCustodyState, name)
		}
	}
	return nil
}

// PricingParams are expressed in BPS; leverages as size/margin * BPS.
type PricingParams struct {
	UseEMA             bool   `json:"use_ema" yaml:"use_ema"`
	TradeSpreadLong    uint64 `json:"trade_spread_long" yaml:"trade_spread_long"`
	TradeSpreadShort   uint64 `json:"trade_spread_short" yaml:"trade_spread_short"`
	SwapSpread         uint64 `json:"swap_spread" yaml:"swap_spread"`
	MinInitialLeverage uint64 `json:"min_initial_leverage" yaml:"min_initial_leverage"`
	MaxLeverage        uint64 `json:"max_leverage" yaml:"max_leverage"`
	MaxPayoffMult      uint64 `json:"max_payoff_mult" yaml:"max_payoff_mult"`
}

func (p PricingParams) Validate() error {
	if p.MinInitialLeverage > p.MaxLeverage || p.MaxLeverage == 0 {
		return fmt.Errorf("%w: leverage bounds", ErrInvalidCustodyState)
	}
	if p.TradeSpreadLong >= math.BPSPower || p.TradeSpreadShort >= math.BPSPower || p.SwapSpread >= math.BPSPower {
		return fmt.Errorf("%w: spread at or above 100%%", ErrInvalidCustodyState)
	}
	if p.MaxPayoffMult == 0 {
		return fmt.Errorf("%w: zero max payoff multiplier", ErrInvalidCustodyState)
	}
	return nil
}

type Permissions struct {
	AllowSwap                 bool `json:"allow_swap" yaml:"allow_swap"`
	AllowAddLiquidity         bool `json:"allow_add_liquidity" yaml:"allow_add_liquidity"`
	AllowRemoveLiquidity      bool `json:"allow_remove_liquidity" yaml:"allow_remove_liquidity"`
	AllowOpenPosition         bool `json:"allow_open_position" yaml:"allow_open_position"`
	AllowClosePosition        bool `json:"allow_close_position" yaml:"allow_close_position"`
	AllowPnlWithdrawal        bool `json:"allow_pnl_withdrawal" yaml:"allow_pnl_withdrawal"`
	AllowCollateralWithdrawal bool `json:"allow_collateral_withdrawal" yaml:"allow_collateral_withdrawal"`
	AllowSizeChange           bool `json:"allow_size_change" yaml:"allow_size_change"`
}

// AllPermissions enables every instruction.
func AllPermissions() Permissions {
	return Permissions{true, true, true, true, true, true, true, true}
}

// Assets: the custody vault holds owned + collateral + protocol_fees.
type Assets struct {
	Owned        uint64 `json:"owned"`
	Locked       uint64 `json:"locked"`
	Collateral   uint64 `json:"collateral"`
	ProtocolFees uint64 `json:"protocol_fees"`
}

type BorrowRateState struct {
	math.BorrowRateCurve
	CurrentRate    uint64 `json:"current_rate"`
	CumulativeRate uint64 `json:"cumulative_rate"`
	LastUpdate     int64  `json:"last_update"`
}

type FeesStats struct {
	SwapUSD            uint64 `json:"swap_usd"`
	AddLiquidityUSD    uint64 `json:"add_liquidity_usd"`
	RemoveLiquidityUSD uint64 `json:"remove_liquidity_usd"`
	OpenPositionUSD    uint64 `json:"open_position_usd"`
	ClosePositionUSD   uint64 `json:"close_position_usd"`
	LiquidationUSD     uint64 `json:"liquidation_usd"`
}

type VolumeStats struct {
	SwapUSD            uint64 `json:"swap_usd"`
	AddLiquidityUSD    uint64 `json:"add_liquidity_usd"`
	RemoveLiquidityUSD uint64 `json:"remove_liquidity_usd"`
	OpenPositionUSD    uint64 `json:"open_position_usd"`
	ClosePositionUSD   uint64 `json:"close_position_usd"`
	LiquidationUSD     uint64 `json:"liquidation_usd"`
}

type TradeStats struct {
	ProfitUSD  uint64 `json:"profit_usd"`
	LossUSD    uint64 `json:"loss_usd"`
	OILongUSD  uint64 `json:"oi_long_usd"`
	OIShortUSD uint64 `json:"oi_short_usd"`
}

// RewardsStats counts LM tokens minted to users per action type.
type RewardsStats struct {
	SwapLM            uint64 `json:"swap_lm"`
	AddLiquidityLM    uint64 `json:"add_liquidity_lm"`
	RemoveLiquidityLM uint64 `json:"remove_liquidity_lm"`
	OpenPositionLM    uint64 `json:"open_position_lm"`
	ClosePositionLM   uint64 `json:"close_position_lm"`
	LiquidationLM     uint64 `json:"liquidation_lm"`
}

// PositionStats aggregates the open positions of one side.
type PositionStats struct {
	OpenPositions              uint64 `json:"open_positions"`
	CollateralUSD              uint64 `json:"collateral_usd"`
	SizeUSD                    uint64 `json:"size_usd"`
	BorrowSizeUSD              uint64 `json:"borrow_size_usd"`
	LockedAmount               uint64 `json:"locked_amount"`
	AveragePrice               uint64 `json:"average_price"`
	TotalQuantity              uint64 `json:"total_quantity"`
	CumulativeInterestUSD      uint64 `json:"cumulative_interest_usd"`
	CumulativeInterestSnapshot uint64 `json:"cumulative_interest_snapshot"`
}

// Custody is the per-asset ledger inside a pool.
type Custody struct {
	ID              string          `json:"id"`
	Pool            string          `json:"pool"`
	Mint            string          `json:"mint"`
	Decimals        uint8           `json:"decimals"`
	IsStable        bool            `json:"is_stable"`
	IsVirtual       bool            `json:"is_virtual"`
	Oracle          oracle.Params   `json:"oracle"`
	Pricing         PricingParams   `json:"pricing"`
	Permissions     Permissions     `json:"permissions"`
	Fees            Fees            `json:"fees"`
	BorrowRate      BorrowRateState `json:"borrow_rate"`
	GenesisLimitUSD uint64          `json:"genesis_limit_usd"`

	GenesisDepositedUSD uint64 `json:"genesis_deposited_usd"`

	Assets             Assets        `json:"assets"`
	CollectedFees      FeesStats     `json:"collected_fees"`
	VolumeStats        VolumeStats   `json:"volume_stats"`
	TradeStats         TradeStats    `json:"trade_stats"`
	DistributedRewards RewardsStats  `json:"distributed_rewards"`
	LongPositions      PositionStats `json:"long_positions"`
	ShortPositions     PositionStats `json:"short_positions"`
}

// CustodyID is the natural key of a custody.
func CustodyID(pool, mint string) string {
	return pool + "/" + mint
}

func (c *Custody) Validate() error {
	if c.Mint == "" || c.Pool == "" {
		return fmt.Errorf("%w: missing mint or pool", ErrInvalidCustodyState)
	}
	if err := c.Oracle.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCustodyState, err)
	}
	if err := c.Pricing.Validate(); err != nil {
		return err
	}
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	if err := c.BorrowRate.BorrowRateCurve.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCustodyState, err)
	}
	return nil
}

func (c *Custody) Clone() *Custody {
	cp := *c
	return &cp
}

// Balance is what the custody vault must hold.
func (c *Custody) Balance() (uint64, error) {
	b, err := math.CheckedAdd(c.Assets.Owned, c.Assets.Collateral)
	if err != nil {
		return 0, err
	}
	return math.CheckedAdd(b, c.Assets.ProtocolFees)
}

// Available is the part of owned not reserved for position payoffs.
func (c *Custody) Available() uint64 {
	return math.SaturatingSub(c.Assets.Owned, c.Assets.Locked)
}

// UpdateBorrowRate integrates the rate in effect since the last update
// into the cumulative accumulator, then re-evaluates the curve at the
// current utilization.
func (c *Custody) UpdateBorrowRate(now int64) error {
	br := &c.BorrowRate
	if br.LastUpdate > 0 && now > br.LastUpdate {
		accrued, err := math.Accrue(br.CurrentRate, now-br.LastUpdate)
		if err != nil {
			return err
		}
		if br.CumulativeRate, err = math.CheckedAdd(br.CumulativeRate, accrued); err != nil {
			return err
		}
	}
	if now > br.LastUpdate {
		br.LastUpdate = now
	}
	return c.RefreshBorrowRate()
}

// RefreshBorrowRate re-evaluates the curve without accruing; handlers call
// it after changing owned or locked.
func (c *Custody) RefreshBorrowRate() error {
	u, err := math.Utilization(c.Assets.Locked, c.Assets.Owned)
	if err != nil {
		return err
	}
	c.BorrowRate.CurrentRate, err = c.BorrowRate.Rate(u)
	return err
}

// GetCumulativeInterest projects the accumulator to now without persisting.
func (c *Custody) GetCumulativeInterest(now int64) (uint64, error) {
	br := c.BorrowRate
	if br.LastUpdate == 0 || now <= br.LastUpdate {
		return br.CumulativeRate, nil
	}
	accrued, err := math.Accrue(br.CurrentRate, now-br.LastUpdate)
	if err != nil {
		return 0, err
	}
	return math.CheckedAdd(br.CumulativeRate, accrued)
}

func interestUSD(borrowSizeUSD, snapshot, cumulative uint64) (uint64, error) {
	if borrowSizeUSD == 0 || cumulative <= snapshot {
		return 0, nil
	}
	return math.MulDiv(cumulative-snapshot, borrowSizeUSD, math.RatePower, math.RoundDown)
}

// GetInterestAmountUSD is the borrow interest a position owes this custody.
func (c *Custody) GetInterestAmountUSD(p *Position, now int64) (uint64, error) {
	cum, err := c.GetCumulativeInterest(now)
	if err != nil {
		return 0, err
	}
	return interestUSD(p.BorrowSizeUSD, p.CumulativeInterestSnapshot, cum)
}

func (c *Custody) LockFunds(amount uint64) error {
	locked, err := math.CheckedAdd(c.Assets.Locked, amount)
	if err != nil {
		return err
	}
	if c.Assets.Owned < locked {
		return fmt.Errorf("%w: owned %d below locked %d", ErrCustodyAmountLimit, c.Assets.Owned, locked)
	}
	c.Assets.Locked = locked
	return nil
}

// UnlockFunds saturates at zero.
func (c *Custody) UnlockFunds(amount uint64) {
	c.Assets.Locked = math.SaturatingSub(c.Assets.Locked, amount)
}

func (c *Custody) stats(side Side) (*PositionStats, error) {
	switch side {
	case SideLong:
		return &c.LongPositions, nil
	case SideShort:
		return &c.ShortPositions, nil
	}
	return nil, fmt.Errorf("%w: side %s", ErrInvalidPositionState, side)
}

func (s *PositionStats) accrueInterest(cumulativeRate uint64) error {
	interest, err := interestUSD(s.BorrowSizeUSD, s.CumulativeInterestSnapshot, cumulativeRate)
	if err != nil {
		return err
	}
	if s.CumulativeInterestUSD, err = math.CheckedAdd(s.CumulativeInterestUSD, interest); err != nil {
		return err
	}
	s.CumulativeInterestSnapshot = cumulativeRate
	return nil
}

// AddPosition folds an opened position into the side aggregate.
// quantity is the position size in this custody's tokens; cumulativeRate
// is the collateral custody accumulator at open time.
func (c *Custody) AddPosition(p *Position, quantity, cumulativeRate uint64) error {
	s, err := c.stats(p.Side)
	if err != nil {
		return err
	}
	if err := s.accrueInterest(cumulativeRate); err != nil {
		return err
	}

	newSize, err := math.CheckedAdd(s.SizeUSD, p.SizeUSD)
	if err != nil {
		return err
	}
	// size-weighted average entry price
	prev, err := math.MulDiv(s.AveragePrice, s.SizeUSD, newSize, math.RoundDown)
	if err != nil {
		return err
	}
	add, err := math.MulDiv(p.Price, p.SizeUSD, newSize, math.RoundDown)
	if err != nil {
		return err
	}
	if s.AveragePrice, err = math.CheckedAdd(prev, add); err != nil {
		return err
	}

	s.OpenPositions++
	s.SizeUSD = newSize
	if s.CollateralUSD, err = math.CheckedAdd(s.CollateralUSD, p.CollateralUSD); err != nil {
		return err
	}
	if s.BorrowSizeUSD, err = math.CheckedAdd(s.BorrowSizeUSD, p.BorrowSizeUSD); err != nil {
		return err
	}
	if s.LockedAmount, err = math.CheckedAdd(s.LockedAmount, p.LockedAmount); err != nil {
		return err
	}
	if s.TotalQuantity, err = math.CheckedAdd(s.TotalQuantity, quantity); err != nil {
		return err
	}

	if p.Side == SideLong {
		c.TradeStats.OILongUSD, err = math.CheckedAdd(c.TradeStats.OILongUSD, p.SizeUSD)
	} else {
		c.TradeStats.OIShortUSD, err = math.CheckedAdd(c.TradeStats.OIShortUSD, p.SizeUSD)
	}
	return err
}

// RemovePosition reverses AddPosition. Aggregates saturate at zero.
func (c *Custody) RemovePosition(p *Position, quantity, cumulativeRate uint64) error {
	s, err := c.stats(p.Side)
	if err != nil {
		return err
	}
	if err := s.accrueInterest(cumulativeRate); err != nil {
		return err
	}

	newSize := math.SaturatingSub(s.SizeUSD, p.SizeUSD)
	if newSize == 0 {
		s.AveragePrice = 0
	} else {
		whole, err := math.MulDiv(s.AveragePrice, s.SizeUSD, newSize, math.RoundDown)
		if err != nil {
			return err
		}
		part, err := math.MulDiv(p.Price, p.SizeUSD, newSize, math.RoundDown)
		if err != nil {
			return err
		}
		s.AveragePrice = math.SaturatingSub(whole, part)
	}

	s.OpenPositions = math.SaturatingSub(s.OpenPositions, 1)
	s.SizeUSD = newSize
	s.CollateralUSD = math.SaturatingSub(s.CollateralUSD, p.CollateralUSD)
	s.BorrowSizeUSD = math.SaturatingSub(s.BorrowSizeUSD, p.BorrowSizeUSD)
	s.LockedAmount = math.SaturatingSub(s.LockedAmount, p.LockedAmount)
	s.TotalQuantity = math.SaturatingSub(s.TotalQuantity, quantity)

	if p.Side == SideLong {
		c.TradeStats.OILongUSD = math.SaturatingSub(c.TradeStats.OILongUSD, p.SizeUSD)
	} else {
		c.TradeStats.OIShortUSD = math.SaturatingSub(c.TradeStats.OIShortUSD, p.SizeUSD)
	}
	return nil
}

// Stats returns the aggregate of one side.
func (c *Custody) Stats(side Side) PositionStats {
	s, err := c.stats(side)
	if err != nil {
		return PositionStats{}
	}
	return *s
}
