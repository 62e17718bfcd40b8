// internal/state/pool.go
package state

import (
	"fmt"

	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
)

// AUMMode selects which oracle price values the pool's holdings.
type AUMMode uint8

const (
	AUMModeEMA AUMMode = iota
	AUMModeMax
	AUMModeMin
	AUMModeLast
)

func (m AUMMode) String() string {
	switch m {
	case AUMModeEMA:
		return "ema"
	case AUMModeMax:
		return "max"
	case AUMModeMin:
		return "min"
	case AUMModeLast:
		return "last"
	default:
		return "unknown"
	}
}

func ParseAUMMode(s string) (AUMMode, error) {
	switch s {
	case "ema", "":
		return AUMModeEMA, nil
	case "max":
		return AUMModeMax, nil
	case "min":
		return AUMModeMin, nil
	case "last":
		return AUMModeLast, nil
	}
	return AUMModeEMA, fmt.Errorf("%w: aum mode %q", ErrInvalidArgument, s)
}

// TokenPrices is the spot/EMA pair read for one custody.
type TokenPrices struct {
	Spot oracle.OraclePrice
	EMA  oracle.OraclePrice
}

func (tp TokenPrices) Min() oracle.OraclePrice { return oracle.MinPrice(tp.Spot, tp.EMA) }
func (tp TokenPrices) Max() oracle.OraclePrice { return oracle.MaxPrice(tp.Spot, tp.EMA) }

func (tp TokenPrices) ForMode(mode AUMMode) oracle.OraclePrice {
	switch mode {
	case AUMModeMax:
		return tp.Max()
	case AUMModeMin:
		return tp.Min()
	case AUMModeLast:
		return tp.Spot
	default:
		return tp.EMA
	}
}

// USDPrices is the 1 USD reference pair.
func USDPrices() TokenPrices {
	return TokenPrices{Spot: oracle.USDReference(), EMA: oracle.USDReference()}
}

// TokenRatios are BPS weights of one custody in the pool.
type TokenRatios struct {
	Target uint64 `json:"target" yaml:"target"`
	Min    uint64 `json:"min" yaml:"min"`
	Max    uint64 `json:"max" yaml:"max"`
}

func (r TokenRatios) Validate() error {
	if r.Target > math.BPSPower || r.Min > math.BPSPower || r.Max > math.BPSPower || r.Min > r.Target || r.Target > r.Max {
		return fmt.Errorf("%w: ratios %d/%d/%d", ErrInvalidPoolState, r.Min, r.Target, r.Max)
	}
	return nil
}

type PoolToken struct {
	Custody string `json:"custody"`
	TokenRatios
}

// Pool is a set of custodies sharing one LP token.
type Pool struct {
	Name          string      `json:"name"`
	Tokens        []PoolToken `json:"tokens"`
	AUMUSD        uint64      `json:"aum_usd"`
	LPMint        string      `json:"lp_mint"`
	InceptionTime int64       `json:"inception_time"`
}

// LPMintFor names the LP token of a pool.
func LPMintFor(pool string) string {
	return "LP-" + pool
}

func (p *Pool) Validate() error {
	if p.Name == "" || len(p.Name) > 64 {
		return fmt.Errorf("%w: pool name", ErrInvalidPoolState)
	}
	seen := make(map[string]bool, len(p.Tokens))
	var sum uint64
	for _, t := range p.Tokens {
		if seen[t.Custody] {
			return fmt.Errorf("%w: duplicate custody %s", ErrInvalidPoolState, t.Custody)
		}
		seen[t.Custody] = true
		if err := t.TokenRatios.Validate(); err != nil {
			return err
		}
		sum += t.Target
	}
	if len(p.Tokens) > 0 && sum != math.BPSPower {
		return fmt.Errorf("%w: target ratios sum to %d", ErrInvalidPoolState, sum)
	}
	return nil
}

func (p *Pool) Clone() *Pool {
	c := *p
	c.Tokens = append([]PoolToken(nil), p.Tokens...)
	return &c
}

func (p *Pool) TokenIndex(custody string) (int, error) {
	for i, t := range p.Tokens {
		if t.Custody == custody {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s not in pool %s", ErrUnsupportedToken, custody, p.Name)
}

// EqualRatios spreads BPS_POWER evenly over n tokens with open bounds; the
// remainder goes to the last token.
func EqualRatios(n int) []TokenRatios {
	if n == 0 {
		return nil
	}
	out := make([]TokenRatios, n)
	share := math.BPSPower / uint64(n)
	for i := range out {
		out[i] = TokenRatios{Target: share, Min: 0, Max: math.BPSPower}
	}
	out[n-1].Target += math.BPSPower - share*uint64(n)
	return out
}

// SetRatios replaces every token's ratios.
func (p *Pool) SetRatios(ratios []TokenRatios) error {
	if len(ratios) != len(p.Tokens) {
		return fmt.Errorf("%w: %d ratios for %d tokens", ErrInvalidArgument, len(ratios), len(p.Tokens))
	}
	for i := range p.Tokens {
		p.Tokens[i].TokenRatios = ratios[i]
	}
	return p.Validate()
}

// ============================================================================
// Pricing
// ============================================================================

func (p *Pool) getPrice(prices TokenPrices, side Side, spread uint64) (oracle.OraclePrice, error) {
	if side == SideLong {
		maxPrice := prices.Max()
		add, err := math.DecimalCeilMul(maxPrice.Price, maxPrice.Exponent, spread, -math.BPSDecimals, maxPrice.Exponent)
		if err != nil {
			return oracle.OraclePrice{}, err
		}
		price, err := math.CheckedAdd(maxPrice.Price, add)
		if err != nil {
			return oracle.OraclePrice{}, err
		}
		return oracle.NewPrice(price, maxPrice.Exponent), nil
	}

	minPrice := prices.Min()
	sub, err := math.DecimalMul(minPrice.Price, minPrice.Exponent, spread, -math.BPSDecimals, minPrice.Exponent)
	if err != nil {
		return oracle.OraclePrice{}, err
	}
	return oracle.NewPrice(math.SaturatingSub(minPrice.Price, sub), minPrice.Exponent), nil
}

// GetEntryPrice returns the PRICE_DECIMALS price a position opens at.
func (p *Pool) GetEntryPrice(prices TokenPrices, side Side, c *Custody) (uint64, error) {
	spread := c.Pricing.TradeSpreadShort
	if side == SideLong {
		spread = c.Pricing.TradeSpreadLong
	}
	price, err := p.getPrice(prices, side, spread)
	if err != nil {
		return 0, err
	}
	if price.Price == 0 {
		return 0, fmt.Errorf("%w: entry price is zero", ErrMaxPriceSlippage)
	}
	scaled, err := price.ScaleToExponent(-math.PriceDecimals)
	if err != nil {
		return 0, err
	}
	return scaled.Price, nil
}

// GetExitPrice prices the opposite side of the position.
func (p *Pool) GetExitPrice(prices TokenPrices, side Side, c *Custody) (uint64, error) {
	spread := c.Pricing.TradeSpreadLong
	if side == SideLong {
		spread = c.Pricing.TradeSpreadShort
	}
	price, err := p.getPrice(prices, side.Opposite(), spread)
	if err != nil {
		return 0, err
	}
	scaled, err := price.ScaleToExponent(-math.PriceDecimals)
	if err != nil {
		return 0, err
	}
	return scaled.Price, nil
}

// GetSwapPrice is min(in)/max(out) less the input custody's swap spread.
func (p *Pool) GetSwapPrice(in, out TokenPrices, custodyIn *Custody) (oracle.OraclePrice, error) {
	pair, err := in.Min().CheckedDiv(out.Max())
	if err != nil {
		return oracle.OraclePrice{}, err
	}
	return p.getPrice(TokenPrices{Spot: pair, EMA: pair}, SideShort, custodyIn.Pricing.SwapSpread)
}

func (p *Pool) GetSwapAmount(in, out TokenPrices, custodyIn, custodyOut *Custody, amountIn uint64) (uint64, error) {
	price, err := p.GetSwapPrice(in, out, custodyIn)
	if err != nil {
		return 0, err
	}
	return math.DecimalMul(amountIn, -int32(custodyIn.Decimals), price.Price, price.Exponent, -int32(custodyOut.Decimals))
}

// ============================================================================
// Ratios and fees
// ============================================================================

// GetFeeAmount applies a BPS fee with ceiling rounding.
func GetFeeAmount(fee, amount uint64) (uint64, error) {
	if fee == 0 || amount == 0 {
		return 0, nil
	}
	return math.MulDiv(amount, fee, math.BPSPower, math.RoundUp)
}

func (p *Pool) ratioOf(tokenUSD, poolUSD uint64) (uint64, error) {
	if tokenUSD == 0 || poolUSD == 0 {
		return 0, nil
	}
	r, err := math.MulDiv(tokenUSD, math.BPSPower, poolUSD, math.RoundDown)
	if err != nil {
		return 0, err
	}
	return math.MinU64(r, math.BPSPower), nil
}

// GetCurrentRatio is the custody's share of the cached AUM.
func (p *Pool) GetCurrentRatio(c *Custody, price oracle.OraclePrice) (uint64, error) {
	if p.AUMUSD == 0 || c.IsVirtual {
		return 0, nil
	}
	usd, err := price.GetAssetAmountUSD(c.Assets.Owned, c.Decimals)
	if err != nil {
		return 0, err
	}
	return p.ratioOf(usd, p.AUMUSD)
}

// GetNewRatio is the custody's share after adding or removing amount.
// Adding and removing at once is rejected.
func (p *Pool) GetNewRatio(amountAdd, amountRemove uint64, c *Custody, price oracle.OraclePrice) (uint64, error) {
	if c.IsVirtual {
		return 0, nil
	}
	if amountAdd > 0 && amountRemove > 0 {
		return 0, fmt.Errorf("%w: add and remove in one ratio query", ErrInvalidArgument)
	}

	switch {
	case amountAdd == 0 && amountRemove == 0:
		usd, err := price.GetAssetAmountUSD(c.Assets.Owned, c.Decimals)
		if err != nil {
			return 0, err
		}
		return p.ratioOf(usd, p.AUMUSD)

	case amountAdd > 0:
		owned, err := math.CheckedAdd(c.Assets.Owned, amountAdd)
		if err != nil {
			return 0, err
		}
		tokenUSD, err := price.GetAssetAmountUSD(owned, c.Decimals)
		if err != nil {
			return 0, err
		}
		addedUSD, err := price.GetAssetAmountUSD(amountAdd, c.Decimals)
		if err != nil {
			return 0, err
		}
		poolUSD, err := math.CheckedAdd(p.AUMUSD, addedUSD)
		if err != nil {
			return 0, err
		}
		return p.ratioOf(tokenUSD, poolUSD)

	default:
		removedUSD, err := price.GetAssetAmountUSD(amountRemove, c.Decimals)
		if err != nil {
			return 0, err
		}
		if removedUSD >= p.AUMUSD || amountRemove >= c.Assets.Owned {
			return 0, nil
		}
		tokenUSD, err := price.GetAssetAmountUSD(c.Assets.Owned-amountRemove, c.Decimals)
		if err != nil {
			return 0, err
		}
		return p.ratioOf(tokenUSD, p.AUMUSD-removedUSD)
	}
}

// CheckTokenRatio requires the post-op ratio to stay within [min, max],
// bounds included. A custody already outside its range may still move
// towards it. Virtual custodies carry no ratio.
func (p *Pool) CheckTokenRatio(idx int, amountAdd, amountRemove uint64, c *Custody, price oracle.OraclePrice) error {
	if c.IsVirtual {
		return nil
	}
	newRatio, err := p.GetNewRatio(amountAdd, amountRemove, c, price)
	if err != nil {
		return err
	}
	r := p.Tokens[idx]
	if newRatio >= r.Min && newRatio <= r.Max {
		return nil
	}
	current, err := p.GetCurrentRatio(c, price)
	if err != nil {
		return err
	}
	if (newRatio < r.Min && newRatio >= current) || (newRatio > r.Max && newRatio <= current) {
		return nil
	}
	return fmt.Errorf("%w: %s at %d outside [%d, %d]", ErrTokenRatioOutOfRange, c.ID, newRatio, r.Min, r.Max)
}

// GetFee prices a pool action against the custody's fee curve and applies
// it to the larger of the two amounts.
func (p *Pool) GetFee(idx int, baseFee, amountAdd, amountRemove uint64, c *Custody, price oracle.OraclePrice) (uint64, error) {
	if c.IsVirtual {
		return 0, fmt.Errorf("%w: fees on virtual custody %s", ErrInstructionNotAllowed, c.ID)
	}
	amount := math.MaxU64(amountAdd, amountRemove)
	if c.Fees.Mode == FeesModeFixed {
		return GetFeeAmount(baseFee, amount)
	}

	newRatio, err := p.GetNewRatio(amountAdd, amountRemove, c, price)
	if err != nil {
		return 0, err
	}
	fee, err := linearFee(baseFee, newRatio, p.Tokens[idx].TokenRatios, c.Fees)
	if err != nil {
		return 0, err
	}
	return GetFeeAmount(fee, amount)
}

func linearFee(base, newRatio uint64, r TokenRatios, fees Fees) (uint64, error) {
	switch {
	case newRatio == r.Target:
		return base, nil

	case newRatio > r.Target:
		if r.Max == r.Target {
			return base, nil
		}
		maxChange, err := math.MulDiv(base, fees.MaxIncrease, math.BPSPower, math.RoundDown)
		if err != nil {
			return 0, err
		}
		delta := math.MinU64(newRatio-r.Target, r.Max-r.Target)
		inc, err := math.MulDiv(maxChange, delta, r.Max-r.Target, math.RoundDown)
		if err != nil {
			return 0, err
		}
		return math.CheckedAdd(base, inc)

	default:
		if r.Target == r.Min {
			return base, nil
		}
		maxChange, err := math.MulDiv(base, fees.MaxDecrease, math.BPSPower, math.RoundDown)
		if err != nil {
			return 0, err
		}
		delta := r.Target - math.MaxU64(r.Min, newRatio)
		dec, err := math.MulDiv(maxChange, delta, r.Target-r.Min, math.RoundDown)
		if err != nil {
			return 0, err
		}
		return math.SaturatingSub(base, dec), nil
	}
}

func (p *Pool) GetAddLiquidityFee(idx int, amount uint64, c *Custody, price oracle.OraclePrice) (uint64, error) {
	return p.GetFee(idx, c.Fees.AddLiquidity, amount, 0, c, price)
}

func (p *Pool) GetRemoveLiquidityFee(idx int, amount uint64, c *Custody, price oracle.OraclePrice) (uint64, error) {
	return p.GetFee(idx, c.Fees.RemoveLiquidity, 0, amount, c, price)
}

// GetSwapFees prices each leg separately since one ratio query cannot both
// add and remove.
func (p *Pool) GetSwapFees(idxIn, idxOut int, amountIn, amountOut uint64, custodyIn *Custody, priceIn oracle.OraclePrice, custodyOut *Custody, priceOut oracle.OraclePrice) (feeIn, feeOut uint64, err error) {
	if feeIn, err = p.GetFee(idxIn, custodyIn.Fees.Swap, amountIn, 0, custodyIn, priceIn); err != nil {
		return 0, 0, err
	}
	if feeOut, err = p.GetFee(idxOut, custodyOut.Fees.Swap, 0, amountOut, custodyOut, priceOut); err != nil {
		return 0, 0, err
	}
	return feeIn, feeOut, nil
}

// ============================================================================
// AUM
// ============================================================================

// GetAUM sums owned * price over the pool's non-virtual custodies.
func (p *Pool) GetAUM(mode AUMMode, custodies map[string]*Custody, prices map[string]TokenPrices) (uint64, error) {
	var total uint64
	for _, t := range p.Tokens {
		c, ok := custodies[t.Custody]
		if !ok {
			return 0, fmt.Errorf("%w: custody %s missing", ErrInvalidPoolState, t.Custody)
		}
		if c.IsVirtual {
			continue
		}
		tp, ok := prices[t.Custody]
		if !ok {
			return 0, fmt.Errorf("%w: no price for %s", oracle.ErrUnknownOracle, t.Custody)
		}
		usd, err := tp.ForMode(mode).GetAssetAmountUSD(c.Assets.Owned, c.Decimals)
		if err != nil {
			return 0, err
		}
		if total, err = math.CheckedAdd(total, usd); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// GetLPTokenPrice is the USD value of one whole LP token.
func GetLPTokenPrice(aumUSD, lpSupply uint64) (uint64, error) {
	if lpSupply == 0 {
		return 0, nil
	}
	one, err := math.Pow10(math.LPDecimals)
	if err != nil {
		return 0, err
	}
	return math.MulDiv(aumUSD, one, lpSupply, math.RoundDown)
}
