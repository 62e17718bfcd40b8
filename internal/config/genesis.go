// Package config loads the genesis file: the global configuration, the
// emission buckets, and the pools and custodies a fresh engine starts with.
// Amounts are written in human units ("1.25", "0.003") and converted to the
// engine's fixed-point scales on load.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"PerpPool/internal/event"
	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
	"PerpPool/internal/state"
)

var ErrInvalidGenesis = errors.New("config: invalid genesis")

// Amount is a decimal read from a YAML scalar, quoted or not.
type Amount struct {
	decimal.Decimal
}

func NewAmount(s string) Amount {
	return Amount{decimal.RequireFromString(s)}
}

func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: amount must be a scalar", ErrInvalidGenesis, value.Line)
	}
	d, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("%w: line %d: %v", ErrInvalidGenesis, value.Line, err)
	}
	a.Decimal = d
	return nil
}

// Fixed scales the amount to decimals places. Digits beyond that precision
// are rejected rather than rounded.
func (a Amount) Fixed(decimals int32) (uint64, error) {
	if a.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInvalidGenesis, a.String())
	}
	scaled := a.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidGenesis, a.String(), decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidGenesis, a.String())
	}
	return bi.Uint64(), nil
}

// BPS reads a fraction ("0.003") as basis points.
func (a Amount) BPS() (uint64, error) { return a.Fixed(math.BPSDecimals) }

// Rate reads a fraction as a RATE_DECIMALS rate.
func (a Amount) Rate() (uint64, error) { return a.Fixed(math.RateDecimals) }

// Genesis is the file layout.
type Genesis struct {
	Timestamp     int64              `yaml:"timestamp"`
	Admin         string             `yaml:"admin"`
	Keeper        string             `yaml:"keeper"`
	MinSignatures uint8              `yaml:"min_signatures"`
	Permissions   *state.Permissions `yaml:"permissions"`
	RewardToken   TokenSpec          `yaml:"reward_token"`
	Allocations   Allocations        `yaml:"allocations"`
	Governance    GovernanceSpec     `yaml:"governance"`

	// LMStakersFeeShare is the fraction of fees routed to LM stakers.
	LMStakersFeeShare  Amount     `yaml:"lm_stakers_fee_share"`
	LMEmissionPerRound Amount     `yaml:"lm_emission_per_round"`
	Pools              []PoolSpec `yaml:"pools"`
}

type TokenSpec struct {
	Mint     string `yaml:"mint"`
	Decimals uint8  `yaml:"decimals"`
}

// Allocations are in LM tokens.
type Allocations struct {
	CoreContributor Amount `yaml:"core_contributor"`
	DAOTreasury     Amount `yaml:"dao_treasury"`
	POL             Amount `yaml:"pol"`
	Ecosystem       Amount `yaml:"ecosystem"`
}

type GovernanceSpec struct {
	Realm   string `yaml:"realm"`
	Program string `yaml:"program"`
}

type PoolSpec struct {
	Name               string        `yaml:"name"`
	LMEmissionPerRound Amount        `yaml:"lm_emission_per_round"`
	Custodies          []CustodySpec `yaml:"custodies"`
}

type CustodySpec struct {
	Mint        string             `yaml:"mint"`
	Decimals    uint8              `yaml:"decimals"`
	IsStable    bool               `yaml:"is_stable"`
	IsVirtual   bool               `yaml:"is_virtual"`
	Oracle      OracleSpec         `yaml:"oracle"`
	Pricing     PricingSpec        `yaml:"pricing"`
	Permissions *state.Permissions `yaml:"permissions"`
	Fees        FeesSpec           `yaml:"fees"`
	BorrowRate  BorrowRateSpec     `yaml:"borrow_rate"`
	Ratio       *RatioSpec         `yaml:"ratio"`

	// GenesisLimitUSD caps add_genesis_liquidity, in USD.
	GenesisLimitUSD Amount `yaml:"genesis_limit_usd"`
}

type OracleSpec struct {
	AccountRef     string      `yaml:"account_ref"`
	Kind           oracle.Kind `yaml:"kind"`
	MaxPriceError  Amount      `yaml:"max_price_error"`
	MaxPriceAgeSec uint32      `yaml:"max_price_age_sec"`
}

// PricingSpec: spreads are fractions, leverages and the payoff cap are
// multiples ("100" is 100x).
type PricingSpec struct {
	UseEMA             bool   `yaml:"use_ema"`
	TradeSpreadLong    Amount `yaml:"trade_spread_long"`
	TradeSpreadShort   Amount `yaml:"trade_spread_short"`
	SwapSpread         Amount `yaml:"swap_spread"`
	MinInitialLeverage Amount `yaml:"min_initial_leverage"`
	MaxLeverage        Amount `yaml:"max_leverage"`
	MaxPayoffMult      Amount `yaml:"max_payoff_mult"`
}

type FeesSpec struct {
	Mode            state.FeesMode `yaml:"mode"`
	MaxIncrease     Amount         `yaml:"max_increase"`
	MaxDecrease     Amount         `yaml:"max_decrease"`
	Swap            Amount         `yaml:"swap"`
	AddLiquidity    Amount         `yaml:"add_liquidity"`
	RemoveLiquidity Amount         `yaml:"remove_liquidity"`
	OpenPosition    Amount         `yaml:"open_position"`
	ClosePosition   Amount         `yaml:"close_position"`
	Liquidation     Amount         `yaml:"liquidation"`
	ProtocolShare   Amount         `yaml:"protocol_share"`
}

// BorrowRateSpec rates are fractions per rate period.
type BorrowRateSpec struct {
	Base               Amount `yaml:"base"`
	Slope1             Amount `yaml:"slope1"`
	Slope2             Amount `yaml:"slope2"`
	OptimalUtilization Amount `yaml:"optimal_utilization"`
}

// RatioSpec fractions of the pool's AUM.
type RatioSpec struct {
	Target Amount `yaml:"target"`
	Min    Amount `yaml:"min"`
	Max    Amount `yaml:"max"`
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis %s: %w", path, err)
	}
	return ParseGenesis(data)
}

func ParseGenesis(data []byte) (*Genesis, error) {
	var g Genesis
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGenesis, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks what the file alone can tell; the engine validates the
// rest when the commands are applied.
func (g *Genesis) Validate() error {
	if g.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidGenesis)
	}
	if g.Admin == "" {
		return fmt.Errorf("%w: admin is required", ErrInvalidGenesis)
	}
	if g.RewardToken.Mint == "" {
		return fmt.Errorf("%w: reward_token.mint is required", ErrInvalidGenesis)
	}
	seen := make(map[string]bool, len(g.Pools))
	for _, p := range g.Pools {
		if p.Name == "" {
			return fmt.Errorf("%w: pool without a name", ErrInvalidGenesis)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate pool %q", ErrInvalidGenesis, p.Name)
		}
		seen[p.Name] = true

		mints := make(map[string]bool, len(p.Custodies))
		withRatio := 0
		for _, c := range p.Custodies {
			if c.Mint == "" {
				return fmt.Errorf("%w: pool %s: custody without a mint", ErrInvalidGenesis, p.Name)
			}
			if mints[c.Mint] {
				return fmt.Errorf("%w: pool %s: duplicate custody %s", ErrInvalidGenesis, p.Name, c.Mint)
			}
			mints[c.Mint] = true
			if c.Ratio != nil {
				withRatio++
			}
		}
		if withRatio != 0 && withRatio != len(p.Custodies) {
			return fmt.Errorf("%w: pool %s: ratios must be set on every custody or none", ErrInvalidGenesis, p.Name)
		}
	}
	return nil
}

// Commands returns the init, add_pool and add_custody commands that build
// the genesis state, in order. Keys are stable so a restarted bootstrap is
// deduplicated by the engine.
func (g *Genesis) Commands() ([]event.Command, error) {
	n := 0
	header := func(what string) event.Header {
		n++
		return event.Header{
			Key:    fmt.Sprintf("genesis:%03d:%s", n, what),
			Signer: g.Admin,
			Time:   g.Timestamp,
		}
	}

	initCmd, err := g.initCommand(header("init"))
	if err != nil {
		return nil, err
	}
	cmds := []event.Command{initCmd}

	for _, p := range g.Pools {
		emission, err := p.LMEmissionPerRound.Fixed(math.LMDecimals)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.Name, err)
		}
		cmds = append(cmds, &event.AddPool{
			Header:             header("pool:" + p.Name),
			Name:               p.Name,
			LMEmissionPerRound: emission,
		})

		ratios := make([]state.TokenRatios, 0, len(p.Custodies))
		for i, c := range p.Custodies {
			cfg, err := c.custodyConfig()
			if err != nil {
				return nil, fmt.Errorf("pool %s custody %s: %w", p.Name, c.Mint, err)
			}
			if c.Ratio != nil {
				r, err := c.Ratio.tokenRatios()
				if err != nil {
					return nil, fmt.Errorf("pool %s custody %s: %w", p.Name, c.Mint, err)
				}
				ratios = append(ratios, r)
				// intermediate custodies take equal ratios; the last one
				// sets the configured ratios for the whole pool
				if i == len(p.Custodies)-1 {
					cfg.Ratios = ratios
				}
			}
			cmds = append(cmds, &event.AddCustody{
				Header:        header("custody:" + p.Name + ":" + c.Mint),
				Pool:          p.Name,
				Mint:          c.Mint,
				Decimals:      c.Decimals,
				CustodyConfig: cfg,
			})
		}
	}
	return cmds, nil
}

func (g *Genesis) initCommand(h event.Header) (*event.Init, error) {
	cmd := &event.Init{
		Header:              h,
		Permissions:         state.AllPermissions(),
		MinSignatures:       g.MinSignatures,
		Admin:               g.Admin,
		Keeper:              g.Keeper,
		RewardTokenMint:     g.RewardToken.Mint,
		RewardTokenDecimals: g.RewardToken.Decimals,
		GovernanceRealm:     g.Governance.Realm,
		GovernanceProgram:   g.Governance.Program,
	}
	if g.Permissions != nil {
		cmd.Permissions = *g.Permissions
	}
	if cmd.MinSignatures == 0 {
		cmd.MinSignatures = 1
	}

	var err error
	for _, f := range []struct {
		dst *uint64
		src Amount
		dec int32
	}{
		{&cmd.CoreContributorAllocation, g.Allocations.CoreContributor, math.LMDecimals},
		{&cmd.DAOTreasuryAllocation, g.Allocations.DAOTreasury, math.LMDecimals},
		{&cmd.POLAllocation, g.Allocations.POL, math.LMDecimals},
		{&cmd.EcosystemAllocation, g.Allocations.Ecosystem, math.LMDecimals},
		{&cmd.LMEmissionPerRound, g.LMEmissionPerRound, math.LMDecimals},
		{&cmd.LMStakersFeeShare, g.LMStakersFeeShare, math.BPSDecimals},
	} {
		if *f.dst, err = f.src.Fixed(f.dec); err != nil {
			return nil, err
		}
	}
	return cmd, nil
}

func (c CustodySpec) custodyConfig() (event.CustodyConfig, error) {
	cfg := event.CustodyConfig{
		IsStable:    c.IsStable,
		IsVirtual:   c.IsVirtual,
		Permissions: state.AllPermissions(),
		Oracle: oracle.Params{
			AccountRef:     c.Oracle.AccountRef,
			Kind:           c.Oracle.Kind,
			MaxPriceAgeSec: c.Oracle.MaxPriceAgeSec,
		},
		Pricing: state.PricingParams{UseEMA: c.Pricing.UseEMA},
		Fees:    state.Fees{Mode: c.Fees.Mode},
	}
	if c.Permissions != nil {
		cfg.Permissions = *c.Permissions
	}

	var err error
	for _, f := range []struct {
		dst *uint64
		src Amount
		dec int32
	}{
		{&cfg.Oracle.MaxPriceError, c.Oracle.MaxPriceError, math.BPSDecimals},

		{&cfg.Pricing.TradeSpreadLong, c.Pricing.TradeSpreadLong, math.BPSDecimals},
		{&cfg.Pricing.TradeSpreadShort, c.Pricing.TradeSpreadShort, math.BPSDecimals},
		{&cfg.Pricing.SwapSpread, c.Pricing.SwapSpread, math.BPSDecimals},
		{&cfg.Pricing.MinInitialLeverage, c.Pricing.MinInitialLeverage, math.BPSDecimals},
		{&cfg.Pricing.MaxLeverage, c.Pricing.MaxLeverage, math.BPSDecimals},
		{&cfg.Pricing.MaxPayoffMult, c.Pricing.MaxPayoffMult, math.BPSDecimals},

		{&cfg.Fees.MaxIncrease, c.Fees.MaxIncrease, math.BPSDecimals},
		{&cfg.Fees.MaxDecrease, c.Fees.MaxDecrease, math.BPSDecimals},
		{&cfg.Fees.Swap, c.Fees.Swap, math.BPSDecimals},
		{&cfg.Fees.AddLiquidity, c.Fees.AddLiquidity, math.BPSDecimals},
		{&cfg.Fees.RemoveLiquidity, c.Fees.RemoveLiquidity, math.BPSDecimals},
		{&cfg.Fees.OpenPosition, c.Fees.OpenPosition, math.BPSDecimals},
		{&cfg.Fees.ClosePosition, c.Fees.ClosePosition, math.BPSDecimals},
		{&cfg.Fees.Liquidation, c.Fees.Liquidation, math.BPSDecimals},
		{&cfg.Fees.ProtocolShare, c.Fees.ProtocolShare, math.BPSDecimals},

		{&cfg.BorrowRate.Base, c.BorrowRate.Base, math.RateDecimals},
		{&cfg.BorrowRate.Slope1, c.BorrowRate.Slope1, math.RateDecimals},
		{&cfg.BorrowRate.Slope2, c.BorrowRate.Slope2, math.RateDecimals},
		{&cfg.BorrowRate.OptimalUtilization, c.BorrowRate.OptimalUtilization, math.RateDecimals},

		{&cfg.GenesisLimitUSD, c.GenesisLimitUSD, math.USDDecimals},
	} {
		if *f.dst, err = f.src.Fixed(f.dec); err != nil {
			return event.CustodyConfig{}, err
		}
	}
	return cfg, nil
}

func (r RatioSpec) tokenRatios() (state.TokenRatios, error) {
	var out state.TokenRatios
	var err error
	if out.Target, err = r.Target.BPS(); err != nil {
		return out, err
	}
	if out.Min, err = r.Min.BPS(); err != nil {
		return out, err
	}
	if out.Max, err = r.Max.BPS(); err != nil {
		return out, err
	}
	return out, nil
}
