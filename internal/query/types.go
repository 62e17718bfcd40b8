package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PerpPool/internal/state"
)

// Every engine-backed response carries the sequence of the state it was
// read from. Raw fixed-point values sit next to their decimal rendering.

// PoolResponse is a pool with its AUM in each pricing mode.
type PoolResponse struct {
	Name         string              `json:"name"`
	Custodies    []string            `json:"custodies"`
	Ratios       []state.TokenRatios `json:"ratios"`
	LPMint       string              `json:"lp_mint"`
	LPSupply     uint64              `json:"lp_supply"`
	AUMUSD       uint64              `json:"aum_usd"`
	AUM          AUMResponse         `json:"aum"`
	LPPriceUSD   decimal.Decimal     `json:"lp_price_usd"`
	AsOfSequence int64               `json:"as_of_sequence"`
}

// AUMResponse is the pool AUM at min, max and EMA prices.
type AUMResponse struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
	EMA decimal.Decimal `json:"ema"`
}

// CustodyResponse is a custody record with its vault balance.
type CustodyResponse struct {
	Custody      *state.Custody  `json:"custody"`
	VaultBalance decimal.Decimal `json:"vault_balance"`
	SpotPrice    decimal.Decimal `json:"spot_price"`
	EMAPrice     decimal.Decimal `json:"ema_price"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// EntryQuote prices a prospective position.
type EntryQuote struct {
	EntryPrice       uint64          `json:"entry_price"`
	LiquidationPrice uint64          `json:"liquidation_price"`
	Fee              uint64          `json:"fee"`
	SizeUSD          decimal.Decimal `json:"size_usd"`
	Leverage         decimal.Decimal `json:"leverage"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

// ExitQuote prices closing an open position now.
type ExitQuote struct {
	ExitPrice      uint64          `json:"exit_price"`
	Fee            uint64          `json:"fee"`
	TransferAmount uint64          `json:"transfer_amount"`
	ProfitUSD      decimal.Decimal `json:"profit_usd"`
	LossUSD        decimal.Decimal `json:"loss_usd"`
	AsOfSequence   int64           `json:"as_of_sequence"`
}

// PositionResponse is an open position with its live PnL.
type PositionResponse struct {
	ID               uuid.UUID       `json:"id"`
	Owner            string          `json:"owner"`
	Pool             string          `json:"pool"`
	Custody          string          `json:"custody"`
	Side             string          `json:"side"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	SizeUSD          decimal.Decimal `json:"size_usd"`
	CollateralUSD    decimal.Decimal `json:"collateral_usd"`
	ProfitUSD        decimal.Decimal `json:"profit_usd"`
	LossUSD          decimal.Decimal `json:"loss_usd"`
	Leverage         decimal.Decimal `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	OpenTime         int64           `json:"open_time"`
	AsOfSequence     int64           `json:"as_of_sequence"`
}

// StakingResponse is a staking record and its vault balances.
type StakingResponse struct {
	Staking       *state.Staking `json:"staking"`
	StakedAmount  uint64         `json:"staked_amount"`
	RewardVault   uint64         `json:"reward_vault"`
	LMRewardVault uint64         `json:"lm_reward_vault"`
	AsOfSequence  int64          `json:"as_of_sequence"`
}

// UserStakingResponse is one owner's stakes with voting power.
type UserStakingResponse struct {
	UserStaking  *state.UserStaking `json:"user_staking"`
	VotingPower  uint64             `json:"voting_power"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// CortexResponse is the emission schedule and vests.
type CortexResponse struct {
	Cortex       *state.Cortex `json:"cortex"`
	EmissionRate uint64        `json:"emission_rate"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// BalanceResponse is one wallet balance.
type BalanceResponse struct {
	Owner        string          `json:"owner"`
	Mint         string          `json:"mint"`
	Amount       uint64          `json:"amount"`
	Display      decimal.Decimal `json:"display"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// ProjectedBalance is an account balance from the read model.
type ProjectedBalance struct {
	AccountPath  string `json:"account_path"`
	Mint         string `json:"mint"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// IntegrityReport is the result of an integrity check over the command log
// and the balance read model.
type IntegrityReport struct {
	IsHealthy       bool             `json:"is_healthy"`
	HashChainBreaks []int64          `json:"hash_chain_breaks,omitempty"`
	UnbalancedMints []UnbalancedMint `json:"unbalanced_mints,omitempty"`
}

// UnbalancedMint is a mint whose balances do not sum to zero.
type UnbalancedMint struct {
	Mint      string `json:"mint"`
	Imbalance int64  `json:"imbalance"`
}
