package event

import (
	"PerpPool/internal/math"
	"PerpPool/internal/oracle"
	"PerpPool/internal/state"
)

// Init creates the global configuration, the cortex and the LM staking.
type Init struct {
	Header
	Permissions         state.Permissions `json:"permissions"`
	MinSignatures       uint8             `json:"min_signatures"`
	Admin               string            `json:"admin"`
	Keeper              string            `json:"keeper"`
	RewardTokenMint     string            `json:"reward_token_mint"`
	RewardTokenDecimals uint8             `json:"reward_token_decimals"`

	CoreContributorAllocation uint64 `json:"core_contributor_allocation"`
	DAOTreasuryAllocation     uint64 `json:"dao_treasury_allocation"`
	POLAllocation             uint64 `json:"pol_allocation"`
	EcosystemAllocation       uint64 `json:"ecosystem_allocation"`

	LMStakersFeeShare  uint64 `json:"lm_stakers_fee_share"`
	LMEmissionPerRound uint64 `json:"lm_emission_per_round"`
	GovernanceRealm    string `json:"governance_realm"`
	GovernanceProgram  string `json:"governance_program"`
}

func (i *Init) OpType() OpType {
	return OpInit
}

// AddPool creates an empty pool, its LP mint and its LP staking.
type AddPool struct {
	Header
	Name               string `json:"name"`
	LMEmissionPerRound uint64 `json:"lm_emission_per_round"`
}

func (a *AddPool) OpType() OpType {
	return OpAddPool
}

// CustodyConfig is everything about a custody an admin may change.
// Ratios, when set, carry one entry per pool token after the operation.
type CustodyConfig struct {
	IsStable        bool                 `json:"is_stable" yaml:"is_stable"`
	IsVirtual       bool                 `json:"is_virtual" yaml:"is_virtual"`
	Oracle          oracle.Params        `json:"oracle" yaml:"oracle"`
	Pricing         state.PricingParams  `json:"pricing" yaml:"pricing"`
	Permissions     state.Permissions    `json:"permissions" yaml:"permissions"`
	Fees            state.Fees           `json:"fees" yaml:"fees"`
	BorrowRate      math.BorrowRateCurve `json:"borrow_rate" yaml:"borrow_rate"`
	Ratios          []state.TokenRatios  `json:"ratios" yaml:"ratios"`
	GenesisLimitUSD uint64               `json:"genesis_limit_usd" yaml:"genesis_limit_usd"`
}

type AddCustody struct {
	Header
	Pool     string `json:"pool"`
	Mint     string `json:"mint"`
	Decimals uint8  `json:"decimals"`
	CustodyConfig
}

func (a *AddCustody) OpType() OpType {
	return OpAddCustody
}

type SetCustodyConfig struct {
	Header
	Pool string `json:"pool"`
	Mint string `json:"mint"`
	CustodyConfig
}

func (s *SetCustodyConfig) OpType() OpType {
	return OpSetCustodyConfig
}

// SetOraclePrice publishes a custom oracle record.
type SetOraclePrice struct {
	Header
	AccountRef  string `json:"account_ref"`
	Price       uint64 `json:"price"`
	Exponent    int32  `json:"exponent"`
	Confidence  uint64 `json:"confidence"`
	EMA         uint64 `json:"ema"`
	PublishTime int64  `json:"publish_time"`
}

func (s *SetOraclePrice) OpType() OpType {
	return OpSetOraclePrice
}

// SetCustomOraclePricePermissionless relays a custom price signed by the
// custody's oracle authority. Any caller may send it.
type SetCustomOraclePricePermissionless struct {
	Header
	Pool        string `json:"pool"`
	Mint        string `json:"mint"`
	Price       uint64 `json:"price"`
	Exponent    int32  `json:"exponent"`
	Confidence  uint64 `json:"confidence"`
	EMA         uint64 `json:"ema"`
	PublishTime int64  `json:"publish_time"`
	Signature   []byte `json:"signature"`
}

func (s *SetCustomOraclePricePermissionless) OpType() OpType {
	return OpSetCustomOraclePricePermissionless
}

// SetBorrowRate overwrites a custody's current borrow rate and its
// cumulative interest.
type SetBorrowRate struct {
	Header
	Pool           string `json:"pool"`
	Mint           string `json:"mint"`
	BorrowRate     uint64 `json:"borrow_rate"`
	CumulativeRate uint64 `json:"cumulative_rate"`
}

func (s *SetBorrowRate) OpType() OpType {
	return OpSetBorrowRate
}

// UpdatePoolAUM recomputes a pool's cached AUM. Any caller may send it.
type UpdatePoolAUM struct {
	Header
	Pool string `json:"pool"`
}

func (u *UpdatePoolAUM) OpType() OpType {
	return OpUpdatePoolAUM
}

// MintLMTokensFromBucket issues LM from a non-ecosystem bucket.
type MintLMTokensFromBucket struct {
	Header
	Bucket state.BucketName `json:"bucket"`
	Owner  string           `json:"owner"`
	Amount uint64           `json:"amount"`
	Reason string           `json:"reason"`
}

func (m *MintLMTokensFromBucket) OpType() OpType {
	return OpMintLMTokensFromBucket
}

type AddVest struct {
	Header
	Owner       string `json:"owner"`
	Amount      uint64 `json:"amount"`
	UnlockStart int64  `json:"unlock_start"`
	UnlockEnd   int64  `json:"unlock_end"`
}

func (a *AddVest) OpType() OpType {
	return OpAddVest
}

type ClaimVest struct {
	Header
	Owner string `json:"owner"`
}

func (c *ClaimVest) OpType() OpType {
	return OpClaimVest
}
