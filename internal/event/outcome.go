package event

import "github.com/google/uuid"

// Outcome is what the engine reports for one command, applied or rejected.
type Outcome struct {
	Sequence       int64    `json:"sequence"`
	IdempotencyKey string   `json:"idempotency_key"`
	OpType         OpType   `json:"op_type"`
	Caller         string   `json:"caller"`
	Timestamp      int64    `json:"timestamp"`
	Code           string   `json:"code"`
	Error          string   `json:"error,omitempty"`
	Duplicate      bool     `json:"duplicate,omitempty"`
	Result         any      `json:"result,omitempty"`
	StateHash      [32]byte `json:"state_hash"`
}

// Applied reports whether the command changed state.
func (o *Outcome) Applied() bool {
	return o.Error == "" && !o.Duplicate
}

// --- Results ---

type PoolAdded struct {
	Pool    string `json:"pool"`
	LPMint  string `json:"lp_mint"`
	Staking string `json:"staking"`
}

type CustodyAdded struct {
	Custody string `json:"custody"`
}

type PoolAUMUpdated struct {
	Pool           string `json:"pool"`
	PreviousAUMUSD uint64 `json:"previous_aum_usd"`
	AUMUSD         uint64 `json:"aum_usd"`
}

// OraclePriceRelayed reports whether a relayed price was newer than the
// published one.
type OraclePriceRelayed struct {
	AccountRef string `json:"account_ref"`
	Updated    bool   `json:"updated"`
}

type LiquidityAdded struct {
	LPAmount uint64 `json:"lp_amount"`
	Fee      uint64 `json:"fee"`
	LMReward uint64 `json:"lm_reward"`
}

type LiquidityRemoved struct {
	Amount   uint64 `json:"amount"`
	Fee      uint64 `json:"fee"`
	LMReward uint64 `json:"lm_reward"`
}

type Swapped struct {
	AmountOut uint64 `json:"amount_out"`
	FeeIn     uint64 `json:"fee_in"`
	FeeOut    uint64 `json:"fee_out"`
	LMReward  uint64 `json:"lm_reward"`
}

type PositionOpened struct {
	PositionID    uuid.UUID `json:"position_id"`
	EntryPrice    uint64    `json:"entry_price"`
	SizeUSD       uint64    `json:"size_usd"`
	CollateralUSD uint64    `json:"collateral_usd"`
	LockedAmount  uint64    `json:"locked_amount"`
	Fee           uint64    `json:"fee"`
	LMReward      uint64    `json:"lm_reward"`
}

type PositionClosed struct {
	PositionID       uuid.UUID `json:"position_id"`
	TransferAmount   uint64    `json:"transfer_amount"`
	Fee              uint64    `json:"fee"`
	ProfitUSD        uint64    `json:"profit_usd"`
	LossUSD          uint64    `json:"loss_usd"`
	LiquidatorReward uint64    `json:"liquidator_reward,omitempty"`
	LMReward         uint64    `json:"lm_reward"`
}

type CollateralRemoved struct {
	PositionID uuid.UUID `json:"position_id"`
	Amount     uint64    `json:"amount"`
}

type StakesClaimed struct {
	Reward uint64 `json:"reward"`
	LM     uint64 `json:"lm"`
	Bounty uint64 `json:"bounty,omitempty"`
}

type RoundResolved struct {
	Staking        string `json:"staking"`
	Emission       uint64 `json:"emission"`
	Rate           uint64 `json:"rate"`
	LMRate         uint64 `json:"lm_rate"`
	ResolvedRounds int    `json:"resolved_rounds"`
}

type StakeFinalized struct {
	Amount         uint64 `json:"amount"`
	RevokedVotes   uint64 `json:"revoked_votes"`
	ResolutionTask string `json:"resolution_task_id"`
}

type Unstaked struct {
	Amount uint64 `json:"amount"`
}

type VestClaimed struct {
	Amount    uint64 `json:"amount"`
	Remaining uint64 `json:"remaining"`
}
