package event

import "fmt"

// OpType discriminator for command payloads
type OpType int32

const (
	OpUnknown OpType = iota
	OpInit
	OpAddPool
	OpAddCustody
	OpSetCustodyConfig
	OpSetOraclePrice
	OpDeposit
	OpWithdraw
	OpAddLiquidity
	OpAddGenesisLiquidity
	OpRemoveLiquidity
	OpSwap
	OpOpenPosition
	OpClosePosition
	OpLiquidate
	OpRemoveCollateral
	OpAddLiquidStake
	OpAddLockedStake
	OpRemoveLiquidStake
	OpRemoveLockedStake
	OpClaimStakes
	OpResolveStakingRound
	OpFinalizeLockedStake
	OpWithdrawFees
	OpMintLMTokensFromBucket
	OpAddVest
	OpClaimVest
	OpSetBorrowRate
	OpUpdatePoolAUM
	OpSetCustomOraclePricePermissionless

	opLast = OpSetCustomOraclePricePermissionless
)

var opNames = map[OpType]string{
	OpInit:                   "init",
	OpAddPool:                "add_pool",
	OpAddCustody:             "add_custody",
	OpSetCustodyConfig:       "set_custody_config",
	OpSetOraclePrice:         "set_oracle_price",
	OpDeposit:                "deposit",
	OpWithdraw:               "withdraw",
	OpAddLiquidity:           "add_liquidity",
	OpAddGenesisLiquidity:    "add_genesis_liquidity",
	OpRemoveLiquidity:        "remove_liquidity",
	OpSwap:                   "swap",
	OpOpenPosition:           "open_position",
	OpClosePosition:          "close_position",
	OpLiquidate:              "liquidate",
	OpRemoveCollateral:       "remove_collateral",
	OpAddLiquidStake:         "add_liquid_stake",
	OpAddLockedStake:         "add_locked_stake",
	OpRemoveLiquidStake:      "remove_liquid_stake",
	OpRemoveLockedStake:      "remove_locked_stake",
	OpClaimStakes:            "claim_stakes",
	OpResolveStakingRound:    "resolve_staking_round",
	OpFinalizeLockedStake:    "finalize_locked_stake",
	OpWithdrawFees:           "withdraw_fees",
	OpMintLMTokensFromBucket: "mint_lm_tokens_from_bucket",
	OpAddVest:                "add_vest",
	OpClaimVest:              "claim_vest",

	OpSetBorrowRate:                      "set_borrow_rate",
	OpUpdatePoolAUM:                      "update_pool_aum",
	OpSetCustomOraclePricePermissionless: "set_custom_oracle_price_permissionless",
}

func (op OpType) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "unknown"
}

func (op OpType) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

func (op *OpType) UnmarshalText(b []byte) error {
	v := ParseOpType(string(b))
	if v == OpUnknown {
		return fmt.Errorf("unknown operation %q", string(b))
	}
	*op = v
	return nil
}

// ParseOpType maps a wire name to its discriminator.
func ParseOpType(name string) OpType {
	for op, n := range opNames {
		if n == name {
			return op
		}
	}
	return OpUnknown
}

// OpTypes lists every known operation in discriminator order.
func OpTypes() []OpType {
	out := make([]OpType, 0, len(opNames))
	for op := OpInit; op <= opLast; op++ {
		out = append(out, op)
	}
	return out
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	OpType OpType

	// Signer of the command
	Caller string

	// Versioned input timestamp, unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream producer and its sequence for ordering validation
	Source         string
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads implement
type Command interface {
	IdempotencyKey() string
	OpType() OpType
	Caller() string
	// Timestamp is the only clock the engine reads.
	Timestamp() int64
	// Source is empty for unsequenced commands.
	Source() string
	SourceSequence() int64
}

// Header carries the fields every command shares.
type Header struct {
	Key       string `json:"idempotency_key"`
	Signer    string `json:"caller"`
	Time      int64  `json:"timestamp"`
	Producer  string `json:"source,omitempty"`
	ProducerN int64  `json:"source_sequence,omitempty"`
}

func (h *Header) IdempotencyKey() string { return h.Key }
func (h *Header) Caller() string         { return h.Signer }
func (h *Header) Timestamp() int64       { return h.Time }
func (h *Header) Source() string         { return h.Producer }
func (h *Header) SourceSequence() int64  { return h.ProducerN }
